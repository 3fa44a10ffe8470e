package model

import "context"

type (
	// EmbeddingClient is implemented by provider adapters that compute vector
	// embeddings.
	EmbeddingClient interface {
		// Embed computes one embedding per input.
		Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
	}

	// EmbeddingRequest lists the inputs to embed.
	EmbeddingRequest struct {
		// Model identifies the embedding model. Empty selects the client default.
		Model string
		// Inputs are the texts to embed.
		Inputs []string
		// Dimensions requests a specific vector size when the model supports it.
		Dimensions int
		// DocumentIDs optionally associates each input with a document
		// identifier reported in EmbeddingMetadata. When set it must have the
		// same length as Inputs.
		DocumentIDs []string
	}

	// EmbeddingResponse carries one result per request input, in input order.
	EmbeddingResponse struct {
		Results  []*Generation[[]float32]
		Metadata ResponseMetadata
	}
)

// Vectors returns the embedding vectors in input order.
func (r *EmbeddingResponse) Vectors() [][]float32 {
	if r == nil {
		return nil
	}
	out := make([][]float32, 0, len(r.Results))
	for _, res := range r.Results {
		out = append(out, res.Output())
	}
	return out
}

// DocumentID returns the document identifier supplied for input i, if any.
func (r *EmbeddingRequest) DocumentID(i int) string {
	if r == nil || i < 0 || i >= len(r.DocumentIDs) {
		return ""
	}
	return r.DocumentIDs[i]
}
