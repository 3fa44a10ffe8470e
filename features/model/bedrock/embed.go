package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"goa.design/modelresult/runtime/model"
)

type (
	titanEmbedRequest struct {
		InputText  string `json:"inputText"`
		Dimensions int    `json:"dimensions,omitempty"`
		Normalize  bool   `json:"normalize"`
	}

	titanEmbedResponse struct {
		Embedding           []float32 `json:"embedding"`
		InputTextTokenCount int       `json:"inputTextTokenCount"`
	}
)

// Embed computes embeddings with a Titan text embedding model. Titan accepts a
// single input per call so the adapter issues one InvokeModel request per
// input; result i carries EmbeddingMetadata for input i.
func (c *Client) Embed(ctx context.Context, req *model.EmbeddingRequest) (*model.EmbeddingResponse, error) {
	if req == nil || len(req.Inputs) == 0 {
		return nil, errors.New("bedrock: embedding inputs are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.embedModel
	}
	start := c.now()
	results := make([]*model.Generation[[]float32], 0, len(req.Inputs))
	var tokens int
	for i, input := range req.Inputs {
		body, err := json.Marshal(titanEmbedRequest{InputText: input, Dimensions: req.Dimensions, Normalize: true})
		if err != nil {
			return nil, fmt.Errorf("bedrock: encode embedding request: %w", err)
		}
		out, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(modelID),
			Body:        body,
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
		})
		if err != nil {
			return nil, wrapError("invoke_model", err)
		}
		var resp titanEmbedResponse
		if err := json.Unmarshal(out.Body, &resp); err != nil {
			return nil, fmt.Errorf("bedrock: decode embedding response: %w", err)
		}
		tokens += resp.InputTextTokenCount
		md := model.EmbeddingMetadata{
			Index:      i,
			Modality:   model.ModalityText,
			MimeType:   "text/plain",
			DocumentID: req.DocumentID(i),
		}
		if len(resp.Embedding) == 0 {
			results = append(results, model.EmptyGeneration[[]float32](md))
			continue
		}
		results = append(results, model.NewGeneration(resp.Embedding, md))
	}
	return &model.EmbeddingResponse{
		Results: results,
		Metadata: model.ResponseMetadata{
			Provider: ProviderName,
			Model:    modelID,
			Usage:    model.TokenUsage{InputTokens: tokens, TotalTokens: tokens},
			Latency:  c.now().Sub(start),
		},
	}, nil
}
