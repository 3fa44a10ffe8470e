package middleware

import "goa.design/modelresult/runtime/model"

type (
	// Middleware wraps a chat client to add behavior around its calls.
	Middleware func(next model.ChatClient) model.ChatClient

	// EmbeddingMiddleware wraps an embedding client.
	EmbeddingMiddleware func(next model.EmbeddingClient) model.EmbeddingClient
)

// Chain wraps c with mws. The first middleware is the outermost: it sees the
// request first and the response last.
func Chain(c model.ChatClient, mws ...Middleware) model.ChatClient {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			c = mws[i](c)
		}
	}
	return c
}

// ChainEmbedding is Chain for embedding clients.
func ChainEmbedding(c model.EmbeddingClient, mws ...EmbeddingMiddleware) model.EmbeddingClient {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			c = mws[i](c)
		}
	}
	return c
}
