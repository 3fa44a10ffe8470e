package gateway

import "errors"

var (
	// ErrProviderRequired indicates that a provider model.ChatClient must be supplied.
	ErrProviderRequired = errors.New("model gateway: provider is required")

	// ErrEmbedderRequired indicates that no model.EmbeddingClient was configured.
	ErrEmbedderRequired = errors.New("model gateway: embedder is required")

	// ErrNotConfigured is returned by RemoteClient methods whose transport
	// function was not supplied.
	ErrNotConfigured = errors.New("model gateway: transport function not configured")
)
