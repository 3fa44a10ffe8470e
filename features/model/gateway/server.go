package gateway

import (
	"context"
	"errors"
	"io"

	"goa.design/modelresult/runtime/model"
)

type (
	// Server adapts a model.ChatClient (and optionally a model.EmbeddingClient)
	// into composable request handlers with middleware support for unary,
	// streaming and embedding calls.
	//
	// Applications typically instantiate a Server with NewServer, configure it
	// with a provider client (WithProvider), and optionally add middleware chains
	// (WithUnary, WithStream, WithEmbed) for cross-cutting concerns such as
	// logging, metrics, rate limiting, or request transformation. The resulting
	// Server exposes Complete, Stream and Embed methods that transport handlers
	// can call.
	//
	// Middleware is applied in registration order: the first middleware registered
	// wraps all subsequent ones, forming an onion structure where the innermost
	// layer invokes the provider client.
	Server struct {
		unary  UnaryHandler
		stream StreamHandler
		embed  EmbedHandler
	}

	// UnaryHandler processes a single chat completion request and returns the
	// response with its results.
	UnaryHandler func(ctx context.Context, req *model.Request) (*model.ChatResponse, error)

	// StreamHandler processes a streaming chat completion request by invoking
	// send for each chunk produced by the model. The send function must be
	// called sequentially; returning an error from send aborts the stream. On
	// success the handler returns the final stream metadata (provider, model,
	// id, usage) so callers can rebuild response metadata.
	StreamHandler func(ctx context.Context, req *model.Request, send func(model.Chunk) error) (map[string]any, error)

	// EmbedHandler processes an embedding request.
	EmbedHandler func(ctx context.Context, req *model.EmbeddingRequest) (*model.EmbeddingResponse, error)

	// UnaryMiddleware wraps a UnaryHandler to add behavior before, after, or
	// around the handler invocation.
	UnaryMiddleware func(next UnaryHandler) UnaryHandler

	// StreamMiddleware wraps a StreamHandler. Middleware can intercept or
	// transform chunks via the send callback and must preserve its sequential
	// semantics.
	StreamMiddleware func(next StreamHandler) StreamHandler

	// EmbedMiddleware wraps an EmbedHandler.
	EmbedMiddleware func(next EmbedHandler) EmbedHandler

	// Option configures a Server during construction. Options are applied in the
	// order they are passed to NewServer.
	Option func(*serverConfig)

	// serverConfig holds the configuration accumulated during Server construction.
	serverConfig struct {
		provider model.ChatClient
		embedder model.EmbeddingClient
		unaryMW  []UnaryMiddleware
		streamMW []StreamMiddleware
		embedMW  []EmbedMiddleware
	}
)

// WithProvider sets the chat client used by the Server. This option is
// required; NewServer returns ErrProviderRequired if no provider is configured.
func WithProvider(p model.ChatClient) Option {
	return func(c *serverConfig) { c.provider = p }
}

// WithEmbedder sets the embedding client used by Server.Embed. Without it
// Embed returns ErrEmbedderRequired.
func WithEmbedder(e model.EmbeddingClient) Option {
	return func(c *serverConfig) { c.embedder = e }
}

// WithUnary appends middleware to the unary completion chain. The first
// registered middleware forms the outermost layer.
func WithUnary(mw ...UnaryMiddleware) Option {
	return func(c *serverConfig) { c.unaryMW = append(c.unaryMW, mw...) }
}

// WithStream appends middleware to the streaming completion chain.
func WithStream(mw ...StreamMiddleware) Option {
	return func(c *serverConfig) { c.streamMW = append(c.streamMW, mw...) }
}

// WithEmbed appends middleware to the embedding chain.
func WithEmbed(mw ...EmbedMiddleware) Option {
	return func(c *serverConfig) { c.embedMW = append(c.embedMW, mw...) }
}

// NewServer constructs a Server with the provided options. The resulting Server
// has no built-in policy; all behavior is composed via middleware. A provider
// client must be configured via WithProvider or NewServer returns
// ErrProviderRequired.
func NewServer(opts ...Option) (*Server, error) {
	var cfg serverConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.provider == nil {
		return nil, ErrProviderRequired
	}
	// Base handlers call the provider directly.
	baseUnary := func(ctx context.Context, req *model.Request) (*model.ChatResponse, error) {
		return cfg.provider.Complete(ctx, req)
	}
	baseStream := func(ctx context.Context, req *model.Request, send func(model.Chunk) error) (map[string]any, error) {
		st, err := cfg.provider.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = st.Close() }()
		for {
			ch, err := st.Recv()
			if errors.Is(err, io.EOF) {
				return st.Metadata(), nil
			}
			if err != nil {
				return nil, err
			}
			if err := send(ch); err != nil {
				return nil, err
			}
		}
	}
	baseEmbed := func(ctx context.Context, req *model.EmbeddingRequest) (*model.EmbeddingResponse, error) {
		if cfg.embedder == nil {
			return nil, ErrEmbedderRequired
		}
		return cfg.embedder.Embed(ctx, req)
	}
	// Wrap with middlewares (in registration order).
	var unary UnaryHandler = baseUnary
	for i := len(cfg.unaryMW) - 1; i >= 0; i-- {
		unary = cfg.unaryMW[i](unary)
	}
	var stream StreamHandler = baseStream
	for i := len(cfg.streamMW) - 1; i >= 0; i-- {
		stream = cfg.streamMW[i](stream)
	}
	var embed EmbedHandler = baseEmbed
	for i := len(cfg.embedMW) - 1; i >= 0; i-- {
		embed = cfg.embedMW[i](embed)
	}
	return &Server{unary: unary, stream: stream, embed: embed}, nil
}

// Complete processes a chat completion request through the unary middleware
// chain.
func (s *Server) Complete(ctx context.Context, req *model.Request) (*model.ChatResponse, error) {
	return s.unary(ctx, req)
}

// Stream processes a streaming chat completion request through the stream
// middleware chain, invoking send for each chunk produced. It returns the
// final stream metadata once the provider stream ends.
func (s *Server) Stream(ctx context.Context, req *model.Request, send func(model.Chunk) error) (map[string]any, error) {
	return s.stream(ctx, req, send)
}

// Embed processes an embedding request through the embedding middleware chain.
func (s *Server) Embed(ctx context.Context, req *model.EmbeddingRequest) (*model.EmbeddingResponse, error) {
	return s.embed(ctx, req)
}

// Client returns an in-process model.ChatClient backed by the server
// handlers.
func (s *Server) Client() *RemoteClient {
	return NewRemoteClient(s.Complete, func(ctx context.Context, req *model.Request) (model.Streamer, error) {
		return NewChunkStreamer(ctx, func(ctx context.Context, send func(model.Chunk) error) (map[string]any, error) {
			return s.Stream(ctx, req, send)
		}), nil
	})
}

// Embedder returns an in-process model.EmbeddingClient backed by the server
// embedding chain.
func (s *Server) Embedder() model.EmbeddingClient {
	return NewRemoteEmbedder(s.Embed)
}
