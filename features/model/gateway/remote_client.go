package gateway

import (
	"context"
	"io"
	"sync"

	"goa.design/modelresult/runtime/model"
)

type (
	// RemoteClient implements model.ChatClient using caller-supplied RPC
	// functions that operate on normalized runtime model types. This keeps the
	// adapter agnostic of the concrete transport (HTTP/GRPC) and generated
	// packages.
	RemoteClient struct {
		doComplete func(ctx context.Context, req *model.Request) (*model.ChatResponse, error)
		doStream   func(ctx context.Context, req *model.Request) (model.Streamer, error)
	}

	// RemoteEmbedder implements model.EmbeddingClient using a caller-supplied
	// RPC function.
	RemoteEmbedder struct {
		doEmbed func(ctx context.Context, req *model.EmbeddingRequest) (*model.EmbeddingResponse, error)
	}

	// chunkStreamer adapts a push-style stream handler into a pull-style
	// model.Streamer.
	chunkStreamer struct {
		chunks chan model.Chunk
		cancel context.CancelFunc

		mu   sync.Mutex
		meta map[string]any
		err  error
	}
)

// NewRemoteClient constructs a model.ChatClient from normalized RPC
// functions. Either function may be nil, in which case the corresponding
// method returns ErrNotConfigured.
func NewRemoteClient(
	complete func(ctx context.Context, req *model.Request) (*model.ChatResponse, error),
	stream func(ctx context.Context, req *model.Request) (model.Streamer, error),
) *RemoteClient {
	return &RemoteClient{doComplete: complete, doStream: stream}
}

// Complete implements model.ChatClient.
func (c *RemoteClient) Complete(ctx context.Context, req *model.Request) (*model.ChatResponse, error) {
	if c.doComplete == nil {
		return nil, ErrNotConfigured
	}
	return c.doComplete(ctx, req)
}

// Stream implements model.ChatClient.
func (c *RemoteClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if c.doStream == nil {
		return nil, model.ErrStreamingUnsupported
	}
	return c.doStream(ctx, req)
}

// NewRemoteEmbedder constructs a model.EmbeddingClient from an RPC function.
func NewRemoteEmbedder(embed func(ctx context.Context, req *model.EmbeddingRequest) (*model.EmbeddingResponse, error)) *RemoteEmbedder {
	return &RemoteEmbedder{doEmbed: embed}
}

// Embed implements model.EmbeddingClient.
func (e *RemoteEmbedder) Embed(ctx context.Context, req *model.EmbeddingRequest) (*model.EmbeddingResponse, error) {
	if e.doEmbed == nil {
		return nil, ErrNotConfigured
	}
	return e.doEmbed(ctx, req)
}

// NewChunkStreamer runs run in a goroutine and exposes the chunks it sends as
// a model.Streamer. Recv returns io.EOF once run returns without error, and
// Metadata reports the metadata run returned. Closing the streamer cancels
// the context passed to run and waits for it to return.
func NewChunkStreamer(ctx context.Context, run func(ctx context.Context, send func(model.Chunk) error) (map[string]any, error)) model.Streamer {
	ctx, cancel := context.WithCancel(ctx)
	s := &chunkStreamer{chunks: make(chan model.Chunk), cancel: cancel}
	go func() {
		defer close(s.chunks)
		meta, err := run(ctx, func(ch model.Chunk) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			select {
			case s.chunks <- ch:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		s.mu.Lock()
		s.meta, s.err = meta, err
		s.mu.Unlock()
	}()
	return s
}

func (s *chunkStreamer) Recv() (model.Chunk, error) {
	ch, ok := <-s.chunks
	if ok {
		return ch, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return model.Chunk{}, s.err
	}
	return model.Chunk{}, io.EOF
}

func (s *chunkStreamer) Close() error {
	s.cancel()
	for range s.chunks {
	}
	return nil
}

func (s *chunkStreamer) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}
