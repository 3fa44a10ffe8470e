package middleware

import (
	"context"
	"errors"
	"fmt"
	"io"

	"goa.design/modelresult/runtime/model"
	"goa.design/modelresult/runtime/resultlog"
	"goa.design/modelresult/runtime/telemetry"
)

type (
	recordingClient struct {
		next   model.ChatClient
		store  resultlog.Store
		logger telemetry.Logger
	}

	recordingEmbedder struct {
		next   model.EmbeddingClient
		store  resultlog.Store
		logger telemetry.Logger
	}

	// recordingStreamer keeps the chunks it forwards and records the
	// accumulated response when the stream reaches io.EOF.
	recordingStreamer struct {
		model.Streamer
		ctx    context.Context
		client *recordingClient
		chunks []model.Chunk
		done   bool
	}

	// replayStreamer replays recorded chunks so they can be folded with
	// model.Accumulate.
	replayStreamer struct {
		chunks []model.Chunk
		meta   map[string]any
	}
)

// Recorder returns a middleware that writes every result of successful chat
// calls to store. Failing to persist a result fails the call: the result log
// is expected to be complete.
func Recorder(store resultlog.Store, logger telemetry.Logger) Middleware {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return func(next model.ChatClient) model.ChatClient {
		if next == nil || store == nil {
			return next
		}
		return &recordingClient{next: next, store: store, logger: logger}
	}
}

// EmbeddingRecorder returns the embedding counterpart of Recorder.
func EmbeddingRecorder(store resultlog.Store, logger telemetry.Logger) EmbeddingMiddleware {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return func(next model.EmbeddingClient) model.EmbeddingClient {
		if next == nil || store == nil {
			return next
		}
		return &recordingEmbedder{next: next, store: store, logger: logger}
	}
}

func (c *recordingClient) Complete(ctx context.Context, req *model.Request) (*model.ChatResponse, error) {
	resp, err := c.next.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.record(ctx, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *recordingClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	st, err := c.next.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &recordingStreamer{Streamer: st, ctx: ctx, client: c}, nil
}

func (c *recordingClient) record(ctx context.Context, resp *model.ChatResponse) error {
	recs, err := resultlog.FromChat(resp)
	if err != nil {
		return fmt.Errorf("record chat response: %w", err)
	}
	return put(ctx, c.store, c.logger, recs)
}

func (e *recordingEmbedder) Embed(ctx context.Context, req *model.EmbeddingRequest) (*model.EmbeddingResponse, error) {
	resp, err := e.next.Embed(ctx, req)
	if err != nil {
		return nil, err
	}
	recs, err := resultlog.FromEmbedding(resp)
	if err != nil {
		return nil, fmt.Errorf("record embedding response: %w", err)
	}
	if err := put(ctx, e.store, e.logger, recs); err != nil {
		return nil, err
	}
	return resp, nil
}

// Recv forwards the next chunk. At the end of the stream the accumulated
// response is recorded before io.EOF is returned.
func (s *recordingStreamer) Recv() (model.Chunk, error) {
	ch, err := s.Streamer.Recv()
	if err == nil {
		s.chunks = append(s.chunks, ch)
		return ch, nil
	}
	if !errors.Is(err, io.EOF) || s.done {
		return ch, err
	}
	s.done = true
	resp, aerr := model.Accumulate(&replayStreamer{chunks: s.chunks, meta: s.Streamer.Metadata()})
	s.chunks = nil
	if aerr != nil {
		return model.Chunk{}, aerr
	}
	if rerr := s.client.record(s.ctx, resp); rerr != nil {
		return model.Chunk{}, rerr
	}
	return ch, err
}

func (r *replayStreamer) Recv() (model.Chunk, error) {
	if len(r.chunks) == 0 {
		return model.Chunk{}, io.EOF
	}
	ch := r.chunks[0]
	r.chunks = r.chunks[1:]
	return ch, nil
}

func (r *replayStreamer) Close() error             { return nil }
func (r *replayStreamer) Metadata() map[string]any { return r.meta }

func put(ctx context.Context, store resultlog.Store, logger telemetry.Logger, recs []*resultlog.Record) error {
	for _, r := range recs {
		if err := store.Put(ctx, r); err != nil {
			logger.Error(ctx, "failed to record model result", "provider", r.Provider, "model", r.Model, "err", err)
			return fmt.Errorf("record %s result: %w", r.Kind, err)
		}
		logger.Debug(ctx, "recorded model result", "record_id", r.ID, "provider", r.Provider, "model", r.Model)
	}
	return nil
}
