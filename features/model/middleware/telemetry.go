package middleware

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/modelresult/runtime/model"
	"goa.design/modelresult/runtime/telemetry"
)

type (
	// TelemetryOptions configures the telemetry middlewares. Nil fields use
	// no-op implementations.
	TelemetryOptions struct {
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	observer struct {
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
	}

	observedClient struct {
		next model.ChatClient
		obs  *observer
	}

	observedEmbedder struct {
		next model.EmbeddingClient
		obs  *observer
	}

	observedStreamer struct {
		model.Streamer
		ctx     context.Context
		obs     *observer
		span    telemetry.Span
		started time.Time
		model   string
		once    sync.Once
	}
)

// Metric names emitted by the telemetry middlewares.
const (
	MetricCallDuration = "model.call.duration"
	MetricCallSuccess  = "model.call.success"
	MetricCallError    = "model.call.error"
	MetricInputTokens  = "model.tokens.input"
	MetricOutputTokens = "model.tokens.output"
	MetricFinishReason = "model.finish_reason"
	MetricEmptyResult  = "model.result.empty"
)

// Telemetry returns a middleware that traces, logs and measures chat calls.
// Token counts and finish reasons are read from the returned result
// metadata.
func Telemetry(opts TelemetryOptions) Middleware {
	obs := newObserver(opts)
	return func(next model.ChatClient) model.ChatClient {
		if next == nil {
			return nil
		}
		return &observedClient{next: next, obs: obs}
	}
}

// EmbeddingTelemetry returns the embedding counterpart of Telemetry.
func EmbeddingTelemetry(opts TelemetryOptions) EmbeddingMiddleware {
	obs := newObserver(opts)
	return func(next model.EmbeddingClient) model.EmbeddingClient {
		if next == nil {
			return nil
		}
		return &observedEmbedder{next: next, obs: obs}
	}
}

func newObserver(opts TelemetryOptions) *observer {
	obs := &observer{logger: opts.Logger, metrics: opts.Metrics, tracer: opts.Tracer}
	if obs.logger == nil {
		obs.logger = telemetry.NewNoopLogger()
	}
	if obs.metrics == nil {
		obs.metrics = telemetry.NewNoopMetrics()
	}
	if obs.tracer == nil {
		obs.tracer = telemetry.NewNoopTracer()
	}
	return obs
}

func (c *observedClient) Complete(ctx context.Context, req *model.Request) (*model.ChatResponse, error) {
	ctx, span := c.obs.tracer.Start(ctx, "model.complete", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()
	resp, err := c.next.Complete(ctx, req)
	if err != nil {
		c.obs.failed(ctx, span, "complete", requestModel(req), time.Since(start), err)
		return nil, err
	}
	if resp == nil {
		resp = &model.ChatResponse{}
	}
	tags := c.obs.succeeded(ctx, span, "complete", resp.Metadata, requestModel(req), time.Since(start))
	for _, res := range resp.Results {
		if !res.HasOutput() {
			c.obs.metrics.IncCounter(MetricEmptyResult, 1, tags...)
		}
		if gm, ok := res.Metadata().(model.GenerationMetadata); ok && gm.FinishReason != "" {
			c.obs.metrics.IncCounter(MetricFinishReason, 1, append(tags, "reason", gm.FinishReason)...)
		}
	}
	return resp, nil
}

func (c *observedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	ctx, span := c.obs.tracer.Start(ctx, "model.stream", trace.WithSpanKind(trace.SpanKindClient))
	start := time.Now()
	st, err := c.next.Stream(ctx, req)
	if err != nil {
		c.obs.failed(ctx, span, "stream", requestModel(req), time.Since(start), err)
		span.End()
		return nil, err
	}
	return &observedStreamer{
		Streamer: st,
		ctx:      ctx,
		obs:      c.obs,
		span:     span,
		started:  start,
		model:    requestModel(req),
	}, nil
}

func (e *observedEmbedder) Embed(ctx context.Context, req *model.EmbeddingRequest) (*model.EmbeddingResponse, error) {
	ctx, span := e.obs.tracer.Start(ctx, "model.embed", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var reqModel string
	if req != nil {
		reqModel = req.Model
	}
	start := time.Now()
	resp, err := e.next.Embed(ctx, req)
	if err != nil {
		e.obs.failed(ctx, span, "embed", reqModel, time.Since(start), err)
		return nil, err
	}
	if resp == nil {
		resp = &model.EmbeddingResponse{}
	}
	tags := e.obs.succeeded(ctx, span, "embed", resp.Metadata, reqModel, time.Since(start))
	for _, res := range resp.Results {
		if !res.HasOutput() {
			e.obs.metrics.IncCounter(MetricEmptyResult, 1, tags...)
		}
	}
	return resp, nil
}

// Recv records the stream outcome once the stream ends.
func (s *observedStreamer) Recv() (model.Chunk, error) {
	ch, err := s.Streamer.Recv()
	if err != nil {
		s.finish(err)
	}
	return ch, err
}

// Close ends the stream span if the stream was abandoned before it ended.
func (s *observedStreamer) Close() error {
	err := s.Streamer.Close()
	s.finish(io.EOF)
	return err
}

func (s *observedStreamer) finish(err error) {
	s.once.Do(func() {
		defer s.span.End()
		elapsed := time.Since(s.started)
		if !errors.Is(err, io.EOF) {
			s.obs.failed(s.ctx, s.span, "stream", s.model, elapsed, err)
			return
		}
		md := streamMetadata(s.Streamer.Metadata())
		s.obs.succeeded(s.ctx, s.span, "stream", md, s.model, elapsed)
	})
}

func (o *observer) succeeded(ctx context.Context, span telemetry.Span, op string, md model.ResponseMetadata, reqModel string, elapsed time.Duration) []string {
	modelID := md.Model
	if modelID == "" {
		modelID = reqModel
	}
	tags := []string{"operation", op, "provider", md.Provider, "model", modelID}
	o.metrics.RecordTimer(MetricCallDuration, elapsed, tags...)
	o.metrics.IncCounter(MetricCallSuccess, 1, tags...)
	if md.Usage.InputTokens > 0 {
		o.metrics.IncCounter(MetricInputTokens, float64(md.Usage.InputTokens), tags...)
	}
	if md.Usage.OutputTokens > 0 {
		o.metrics.IncCounter(MetricOutputTokens, float64(md.Usage.OutputTokens), tags...)
	}
	span.AddEvent("model.response",
		"provider", md.Provider,
		"model", modelID,
		"response_id", md.ID,
		"input_tokens", md.Usage.InputTokens,
		"output_tokens", md.Usage.OutputTokens,
	)
	span.SetStatus(codes.Ok, "")
	o.logger.Debug(ctx, "model call completed",
		"operation", op,
		"provider", md.Provider,
		"model", modelID,
		"response_id", md.ID,
		"duration_ms", elapsed.Milliseconds(),
		"total_tokens", md.Usage.TotalTokens,
	)
	return tags
}

func (o *observer) failed(ctx context.Context, span telemetry.Span, op, reqModel string, elapsed time.Duration, err error) {
	tags := []string{"operation", op, "model", reqModel, "kind", string(model.ProviderErrorKindUnknown)}
	keyvals := []any{"operation", op, "model", reqModel, "duration_ms", elapsed.Milliseconds(), "err", err}
	if pe, ok := model.AsProviderError(err); ok {
		tags = append(tags[:4], "kind", string(pe.Kind()), "provider", pe.Provider())
		keyvals = append(keyvals, "provider", pe.Provider(), "kind", string(pe.Kind()), "request_id", pe.RequestID())
	}
	o.metrics.RecordTimer(MetricCallDuration, elapsed, tags...)
	o.metrics.IncCounter(MetricCallError, 1, tags...)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, model.ErrRateLimited) || errors.Is(err, context.Canceled) {
		o.logger.Warn(ctx, "model call failed", keyvals...)
		return
	}
	o.logger.Error(ctx, "model call failed", keyvals...)
}

func requestModel(req *model.Request) string {
	if req == nil {
		return ""
	}
	return req.Model
}

// streamMetadata reads the well-known stream metadata keys.
func streamMetadata(meta map[string]any) model.ResponseMetadata {
	var md model.ResponseMetadata
	if v, ok := meta["provider"].(string); ok {
		md.Provider = v
	}
	if v, ok := meta["model"].(string); ok {
		md.Model = v
	}
	if v, ok := meta["id"].(string); ok {
		md.ID = v
	}
	switch u := meta["usage"].(type) {
	case model.TokenUsage:
		md.Usage = u
	case *model.TokenUsage:
		if u != nil {
			md.Usage = *u
		}
	}
	return md
}
