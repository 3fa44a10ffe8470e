// Package middleware provides reusable model client middlewares: adaptive
// rate limiting, telemetry derived from result metadata and recording of
// results to a result log.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"goa.design/modelresult/runtime/model"
)

type (
	// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket on top of
	// model clients. It estimates the token cost of each request, blocks callers
	// until capacity is available, and adjusts its effective tokens-per-minute
	// budget in response to rate limiting signals from the provider.
	//
	// A single limiter may wrap both the chat and embedding clients of a
	// provider so they share one budget.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}

	limitedClient struct {
		next    model.ChatClient
		limiter *AdaptiveRateLimiter
	}

	limitedEmbedder struct {
		next    model.EmbeddingClient
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the subset of rmap.Map used by the cluster-aware limiter.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapClusterMap struct {
		m *rmap.Map
	}
)

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter with a
// tokens-per-minute budget. When m and key are set, it coordinates capacity
// across processes using a Pulse replicated map; otherwise it operates as a
// process-local limiter.
func NewAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterAdaptiveRateLimiter(ctx, cm, key, initialTPM, maxTPM)
}

// newAdaptiveRateLimiter constructs an AdaptiveRateLimiter configured with an
// initial tokens-per-minute budget and an upper bound. The limiter uses a
// simple AIMD strategy and is used internally by the cluster-aware
// constructor.
//
// initialTPM and maxTPM are expressed in tokens per minute. When maxTPM is
// zero or less than initialTPM, it is clamped to initialTPM.
func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		// Default to a conservative budget when callers do not provide one.
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	lim := rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM))

	return &AdaptiveRateLimiter{
		limiter:      lim,
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware returns a chat client middleware that enforces the adaptive
// tokens-per-minute limit for both Complete and Stream calls.
func (l *AdaptiveRateLimiter) Middleware() Middleware {
	return func(next model.ChatClient) model.ChatClient {
		if next == nil {
			return nil
		}
		return &limitedClient{
			next:    next,
			limiter: l,
		}
	}
}

// EmbeddingMiddleware returns an embedding client middleware that draws from
// the same budget as Middleware.
func (l *AdaptiveRateLimiter) EmbeddingMiddleware() EmbeddingMiddleware {
	return func(next model.EmbeddingClient) model.EmbeddingClient {
		if next == nil {
			return nil
		}
		return &limitedEmbedder{next: next, limiter: l}
	}
}

// CurrentTPM returns the effective tokens-per-minute budget.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// Complete enforces the limiter before delegating to the underlying client.
// Usage reported in the response metadata beyond the estimate is charged to
// the budget after the call returns.
func (c *limitedClient) Complete(ctx context.Context, req *model.Request) (*model.ChatResponse, error) {
	est := estimateTokens(req)
	if err := c.limiter.wait(ctx, est); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(err)
	if resp != nil {
		c.limiter.settle(est, resp.Metadata.Usage)
	}
	return resp, err
}

// Stream enforces the limiter before delegating to the underlying client.
func (c *limitedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.limiter.wait(ctx, estimateTokens(req)); err != nil {
		return nil, err
	}
	stream, err := c.next.Stream(ctx, req)
	c.limiter.observe(err)
	return stream, err
}

// Embed enforces the limiter before delegating to the underlying client.
func (c *limitedEmbedder) Embed(ctx context.Context, req *model.EmbeddingRequest) (*model.EmbeddingResponse, error) {
	est := estimateEmbeddingTokens(req)
	if err := c.limiter.wait(ctx, est); err != nil {
		return nil, err
	}
	resp, err := c.next.Embed(ctx, req)
	c.limiter.observe(err)
	if resp != nil {
		c.limiter.settle(est, resp.Metadata.Usage)
	}
	return resp, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, tokens int) error {
	// WaitN fails outright when n exceeds the burst.
	if burst := l.limiter.Burst(); burst > 0 && tokens > burst {
		tokens = burst
	}
	return l.limiter.WaitN(ctx, tokens)
}

// settle reserves the tokens the provider reported beyond the estimate so
// the next callers wait for them. Reservations are never cancelled.
func (l *AdaptiveRateLimiter) settle(estimated int, usage model.TokenUsage) {
	used := usage.TotalTokens
	if used == 0 {
		used = usage.InputTokens + usage.OutputTokens
	}
	extra := used - estimated
	if extra <= 0 {
		return
	}
	if burst := l.limiter.Burst(); burst > 0 && extra > burst {
		extra = burst
	}
	l.limiter.ReserveN(time.Now(), extra)
}

func (l *AdaptiveRateLimiter) observe(err error) {
	switch {
	case err == nil:
		l.adjust(func(cur float64) float64 { return cur + l.recoveryRate }, true)
	case errors.Is(err, model.ErrRateLimited):
		l.adjust(func(cur float64) float64 { return cur * 0.5 }, false)
	}
}

// adjust applies next to the current budget, clamps the result and notifies
// the cluster callback matching the direction of the change.
func (l *AdaptiveRateLimiter) adjust(next func(cur float64) float64, probe bool) {
	l.mu.Lock()
	newTPM, changed := l.setTPMLocked(next(l.currentTPM))
	cb := l.onBackoff
	if probe {
		cb = l.onProbe
	}
	l.mu.Unlock()

	if changed && cb != nil {
		cb(newTPM)
	}
}

// setTPMLocked clamps tpm to [minTPM, maxTPM] and applies it to the token
// bucket. l.mu must be held.
func (l *AdaptiveRateLimiter) setTPMLocked(tpm float64) (float64, bool) {
	tpm = min(max(tpm, l.minTPM), l.maxTPM)
	if tpm == l.currentTPM {
		return tpm, false
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	return tpm, true
}

// estimateTokens computes a cheap heuristic for the number of tokens in the
// request transcript. It counts characters in text and string tool results,
// converts them to tokens using a fixed ratio, and adds a small buffer for
// system prompts and provider overhead.
func estimateTokens(req *model.Request) int {
	if req == nil {
		return 500
	}
	charCount := 0
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				if v.Text != "" {
					charCount += len(v.Text)
				}
			case model.ToolResultPart:
				if s, ok := v.Content.(string); ok && s != "" {
					charCount += len(s)
				}
			}
		}
	}
	if charCount <= 0 {
		// Minimal non-zero estimate so callers still incur limiter costs even
		// when messages are extremely small.
		return 500
	}
	// Approximate 1 token per ~3 characters, then add a fixed buffer for
	// system prompts and provider framing.
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

// estimateEmbeddingTokens applies the same characters-per-token ratio to the
// embedding inputs without the chat framing buffer.
func estimateEmbeddingTokens(req *model.EmbeddingRequest) int {
	if req == nil {
		return 1
	}
	chars := 0
	for _, in := range req.Inputs {
		chars += len(in)
	}
	return max(chars/3, 1)
}

// replaceTPM adopts a budget published by another process.
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	l.setTPMLocked(tpm)
	l.mu.Unlock()
}

func (l *AdaptiveRateLimiter) setClusterCallbacks(onBackoff, onProbe func(newTPM float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

func (m *rmapClusterMap) Get(key string) (string, bool) {
	return m.m.Get(key)
}

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.m.Subscribe()
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}

	// Best-effort initialization: if the key does not exist yet, seed it with
	// the initial value. A concurrent writer may still win; we refresh below.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			// When seeding the shared budget fails, fall back to a process-local
			// limiter so callers still make progress instead of treating the
			// cluster map as partially initialized.
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	l := newAdaptiveRateLimiter(sharedTPM, maxTPM)

	floor := l.minTPM
	ceiling := l.maxTPM
	step := l.recoveryRate

	l.setClusterCallbacks(
		func(_ float64) {
			go globalAdjust(context.Background(), m, key, func(cur float64) (float64, bool) {
				return max(cur*0.5, floor), true
			})
		},
		func(_ float64) {
			go globalAdjust(context.Background(), m, key, func(cur float64) (float64, bool) {
				if cur >= ceiling {
					return cur, false
				}
				return min(cur+step, ceiling), true
			})
		},
	)

	// Watch for external changes to the shared budget and reconcile the local
	// limiter when they occur.
	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceTPM(v)
		}
	}()

	return l
}

// globalAdjust publishes next(current) to the shared map with a
// compare-and-set, retrying a few times when another process wins the race.
func globalAdjust(ctx context.Context, m clusterMap, key string, next func(cur float64) (float64, bool)) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for range maxAttempts {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		v, ok := next(cur)
		if !ok {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(v)))
		if err != nil || prev == curStr {
			return
		}
	}
}
