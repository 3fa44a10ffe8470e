package middleware

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"goa.design/modelresult/runtime/model"
)

type fakeClient struct {
	resp        *model.ChatResponse
	completeErr error
	streamErr   error

	completeCalls int
	streamCalls   int
}

func (f *fakeClient) Complete(context.Context, *model.Request) (*model.ChatResponse, error) {
	f.completeCalls++
	return f.resp, f.completeErr
}

func (f *fakeClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	f.streamCalls++
	return nil, f.streamErr
}

type fakeEmbedder struct {
	resp  *model.EmbeddingResponse
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(context.Context, *model.EmbeddingRequest) (*model.EmbeddingResponse, error) {
	f.calls++
	return f.resp, f.err
}

func helloRequest() *model.Request {
	return &model.Request{Messages: []*model.Message{model.NewUserMessage("hello")}, MaxTokens: 10}
}

func TestAdaptiveRateLimiterBackoffOnRateLimited(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	initial := limiter.CurrentTPM()

	wrapped := limiter.Middleware()(&fakeClient{completeErr: model.ErrRateLimited})
	_, err := wrapped.Complete(context.Background(), helloRequest())
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.Less(t, limiter.CurrentTPM(), initial)
}

func TestAdaptiveRateLimiterBackoffOnProviderError(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	initial := limiter.CurrentTPM()
	perr := model.NewProviderErrorFromStatus(model.ProviderFailure{Provider: "test", Operation: "complete", Status: 429})

	wrapped := limiter.Middleware()(&fakeClient{completeErr: perr})
	_, err := wrapped.Complete(context.Background(), helloRequest())
	require.Error(t, err)
	require.Equal(t, initial*0.5, limiter.CurrentTPM())
}

func TestAdaptiveRateLimiterProbeOnSuccess(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)
	limiter.mu.Lock()
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()

	wrapped := limiter.Middleware()(&fakeClient{})
	_, err := wrapped.Complete(context.Background(), helloRequest())
	require.NoError(t, err)
	require.Equal(t, float64(61000), limiter.CurrentTPM())
}

func TestAdaptiveRateLimiterRespectsContextWhenQueued(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60, 60)
	// A zero limiter rejects any non-zero request without relying on timing.
	limiter.limiter = rate.NewLimiter(0, 0)

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)
	req := &model.Request{Messages: []*model.Message{model.NewUserMessage(strings.Repeat("a", 600))}}

	_, err := wrapped.Complete(context.Background(), req)
	require.Error(t, err)
	require.Zero(t, client.completeCalls)

	_, err = wrapped.Stream(context.Background(), req)
	require.Error(t, err)
	require.Zero(t, client.streamCalls)
}

func TestAdaptiveRateLimiterClampsLargeRequestsToBurst(t *testing.T) {
	limiter := newAdaptiveRateLimiter(600, 600)
	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)
	req := &model.Request{Messages: []*model.Message{model.NewUserMessage(strings.Repeat("a", 6000))}}

	_, err := wrapped.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, client.completeCalls)
}

func TestAdaptiveRateLimiterEmbeddings(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	emb := &fakeEmbedder{err: model.ErrRateLimited}
	wrapped := limiter.EmbeddingMiddleware()(emb)

	_, err := wrapped.Embed(context.Background(), &model.EmbeddingRequest{Inputs: []string{"a", "b"}})
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.Equal(t, 1, emb.calls)
	require.Equal(t, float64(30000), limiter.CurrentTPM())
}

func TestMiddlewareNilClient(t *testing.T) {
	limiter := newAdaptiveRateLimiter(100, 100)
	require.Nil(t, limiter.Middleware()(nil))
	require.Nil(t, limiter.EmbeddingMiddleware()(nil))
}

func TestEstimateTokensMonotonic(t *testing.T) {
	small := estimateTokens(&model.Request{Messages: []*model.Message{model.NewUserMessage("short")}})
	big := estimateTokens(&model.Request{Messages: []*model.Message{model.NewUserMessage("this is a much longer message")}})
	require.Positive(t, small)
	require.Greater(t, big, small)
	require.Equal(t, 500, estimateTokens(nil))

	require.Equal(t, 1, estimateEmbeddingTokens(&model.EmbeddingRequest{Inputs: []string{"a"}}))
	require.Equal(t, 4, estimateEmbeddingTokens(&model.EmbeddingRequest{Inputs: []string{"abcdef", "ghijkl"}}))
}

func TestAdaptiveRateLimiterChargesReportedUsage(t *testing.T) {
	limiter := newAdaptiveRateLimiter(6000, 6000)
	resp := &model.ChatResponse{Metadata: model.ResponseMetadata{Usage: model.TokenUsage{InputTokens: 3000, OutputTokens: 2000}}}
	wrapped := limiter.Middleware()(&fakeClient{resp: resp})

	_, err := wrapped.Complete(context.Background(), helloRequest())
	require.NoError(t, err)
	// The estimate for a short prompt is ~500 tokens; the remaining 4500
	// reported by the provider are reserved after the call.
	require.Less(t, limiter.limiter.Tokens(), float64(1500))
}
