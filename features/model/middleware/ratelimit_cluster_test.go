package middleware

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/rmap"

	"goa.design/modelresult/runtime/model"
)

type fakeClusterMap struct {
	mu     sync.Mutex
	values map[string]string
	ch     chan rmap.EventKind
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{
		values: make(map[string]string),
		ch:     make(chan rmap.EventKind, 1),
	}
}

func (m *fakeClusterMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[key]
	if !ok || cur != test {
		return cur, nil
	}
	m.values[key] = value
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
	return cur, nil
}

func (m *fakeClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.ch
}

func TestClusterLimiterBackoffUpdatesSharedMap(t *testing.T) {
	m := newFakeClusterMap()
	const key = "anthropic:claude"
	m.values[key] = strconv.Itoa(80000)

	lim := newClusterAdaptiveRateLimiter(context.Background(), m, key, 80000, 80000)
	wrapped := lim.Middleware()(&fakeClient{completeErr: model.ErrRateLimited})
	_, _ = wrapped.Complete(context.Background(), helloRequest())

	require.Eventually(t, func() bool {
		v, ok := m.Get(key)
		if !ok {
			return false
		}
		cur, err := strconv.Atoi(v)
		return err == nil && cur < 80000
	}, time.Second, 5*time.Millisecond)
}

func TestClusterLimiterSeedsAndFollowsSharedBudget(t *testing.T) {
	m := newFakeClusterMap()
	const key = "openai:gpt"

	lim := newClusterAdaptiveRateLimiter(context.Background(), m, key, 10000, 20000)
	v, ok := m.Get(key)
	require.True(t, ok)
	require.Equal(t, "10000", v)

	_, err := m.TestAndSet(context.Background(), key, "10000", "15000")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return lim.CurrentTPM() == 15000 }, time.Second, 5*time.Millisecond)
}

func TestNewAdaptiveRateLimiterWithoutMapIsLocal(t *testing.T) {
	lim := NewAdaptiveRateLimiter(context.Background(), nil, "", 1200, 0)
	require.Equal(t, float64(1200), lim.CurrentTPM())
	require.Nil(t, lim.onBackoff)
}
