package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-runtime-guard/internal/connectors"
	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
	"github.com/xela07ax/spaceai-runtime-guard/internal/infra"
	"go.uber.org/zap"
)

func testProviderConfig() infra.ProviderConfig {
	return infra.ProviderConfig{
		Attempts:      3,
		CallTimeout:   time.Second,
		CBMaxRequests: 1,
		CBTimeout:     time.Minute,
		CBMaxFailures: 5,
	}
}

func newTestWrapper(next ExecutionProvider, cfg infra.ProviderConfig, m *Metrics) *ReliabilityWrapper {
	w := NewReliabilityWrapper(next, cfg, m, zap.NewNop())
	w.retryDelay = time.Millisecond
	return w
}

func TestReliabilityRetriesTransientFailures(t *testing.T) {
	mock := &connectors.MockProvider{Failures: 2}
	w := newTestWrapper(mock, testProviderConfig(), nil)

	resp, err := w.Call(context.Background(), domain.ProviderRequest{Provider: "openai", Prompt: "ping"})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, 3, mock.Calls())
}

func TestReliabilityGivesUp(t *testing.T) {
	mock := &connectors.MockProvider{Failures: 10}
	w := newTestWrapper(mock, testProviderConfig(), nil)

	_, err := w.Call(context.Background(), domain.ProviderRequest{Provider: "openai"})
	require.ErrorIs(t, err, connectors.ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "provider openai")
	assert.Equal(t, 3, mock.Calls())
}

func TestReliabilityHonorsRetryAfter(t *testing.T) {
	mock := &connectors.MockProvider{
		Failures: 1,
		FailWith: &connectors.ThrottleError{RetryAfter: 20 * time.Millisecond, Cause: connectors.ErrProviderUnavailable},
	}
	w := newTestWrapper(mock, testProviderConfig(), nil)

	start := time.Now()
	resp, err := w.Call(context.Background(), domain.ProviderRequest{Provider: "openai"})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestReliabilityBreakerIsPerProvider(t *testing.T) {
	cfg := testProviderConfig()
	cfg.Attempts = 1
	cfg.CBMaxFailures = 1
	m := NewMetrics(nil)
	mock := &connectors.MockProvider{Failures: 100}
	w := newTestWrapper(mock, cfg, m)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := w.Call(ctx, domain.ProviderRequest{Provider: "openai"})
		require.ErrorIs(t, err, connectors.ErrProviderUnavailable)
	}

	_, err := w.Call(ctx, domain.ProviderRequest{Provider: "openai"})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, mock.Calls())
	assert.Equal(t, float64(gobreaker.StateOpen), testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("openai")))

	// Соседний провайдер продолжает обслуживаться
	_, err = w.Call(ctx, domain.ProviderRequest{Provider: "claude"})
	require.ErrorIs(t, err, connectors.ErrProviderUnavailable)
	assert.Equal(t, 3, mock.Calls())
}

func TestReliabilityCanceledContext(t *testing.T) {
	mock := &connectors.MockProvider{}
	w := newTestWrapper(mock, testProviderConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Call(ctx, domain.ProviderRequest{Provider: "openai"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, mock.Calls())
}
