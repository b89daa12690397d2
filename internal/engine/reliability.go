package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-runtime-guard/internal/connectors"
	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
	"github.com/xela07ax/spaceai-runtime-guard/internal/infra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ExecutionProvider — вызов LLM-провайдера.
type ExecutionProvider interface {
	Call(ctx context.Context, req domain.ProviderRequest) (*domain.ProviderResponse, error)
}

// ReliabilityWrapper: Rate Limit -> Circuit Breaker (на провайдера) -> Retry с таймаутом на попытку.
type ReliabilityWrapper struct {
	next    ExecutionProvider
	cfg     infra.ProviderConfig
	limiter *rate.Limiter
	metrics *Metrics
	logger  *zap.Logger

	// retryDelay — базовая задержка бэкоффа, в тестах уменьшается
	retryDelay time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewReliabilityWrapper(next ExecutionProvider, cfg infra.ProviderConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &ReliabilityWrapper{
		next:       next,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, burst),
		metrics:    metrics,
		logger:     logger.With(zap.String("mod", "reliability")),
		retryDelay: 100 * time.Millisecond,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker лениво создает предохранитель для провайдера: отказ одного не гасит остальных.
func (w *ReliabilityWrapper) breaker(provider string) *gobreaker.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cb, ok := w.breakers[provider]; ok {
		return cb
	}
	maxFailures := w.cfg.CBMaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider-" + provider,
		MaxRequests: w.cfg.CBMaxRequests,
		Interval:    w.cfg.CBInterval,
		Timeout:     w.cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn("circuit breaker state changed",
				zap.String("provider", provider),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if w.metrics != nil {
				w.metrics.CircuitBreakerState.WithLabelValues(provider).Set(float64(to))
			}
		},
	})
	w.breakers[provider] = cb
	return cb
}

func (w *ReliabilityWrapper) Call(ctx context.Context, req domain.ProviderRequest) (*domain.ProviderResponse, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	attempts := 0
	var final *domain.ProviderResponse

	// 2. Circuit Breaker
	_, err := w.breaker(req.Provider).Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			retry.Delay(w.retryDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return !errors.Is(err, context.Canceled)
			}),
			// Если провайдер вернул ThrottleError — ждем ровно Retry-After
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			attempts++
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
			defer cancel()

			resp, callErr := w.next.Call(tCtx, req)
			if callErr != nil {
				return callErr
			}
			final = resp
			return nil
		})
		return final, retryErr
	})
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", req.Provider, err)
	}

	final.Attempts = attempts
	return final, nil
}
