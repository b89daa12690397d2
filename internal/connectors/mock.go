package connectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
)

// MockProvider — сценарный провайдер для локального запуска и тестов.
// Сначала отдает Failures ошибок подряд, затем Response.
type MockProvider struct {
	Latency  time.Duration
	Response domain.ProviderResponse
	Failures int
	// FailWith — ошибка для первых Failures вызовов; nil — ErrProviderUnavailable.
	FailWith error

	mu    sync.Mutex
	calls int
}

func (p *MockProvider) Call(ctx context.Context, req domain.ProviderRequest) (*domain.ProviderResponse, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()

	if p.Latency > 0 {
		select {
		case <-time.After(p.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if n <= p.Failures {
		if p.FailWith != nil {
			return nil, p.FailWith
		}
		return nil, fmt.Errorf("%w: %s call %d", ErrProviderUnavailable, req.Provider, n)
	}

	resp := p.Response
	if resp.OutputText == "" {
		resp.OutputText = fmt.Sprintf("echo from %s: %s", req.Provider, req.Prompt)
	}
	if resp.TokensUsed == 0 {
		resp.TokensUsed = len(req.Prompt) / 4
	}
	if resp.ToolIntentsObserved == nil {
		resp.ToolIntentsObserved = append([]string(nil), req.ToolIntents...)
	}
	return &resp, nil
}

// Calls — сколько раз провайдер был вызван.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
