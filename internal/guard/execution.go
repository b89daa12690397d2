package guard

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
	"github.com/xela07ax/spaceai-runtime-guard/internal/ledger"
	"go.uber.org/zap"
)

type executionFact struct {
	Signal     domain.ExecutionSignal `json:"signal"`
	Action     domain.Verdict         `json:"action"`
	ReasonCode string                 `json:"reason_code,omitempty"`
	Reason     string                 `json:"reason"`
	Config     domain.ExecutionConfig `json:"config"`
}

// ExecutionGuard сравнивает план (оценка токенов, tool intents) с наблюдаемым исполнением.
// Стадия наблюдательная: ничего не ретраит, только выносит вердикт.
type ExecutionGuard struct {
	ledger ledger.Appender
	logger *zap.Logger
}

func NewExecutionGuard(l ledger.Appender, logger *zap.Logger) *ExecutionGuard {
	return &ExecutionGuard{ledger: l, logger: logger.Named("execution")}
}

// withDefaults: нулевая конфигурация целиком заменяется значениями по умолчанию,
// включая fail-closed дрейф tool intents. У частично заданной заполняются только числовые пороги.
func withDefaults(cfg domain.ExecutionConfig) domain.ExecutionConfig {
	def := domain.DefaultExecutionConfig()
	if cfg == (domain.ExecutionConfig{}) {
		return def
	}
	if cfg.WarnFactor <= 0 {
		cfg.WarnFactor = def.WarnFactor
	}
	if cfg.AbortFactor <= 0 {
		cfg.AbortFactor = def.AbortFactor
	}
	if cfg.LatencyWarnMs <= 0 {
		cfg.LatencyWarnMs = def.LatencyWarnMs
	}
	if cfg.LatencyAbortMs <= 0 {
		cfg.LatencyAbortMs = def.LatencyAbortMs
	}
	return cfg
}

func (g *ExecutionGuard) Evaluate(ctx context.Context, sig domain.ExecutionSignal, cfg domain.ExecutionConfig) domain.GuardResult {
	cfg = withDefaults(cfg)
	res := evaluateExecution(sig, cfg)

	res.LedgerWritten = g.ledger.Append(ctx, ledger.StreamExecutionGuard, executionFact{
		Signal:     sig,
		Action:     res.Verdict,
		ReasonCode: res.ReasonCode,
		Reason:     res.Message,
		Config:     cfg,
	})

	switch res.Verdict {
	case domain.VerdictAbort:
		g.logger.Warn("execution aborted",
			zap.String("execution_id", sig.ExecutionID), zap.String("reason", res.ReasonCode))
	case domain.VerdictWarn:
		g.logger.Info("execution drift warning",
			zap.String("execution_id", sig.ExecutionID), zap.String("reason", res.ReasonCode))
	}
	return res
}

func evaluateExecution(sig domain.ExecutionSignal, cfg domain.ExecutionConfig) domain.GuardResult {
	// 1. Дрейф tool intents: вызван инструмент, которого не было в плане
	if cfg.ToolIntentFailClosed {
		for _, observed := range sig.ToolIntentsObserved {
			if !domain.ContainsFold(sig.ToolIntents, observed) {
				return abort(domain.ReasonToolDrift,
					fmt.Sprintf("Unplanned tool intent %q observed.", strings.TrimSpace(observed)))
			}
		}
	}

	// 2. Задержка
	if sig.LatencyMs != nil {
		if *sig.LatencyMs >= cfg.LatencyAbortMs {
			return abort(domain.ReasonLatencyAbort,
				fmt.Sprintf("Latency %dms reached abort threshold %dms.", *sig.LatencyMs, cfg.LatencyAbortMs))
		}
		if *sig.LatencyMs >= cfg.LatencyWarnMs {
			return warn(domain.ReasonLatencyWarn,
				fmt.Sprintf("Latency %dms reached warn threshold %dms.", *sig.LatencyMs, cfg.LatencyWarnMs))
		}
	}

	// 3. Дрейф токенов относительно оценки
	if sig.TokensUsed != nil && sig.TokenEstimate != nil && *sig.TokenEstimate > 0 {
		used := float64(*sig.TokensUsed)
		warnAt := float64(*sig.TokenEstimate) * cfg.WarnFactor
		abortAt := float64(*sig.TokenEstimate) * cfg.AbortFactor
		if used > abortAt {
			return abort(domain.ReasonTokenDriftStop,
				fmt.Sprintf("Tokens used %d exceed %.0f (estimate %d x %.2f).", *sig.TokensUsed, abortAt, *sig.TokenEstimate, cfg.AbortFactor))
		}
		if used > warnAt {
			return warn(domain.ReasonTokenDriftWarn,
				fmt.Sprintf("Tokens used %d exceed %.0f (estimate %d x %.2f).", *sig.TokensUsed, warnAt, *sig.TokenEstimate, cfg.WarnFactor))
		}
	}

	return domain.GuardResult{
		Verdict: domain.VerdictContinue,
		Message: "Execution within plan.",
		Actions: []string{ActionContinue},
	}
}

func abort(reason, message string) domain.GuardResult {
	return domain.GuardResult{
		Verdict:    domain.VerdictAbort,
		ReasonCode: reason,
		Message:    message,
		Actions:    []string{ActionAbort, ActionAlert},
	}
}

func warn(reason, message string) domain.GuardResult {
	return domain.GuardResult{
		Verdict:    domain.VerdictWarn,
		ReasonCode: reason,
		Message:    message,
		Actions:    []string{ActionContinue, ActionAlert},
	}
}
