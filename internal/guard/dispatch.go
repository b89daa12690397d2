package guard

import (
	"context"
	"fmt"
	"net/http"

	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
	"github.com/xela07ax/spaceai-runtime-guard/internal/ledger"
	"go.uber.org/zap"
)

// dispatchFact — запись потока dispatch_guard: полный вход плюс вердикт.
type dispatchFact struct {
	Input          domain.GuardInput `json:"input"`
	Verdict        domain.Verdict    `json:"verdict"`
	HTTPStatus     int               `json:"http_status"`
	DenyReasonCode string            `json:"deny_reason_code,omitempty"`
	Message        string            `json:"message"`
}

// DispatchGuard — быстрая pre-flight проверка только по фактам самого запроса.
type DispatchGuard struct {
	ledger ledger.Appender
	logger *zap.Logger
}

func NewDispatchGuard(l ledger.Appender, logger *zap.Logger) *DispatchGuard {
	return &DispatchGuard{ledger: l, logger: logger.Named("dispatch")}
}

// Evaluate проверяет запрос в фиксированном порядке, первый отказ побеждает.
func (g *DispatchGuard) Evaluate(ctx context.Context, in domain.GuardInput) domain.GuardResult {
	res := g.decide(in)

	fact := dispatchFact{
		Input:      in,
		Verdict:    res.Verdict,
		HTTPStatus: res.HTTPStatus,
		Message:    res.Message,
	}
	if res.Verdict == domain.VerdictDeny {
		fact.DenyReasonCode = res.ReasonCode
	}
	res.LedgerWritten = g.ledger.Append(ctx, ledger.StreamDispatchGuard, fact)

	if res.Verdict == domain.VerdictDeny {
		g.logger.Warn("dispatch denied",
			zap.String("request_id", in.RequestID),
			zap.String("cat_id", in.CatID),
			zap.String("reason", res.ReasonCode))
	} else {
		g.logger.Debug("dispatch allowed", zap.String("request_id", in.RequestID))
	}
	return res
}

func (g *DispatchGuard) decide(in domain.GuardInput) domain.GuardResult {
	// 1. Статус CAT
	switch domain.ParseCapabilityStatus(string(in.CatStatus)) {
	case domain.CapabilityActive:
	case domain.CapabilityQuarantined:
		return deny(http.StatusForbidden, domain.ReasonCatQuarantined, "Capability is quarantined.")
	case domain.CapabilityRogue:
		return deny(http.StatusForbidden, domain.ReasonCatRogue, "Capability is flagged as rogue.")
	default:
		return deny(http.StatusForbidden, domain.ReasonCatInactive, "Capability is not active.")
	}

	// 2. Ссылка на снапшот политики: версия и хеш только парой
	if _, ok := in.HasPolicySnapshot(); !ok {
		return deny(http.StatusForbidden, domain.ReasonPolicySnapshotInvalid,
			"policy_version and policy_hash must be provided together.")
	}

	// 3. Провайдер
	if !domain.ContainsFold(in.CatAllowedProviders, in.ProviderRequested) {
		return deny(http.StatusForbidden, domain.ReasonProviderNotAllowed,
			fmt.Sprintf("Provider %q is not allowed for this capability.", in.ProviderRequested))
	}

	// 4. Грубый потолок токенов
	if in.TokenEstimate != nil && in.MaxTokens != nil && *in.TokenEstimate > *in.MaxTokens {
		return deny(http.StatusForbidden, domain.ReasonBudgetExceeded,
			fmt.Sprintf("Token estimate %d exceeds max_tokens %d.", *in.TokenEstimate, *in.MaxTokens))
	}

	return domain.GuardResult{
		Verdict:    domain.VerdictAllow,
		HTTPStatus: http.StatusOK,
		Message:    "Dispatch allowed.",
		Actions:    []string{ActionDispatch},
	}
}
