package guard

import (
	"context"
	"net/http"

	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
	"github.com/xela07ax/spaceai-runtime-guard/internal/ledger"
	"go.uber.org/zap"
)

// SnapshotResolver отдает активный снапшот политики.
type SnapshotResolver interface {
	Resolve(ctx context.Context) (*domain.PolicySnapshot, error)
}

type policyFact struct {
	Input         domain.GuardInput `json:"input"`
	Verdict       domain.Verdict    `json:"verdict"`
	HTTPStatus    int               `json:"http_status"`
	PolicyVersion string            `json:"policy_version,omitempty"`
	PolicyHash    string            `json:"policy_hash,omitempty"`
	RuleID        string            `json:"rule_id,omitempty"`
	Message       string            `json:"message"`
	Error         string            `json:"error,omitempty"`
}

// PolicyGate — проверка по версионированному документу политики.
// Неспособность прочитать или разобрать политику — отказ 503 (fail-closed).
type PolicyGate struct {
	policies SnapshotResolver
	ledger   ledger.Appender
	logger   *zap.Logger
}

func NewPolicyGate(policies SnapshotResolver, l ledger.Appender, logger *zap.Logger) *PolicyGate {
	return &PolicyGate{policies: policies, ledger: l, logger: logger.Named("policy_gate")}
}

func (g *PolicyGate) Evaluate(ctx context.Context, in domain.GuardInput) domain.GuardResult {
	// 1. Активный снапшот
	snap, err := g.policies.Resolve(ctx)
	if err != nil {
		res := deny(http.StatusServiceUnavailable, domain.RuleFailClosed,
			"Policy could not be loaded; request denied.")
		res.LedgerWritten = g.ledger.Append(ctx, ledger.StreamPolicyGate, policyFact{
			Input:      in,
			Verdict:    res.Verdict,
			HTTPStatus: res.HTTPStatus,
			RuleID:     domain.RuleFailClosed,
			Message:    res.Message,
			Error:      err.Error(),
		})
		g.logger.Error("policy unavailable, failing closed",
			zap.String("request_id", in.RequestID), zap.Error(err))
		return res
	}

	// 2. Эффективная политика и правила
	eff := snap.Document.Effective(in.OrgID, in.CatID)
	ruleID := violatedRule(in, eff)

	fact := policyFact{
		Input:         in,
		PolicyVersion: snap.Version,
		PolicyHash:    snap.Hash,
		RuleID:        ruleID,
	}

	var res domain.GuardResult
	if ruleID != "" {
		res = deny(http.StatusForbidden, ruleID, snap.Document.RuleMessage(ruleID))
		g.logger.Warn("policy denied",
			zap.String("request_id", in.RequestID),
			zap.String("policy_version", snap.Version),
			zap.String("rule_id", ruleID))
	} else {
		res = domain.GuardResult{
			Verdict:    domain.VerdictAllow,
			HTTPStatus: http.StatusOK,
			Message:    "Request allowed by policy " + snap.Version + ".",
			Actions:    []string{ActionDispatch},
		}
	}

	fact.Verdict = res.Verdict
	fact.HTTPStatus = res.HTTPStatus
	fact.Message = res.Message
	res.LedgerWritten = g.ledger.Append(ctx, ledger.StreamPolicyGate, fact)
	return res
}

// violatedRule возвращает первое нарушенное правило или пустую строку.
func violatedRule(in domain.GuardInput, eff domain.PolicyFields) string {
	// R1: отсутствующий allowlist ничего не разрешает
	if !domain.ContainsFold(eff.AllowedProviders, in.ProviderRequested) {
		return domain.RuleProviderAllowed
	}
	// R2: только если заданы обе стороны
	if in.TokenEstimate != nil && eff.MaxTokensPerRequest != nil && *in.TokenEstimate > *eff.MaxTokensPerRequest {
		return domain.RuleMaxTokens
	}
	// R3
	for _, intent := range in.ToolIntents {
		if !domain.ContainsFold(eff.AllowedToolIntents, intent) {
			return domain.RuleToolIntents
		}
	}
	return ""
}
