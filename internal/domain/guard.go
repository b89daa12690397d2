package domain

import "time"

// Verdict — итог оценки одной стадии. Домен значений зависит от стадии.
type Verdict string

const (
	// Dispatch Guard / Policy Gate
	VerdictAllow     Verdict = "ALLOW"
	VerdictDeny      Verdict = "DENY"
	VerdictChallenge Verdict = "CHALLENGE" // зарезервировано

	// Execution Guard
	VerdictContinue Verdict = "CONTINUE"
	VerdictWarn     Verdict = "WARN"
	VerdictAbort    Verdict = "ABORT"
	VerdictDegrade  Verdict = "DEGRADE" // зарезервировано
	VerdictReroute  Verdict = "REROUTE" // зарезервировано

	// Result Sanitizer
	VerdictPass      Verdict = "PASS"
	VerdictSanitized Verdict = "SANITIZED"
	VerdictBlock     Verdict = "BLOCK"
)

// Коды причин отказа. Стабильны: по ним строятся алерты и отчеты аудита.
const (
	ReasonCatInactive           = "CAT_INACTIVE"
	ReasonCatQuarantined        = "CAT_QUARANTINED"
	ReasonCatRogue              = "CAT_ROGUE"
	ReasonPolicySnapshotInvalid = "POLICY_SNAPSHOT_INVALID"
	ReasonProviderNotAllowed    = "PROVIDER_NOT_ALLOWED"
	ReasonBudgetExceeded        = "BUDGET_EXCEEDED"

	RuleFailClosed       = "R0_FAIL_CLOSED"
	RuleProviderAllowed  = "R1_PROVIDER_ALLOWED"
	RuleMaxTokens        = "R2_MAX_TOKENS"
	RuleToolIntents      = "R3_TOOL_INTENTS"
	ReasonToolDrift      = "TOOL_INTENT_DRIFT"
	ReasonLatencyAbort   = "LATENCY_ABORT"
	ReasonLatencyWarn    = "LATENCY_WARN"
	ReasonTokenDriftStop = "TOKEN_DRIFT_ABORT"
	ReasonTokenDriftWarn = "TOKEN_DRIFT_WARN"
)

// GuardInput — неизменяемый конверт запроса. Стадии его только читают.
type GuardInput struct {
	Timestamp           time.Time        `json:"ts"`
	RequestID           string           `json:"request_id"`
	OrgID               string           `json:"org_id"`
	UserID              string           `json:"user_id"`
	CatID               string           `json:"cat_id"`
	CatStatus           CapabilityStatus `json:"cat_status"`
	ProviderRequested   string           `json:"provider_requested"`
	CatAllowedProviders []string         `json:"cat_allowed_providers"`
	TokenEstimate       *int             `json:"token_estimate,omitempty"`
	MaxTokens           *int             `json:"max_tokens,omitempty"`
	ToolIntents         []string         `json:"tool_intents,omitempty"`
	Nonce               string           `json:"nonce,omitempty"` // под защиту от replay, пока не проверяется
	Route               string           `json:"route,omitempty"`
	PolicyVersion       string           `json:"policy_version,omitempty"`
	PolicyHash          string           `json:"policy_hash,omitempty"`
}

// HasPolicySnapshot сообщает, передана ли ссылка на снапшот политики.
// ok=false означает, что задано только одно из двух полей.
func (in GuardInput) HasPolicySnapshot() (present bool, ok bool) {
	hasVersion := in.PolicyVersion != ""
	hasHash := in.PolicyHash != ""
	return hasVersion && hasHash, hasVersion == hasHash
}

// GuardResult — ответ стадии, который вызывающая сторона отображает в ответ без пересчета.
type GuardResult struct {
	Verdict       Verdict  `json:"verdict"`
	HTTPStatus    int      `json:"http_status,omitempty"`
	ReasonCode    string   `json:"reason_code,omitempty"`
	Message       string   `json:"message"`
	Actions       []string `json:"actions"`
	LedgerWritten bool     `json:"ledger_written"`
}

// Allowed — true для вердиктов, пропускающих запрос дальше по конвейеру.
func (r GuardResult) Allowed() bool {
	switch r.Verdict {
	case VerdictAllow, VerdictContinue, VerdictWarn:
		return true
	default:
		return false
	}
}

// IntPtr — хелпер для опциональных числовых полей.
func IntPtr(v int) *int { return &v }
