package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
	"github.com/xela07ax/spaceai-runtime-guard/internal/ledger"
	"go.uber.org/zap"
)

// Коды отказа верификатора. Порядок проверок в Verify фиксирован.
const (
	ReasonOK                  = "OK"
	ReasonNotFound            = "DECISION_NOT_FOUND"
	ReasonRevoked             = "DECISION_REVOKED"
	ReasonNotApproved         = "DECISION_NOT_APPROVED"
	ReasonMissingExpectedHash = "MISSING_EXPECTED_POLICY_HASH"
	ReasonPolicyHashMismatch  = "POLICY_HASH_MISMATCH"
	ReasonInvalidExpires      = "INVALID_EXPIRES_UTC"
	ReasonExpired             = "DECISION_EXPIRED"
	ReasonIDRequired          = "DECISION_ID_REQUIRED"
	ReasonLedgerUnavailable   = "DECISION_LEDGER_UNAVAILABLE"
	ReasonExpectedHashUnknown = "EXPECTED_POLICY_HASH_UNAVAILABLE"
	ReasonChecksumMismatch    = "DECISION_CHECKSUM_MISMATCH"
)

// Result — итог проверки одной записи.
type Result struct {
	OK     bool                   `json:"ok"`
	Reason string                 `json:"reason"`
	Record *domain.DecisionRecord `json:"record,omitempty"`
}

// Verify — чистая проверка записи. Отсутствие expiry означает бессрочное решение,
// now >= expiry считается истекшим.
func Verify(rec *domain.DecisionRecord, expectedHash string, now time.Time) Result {
	if rec == nil {
		return Result{Reason: ReasonNotFound}
	}
	if rec.Status == domain.DecisionRevoked {
		return Result{Reason: ReasonRevoked}
	}
	if rec.Status != domain.DecisionApproved {
		return Result{Reason: ReasonNotApproved}
	}
	if expectedHash == "" {
		return Result{Reason: ReasonMissingExpectedHash}
	}
	if rec.PolicySnapshotHash != expectedHash {
		return Result{Reason: ReasonPolicyHashMismatch}
	}
	if rec.ExpiresUTC != "" {
		exp, err := time.Parse(time.RFC3339, rec.ExpiresUTC)
		if err != nil {
			return Result{Reason: ReasonInvalidExpires}
		}
		if !now.Before(exp) {
			return Result{Reason: ReasonExpired}
		}
	}
	return Result{OK: true, Reason: ReasonOK, Record: rec}
}

// BlockError — жесткая остановка привилегированного действия.
type BlockError struct {
	DecisionID string
	Reason     string
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("decision blocked: %s (decision_id=%q)", e.Reason, e.DecisionID)
}

// Loader — источник записей решений.
type Loader interface {
	Load(ctx context.Context, decisionID string) (*domain.DecisionRecord, error)
}

// HashSource отдает ожидаемый хеш снапшота политики.
type HashSource interface {
	ExpectedHash(ctx context.Context) (string, error)
}

// StaticHash — хеш, закрепленный в конфигурации.
type StaticHash string

func (h StaticHash) ExpectedHash(context.Context) (string, error) { return string(h), nil }

// HashFunc адаптирует функцию, например хеш активной политики.
type HashFunc func(ctx context.Context) (string, error)

func (f HashFunc) ExpectedHash(ctx context.Context) (string, error) { return f(ctx) }

type verifierFact struct {
	DecisionID   string `json:"decision_id"`
	ExpectedHash string `json:"expected_policy_hash,omitempty"`
	OK           bool   `json:"ok"`
	Reason       string `json:"reason"`
	Status       string `json:"status,omitempty"`
	CheckedUTC   string `json:"checked_utc"`
	Error        string `json:"error,omitempty"`
}

type VerifierOption func(*Verifier)

// WithStrictChecksum дополнительно сверяет контрольную сумму записи после всех проверок.
func WithStrictChecksum() VerifierOption {
	return func(v *Verifier) { v.strictChecksum = true }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

type Verifier struct {
	decisions      Loader
	expected       HashSource
	audit          ledger.Appender
	logger         *zap.Logger
	now            func() time.Time
	strictChecksum bool
}

func NewVerifier(decisions Loader, expected HashSource, audit ledger.Appender, logger *zap.Logger, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		decisions: decisions,
		expected:  expected,
		audit:     audit,
		logger:    logger.Named("decision_verifier"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Enforce возвращает одобренную запись либо *BlockError. Любой сбой трактуется как отказ.
func (v *Verifier) Enforce(ctx context.Context, decisionID string) (*domain.DecisionRecord, error) {
	now := v.now().UTC()
	fact := verifierFact{DecisionID: decisionID, CheckedUTC: now.Format(time.RFC3339)}

	block := func(reason string, cause error) error {
		fact.Reason = reason
		if cause != nil {
			fact.Error = cause.Error()
		}
		v.record(ctx, fact)
		v.logger.Warn("privileged action blocked",
			zap.String("decision_id", decisionID),
			zap.String("reason", reason),
			zap.Error(cause))
		return &BlockError{DecisionID: decisionID, Reason: reason}
	}

	// 1. Предусловия
	if decisionID == "" {
		return nil, block(ReasonIDRequired, nil)
	}
	if v.expected == nil {
		return nil, block(ReasonMissingExpectedHash, nil)
	}
	expected, err := v.expected.ExpectedHash(ctx)
	if err != nil {
		return nil, block(ReasonExpectedHashUnknown, err)
	}
	if expected == "" {
		return nil, block(ReasonMissingExpectedHash, nil)
	}
	fact.ExpectedHash = expected

	// 2. Запись
	rec, err := v.decisions.Load(ctx, decisionID)
	if err != nil {
		return nil, block(ReasonLedgerUnavailable, err)
	}
	if rec != nil {
		fact.Status = string(rec.Status)
	}

	// 3. Проверка
	res := Verify(rec, expected, now)
	if !res.OK {
		return nil, block(res.Reason, nil)
	}
	if v.strictChecksum && !ChecksumValid(rec) {
		return nil, block(ReasonChecksumMismatch, nil)
	}

	fact.OK = true
	fact.Reason = ReasonOK
	v.record(ctx, fact)
	return rec, nil
}

func (v *Verifier) record(ctx context.Context, fact verifierFact) {
	if v.audit == nil {
		return
	}
	if !v.audit.Append(ctx, ledger.StreamDecisionVerifier, fact) {
		v.logger.Error("verifier outcome not recorded in ledger", zap.String("decision_id", fact.DecisionID))
	}
}
