package decision

/*
Файл ledger.go — журнал Decision Record поверх общего append-only ledger.

Запись никогда не изменяется: каждое изменение статуса дописывает полную
замещающую запись, а Load возвращает самую свежую запись с нужным decision_id.
*/

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
	"github.com/xela07ax/spaceai-runtime-guard/internal/ledger"
	"go.uber.org/zap"
)

var (
	ErrNotFound        = errors.New("decision: record not found")
	ErrApproverMissing = errors.New("decision: approver identity is required")
	ErrInvalidExpiry   = errors.New("decision: invalid expires_utc")
)

// SyncAppender — строгая запись: изменение статуса решения без подтверждения хранилища недопустимо.
type SyncAppender interface {
	AppendSync(ctx context.Context, stream string, fact any) error
}

type Ledger struct {
	reader ledger.Reader
	writer SyncAppender
	logger *zap.Logger
	now    func() time.Time

	// сериализует переходы статуса внутри инстанса
	mu sync.Mutex
}

func NewLedger(reader ledger.Reader, writer SyncAppender, logger *zap.Logger) *Ledger {
	return &Ledger{
		reader: reader,
		writer: writer,
		logger: logger.Named("decisions"),
		now:    time.Now,
	}
}

// Load сканирует поток и возвращает последнюю запись с decision_id. Если записи нет, возвращает nil.
func (l *Ledger) Load(ctx context.Context, decisionID string) (*domain.DecisionRecord, error) {
	if decisionID == "" {
		return nil, nil
	}
	var found *domain.DecisionRecord
	err := l.reader.Scan(ctx, ledger.StreamDecisions, func(raw []byte) error {
		var rec domain.DecisionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			l.logger.Warn("skipping malformed decision entry", zap.Error(err))
			return nil
		}
		if rec.DecisionID == decisionID {
			found = &rec
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decision: scan ledger: %w", err)
	}
	return found, nil
}

type ProposeRequest struct {
	DecisionType       string `json:"decision_type"`
	Source             string `json:"source"`
	PolicySnapshotHash string `json:"policy_snapshot_hash"`
	ExpiresUTC         string `json:"expires_utc,omitempty"`
}

// Propose создает запись в статусе PENDING.
func (l *Ledger) Propose(ctx context.Context, req ProposeRequest) (*domain.DecisionRecord, error) {
	if req.ExpiresUTC != "" {
		if _, err := time.Parse(time.RFC3339, req.ExpiresUTC); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExpiry, err)
		}
	}
	rec := &domain.DecisionRecord{
		DecisionID:         uuid.New().String(),
		DecisionType:       req.DecisionType,
		Source:             req.Source,
		Status:             domain.DecisionPending,
		PolicySnapshotHash: req.PolicySnapshotHash,
		CreatedUTC:         l.now().UTC().Format(time.RFC3339),
		ExpiresUTC:         req.ExpiresUTC,
	}
	if err := l.append(ctx, rec); err != nil {
		return nil, err
	}
	l.logger.Info("decision proposed", zap.String("decision_id", rec.DecisionID), zap.String("type", rec.DecisionType))
	return rec, nil
}

func (l *Ledger) Approve(ctx context.Context, decisionID, approver string) (*domain.DecisionRecord, error) {
	return l.transition(ctx, decisionID, approver, domain.DecisionApproved)
}

func (l *Ledger) Reject(ctx context.Context, decisionID, approver string) (*domain.DecisionRecord, error) {
	return l.transition(ctx, decisionID, approver, domain.DecisionRejected)
}

// Revoke — отзыв тоже дописывается фактом, исходная запись остается в журнале.
func (l *Ledger) Revoke(ctx context.Context, decisionID, approver string) (*domain.DecisionRecord, error) {
	return l.transition(ctx, decisionID, approver, domain.DecisionRevoked)
}

func (l *Ledger) transition(ctx context.Context, decisionID, approver string, next domain.DecisionStatus) (*domain.DecisionRecord, error) {
	if approver == "" {
		return nil, ErrApproverMissing
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// 1. Текущее состояние
	cur, err := l.Load(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, decisionID)
	}

	// 2. Правила автомата
	if err := cur.CanTransitionTo(next); err != nil {
		return nil, fmt.Errorf("decision %s: %s -> %s: %w", decisionID, cur.Status, next, err)
	}

	// 3. Замещающая запись
	rec := *cur
	// approved_by всегда указывает на одобрившего, отзыв и отказ пишутся в свои поля
	rec.Status = next
	now := l.now().UTC().Format(time.RFC3339)
	switch next {
	case domain.DecisionApproved:
		rec.ApprovedBy = approver
		rec.ApprovedUTC = now
	case domain.DecisionRejected:
		rec.RejectedBy = approver
	case domain.DecisionRevoked:
		rec.RevokedBy = approver
		rec.RevokedUTC = now
	}
	if err := l.append(ctx, &rec); err != nil {
		return nil, err
	}
	l.logger.Info("decision status changed",
		zap.String("decision_id", decisionID),
		zap.String("status", string(next)),
		zap.String("by", approver))
	return &rec, nil
}

func (l *Ledger) append(ctx context.Context, rec *domain.DecisionRecord) error {
	sum, err := Checksum(rec)
	if err != nil {
		return err
	}
	rec.Checksum = sum
	if err := l.writer.AppendSync(ctx, ledger.StreamDecisions, rec); err != nil {
		return fmt.Errorf("decision: append: %w", err)
	}
	return nil
}

// Checksum — sha256 от канонической формы записи без поля checksum.
func Checksum(rec *domain.DecisionRecord) (string, error) {
	cp := *rec
	cp.Checksum = ""
	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("decision: marshal: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("decision: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ChecksumValid сообщает, совпадает ли сохраненная контрольная сумма с содержимым.
func ChecksumValid(rec *domain.DecisionRecord) bool {
	if rec == nil || rec.Checksum == "" {
		return false
	}
	sum, err := Checksum(rec)
	return err == nil && sum == rec.Checksum
}
