package domain

import (
	"encoding/json"
	"errors"
)

// DecisionStatus — состояния конечного автомата Decision Record.
type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "PENDING"
	DecisionApproved DecisionStatus = "APPROVED"
	DecisionRejected DecisionStatus = "REJECTED"
	DecisionRevoked  DecisionStatus = "REVOKED"
)

var (
	ErrInvalidTransition = errors.New("invalid decision status transition")
	ErrAlreadyProcessed  = errors.New("decision already processed")
)

// DecisionRecord — отдельно одобренное, истекающее и отзываемое разрешение
// на привилегированное действие. Не удаляется: каждое изменение дописывается новой записью.
type DecisionRecord struct {
	DecisionID         string         `json:"decision_id"`
	DecisionType       string         `json:"decision_type"`
	Source             string         `json:"source"`
	Status             DecisionStatus `json:"status"`
	PolicySnapshotHash string         `json:"policy_snapshot_hash"`
	ApprovedBy         string         `json:"approved_by,omitempty"`
	RejectedBy         string         `json:"rejected_by,omitempty"`
	RevokedBy          string         `json:"revoked_by,omitempty"`
	CreatedUTC         string         `json:"created_utc"`
	ApprovedUTC        string         `json:"approved_utc,omitempty"`
	RevokedUTC         string         `json:"revoked_utc,omitempty"`
	ExpiresUTC         string         `json:"expires_utc,omitempty"`
	Checksum           string         `json:"checksum,omitempty"`
}

// UnmarshalJSON принимает и старое имя поля policy_snapshot.
func (d *DecisionRecord) UnmarshalJSON(data []byte) error {
	type plain DecisionRecord
	aux := struct {
		*plain
		PolicySnapshot string `json:"policy_snapshot"`
	}{plain: (*plain)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if d.PolicySnapshotHash == "" {
		d.PolicySnapshotHash = aux.PolicySnapshot
	}
	return nil
}

// CanTransitionTo проверяет правила конечного автомата:
// PENDING -> APPROVED|REJECTED (однократно), APPROVED -> REVOKED.
func (d *DecisionRecord) CanTransitionTo(next DecisionStatus) error {
	switch d.Status {
	case DecisionPending:
		if next == DecisionApproved || next == DecisionRejected {
			return nil
		}
		return ErrInvalidTransition
	case DecisionApproved:
		if next == DecisionRevoked {
			return nil
		}
		if next == DecisionApproved || next == DecisionRejected {
			return ErrAlreadyProcessed
		}
		return ErrInvalidTransition
	case DecisionRejected, DecisionRevoked:
		return ErrAlreadyProcessed
	default:
		return ErrInvalidTransition
	}
}
