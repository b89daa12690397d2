package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecisionTransitions(t *testing.T) {
	tests := []struct {
		from    DecisionStatus
		to      DecisionStatus
		wantErr error
	}{
		{DecisionPending, DecisionApproved, nil},
		{DecisionPending, DecisionRejected, nil},
		{DecisionPending, DecisionRevoked, ErrInvalidTransition},
		{DecisionPending, DecisionPending, ErrInvalidTransition},
		{DecisionApproved, DecisionRevoked, nil},
		{DecisionApproved, DecisionRejected, ErrAlreadyProcessed},
		{DecisionApproved, DecisionPending, ErrInvalidTransition},
		{DecisionRejected, DecisionApproved, ErrAlreadyProcessed},
		{DecisionRevoked, DecisionApproved, ErrAlreadyProcessed},
		{"", DecisionApproved, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			rec := &DecisionRecord{Status: tt.from}
			err := rec.CanTransitionTo(tt.to)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecisionRecordAcceptsLegacySnapshotField(t *testing.T) {
	var rec DecisionRecord
	err := json.Unmarshal([]byte(`{"decision_id":"d1","status":"APPROVED","policy_snapshot":"abc"}`), &rec)
	require.NoError(t, err)
	assert.Equal(t, "abc", rec.PolicySnapshotHash)
	assert.Equal(t, DecisionApproved, rec.Status)

	err = json.Unmarshal([]byte(`{"decision_id":"d2","policy_snapshot_hash":"new","policy_snapshot":"old"}`), &rec)
	require.NoError(t, err)
	assert.Equal(t, "new", rec.PolicySnapshotHash)
}

func TestCapabilityStatus(t *testing.T) {
	assert.Equal(t, CapabilityActive, ParseCapabilityStatus(" Active "))
	assert.Equal(t, CapabilityRogue, ParseCapabilityStatus("ROGUE"))
	assert.Equal(t, CapabilityInactive, ParseCapabilityStatus("unknown"))
	assert.Equal(t, CapabilityInactive, ParseCapabilityStatus(""))

	assert.Equal(t, CapabilityRogue, CapabilityActive.Escalate(CapabilityRogue))
	assert.Equal(t, CapabilityQuarantined, CapabilityQuarantined.Escalate(CapabilityActive))
	assert.Equal(t, CapabilityQuarantined, CapabilityInactive.Escalate(CapabilityQuarantined))
}

func TestGuardInputSnapshotPairing(t *testing.T) {
	present, ok := GuardInput{}.HasPolicySnapshot()
	assert.False(t, present)
	assert.True(t, ok)

	present, ok = GuardInput{PolicyVersion: "v1", PolicyHash: "h"}.HasPolicySnapshot()
	assert.True(t, present)
	assert.True(t, ok)

	_, ok = GuardInput{PolicyVersion: "v1"}.HasPolicySnapshot()
	assert.False(t, ok)
	_, ok = GuardInput{PolicyHash: "h"}.HasPolicySnapshot()
	assert.False(t, ok)
}
