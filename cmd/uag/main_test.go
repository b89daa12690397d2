package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-runtime-guard/internal/decision"
	"github.com/xela07ax/spaceai-runtime-guard/internal/infra"
	"github.com/xela07ax/spaceai-runtime-guard/internal/ledger"
	"github.com/xela07ax/spaceai-runtime-guard/internal/policy"
)

func TestOpenLedgerBackends(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := openLedger(ctx, infra.LedgerConfig{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &ledger.FileSink{}, s)

	_, _, err = openLedger(ctx, infra.LedgerConfig{Backend: "redis"}, nil)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s, _, err = openLedger(ctx, infra.LedgerConfig{Backend: "redis", StreamMax: 100}, rdb)
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, _, err = openLedger(ctx, infra.LedgerConfig{Backend: "kafka"}, nil)
	assert.ErrorContains(t, err, "unknown backend")
}

func TestNewPolicyStore(t *testing.T) {
	s, err := newPolicyStore(infra.PolicyConfig{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &policy.FileStore{}, s)

	_, err = newPolicyStore(infra.PolicyConfig{Source: "postgres"}, nil)
	assert.Error(t, err)

	_, err = newPolicyStore(infra.PolicyConfig{Source: "s3"}, nil)
	assert.Error(t, err)
}

func TestExpectedHashSource(t *testing.T) {
	resolver := policy.NewResolver(policy.NewFileStore(t.TempDir()), false, zap.NewNop())

	src := expectedHashSource(infra.DecisionConfig{ExpectedPolicyHash: "abc", UseActivePolicyHash: true}, resolver)
	h, err := src.ExpectedHash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", h)

	src = expectedHashSource(infra.DecisionConfig{UseActivePolicyHash: true}, resolver)
	assert.IsType(t, decision.HashFunc(nil), src)
	_, err = src.ExpectedHash(context.Background())
	assert.Error(t, err, "empty policy dir has no active pointer")

	assert.Nil(t, expectedHashSource(infra.DecisionConfig{}, resolver))
}
