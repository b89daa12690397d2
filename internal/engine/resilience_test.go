package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xela07ax/spaceai-runtime-guard/internal/infra"
	"go.uber.org/zap"
)

func TestListenStateResilient(t *testing.T) {
	mr, rdb := newTestRedis(t)

	var syncs atomic.Int32
	var mu sync.Mutex
	var got []string

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ListenStateResilient(ctx, rdb, zap.NewNop(), infra.RedisChanPolicyUpdate,
		func() error { syncs.Add(1); return nil },
		func(payload string) {
			mu.Lock()
			got = append(got, payload)
			mu.Unlock()
		},
	)

	assert.Eventually(t, func() bool { return syncs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	mr.Publish(infra.RedisChanPolicyUpdate, "2026-10-01")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "2026-10-01"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSleepCtx(t *testing.T) {
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, time.Hour))
}
