package engine

/*
Файл status_manager.go — единый Control Plane статусов CAT (kill-switch, карантин, отзыв).

L1 — карта в памяти для Hot Path, L2 — Redis Sets, источник истины — БД.
Сигналы "cat_id:status" приходят через Pub/Sub. Менеджер умеет только ужесточать
статус запроса перед Dispatch Guard, ослабить заявленный статус нельзя.
*/

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
	"github.com/xela07ax/spaceai-runtime-guard/internal/infra"
	"go.uber.org/zap"
)

// CapabilityStatusSource — источник истины для статусов (Postgres).
type CapabilityStatusSource interface {
	ListIDsByStatus(ctx context.Context, status domain.CapabilityStatus) ([]string, error)
	UpdateStatus(ctx context.Context, id string, status domain.CapabilityStatus) error
}

// statusSets — соответствие статуса и Redis Set.
var statusSets = map[domain.CapabilityStatus]string{
	domain.CapabilityInactive:    infra.RedisKeyInactiveCats,
	domain.CapabilityQuarantined: infra.RedisKeyQuarantinedCats,
	domain.CapabilityRogue:       infra.RedisKeyRogueCats,
}

type StatusManager struct {
	rdb    *redis.Client
	repo   CapabilityStatusSource
	logger *zap.Logger

	mu       sync.RWMutex
	statuses map[string]domain.CapabilityStatus
}

// NewStatusManager: rdb и repo опциональны, без них менеджер работает только на L1.
func NewStatusManager(rdb *redis.Client, repo CapabilityStatusSource, logger *zap.Logger) *StatusManager {
	return &StatusManager{
		rdb:      rdb,
		repo:     repo,
		logger:   logger.With(zap.String("mod", "cat_status")),
		statuses: make(map[string]domain.CapabilityStatus),
	}
}

// Init загружает состояние при старте и при каждом переподключении к Redis.
func (m *StatusManager) Init(ctx context.Context) error {
	fresh := make(map[string]domain.CapabilityStatus)
	collect := func(status domain.CapabilityStatus) func([]string) {
		return func(ids []string) {
			for _, id := range ids {
				next := status
				if cur, ok := fresh[id]; ok {
					next = cur.Escalate(status)
				}
				fresh[id] = next
			}
		}
	}

	for status, key := range statusSets {
		// 1. БД -> L1 (+ прогрев L2, если Redis пуст)
		if m.repo != nil {
			ids, err := m.repo.ListIDsByStatus(ctx, status)
			if err != nil {
				return fmt.Errorf("cat status: load %s from DB: %w", status, err)
			}
			if m.rdb != nil {
				if err := WarmupState(ctx, m.rdb, m.logger, ids, key, infra.GetWarmupLockKey("cats:"+string(status)), collect(status)); err != nil {
					return fmt.Errorf("cat status: warm-up %s: %w", status, err)
				}
			} else {
				collect(status)(ids)
			}
		}

		// 2. L2 -> L1: сигналы, пришедшие мимо БД
		if m.rdb != nil {
			ids, err := m.rdb.SMembers(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("cat status: read %s: %w", key, err)
			}
			collect(status)(ids)
		}
	}

	m.mu.Lock()
	m.statuses = fresh
	m.mu.Unlock()

	m.logger.Info("cat statuses loaded", zap.Int("count", len(fresh)))
	return nil
}

// StartListener подписывается на сигналы смены статуса. Блокирует до отмены ctx.
func (m *StatusManager) StartListener(ctx context.Context) {
	ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanCatStatus,
		func() error { return m.Init(ctx) },
		m.processSignal,
	)
}

// processSignal разбирает "cat_id:status". cat_id может содержать ':', статус — последний сегмент.
func (m *StatusManager) processSignal(payload string) {
	i := strings.LastIndexByte(payload, ':')
	if i <= 0 || i == len(payload)-1 {
		m.logger.Error("invalid signal format", zap.String("payload", payload))
		return
	}
	id := payload[:i]
	status, ok := parseSignalStatus(payload[i+1:])
	if !ok {
		m.logger.Error("unknown status in signal", zap.String("payload", payload))
		return
	}
	m.apply(id, status)
	m.logger.Info("cat status signal applied", zap.String("cat_id", id), zap.String("status", string(status)))
}

func parseSignalStatus(s string) (domain.CapabilityStatus, bool) {
	switch st := domain.CapabilityStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case domain.CapabilityActive, domain.CapabilityInactive, domain.CapabilityQuarantined, domain.CapabilityRogue:
		return st, true
	default:
		return "", false
	}
}

func (m *StatusManager) apply(id string, status domain.CapabilityStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == domain.CapabilityActive {
		delete(m.statuses, id)
		return
	}
	m.statuses[id] = status
}

// Status — максимально быстрый метод для Hot Path. false — управляющего статуса нет.
func (m *StatusManager) Status(catID string) (domain.CapabilityStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[catID]
	return st, ok
}

// Escalate ужесточает cat_status запроса, если Control Plane знает более строгий статус.
func (m *StatusManager) Escalate(in *domain.GuardInput) bool {
	override, ok := m.Status(in.CatID)
	if !ok {
		return false
	}
	current := domain.ParseCapabilityStatus(string(in.CatStatus))
	next := current.Escalate(override)
	if next == current {
		return false
	}
	in.CatStatus = next
	return true
}

// SetStatus — управляющее действие оператора: БД, Redis Set и сигнал всем инстансам.
func (m *StatusManager) SetStatus(ctx context.Context, catID string, status domain.CapabilityStatus) error {
	if catID == "" {
		return fmt.Errorf("cat status: empty cat_id")
	}
	if _, ok := parseSignalStatus(string(status)); !ok {
		return fmt.Errorf("cat status: unknown status %q", status)
	}

	// 1. Источник истины
	if m.repo != nil {
		if err := m.repo.UpdateStatus(ctx, catID, status); err != nil {
			return fmt.Errorf("cat status: %w", err)
		}
	}

	// 2. L2 + широковещательный сигнал одной транзакцией
	if m.rdb != nil {
		_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for st, key := range statusSets {
				if st == status {
					pipe.SAdd(ctx, key, catID)
				} else {
					pipe.SRem(ctx, key, catID)
				}
			}
			pipe.Publish(ctx, infra.RedisChanCatStatus, catID+":"+string(status))
			return nil
		})
		if err != nil {
			return fmt.Errorf("cat status: redis: %w", err)
		}
	}

	// 3. L1 сразу, не дожидаясь собственного сигнала
	m.apply(catID, status)
	return nil
}
