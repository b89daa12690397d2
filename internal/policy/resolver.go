package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
	"go.uber.org/zap"
)

// Resolver отдает активный снапшот политики.
//
// Указатель на активную версию читается на каждом вызове, поэтому смена версии
// видна уже следующему запросу. Документ по умолчанию тоже перечитывается каждый раз;
// с включенным кэшем он берется из памяти по ключу версии, а правка документа
// на месте сбрасывается через Invalidate (сигнал policy-update в Redis).
type Resolver struct {
	store  Store
	logger *zap.Logger

	cacheEnabled bool
	mu           sync.RWMutex
	cache        map[string]*domain.PolicySnapshot
}

func NewResolver(store Store, cacheEnabled bool, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:        store,
		logger:       logger.Named("policy"),
		cacheEnabled: cacheEnabled,
		cache:        make(map[string]*domain.PolicySnapshot),
	}
}

// Resolve возвращает снапшот активной версии. Любая ошибка означает fail-closed для вызывающего.
func (r *Resolver) Resolve(ctx context.Context) (*domain.PolicySnapshot, error) {
	// 1. Дешевая проверка указателя
	version, err := r.store.ActiveVersion(ctx)
	if err != nil {
		return nil, err
	}

	// 2. Кэш по версии
	if r.cacheEnabled {
		r.mu.RLock()
		snap, ok := r.cache[version]
		r.mu.RUnlock()
		if ok {
			return snap, nil
		}
	}

	// 3. Чтение и разбор документа
	raw, err := r.store.Document(ctx, version)
	if err != nil {
		return nil, err
	}
	snap, err := ParseDocument(raw)
	if err != nil {
		return nil, err
	}
	if snap.Version != version {
		return nil, fmt.Errorf("%w: pointer=%s document=%s", ErrVersionMismatch, version, snap.Version)
	}

	if r.cacheEnabled {
		r.mu.Lock()
		r.cache[version] = snap
		r.mu.Unlock()
		r.logger.Debug("policy snapshot cached", zap.String("version", version), zap.String("hash", snap.Hash))
	}
	return snap, nil
}

// ActiveHash — хеш текущего снапшота, ожидаемый верификатором решений.
func (r *Resolver) ActiveHash(ctx context.Context) (string, error) {
	snap, err := r.Resolve(ctx)
	if err != nil {
		return "", err
	}
	return snap.Hash, nil
}

// Invalidate сбрасывает кэш версии. Пустая версия сбрасывает весь кэш.
func (r *Resolver) Invalidate(version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version == "" {
		r.cache = make(map[string]*domain.PolicySnapshot)
	} else {
		delete(r.cache, version)
	}
	r.logger.Info("policy cache invalidated", zap.String("version", version))
}

// Warm разогревает кэш активной версией при старте.
func (r *Resolver) Warm(ctx context.Context) error {
	if !r.cacheEnabled {
		return nil
	}
	snap, err := r.Resolve(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("policy cache warmed", zap.String("version", snap.Version))
	return nil
}
