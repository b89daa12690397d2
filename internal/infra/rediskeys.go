package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "uag"
)

// Ключи для Sets (состояние CAT)
const (
	RedisKeyQuarantinedCats = RedisNamespace + ":cats:quarantine_set"
	RedisKeyRogueCats       = RedisNamespace + ":cats:rogue_set"
	RedisKeyInactiveCats    = RedisNamespace + ":cats:inactive_set"

	// RedisKeyLedgerPrefix — префикс Redis Streams для фактов ledger: uag:ledger:<stream>
	RedisKeyLedgerPrefix = RedisNamespace + ":ledger:"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanCatStatus — сигналы смены статуса CAT в формате "cat_id:status".
	RedisChanCatStatus = RedisNamespace + ":cats:status-signal"
	// RedisChanPolicyUpdate — версия политики, которую нужно выбросить из кэша ("" или "*" — все).
	RedisChanPolicyUpdate = RedisNamespace + ":policy:update"
)

// GetWarmupLockKey Генератор ключей для блокировок прогрева
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
