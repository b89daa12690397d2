package domain

import "strings"

// CapabilityStatus — жизненный цикл CAT (capability token).
type CapabilityStatus string

const (
	CapabilityActive      CapabilityStatus = "active"      // Полный доступ
	CapabilityInactive    CapabilityStatus = "inactive"    // Отозван или еще не выдан
	CapabilityQuarantined CapabilityStatus = "quarantined" // Ручной контроль ИБ
	CapabilityRogue       CapabilityStatus = "rogue"       // Kill-switch: поведение признано враждебным
)

// ParseCapabilityStatus нормализует статус. Неизвестное значение трактуется как inactive (fail-closed).
func ParseCapabilityStatus(s string) CapabilityStatus {
	switch st := CapabilityStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case CapabilityActive, CapabilityInactive, CapabilityQuarantined, CapabilityRogue:
		return st
	default:
		return CapabilityInactive
	}
}

// Severity задает порядок эскалации: active < inactive < quarantined < rogue.
func (s CapabilityStatus) Severity() int {
	switch s {
	case CapabilityActive:
		return 0
	case CapabilityQuarantined:
		return 2
	case CapabilityRogue:
		return 3
	default:
		return 1
	}
}

// Escalate возвращает более строгий из двух статусов. Ослабить статус нельзя.
func (s CapabilityStatus) Escalate(other CapabilityStatus) CapabilityStatus {
	if other.Severity() > s.Severity() {
		return other
	}
	return s
}
