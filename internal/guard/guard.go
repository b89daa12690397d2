// Package guard содержит стадии конвейера: Dispatch Guard, Policy Gate и Execution Guard.
// Каждая стадия синхронна, не выбрасывает ошибок наружу и всегда возвращает полный GuardResult.
package guard

import "github.com/xela07ax/spaceai-runtime-guard/internal/domain"

// Действия, которые вызывающая сторона выполняет по результату.
const (
	ActionDispatch      = "dispatch"
	ActionBlockDispatch = "block_dispatch"
	ActionContinue      = "continue"
	ActionAlert         = "alert_operator"
	ActionAbort         = "abort_execution"
)

func deny(status int, reason, message string) domain.GuardResult {
	return domain.GuardResult{
		Verdict:    domain.VerdictDeny,
		HTTPStatus: status,
		ReasonCode: reason,
		Message:    message,
		Actions:    []string{ActionBlockDispatch},
	}
}
