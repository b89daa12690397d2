package ledger

/*
Пакет ledger — append-only хранилище фактов аудита.

Каждая стадия конвейера пишет в собственный поток (stream), поэтому нагрузка
одного потока не блокирует и не портит другой. Запись best-effort: сбой хранилища
не делает решение недоступным, но возвращается вызывающему как ledger_written=false.
*/

import (
	"context"
	"errors"
	"regexp"
)

// Имена потоков. Стабильны: по ним строятся отчеты аудита.
const (
	StreamDispatchGuard    = "dispatch_guard"
	StreamPolicyGate       = "policy_gate"
	StreamExecutionGuard   = "execution_guard"
	StreamResultSanitizer  = "result_sanitizer"
	StreamDecisions        = "decision_ledger"
	StreamDecisionVerifier = "decision_verifier"
)

var (
	ErrClosed        = errors.New("ledger: writer is closed")
	ErrBackpressure  = errors.New("ledger: stream buffer is full")
	ErrInvalidStream = errors.New("ledger: invalid stream name")
)

var streamNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,63}$`)

// ValidStream — имя потока используется как имя файла и ключ Redis.
func ValidStream(name string) bool {
	return streamNameRe.MatchString(name)
}

// Appender — контракт для стадий конвейера: true, если факт сохранен.
type Appender interface {
	Append(ctx context.Context, stream string, fact any) bool
}

// Sink определяет, куда физически сохраняются факты.
type Sink interface {
	// WriteBatch сохраняет пачку сериализованных фактов одного потока.
	// Каждый факт пишется атомарно, частичная запись одного факта недопустима.
	WriteBatch(ctx context.Context, stream string, facts [][]byte) error
}

// Reader нужен только Decision Ledger: сканирование потока в порядке записи.
type Reader interface {
	Scan(ctx context.Context, stream string, fn func(fact []byte) error) error
}

// Store — хранилище, которое умеет и писать, и читать.
type Store interface {
	Sink
	Reader
}
