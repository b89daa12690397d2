package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ErrProviderUnavailable — провайдер не смог обработать вызов.
var ErrProviderUnavailable = errors.New("provider unavailable")

// ThrottleError — провайдер попросил подождать (Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }
