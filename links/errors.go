package links

import (
	"errors"
	"fmt"
)

// Denial outcomes. These are terminal: the token was understood but redemption
// is disallowed, and retrying will not help. They are kept distinct so callers
// can report the exact reason instead of a generic not-found.
var (
	ErrNotFound      = errors.New("link not found")
	ErrExpired       = errors.New("link expired")
	ErrQuotaExceeded = errors.New("download quota exceeded")
	ErrForbidden     = errors.New("request origin not permitted")
)

// Validation errors surface bad issuance input. Caller's fault, never retried.
var (
	ErrInvalidConfig = errors.New("invalid link configuration")
	ErrFileTooLarge  = errors.New("file exceeds size limit")
)

// InfraError marks a transient backing-store failure (timeout, connection
// loss). Distinct from the denial taxonomy: lookups may be retried, but a
// ConsumeSlot call must never be blindly retried, as the slot may already
// have been taken.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("infrastructure failure during %s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

func infraErr(op string, err error) error {
	return &InfraError{Op: op, Err: err}
}

// IsDenial reports whether err is one of the terminal denial outcomes.
func IsDenial(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrForbidden)
}
