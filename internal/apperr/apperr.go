package apperr

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine. Handlers translate these into
// HTTP status codes; services wrap them with fmt.Errorf("...: %w", ...).
var (
	ErrNotFound           = errors.New("challenge not found")
	ErrNotAuthenticated   = errors.New("user not authenticated")
	ErrNetwork            = errors.New("remote store unavailable")
	ErrChallengeCompleted = errors.New("challenge already completed")
	ErrAlreadyCheckedIn   = errors.New("already checked in today")
	ErrQuotaExceeded      = errors.New("active challenge quota exceeded")
)

// QuotaError carries the numbers the caller needs to render an upgrade
// prompt. It matches errors.Is(err, ErrQuotaExceeded).
type QuotaError struct {
	Limit  int
	Active int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("active challenge quota exceeded (%d of %d used)", e.Active, e.Limit)
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Network wraps err so callers can detect a failed remote leg with
// errors.Is(err, ErrNetwork) while keeping the underlying cause.
func Network(err error) error {
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}
