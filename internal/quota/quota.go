package quota

import (
	"context"
	"log"
	"time"
)

const (
	// DefaultFreeLimit is how many active challenges a non-entitled user
	// may hold at once.
	DefaultFreeLimit = 2

	// DefaultCheckTimeout bounds how long an entitlement lookup may block
	// before the caller falls back to "not entitled".
	DefaultCheckTimeout = 2 * time.Second
)

// Policy gates challenge creation for free-tier users.
type Policy struct {
	FreeLimit int
}

func DefaultPolicy() Policy {
	return Policy{FreeLimit: DefaultFreeLimit}
}

// CanCreate reports whether a user with activeCount active challenges may
// create another one.
func (p Policy) CanCreate(activeCount int, entitled bool) bool {
	return entitled || activeCount < p.FreeLimit
}

// EntitlementChecker answers whether a user holds a paid entitlement. The
// lookup may hit the network and is treated as unreliable.
type EntitlementChecker interface {
	IsEntitled(ctx context.Context, userID string) (bool, error)
}

// BoundedChecker wraps an EntitlementChecker with a hard timeout so the
// creation path never hangs on a slow entitlement source. Timeouts and
// errors degrade to "not entitled".
type BoundedChecker struct {
	inner   EntitlementChecker
	timeout time.Duration
}

func NewBoundedChecker(inner EntitlementChecker, timeout time.Duration) *BoundedChecker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &BoundedChecker{inner: inner, timeout: timeout}
}

func (b *BoundedChecker) Entitled(ctx context.Context, userID string) bool {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	entitled, err := b.inner.IsEntitled(ctx, userID)
	if err != nil {
		log.Printf("Quota: entitlement check failed for %s, assuming free tier: %v", userID, err)
		return false
	}
	return entitled
}
