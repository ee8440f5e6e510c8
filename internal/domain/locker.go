package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when a lock is already held elsewhere, for
// example by another control-plane node generating the same tenant's invoice.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock represents an acquired distributed lock.
type Lock interface {
	// Unlock releases the lock.
	Unlock(ctx context.Context) error
}

// Locker defines the interface for a distributed locking mechanism. Lock must
// be non-blocking: if the lock is already held it returns ErrLockNotAcquired
// immediately.
type Locker interface {
	Lock(ctx context.Context, name string) (Lock, error)
}
