package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ai-control-plane/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	LockPrefix = "/controlplane/locks/"
	// LockSessionTTL is the lease TTL in seconds. A crashed holder releases
	// its locks when the lease expires.
	LockSessionTTL = 10
)

type etcdLock struct {
	mutex   *concurrency.Mutex
	session *concurrency.Session
	name    string
}

// Unlock releases the lock and closes its session, dropping the lease.
func (l *etcdLock) Unlock(ctx context.Context) error {
	defer func() {
		if l.session != nil {
			_ = l.session.Close()
		}
	}()
	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.name, err)
	}
	return nil
}

type etcdLocker struct {
	client *clientv3.Client
}

// NewLocker creates an etcd-backed distributed locker. It serializes
// cross-node critical sections such as invoice generation for a tenant.
func NewLocker(client *clientv3.Client) domain.Locker {
	return &etcdLocker{client: client}
}

// Lock tries to acquire the named lock without blocking. A lock held
// elsewhere returns domain.ErrLockNotAcquired.
func (l *etcdLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	// One session per acquisition keeps lock lifetimes independent.
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(LockSessionTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session for lock %s: %w", name, err)
	}

	mutex := concurrency.NewMutex(session, LockPrefix+name)

	tryCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	if err := mutex.TryLock(tryCtx); err != nil {
		_ = session.Close()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, concurrency.ErrLocked) {
			return nil, domain.ErrLockNotAcquired
		}
		return nil, fmt.Errorf("failed to acquire etcd lock %s: %w", name, err)
	}

	return &etcdLock{mutex: mutex, session: session, name: name}, nil
}
