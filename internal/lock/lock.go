// Package lock guards booking critical sections so the conflict check and the
// insert of an appointment run without a competing booking in between.
package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/Legion808/klinika/internal/apperr"
)

var ErrLockNotAcquired = fmt.Errorf("%w: slot is being booked by another request", apperr.ErrConflict)

// Locker runs fn while holding the named lock.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// LocalLocker is an in-process keyed mutex for single-instance deployments.
// Waiters queue up instead of failing, bounded by their context.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	kl := l.acquireRef(key)
	defer l.releaseRef(key, kl)

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("wait for lock %s: %w", key, ctx.Err())
	}
	defer func() { <-kl.sem }()

	return fn(ctx)
}

func (l *LocalLocker) acquireRef(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *LocalLocker) releaseRef(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// held reports how many keys currently have holders or waiters.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
