// Package statelock serializes writes to persisted alert state.
package statelock

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultBackoff is how long a waiter sleeps before retrying a held lock.
const DefaultBackoff = 100 * time.Millisecond

// Mutex is a single flag acquired by compare-and-swap. Waiters poll the flag
// after a fixed backoff instead of queueing, so there is no fairness.
type Mutex struct {
	held    atomic.Bool
	backoff time.Duration
}

// New creates a mutex that retries after backoff. A non-positive backoff
// uses DefaultBackoff.
func New(backoff time.Duration) *Mutex {
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	return &Mutex{backoff: backoff}
}

// Lock blocks until the flag is acquired or ctx is done.
func (m *Mutex) Lock(ctx context.Context) error {
	for {
		if m.held.CompareAndSwap(false, true) {
			return nil
		}
		timer := time.NewTimer(m.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryLock acquires the flag without waiting.
func (m *Mutex) TryLock() bool {
	return m.held.CompareAndSwap(false, true)
}

// Unlock releases the flag.
func (m *Mutex) Unlock() {
	m.held.Store(false)
}

// Do runs fn while holding the lock. The lock is released on every exit
// path, including a panic in fn.
func (m *Mutex) Do(ctx context.Context, fn func() error) error {
	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer m.Unlock()
	return fn()
}

func (m *Mutex) interval() time.Duration {
	if m.backoff <= 0 {
		return DefaultBackoff
	}
	return m.backoff
}
