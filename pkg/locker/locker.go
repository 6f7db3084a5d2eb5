// Package locker provides a FIFO binary-semaphore mutual exclusion lock with
// optional acquisition timeout. Unlike sync.Mutex, waiters are granted the
// permit strictly in arrival order, acquisition is cancellable, and a waiter
// that times out is removed from the queue without consuming the permit.
package locker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrAcquireTimeout is returned when the acquisition timeout elapses
	// before the lock becomes available. It is distinct from context
	// cancellation and from any error returned by the protected function.
	ErrAcquireTimeout = errors.New("lock acquisition timeout")
)

// Lock is a single-permit FIFO lock. The zero value is not usable; call New.
type Lock struct {
	mu      sync.Mutex
	free    bool
	waiters []chan struct{}
}

// New returns an unlocked Lock.
func New() *Lock {
	return &Lock{free: true}
}

// InLock acquires the lock, runs fn, and releases the lock even if fn
// panics or returns an error. Acquisition waits indefinitely unless ctx is
// cancelled.
func (l *Lock) InLock(ctx context.Context, fn func() error) error {
	return l.InLockTimeout(ctx, 0, fn)
}

// InLockTimeout is InLock with an acquisition timeout. A timeout <= 0 means
// wait indefinitely. If the timeout fires before the permit is granted, the
// waiter is removed from the queue and ErrAcquireTimeout is returned; the
// remaining waiters keep their positions.
func (l *Lock) InLockTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if err := l.acquire(ctx, timeout); err != nil {
		return err
	}
	defer l.release()
	return fn()
}

func (l *Lock) acquire(ctx context.Context, timeout time.Duration) error {
	l.mu.Lock()
	if l.free {
		l.free = false
		l.mu.Unlock()
		return nil
	}

	// Grant channel is buffered so release never blocks on a waiter that
	// has not reached its select yet.
	grant := make(chan struct{}, 1)
	l.waiters = append(l.waiters, grant)
	l.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-grant:
		// Permit was handed to us directly by the releaser.
		return nil
	case <-timeoutCh:
		return l.abandon(grant, ErrAcquireTimeout)
	case <-ctx.Done():
		return l.abandon(grant, ctx.Err())
	}
}

// abandon removes grant from the waiter queue. If the permit was granted
// concurrently with the timeout/cancellation, it is passed on to the next
// waiter so no permit is consumed or leaked.
func (l *Lock) abandon(grant chan struct{}, cause error) error {
	l.mu.Lock()
	for i, w := range l.waiters {
		if w == grant {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			l.mu.Unlock()
			return cause
		}
	}
	l.mu.Unlock()

	// Not in the queue: the releaser already granted us the permit. Hand
	// it to the next waiter before reporting the timeout.
	l.release()
	return cause
}

// release hands the permit to the head waiter, or marks the lock free. The
// waiter resumes on its own goroutine; the releasing call never runs the
// waiter's body on its stack.
func (l *Lock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		next <- struct{}{}
		return
	}
	l.free = true
}

// Locked reports whether the permit is currently held.
func (l *Lock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.free
}

// Waiters returns the number of callers currently blocked on acquisition.
func (l *Lock) Waiters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}
