// Package backoff retries a failing operation with growing, randomized
// delays, bounded by both an attempt count and a wall-clock budget.
package backoff

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCancelled is returned when the context is cancelled while waiting
	// between attempts. It is distinct from budget exhaustion.
	ErrCancelled = errors.New("backoff cancelled")
)

// ExhaustedError is returned once the attempt or elapsed-time budget is
// spent. It carries the last error produced by the operation.
type ExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts (%s): %v", e.Attempts, e.Elapsed, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// Backoff retries an operation with delay drawn uniformly from
// [0, MinDelay + (MaxDelay-MinDelay) * min(failures, MaxFailureCount) / MaxFailureCount).
type Backoff struct {
	// MinDelay anchors the delay window for the first retry.
	MinDelay time.Duration

	// MaxDelay caps the upper bound of the delay window.
	MaxDelay time.Duration

	// MaxFailureCount bounds the number of attempts. The operation is
	// invoked at most MaxFailureCount times.
	MaxFailureCount int

	// MaxElapsedTime bounds total wall-clock time. Zero means no bound.
	MaxElapsedTime time.Duration

	// OnError, if set, is consulted after every failed attempt. Returning
	// false aborts immediately and the attempt's error is returned as-is.
	OnError func(attempt int, err error) bool
}

// cryptoRandFloat64 returns a uniform value in [0, 1).
func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0.5
	}
	n := binary.BigEndian.Uint64(b[:]) >> 11 // 53 bits
	return float64(n) / float64(uint64(1)<<53)
}

// Delay returns the randomized delay for the given failure count.
func (b Backoff) Delay(failures int) time.Duration {
	maxFailures := b.MaxFailureCount
	if maxFailures <= 0 {
		maxFailures = 1
	}
	if failures > maxFailures {
		failures = maxFailures
	}
	spread := float64(b.MaxDelay-b.MinDelay) * float64(failures) / float64(maxFailures)
	upper := float64(b.MinDelay) + spread
	if upper <= 0 {
		return 0
	}
	return time.Duration(cryptoRandFloat64() * upper)
}

// Execute runs fn until it succeeds or a budget is spent.
//
// Exhaustion of either budget returns an *ExhaustedError wrapping the last
// error. Context cancellation returns ErrCancelled, distinguishable from
// exhaustion. An OnError hook returning false short-circuits: the failing
// attempt's error is rethrown without further retries.
func (b Backoff) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	maxFailures := b.MaxFailureCount
	if maxFailures <= 0 {
		maxFailures = 1
	}

	start := time.Now()
	var lastErr error

	for failures := 0; failures < maxFailures; failures++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if b.OnError != nil && !b.OnError(failures+1, err) {
			return err
		}

		if b.MaxElapsedTime > 0 && time.Since(start) >= b.MaxElapsedTime {
			return &ExhaustedError{Attempts: failures + 1, Elapsed: time.Since(start), LastErr: lastErr}
		}
		if failures+1 >= maxFailures {
			break
		}

		timer := time.NewTimer(b.Delay(failures + 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	return &ExhaustedError{Attempts: maxFailures, Elapsed: time.Since(start), LastErr: lastErr}
}
