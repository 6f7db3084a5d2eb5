package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSucceedsFirstTry(t *testing.T) {
	calls := 0
	b := Backoff{MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxFailureCount: 3}
	err := b.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteRecoversAfterFailures(t *testing.T) {
	calls := 0
	b := Backoff{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxFailureCount: 5}
	err := b.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestAttemptBudgetExhaustion(t *testing.T) {
	calls := 0
	sentinel := errors.New("always fails")
	b := Backoff{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxFailureCount: 3}

	err := b.Execute(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	})

	assert.Equal(t, 3, calls, "callback must be invoked exactly MaxFailureCount times")

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, sentinel, "exhaustion must carry the last underlying error")
}

func TestElapsedTimeBudget(t *testing.T) {
	calls := 0
	b := Backoff{
		MinDelay:        50 * time.Millisecond,
		MaxDelay:        100 * time.Millisecond,
		MaxFailureCount: 10,
		MaxElapsedTime:  time.Nanosecond,
	}

	err := b.Execute(context.Background(), func(context.Context) error {
		calls++
		return errors.New("slow failure")
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Less(t, calls, 3, "elapsed-time bound must fire before a 3rd attempt")
}

func TestOnErrorVeto(t *testing.T) {
	calls := 0
	sentinel := errors.New("fatal")
	b := Backoff{
		MinDelay:        time.Millisecond,
		MaxDelay:        2 * time.Millisecond,
		MaxFailureCount: 5,
		OnError:         func(attempt int, err error) bool { return false },
	}

	err := b.Execute(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	})

	assert.Equal(t, 1, calls, "veto must abort after the current attempt")
	assert.Equal(t, sentinel, err, "veto rethrows the attempt's error, not an exhaustion error")
}

func TestCancellationDistinctFromExhaustion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := Backoff{MinDelay: time.Hour, MaxDelay: time.Hour, MaxFailureCount: 3}

	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error { return errors.New("fail") })
	}()

	cancel()
	err := <-done
	assert.ErrorIs(t, err, ErrCancelled)
	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted), "cancellation must not look like exhaustion")
}

func TestDelayWindowGrowsAndStaysBounded(t *testing.T) {
	b := Backoff{MinDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond, MaxFailureCount: 4}
	for failures := 0; failures <= 8; failures++ {
		for i := 0; i < 50; i++ {
			d := b.Delay(failures)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.Less(t, d, b.MaxDelay+time.Millisecond, "delay must never exceed the window upper bound")
		}
	}
}
