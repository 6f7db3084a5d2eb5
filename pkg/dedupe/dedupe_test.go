package dedupe

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentCallsShareOneExecution(t *testing.T) {
	var g Group[string]
	var executions atomic.Int64
	release := make(chan struct{})

	fn := func() (string, error) {
		executions.Add(1)
		<-release
		return "result", nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = g.Do("key", fn)
		}(i)
	}

	require.Eventually(t, func() bool { return g.InFlight() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), executions.Load(), "operation must execute exactly once")
	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
		assert.Equal(t, "result", results[i])
	}
}

func TestErrorsAreSharedToo(t *testing.T) {
	var g Group[int]
	sentinel := errors.New("shared failure")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = g.Do("k", func() (int, error) {
				<-release
				return 0, sentinel
			})
		}(i)
	}
	require.Eventually(t, func() bool { return g.InFlight() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, sentinel, errs[0])
	assert.Equal(t, sentinel, errs[1])
}

func TestSettledEntryReExecutes(t *testing.T) {
	var g Group[int]
	calls := 0
	fn := func() (int, error) {
		calls++
		return calls, nil
	}

	first, err := g.Do("k", fn)
	require.NoError(t, err)
	second, err := g.Do("k", fn)
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second, "a call after settlement must re-execute")
	assert.Equal(t, 0, g.InFlight())
}

func TestDistinctKeysDoNotCoalesce(t *testing.T) {
	var g Group[string]
	var executions atomic.Int64
	release := make(chan struct{})

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_, _ = g.Do(k, func() (string, error) {
				executions.Add(1)
				<-release
				return k, nil
			})
		}(key)
	}
	require.Eventually(t, func() bool { return g.InFlight() == 2 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(2), executions.Load())
}

func TestEvictionUnblocksNewCallersWithoutAffectingWaiters(t *testing.T) {
	g := Group[string]{EvictAfter: 20 * time.Millisecond}
	release := make(chan struct{})

	waiterDone := make(chan string, 1)
	go func() {
		val, _ := g.Do("k", func() (string, error) {
			<-release
			return "stale", nil
		})
		waiterDone <- val
	}()

	require.Eventually(t, func() bool { return g.InFlight() == 1 }, time.Second, time.Millisecond)
	// Wait for the eviction timer to clear the entry.
	require.Eventually(t, func() bool { return g.InFlight() == 0 }, time.Second, time.Millisecond)

	// A new caller re-executes instead of joining the stale flight.
	fresh, err := g.Do("k", func() (string, error) { return "fresh", nil })
	require.NoError(t, err)
	assert.Equal(t, "fresh", fresh)

	// The original flight still settles and its caller sees its own value.
	close(release)
	assert.Equal(t, "stale", <-waiterDone)
}
