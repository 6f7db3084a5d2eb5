// Package dedupe coalesces concurrent identical operations: all callers that
// request the same key while a call is in flight share that call's outcome.
// Once the call settles the entry is dropped, so a later caller re-executes.
package dedupe

import (
	"sync"
	"time"
)

type call[T any] struct {
	done  chan struct{}
	val   T
	err   error
	evict *time.Timer
}

// Group deduplicates in-flight calls by key. The zero value is ready to use.
type Group[T any] struct {
	mu    sync.Mutex
	calls map[string]*call[T]

	// EvictAfter, when positive, drops an entry that has been in flight
	// for longer than this duration. Callers already waiting on the entry
	// still receive its eventual outcome; the eviction only stops new
	// callers from piling onto a call that may never settle.
	EvictAfter time.Duration
}

// Do executes fn once per key per flight. Concurrent callers with the same
// key block until the single execution settles and observe the identical
// value or error.
func (g *Group[T]) Do(key string, fn func() (T, error)) (T, error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]*call[T])
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		<-c.done
		return c.val, c.err
	}

	c := &call[T]{done: make(chan struct{})}
	g.calls[key] = c
	if g.EvictAfter > 0 {
		c.evict = time.AfterFunc(g.EvictAfter, func() {
			g.remove(key, c)
		})
	}
	g.mu.Unlock()

	c.val, c.err = fn()

	g.remove(key, c)
	if c.evict != nil {
		c.evict.Stop()
	}
	close(c.done)

	return c.val, c.err
}

// remove drops the entry only if it still maps to this flight; a newer
// flight under the same key is left alone.
func (g *Group[T]) remove(key string, c *call[T]) {
	g.mu.Lock()
	if cur, ok := g.calls[key]; ok && cur == c {
		delete(g.calls, key)
	}
	g.mu.Unlock()
}

// InFlight reports the number of keys currently being executed.
func (g *Group[T]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}
