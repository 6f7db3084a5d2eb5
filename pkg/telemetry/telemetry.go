// Package telemetry fans orchestration lifecycle events out to in-process
// subscribers and exports Prometheus counters for them.
package telemetry

import (
	"sync"
	"time"
)

// EventType identifies the kind of telemetry event.
type EventType string

const (
	EventModeChanged     EventType = "mode.changed"
	EventEpochStarted    EventType = "epoch.started"
	EventEpochEnded      EventType = "epoch.ended"
	EventProcessSpawned  EventType = "process.spawned"
	EventProcessExited   EventType = "process.exited"
	EventProcessKilled   EventType = "process.killed"
	EventSessionFound    EventType = "session.found"
	EventSessionDeleted  EventType = "session.deleted"
	EventQueueDrained    EventType = "queue.drained"
	EventTransportLost   EventType = "transport.lost"
	EventCleanupFinished EventType = "cleanup.finished"
)

// Event describes one lifecycle occurrence.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId,omitempty"`
	Mode      string         `json:"mode,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Hub fans events out to any number of subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
}

// NewHub constructs a telemetry hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]struct{})}
}

// Publish notifies all subscribers. Non-blocking; drops if a subscriber's
// buffer is full. Safe on a nil hub.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Drop if subscriber can't keep up; never block the mode loop.
		}
	}
}

// Subscribe returns a channel that will receive future events and a cleanup func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, func() {}
	}
	ch := make(chan Event, 64)
	h.subscribers[ch] = struct{}{}
	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}
