// Package queue holds outbound session messages awaiting remote delivery.
package queue

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message is a single outbound message.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ObserverFunc is invoked for every message pushed while registered.
type ObserverFunc func(Message)

// Queue is a FIFO buffer of outbound messages with a single optional
// observer. Safe for concurrent use. The observer is called outside the
// queue's lock, on the pusher's goroutine.
type Queue struct {
	mu       sync.Mutex
	messages []Message
	observer ObserverFunc
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Push appends content as a new message and notifies the observer, if any.
func (q *Queue) Push(content string) Message {
	msg := Message{
		ID:        ulid.Make().String(),
		Content:   content,
		CreatedAt: time.Now(),
	}

	q.mu.Lock()
	q.messages = append(q.messages, msg)
	observer := q.observer
	q.mu.Unlock()

	if observer != nil {
		observer(msg)
	}
	return msg
}

// Size returns the number of buffered messages.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Reset discards all buffered messages.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = nil
}

// Peek returns the oldest buffered message without removing it.
func (q *Queue) Peek() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return Message{}, false
	}
	return q.messages[0], true
}

// Ack removes the head message if it still carries id. Delivery acks a
// message only after its send succeeded, so an epoch that stops mid-drain
// leaves the unsent remainder buffered for the next one.
func (q *Queue) Ack(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 || q.messages[0].ID != id {
		return false
	}
	q.messages = q.messages[1:]
	return true
}

// SetOnMessage installs cb as the queue's observer. Passing nil clears it.
// At most one observer is registered at a time; queue ownership transfers
// between launcher epochs, never overlaps.
func (q *Queue) SetOnMessage(cb ObserverFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observer = cb
}
