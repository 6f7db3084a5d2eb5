// Package session holds the aggregate root for one orchestrated coding-agent
// conversation. The Session is owned by the mode loop; launchers mutate it
// only through OnSessionFound, ConsumeOneTimeFlags, and Destroy.
package session

import (
	"sync"

	"github.com/odvcencio/leash/pkg/queue"
	"github.com/odvcencio/leash/pkg/wire"
)

// Mode identifies the current execution mode.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Other returns the opposite mode.
func (m Mode) Other() Mode {
	if m == ModeLocal {
		return ModeRemote
	}
	return ModeLocal
}

// FoundFunc is notified when the agent's session id becomes known.
type FoundFunc func(id string)

// Options configures a new Session.
type Options struct {
	WorkDir         string
	ResumeSessionID string
	Env             map[string]string
	ExtraArgs       []string
	AllowedTools    []string
	Client          wire.Client
	Queue           *queue.Queue
}

// Session is the aggregate root for one orchestrated conversation.
type Session struct {
	mu sync.Mutex

	workDir      string
	sessionID    string
	env          map[string]string
	extraArgs    []string
	allowedTools []string

	queue  *queue.Queue
	client wire.Client

	found         []FoundFunc
	mode          Mode
	resumePending bool
	destroyed     bool
}

// New creates a session. A non-empty ResumeSessionID arms the one-time
// resume flag for the first local spawn.
func New(opts Options) *Session {
	q := opts.Queue
	if q == nil {
		q = queue.New()
	}
	return &Session{
		workDir:       opts.WorkDir,
		sessionID:     opts.ResumeSessionID,
		env:           opts.Env,
		extraArgs:     opts.ExtraArgs,
		allowedTools:  opts.AllowedTools,
		queue:         q,
		client:        opts.Client,
		mode:          ModeLocal,
		resumePending: IsResumableID(opts.ResumeSessionID),
	}
}

// WorkDir returns the session's working directory.
func (s *Session) WorkDir() string { return s.workDir }

// Env returns the environment overrides for spawned processes.
func (s *Session) Env() map[string]string { return s.env }

// ExtraArgs returns the caller-supplied passthrough arguments.
func (s *Session) ExtraArgs() []string { return s.extraArgs }

// AllowedTools returns the tool allow-list.
func (s *Session) AllowedTools() []string { return s.allowedTools }

// Queue returns the outbound message queue.
func (s *Session) Queue() *queue.Queue { return s.queue }

// Client returns the network session client.
func (s *Session) Client() wire.Client { return s.client }

// SessionID returns the agent's session id, or "" if not yet discovered.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Mode returns the current execution mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode records the current execution mode.
func (s *Session) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// AddSessionFoundCallback registers cb for future session-id discoveries.
func (s *Session) AddSessionFoundCallback(cb FoundFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.found = append(s.found, cb)
}

// OnSessionFound records the discovered agent session id, re-arms the resume
// flag for the next epoch, and notifies callbacks outside the lock.
func (s *Session) OnSessionFound(id string) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.sessionID = id
	s.resumePending = IsResumableID(id)
	callbacks := make([]FoundFunc, len(s.found))
	copy(callbacks, s.found)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(id)
	}
}

// ResumeTarget returns the session id to resume, or "" when no resume is
// pending or the id is not resumable. It does not consume the flag.
func (s *Session) ResumeTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resumePending || !IsResumableID(s.sessionID) {
		return ""
	}
	return s.sessionID
}

// ConsumeOneTimeFlags clears flags that must not survive a second spawn
// within the same epoch, currently just the resume flag.
func (s *Session) ConsumeOneTimeFlags() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumePending = false
}

// Destroy tears the session down. Safe to call more than once; only the
// first call has any effect.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.found = nil
	q := s.queue
	s.mu.Unlock()

	if q != nil {
		q.SetOnMessage(nil)
		q.Reset()
	}
}

// Destroyed reports whether Destroy has run.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}
