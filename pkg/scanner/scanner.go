// Package scanner watches the agent CLI's transcript directory and reports
// newly observed session ids. It exists as a safety net: session ids are
// normally minted before spawn, but a resumed or forked conversation writes a
// transcript under a different id, and the scanner picks that up.
package scanner

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	leasherrors "github.com/odvcencio/leash/pkg/errors"
	"github.com/odvcencio/leash/pkg/logging"
)

// SessionFunc is invoked once per newly observed session id. A returned error
// is logged and swallowed; a parsing bug must not take down a healthy session.
type SessionFunc func(id string) error

// Scanner tails a transcript directory for new session files.
type Scanner struct {
	dir string
	log *logging.Logger

	mu       sync.Mutex
	onNew    SessionFunc
	seen     map[string]struct{}
	watcher  *fsnotify.Watcher
	cleaned  bool
	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a scanner over dir. It does not start watching until Start.
func New(dir string, log *logging.Logger) *Scanner {
	return &Scanner{
		dir:     dir,
		log:     log,
		seen:    make(map[string]struct{}),
		stopped: make(chan struct{}),
	}
}

// OnNewSession installs cb, replacing any previous callback.
func (s *Scanner) OnNewSession(cb SessionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNew = cb
}

// Start begins watching. Existing transcript files are scanned once so a
// session already on disk is reported before any watch event arrives.
func (s *Scanner) Start() error {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return leasherrors.New(leasherrors.ErrCodeInternal, "scanner already cleaned up")
	}
	if s.watcher != nil {
		s.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return leasherrors.Wrap(err, leasherrors.ErrCodeInternal, "create transcript watcher")
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		s.mu.Unlock()
		return leasherrors.Wrap(err, leasherrors.ErrCodeInternal, "watch transcript directory").
			WithContext("dir", s.dir)
	}
	s.watcher = watcher
	s.mu.Unlock()

	s.scanExisting()
	go s.loop(watcher)
	return nil
}

// Cleanup stops the watcher and drops the callback. Idempotent.
func (s *Scanner) Cleanup() {
	s.mu.Lock()
	s.cleaned = true
	s.onNew = nil
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	s.stopOnce.Do(func() { close(s.stopped) })
}

// Done is closed once the watch loop has exited.
func (s *Scanner) Done() <-chan struct{} {
	return s.stopped
}

func (s *Scanner) loop(watcher *fsnotify.Watcher) {
	defer s.stopOnce.Do(func() { close(s.stopped) })
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				s.inspect(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn(logging.CategoryScanner, "watch_error", "transcript watcher error",
				map[string]any{"error": err.Error()})
		}
	}
}

func (s *Scanner) scanExisting() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warn(logging.CategoryScanner, "scan_failed", "could not list transcript directory",
			map[string]any{"dir": s.dir, "error": err.Error()})
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		s.inspect(filepath.Join(s.dir, entry.Name()))
	}
}

// inspect derives a session id from path, preferring the filename stem when it
// is already a UUID and falling back to the first JSONL line's sessionId field.
func (s *Scanner) inspect(path string) {
	if filepath.Ext(path) != ".jsonl" {
		return
	}
	id := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	if _, err := uuid.Parse(id); err != nil {
		id = s.idFromContents(path)
		if id == "" {
			return
		}
	}
	s.report(id)
}

func (s *Scanner) idFromContents(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var head struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal([]byte(line), &head); err != nil {
			s.log.Debug(logging.CategoryScanner, "bad_line", "skipping unparseable transcript line",
				map[string]any{"file": path})
			continue
		}
		if _, err := uuid.Parse(head.SessionID); err == nil {
			return head.SessionID
		}
	}
	return ""
}

func (s *Scanner) report(id string) {
	s.mu.Lock()
	if _, dup := s.seen[id]; dup || s.cleaned {
		s.mu.Unlock()
		return
	}
	s.seen[id] = struct{}{}
	cb := s.onNew
	s.mu.Unlock()

	if cb == nil {
		return
	}
	if err := cb(id); err != nil {
		s.log.Warn(logging.CategoryScanner, "callback_failed", "session callback returned an error",
			map[string]any{"sessionId": id, "error": err.Error()})
	}
}
