package runner

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/leash/pkg/logging"
)

// sideEvent is one frame on the child's extra output stream (fd 3).
type sideEvent struct {
	Type      string  `json:"type"`
	ID        int64   `json:"id"`
	Hostname  string  `json:"hostname,omitempty"`
	Path      string  `json:"path,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// thinkingTracker turns fetch-start/fetch-end frames into a debounced
// thinking on/off signal. "On" fires as soon as the in-flight set becomes
// non-empty; "off" only after it has stayed empty for the debounce window,
// so back-to-back calls don't flicker.
type thinkingTracker struct {
	mu       sync.Mutex
	inflight map[int64]struct{}
	offTimer *time.Timer
	debounce time.Duration
	onChange func(thinking bool)
	thinking bool
}

func newThinkingTracker(debounce time.Duration, onChange func(bool)) *thinkingTracker {
	return &thinkingTracker{
		inflight: make(map[int64]struct{}),
		debounce: debounce,
		onChange: onChange,
	}
}

func (t *thinkingTracker) fetchStart(id int64) {
	t.mu.Lock()
	if t.offTimer != nil {
		t.offTimer.Stop()
		t.offTimer = nil
	}
	t.inflight[id] = struct{}{}
	turnOn := !t.thinking
	t.thinking = true
	t.mu.Unlock()

	if turnOn && t.onChange != nil {
		t.onChange(true)
	}
}

func (t *thinkingTracker) fetchEnd(id int64) {
	t.mu.Lock()
	delete(t.inflight, id)
	if len(t.inflight) > 0 || !t.thinking || t.offTimer != nil {
		t.mu.Unlock()
		return
	}
	t.offTimer = time.AfterFunc(t.debounce, func() {
		t.mu.Lock()
		t.offTimer = nil
		if len(t.inflight) > 0 || !t.thinking {
			t.mu.Unlock()
			return
		}
		t.thinking = false
		t.mu.Unlock()
		if t.onChange != nil {
			t.onChange(false)
		}
	})
	t.mu.Unlock()
}

// stop cancels any pending off-timer. Called once the child has exited.
func (t *thinkingTracker) stop() {
	t.mu.Lock()
	if t.offTimer != nil {
		t.offTimer.Stop()
		t.offTimer = nil
	}
	t.mu.Unlock()
}

// readSideChannel decodes newline-delimited JSON frames from r until EOF.
// Malformed lines are logged and skipped.
func readSideChannel(r io.Reader, tracker *thinkingTracker, log *logging.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev sideEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			log.Debug(logging.CategoryRunner, "bad_side_frame", "dropping unparseable side-channel line", nil)
			continue
		}
		switch ev.Type {
		case "fetch-start":
			tracker.fetchStart(ev.ID)
		case "fetch-end":
			tracker.fetchEnd(ev.ID)
		default:
			log.Debug(logging.CategoryRunner, "unknown_side_frame", "ignoring side-channel frame",
				map[string]any{"frameType": ev.Type})
		}
	}
}
