package runner

import (
	"context"
	"sync"
	"time"

	"github.com/odvcencio/leash/pkg/logging"
	"github.com/odvcencio/leash/pkg/telemetry"
)

// escalator drives the teardown ladder once cancellation is requested:
// graceful signal to the child, then a delayed graceful sweep of orphaned
// descendants tagged with the tracking token, then a forceful sweep of
// survivors. A separate grace-period timer force-kills the direct child if it
// never exits, guarding against children that trap the graceful signal.
//
// The signal actions are injected so the ladder can be exercised without
// spawning real processes.
type escalator struct {
	termChild  func() error
	killChild  func() error
	sweepTerm  func() error
	sweepKill  func() error
	sweepDelay time.Duration
	killDelay  time.Duration
	grace      time.Duration
	log        *logging.Logger
	hub        *telemetry.Hub

	mu        sync.Mutex
	cancelled bool
	killTimer *time.Timer
}

// watch arms the ladder when ctx is cancelled. A ctx that is already
// cancelled fires immediately; the select covers both cases.
func (e *escalator) watch(ctx context.Context, exited <-chan struct{}) {
	select {
	case <-exited:
	case <-ctx.Done():
		e.escalate()
	}
}

func (e *escalator) escalate() {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return
	}
	e.cancelled = true

	e.killTimer = time.AfterFunc(e.grace, func() {
		e.log.Warn(logging.CategoryRunner, "force_kill", "child ignored graceful signal past grace period", nil)
		telemetry.ForcedKillsTotal.WithLabelValues("child").Inc()
		e.hub.Publish(telemetry.Event{Type: telemetry.EventProcessKilled})
		if err := e.killChild(); err != nil {
			e.log.Warn(logging.CategoryRunner, "force_kill_failed", "could not force-kill child",
				map[string]any{"error": err.Error()})
		}
	})

	// The sweep timers are deliberately not retained: orphaned descendants
	// may outlive the direct child, so the sweeps run to completion no
	// matter when the child exits.
	time.AfterFunc(e.sweepDelay, func() {
		if err := e.sweepTerm(); err != nil {
			e.log.Debug(logging.CategoryRunner, "orphan_sweep_failed", "graceful orphan sweep failed",
				map[string]any{"error": err.Error()})
		}
	})
	time.AfterFunc(e.sweepDelay+e.killDelay, func() {
		telemetry.ForcedKillsTotal.WithLabelValues("orphan").Inc()
		if err := e.sweepKill(); err != nil {
			e.log.Debug(logging.CategoryRunner, "orphan_kill_failed", "forceful orphan sweep failed",
				map[string]any{"error": err.Error()})
		}
	})
	e.mu.Unlock()

	if err := e.termChild(); err != nil {
		e.log.Warn(logging.CategoryRunner, "term_failed", "could not signal child",
			map[string]any{"error": err.Error()})
	}
}

// childExited clears the grace-period kill timer. The orphan sweeps keep
// running: descendants may outlive the direct child.
func (e *escalator) childExited() {
	e.mu.Lock()
	if e.killTimer != nil {
		e.killTimer.Stop()
		e.killTimer = nil
	}
	e.mu.Unlock()
}

// cancelRequested reports whether the ladder has started, i.e. whether a
// terminate signal observed on the child was one we sent ourselves.
func (e *escalator) cancelRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}
