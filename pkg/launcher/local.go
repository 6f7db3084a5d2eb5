package launcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/odvcencio/leash/pkg/config"
	"github.com/odvcencio/leash/pkg/logging"
	"github.com/odvcencio/leash/pkg/queue"
	"github.com/odvcencio/leash/pkg/runner"
	"github.com/odvcencio/leash/pkg/scanner"
	"github.com/odvcencio/leash/pkg/session"
	"github.com/odvcencio/leash/pkg/telemetry"
	"github.com/odvcencio/leash/pkg/wire"
)

// RunnerFactory builds the agent runner for one spawn attempt. Injected so
// epoch behavior can be exercised without real processes.
type RunnerFactory func(opts runner.Options) AgentRunner

func defaultFactory(opts runner.Options) AgentRunner {
	return runner.New(opts)
}

// LocalOptions configures a local-mode launcher.
type LocalOptions struct {
	Session *session.Session
	Config  *config.Config
	Log     *logging.Logger
	Hub     *telemetry.Hub

	// TranscriptDir, when non-empty, enables a per-epoch transcript scanner
	// over that directory. The scanner lives and dies with the epoch.
	TranscriptDir string

	Factory RunnerFactory
}

// Local runs one bounded epoch of local-mode operation.
type Local struct {
	sess          *session.Session
	cfg           *config.Config
	log           *logging.Logger
	hub           *telemetry.Hub
	transcriptDir string
	factory       RunnerFactory
}

// NewLocal creates a local launcher.
func NewLocal(opts LocalOptions) *Local {
	factory := opts.Factory
	if factory == nil {
		factory = defaultFactory
	}
	return &Local{
		sess:          opts.Session,
		cfg:           opts.Config,
		log:           opts.Log,
		hub:           opts.Hub,
		transcriptDir: opts.TranscriptDir,
		factory:       factory,
	}
}

// epochState carries the mutable per-epoch flags shared by handlers, the
// queue observer, the deletion subscription, and the main loop.
type epochState struct {
	mu              sync.Mutex
	reason          Reason
	deleted         bool
	deletionHandled chan struct{}
	cancel          context.CancelFunc
}

// setReason records the epoch's outcome. The first writer wins; later calls
// only re-trigger cancellation, so a concurrently requested switch is never
// overwritten by the main loop's exit.
func (e *epochState) setReason(r Reason) {
	e.mu.Lock()
	if e.reason == "" {
		e.reason = r
	}
	e.mu.Unlock()
	e.cancel()
}

func (e *epochState) currentReason() Reason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

// markDeleted flags the session as gone and returns only after the flag and
// cancellation are fully in place, closing deletionHandled so in-flight
// checks can await the handler's completion. Unlike setReason it overwrites a
// reason already recorded: a switch racing the deletion notice must not win,
// or the next epoch would run against a session the server no longer has.
func (e *epochState) markDeleted() {
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return
	}
	e.deleted = true
	e.reason = ReasonExit
	done := e.deletionHandled
	e.mu.Unlock()

	e.cancel()
	close(done)
}

// checkDeleted reports whether the session was deleted remotely. When it was,
// it first awaits the deletion handler's completion — a session must never be
// relaunched a moment after the remote side said it no longer exists.
func (e *epochState) checkDeleted() bool {
	e.mu.Lock()
	deleted := e.deleted
	done := e.deletionHandled
	e.mu.Unlock()
	if !deleted {
		return false
	}
	<-done
	return true
}

// Run executes one local epoch. Teardown always runs, success or failure, and
// closes the Result's CleanupDone as its final act.
func (l *Local) Run(ctx context.Context) *Result {
	cleanupDone := make(chan struct{})
	res := &Result{CleanupDone: cleanupDone}
	var cleanupOnce sync.Once

	epochCtx, cancel := context.WithCancel(ctx)
	st := &epochState{cancel: cancel, deletionHandled: make(chan struct{})}

	client := l.sess.Client()
	q := l.sess.Queue()

	l.hub.Publish(telemetry.Event{Type: telemetry.EventEpochStarted, Mode: string(session.ModeLocal)})

	registered := false
	removeDeleted := func() {}
	var scan *scanner.Scanner

	defer func() {
		if registered {
			client.UnregisterRPCHandler("abort")
			client.UnregisterRPCHandler("switch")
		}
		q.SetOnMessage(nil)
		removeDeleted()
		if scan != nil {
			scan.Cleanup()
		}
		cancel()
		if res.Reason == "" {
			res.Reason = ReasonExit
		}
		cleanupOnce.Do(func() { close(cleanupDone) })
	}()

	if client != nil {
		client.RegisterRPCHandler("abort", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			l.log.Info(logging.CategoryLauncher, "abort_rpc", "abort requested, resetting queue", nil)
			q.Reset()
			st.setReason(ReasonSwitch)
			return json.RawMessage(`{"ok":true}`), nil
		})
		client.RegisterRPCHandler("switch", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			l.log.Info(logging.CategoryLauncher, "switch_rpc", "switch to remote requested", nil)
			st.setReason(ReasonSwitch)
			return json.RawMessage(`{"ok":true}`), nil
		})
		registered = true
		removeDeleted = client.OnSessionDeleted(func() {
			l.log.Info(logging.CategoryLauncher, "session_deleted", "remote session deleted, exiting", nil)
			l.hub.Publish(telemetry.Event{Type: telemetry.EventSessionDeleted, Mode: string(session.ModeLocal)})
			st.markDeleted()
		})
	}

	// Any message queued while local immediately forces a switch; it does
	// not wait for the current process to finish.
	q.SetOnMessage(func(queue.Message) {
		st.setReason(ReasonSwitch)
	})

	if l.transcriptDir != "" {
		scan = scanner.New(l.transcriptDir, l.log)
		scan.OnNewSession(func(id string) error {
			l.sess.OnSessionFound(id)
			l.hub.Publish(telemetry.Event{Type: telemetry.EventSessionFound, SessionID: id})
			return nil
		})
		if err := scan.Start(); err != nil {
			l.log.Warn(logging.CategoryLauncher, "scanner_start_failed", "transcript scanner unavailable",
				map[string]any{"error": err.Error()})
			scan = nil
		}
	}

	// Fast exits: nothing is spawned for an already-deleted session or an
	// already-buffered queue.
	if st.checkDeleted() || l.sess.Destroyed() {
		st.setReason(ReasonExit)
		res.Reason = st.currentReason()
		return res
	}
	if q.Size() > 0 {
		st.setReason(ReasonSwitch)
		res.Reason = st.currentReason()
		return res
	}

	notifyLimit := rate.NewLimiter(rate.Every(5*time.Second), 1)

	for st.currentReason() == "" {
		if st.checkDeleted() {
			st.setReason(ReasonExit)
			break
		}

		run := l.factory(l.runnerOptions(epochCtx))
		err := run.Run(epochCtx)
		if err == nil {
			// A resume flag must not be reused on a second spawn within
			// the same epoch.
			l.sess.ConsumeOneTimeFlags()
			st.setReason(ReasonExit)
			break
		}

		if client == nil || !client.Connected() {
			// Restart storms during shutdown are worse than a lost epoch.
			l.log.Info(logging.CategoryLauncher, "exit_disconnected", "process failed with transport gone, exiting", nil)
			st.setReason(ReasonExit)
			break
		}

		l.log.Error(logging.CategoryLauncher, "process_failed", "agent process failed, respawning",
			map[string]any{"error": err.Error()})
		if notifyLimit.Allow() {
			if sendErr := client.SendEvent(ctx, "process-exited", "unexpected"); sendErr != nil {
				if wire.IsDisconnected(sendErr) {
					st.setReason(ReasonExit)
					break
				}
				l.log.Error(logging.CategoryLauncher, "notify_failed", "could not report unexpected exit",
					map[string]any{"error": sendErr.Error()})
				st.setReason(ReasonExit)
				break
			}
		}
		telemetry.ProcessRestartsTotal.Inc()
	}

	res.Reason = st.currentReason()
	return res
}

func (l *Local) runnerOptions(epochCtx context.Context) runner.Options {
	client := l.sess.Client()
	return runner.Options{
		Executable:      l.cfg.Agent.Executable,
		WorkDir:         l.sess.WorkDir(),
		ResumeSessionID: l.sess.ResumeTarget(),
		SystemPrompt:    l.cfg.Agent.SystemPrompt,
		MCPConfig:       l.cfg.Agent.MCPConfig,
		AllowedTools:    l.sess.AllowedTools(),
		ExtraArgs:       l.sess.ExtraArgs(),
		Env:             l.sess.Env(),
		OnSessionID:     l.sess.OnSessionFound,
		OnThinking: func(on bool) {
			if client == nil {
				return
			}
			tag := "off"
			if on {
				tag = "on"
			}
			if err := client.SendEvent(epochCtx, "thinking", tag); err != nil {
				l.log.Debug(logging.CategoryLauncher, "thinking_notify_failed", "thinking event not delivered",
					map[string]any{"error": err.Error()})
			}
		},
		Timing: l.cfg.Timing,
		Log:    l.log,
		Hub:    l.hub,
	}
}
