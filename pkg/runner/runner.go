// Package runner spawns one interactive agent CLI process per call and
// guarantees its termination under cancellation.
package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/odvcencio/leash/pkg/config"
	leasherrors "github.com/odvcencio/leash/pkg/errors"
	"github.com/odvcencio/leash/pkg/logging"
	"github.com/odvcencio/leash/pkg/session"
	"github.com/odvcencio/leash/pkg/telemetry"
)

// trackingTokenEnv carries the process-tracking token into the child's
// environment. Orphaned descendants are located by this token, never by PID.
const trackingTokenEnv = "LEASH_TRACKING_TOKEN"

// Options configures one Run call.
type Options struct {
	Executable      string
	WorkDir         string
	ResumeSessionID string // caller-validated resume target; empty mints fresh
	SystemPrompt    string
	MCPConfig       string
	AllowedTools    []string
	ExtraArgs       []string
	Env             map[string]string

	// OnSessionID is invoked with the session id before the child is
	// spawned, so the id is known even if the child dies instantly.
	OnSessionID func(id string)

	// OnThinking receives the debounced thinking on/off signal derived from
	// the side channel.
	OnThinking func(thinking bool)

	Timing config.TimingConfig
	Log    *logging.Logger
	Hub    *telemetry.Hub
}

// Runner runs exactly one child process.
type Runner struct {
	opts Options
}

// New creates a runner. Zero timing values are replaced with defaults.
func New(opts Options) *Runner {
	if opts.Timing.TermGracePeriod <= 0 {
		opts.Timing.TermGracePeriod = config.DefaultTermGracePeriod
	}
	if opts.Timing.OrphanSweepDelay <= 0 {
		opts.Timing.OrphanSweepDelay = config.DefaultOrphanSweepDelay
	}
	if opts.Timing.OrphanKillDelay <= 0 {
		opts.Timing.OrphanKillDelay = config.DefaultOrphanKillDelay
	}
	if opts.Timing.ThinkingDebounce <= 0 {
		opts.Timing.ThinkingDebounce = config.DefaultThinkingDebounce
	}
	return &Runner{opts: opts}
}

// composeArgs builds the child's invocation arguments. A fresh session id is
// passed explicitly so the child and orchestrator agree on identity without
// racing a filesystem watcher against startup.
func composeArgs(opts Options, sessionID string, resuming bool) []string {
	var args []string
	if resuming {
		args = append(args, "--resume", sessionID)
	} else {
		args = append(args, "--session-id", sessionID)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.MCPConfig != "" {
		args = append(args, "--mcp-config", opts.MCPConfig)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	return append(args, opts.ExtraArgs...)
}

// Run spawns the child and blocks until it exits. It returns nil on a normal
// exit, or on a terminate-signal exit that correlates with ctx cancellation;
// any other signal produces an error naming the signal.
func (r *Runner) Run(ctx context.Context) error {
	opts := r.opts

	sessionID := opts.ResumeSessionID
	resuming := sessionID != ""
	if !resuming {
		sessionID = session.NewAgentSessionID()
	}
	if opts.OnSessionID != nil {
		opts.OnSessionID(sessionID)
	}

	token := session.NewTrackingToken()
	args := composeArgs(opts, sessionID, resuming)

	sideRead, sideWrite, err := os.Pipe()
	if err != nil {
		return leasherrors.Wrap(err, leasherrors.ErrCodeProcessSpawn, "create side-channel pipe")
	}
	defer sideRead.Close()

	cmd := exec.Command(opts.Executable, args...)
	cmd.Dir = opts.WorkDir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{sideWrite} // becomes fd 3 in the child

	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, trackingTokenEnv+"="+token)

	opts.Log.Info(logging.CategoryRunner, "spawn", "starting agent process", map[string]any{
		"sessionId": sessionID,
		"resuming":  resuming,
	})

	if err := cmd.Start(); err != nil {
		_ = sideWrite.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return leasherrors.Wrap(err, leasherrors.ErrCodeAgentNotFound, "agent executable not found").
				WithContext("executable", opts.Executable)
		}
		return leasherrors.Wrap(err, leasherrors.ErrCodeProcessSpawn, "spawn agent process").
			WithContext("executable", opts.Executable)
	}
	// The parent's copy must close so the reader sees EOF when the child exits.
	_ = sideWrite.Close()
	opts.Hub.Publish(telemetry.Event{Type: telemetry.EventProcessSpawned, SessionID: sessionID})

	tracker := newThinkingTracker(opts.Timing.ThinkingDebounce, opts.OnThinking)
	sideDone := make(chan struct{})
	go func() {
		defer close(sideDone)
		readSideChannel(sideRead, tracker, opts.Log)
	}()

	esc := &escalator{
		termChild:  func() error { return terminateChild(cmd) },
		killChild:  func() error { return killChild(cmd) },
		sweepTerm:  func() error { return sweepOrphans(token, "TERM") },
		sweepKill:  func() error { return sweepOrphans(token, "KILL") },
		sweepDelay: opts.Timing.OrphanSweepDelay,
		killDelay:  opts.Timing.OrphanKillDelay,
		grace:      opts.Timing.TermGracePeriod,
		log:        opts.Log,
		hub:        opts.Hub,
	}
	exited := make(chan struct{})
	go esc.watch(ctx, exited)

	waitErr := cmd.Wait()
	close(exited)
	esc.childExited()
	tracker.stop()
	<-sideDone

	opts.Hub.Publish(telemetry.Event{Type: telemetry.EventProcessExited, SessionID: sessionID})
	return classifyExit(cmd, waitErr, esc.cancelRequested(), opts.Log)
}

// classifyExit maps the child's exit state onto the completion contract.
func classifyExit(cmd *exec.Cmd, waitErr error, cancelled bool, log *logging.Logger) error {
	if cmd.ProcessState == nil {
		return leasherrors.Wrap(waitErr, leasherrors.ErrCodeProcessSpawn, "wait on agent process")
	}
	sig, signaled := exitSignal(cmd)
	if !signaled {
		// Normal exits, any code, complete the run; the launcher decides
		// what an exit means for the epoch.
		log.Info(logging.CategoryRunner, "exit", "agent process exited", map[string]any{
			"exitCode": cmd.ProcessState.ExitCode(),
		})
		return nil
	}
	if cancelled && (sig == syscall.SIGTERM || sig == syscall.SIGKILL) {
		log.Info(logging.CategoryRunner, "exit", "agent process terminated on request",
			map[string]any{"signal": sig.String()})
		return nil
	}
	err := leasherrors.New(leasherrors.ErrCodeProcessSignal, "agent process killed by signal "+sig.String())
	if waitErr != nil {
		err = err.WithContext("wait", waitErr.Error())
	}
	return err
}
