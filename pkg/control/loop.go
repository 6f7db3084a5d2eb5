// Package control runs the mode state machine: Local ↔ Remote until a
// launcher asks to exit.
package control

import (
	"context"
	"time"

	"github.com/odvcencio/leash/pkg/launcher"
	"github.com/odvcencio/leash/pkg/locker"
	"github.com/odvcencio/leash/pkg/logging"
	"github.com/odvcencio/leash/pkg/session"
	"github.com/odvcencio/leash/pkg/telemetry"
)

// Observer is notified after each completed mode transition.
type Observer func(mode session.Mode)

// LoopOptions configures a mode loop.
type LoopOptions struct {
	Session      *session.Session
	Local        launcher.Launcher
	Remote       launcher.Launcher
	Initial      session.Mode
	OnModeChange Observer
	Log          *logging.Logger
	Hub          *telemetry.Hub
}

// Loop drives launcher epochs. Only switch and exit transitions exist; a
// switch flips mode only after the prior epoch's cleanup barrier has closed,
// so no handler or observer from a torn-down epoch can see new activity.
type Loop struct {
	sess         *session.Session
	local        launcher.Launcher
	remote       launcher.Launcher
	initial      session.Mode
	onModeChange Observer
	log          *logging.Logger
	hub          *telemetry.Hub
	transitions  *locker.Lock
}

// NewLoop creates a mode loop. Initial defaults to local.
func NewLoop(opts LoopOptions) *Loop {
	initial := opts.Initial
	if initial == "" {
		initial = session.ModeLocal
	}
	return &Loop{
		sess:         opts.Session,
		local:        opts.Local,
		remote:       opts.Remote,
		initial:      initial,
		onModeChange: opts.OnModeChange,
		log:          opts.Log,
		hub:          opts.Hub,
		transitions:  locker.New(),
	}
}

// Run executes the state machine until a launcher returns exit. The session
// is destroyed exactly once, in the final teardown.
func (l *Loop) Run(ctx context.Context) error {
	mode := l.initial
	loopStart := time.Now()

	defer func() {
		l.sess.Destroy()
		l.hub.Publish(telemetry.Event{
			Type: telemetry.EventCleanupFinished,
			Mode: string(mode),
			Data: map[string]any{"totalSeconds": time.Since(loopStart).Seconds()},
		})
		l.log.Info(logging.CategoryLoop, "loop_done", "mode loop finished", map[string]any{
			"finalMode": string(mode),
			"elapsed":   time.Since(loopStart).String(),
		})
	}()

	for {
		l.sess.SetMode(mode)
		l.log.SetMode(string(mode))
		epochStart := time.Now()

		var res *launcher.Result
		if mode == session.ModeLocal {
			res = l.local.Run(ctx)
		} else {
			res = l.remote.Run(ctx)
		}

		elapsed := time.Since(epochStart)
		telemetry.RecordEpoch(string(mode), string(res.Reason), elapsed.Seconds())
		l.hub.Publish(telemetry.Event{
			Type: telemetry.EventEpochEnded,
			Mode: string(mode),
			Data: map[string]any{"reason": string(res.Reason), "seconds": elapsed.Seconds()},
		})

		if res.Reason == launcher.ReasonExit {
			<-res.CleanupDone
			return nil
		}

		// Switch: nothing observable may happen before the cleanup barrier.
		next := mode.Other()
		transition := func() error {
			<-res.CleanupDone
			mode = next
			l.sess.SetMode(next)
			telemetry.ModeSwitchesTotal.WithLabelValues(string(next)).Inc()
			l.hub.Publish(telemetry.Event{Type: telemetry.EventModeChanged, Mode: string(next)})
			if l.onModeChange != nil {
				l.onModeChange(next)
			}
			l.notifyModeReady(ctx, next)
			return nil
		}
		if err := l.transitions.InLock(ctx, transition); err != nil {
			// Cancelled mid-transition; the barrier still closes, and the
			// loop ends without starting another epoch.
			<-res.CleanupDone
			return nil
		}
	}
}

// notifyModeReady tells the remote side the new mode is active. Best effort:
// a failure is logged and never fatal.
func (l *Loop) notifyModeReady(ctx context.Context, mode session.Mode) {
	client := l.sess.Client()
	if client == nil || !client.Connected() {
		return
	}
	if err := client.SendEvent(ctx, "mode-ready", string(mode)); err != nil {
		l.log.Warn(logging.CategoryLoop, "mode_ready_failed", "could not announce mode change",
			map[string]any{"mode": string(mode), "error": err.Error()})
	}
}
