package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/odvcencio/leash/pkg/backoff"
	"github.com/odvcencio/leash/pkg/config"
	"github.com/odvcencio/leash/pkg/dedupe"
	"github.com/odvcencio/leash/pkg/logging"
	"github.com/odvcencio/leash/pkg/queue"
	"github.com/odvcencio/leash/pkg/session"
	"github.com/odvcencio/leash/pkg/telemetry"
	"github.com/odvcencio/leash/pkg/wire"
)

// connectedPollInterval bounds how long a dead transport can go unnoticed
// while the remote epoch sits idle.
const connectedPollInterval = time.Second

// RemoteOptions configures a remote-mode launcher.
type RemoteOptions struct {
	Session *session.Session
	Config  *config.Config
	Log     *logging.Logger
	Hub     *telemetry.Hub
}

// Remote runs one bounded epoch of remote-mode operation: the queue drains to
// the control plane while the local process stays down.
type Remote struct {
	sess  *session.Session
	cfg   *config.Config
	log   *logging.Logger
	hub   *telemetry.Hub
	group dedupe.Group[struct{}]
}

// NewRemote creates a remote launcher.
func NewRemote(opts RemoteOptions) *Remote {
	return &Remote{
		sess:  opts.Session,
		cfg:   opts.Config,
		log:   opts.Log,
		hub:   opts.Hub,
		group: dedupe.Group[struct{}]{EvictAfter: time.Minute},
	}
}

// Run executes one remote epoch.
func (r *Remote) Run(ctx context.Context) *Result {
	cleanupDone := make(chan struct{})
	res := &Result{CleanupDone: cleanupDone}
	var cleanupOnce sync.Once

	epochCtx, cancel := context.WithCancel(ctx)
	st := &epochState{cancel: cancel, deletionHandled: make(chan struct{})}

	client := r.sess.Client()
	q := r.sess.Queue()

	r.hub.Publish(telemetry.Event{Type: telemetry.EventEpochStarted, Mode: string(session.ModeRemote)})

	registered := false
	removeDeleted := func() {}

	defer func() {
		if registered {
			client.UnregisterRPCHandler("switch")
		}
		q.SetOnMessage(nil)
		removeDeleted()
		cancel()
		if res.Reason == "" {
			res.Reason = ReasonExit
		}
		cleanupOnce.Do(func() { close(cleanupDone) })
	}()

	if client == nil || !client.Connected() {
		st.setReason(ReasonExit)
		res.Reason = st.currentReason()
		return res
	}

	client.RegisterRPCHandler("switch", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		r.log.Info(logging.CategoryLauncher, "switch_rpc", "switch back to local requested", nil)
		st.setReason(ReasonSwitch)
		return json.RawMessage(`{"ok":true}`), nil
	})
	registered = true
	removeDeleted = client.OnSessionDeleted(func() {
		r.log.Info(logging.CategoryLauncher, "session_deleted", "remote session deleted, exiting", nil)
		r.hub.Publish(telemetry.Event{Type: telemetry.EventSessionDeleted, Mode: string(session.ModeRemote)})
		st.markDeleted()
	})

	wake := make(chan struct{}, 1)
	q.SetOnMessage(func(queue.Message) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})

	ticker := time.NewTicker(connectedPollInterval)
	defer ticker.Stop()

	for st.currentReason() == "" {
		if st.checkDeleted() {
			st.setReason(ReasonExit)
			break
		}
		// Messages leave the queue one at a time, and only once their send
		// has succeeded; whatever is undelivered when the epoch stops stays
		// buffered for the next drain.
		for {
			msg, ok := q.Peek()
			if !ok {
				break
			}
			if !r.deliver(epochCtx, client, msg, st) {
				break
			}
			q.Ack(msg.ID)
		}
		if st.currentReason() != "" {
			break
		}
		select {
		case <-epochCtx.Done():
			st.setReason(ReasonExit)
		case <-wake:
		case <-ticker.C:
			if !client.Connected() {
				r.log.Info(logging.CategoryLauncher, "exit_disconnected", "transport gone, exiting remote mode", nil)
				r.hub.Publish(telemetry.Event{Type: telemetry.EventTransportLost, Mode: string(session.ModeRemote)})
				st.setReason(ReasonExit)
			}
		}
	}

	res.Reason = st.currentReason()
	return res
}

// deliver sends one message, coalescing duplicate deliveries by message id
// and retrying transient send failures. Returns false once the epoch should
// stop draining; a false return leaves the message in the queue. A message
// that cannot marshal is the one exception: it reports true so the caller
// acks it out of the way instead of wedging the drain.
func (r *Remote) deliver(ctx context.Context, client wire.Client, msg queue.Message, st *epochState) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		r.log.Error(logging.CategoryLauncher, "marshal_failed", "dropping unmarshalable message",
			map[string]any{"messageId": msg.ID})
		return true
	}

	_, err = r.group.Do(msg.ID, func() (struct{}, error) {
		retry := backoff.Backoff{
			MinDelay:        config.DefaultSendRetryMin,
			MaxDelay:        config.DefaultSendRetryMax,
			MaxFailureCount: config.DefaultSendRetryAttempts,
			OnError: func(_ int, err error) bool {
				// A dead transport is a shutdown signal, not something
				// to retry against.
				return !wire.IsDisconnected(err)
			},
		}
		return struct{}{}, retry.Execute(ctx, func(ctx context.Context) error {
			return client.SendMessage(ctx, payload)
		})
	})
	if err != nil {
		if wire.IsDisconnected(err) || errors.Is(err, backoff.ErrCancelled) {
			st.setReason(ReasonExit)
			return false
		}
		r.log.Error(logging.CategoryLauncher, "send_failed", "message delivery exhausted retries",
			map[string]any{"messageId": msg.ID, "error": err.Error()})
		st.setReason(ReasonExit)
		return false
	}

	telemetry.MessagesForwardedTotal.Inc()
	r.hub.Publish(telemetry.Event{
		Type: telemetry.EventQueueDrained,
		Mode: string(session.ModeRemote),
		Data: map[string]any{"messageId": msg.ID},
	})
	return true
}
