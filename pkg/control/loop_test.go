package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/leash/pkg/launcher"
	"github.com/odvcencio/leash/pkg/queue"
	"github.com/odvcencio/leash/pkg/session"
	"github.com/odvcencio/leash/pkg/wire"
)

type eventClient struct {
	mu      sync.Mutex
	events  []string
	sendErr error
}

func (c *eventClient) SendMessage(context.Context, []byte) error { return nil }

func (c *eventClient) SendEvent(_ context.Context, event, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.events = append(c.events, event+":"+tag)
	return nil
}

func (c *eventClient) RegisterRPCHandler(string, wire.RPCHandler) {}
func (c *eventClient) UnregisterRPCHandler(string)                {}
func (c *eventClient) OnSessionDeleted(func()) func()             { return func() {} }
func (c *eventClient) Connected() bool                            { return true }
func (c *eventClient) RemoteSessionID() string                    { return "" }

func (c *eventClient) sentEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	copy(out, c.events)
	return out
}

var _ wire.Client = (*eventClient)(nil)

// stubLauncher returns canned results in order.
type stubLauncher struct {
	mu      sync.Mutex
	calls   int
	results []func() *launcher.Result
}

func (s *stubLauncher) Run(context.Context) *launcher.Result {
	s.mu.Lock()
	i := s.calls
	s.calls++
	fn := s.results[i]
	s.mu.Unlock()
	return fn()
}

func (s *stubLauncher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func resolved(reason launcher.Reason) func() *launcher.Result {
	return func() *launcher.Result {
		done := make(chan struct{})
		close(done)
		return &launcher.Result{Reason: reason, CleanupDone: done}
	}
}

func newTestSession(client wire.Client) *session.Session {
	return session.New(session.Options{WorkDir: "/tmp", Client: client, Queue: queue.New()})
}

func TestExitAfterSingleIteration(t *testing.T) {
	client := &eventClient{}
	sess := newTestSession(client)
	local := &stubLauncher{results: []func() *launcher.Result{resolved(launcher.ReasonExit)}}
	remote := &stubLauncher{}

	observed := 0
	loop := NewLoop(LoopOptions{
		Session:      sess,
		Local:        local,
		Remote:       remote,
		OnModeChange: func(session.Mode) { observed++ },
	})
	require.NoError(t, loop.Run(context.Background()))

	assert.Equal(t, 1, local.callCount())
	assert.Zero(t, remote.callCount(), "exit must not start another epoch")
	assert.Zero(t, observed, "observer must not fire on exit")
	assert.True(t, sess.Destroyed())
	assert.Empty(t, client.sentEvents())
}

func TestSwitchAwaitsCleanupBarrier(t *testing.T) {
	client := &eventClient{}
	sess := newTestSession(client)

	cleanup := make(chan struct{})
	local := &stubLauncher{results: []func() *launcher.Result{
		func() *launcher.Result {
			// Cleanup finishes well after the launcher returned.
			go func() {
				time.Sleep(150 * time.Millisecond)
				close(cleanup)
			}()
			return &launcher.Result{Reason: launcher.ReasonSwitch, CleanupDone: cleanup}
		},
	}}
	remote := &stubLauncher{results: []func() *launcher.Result{resolved(launcher.ReasonExit)}}

	var observerSawClosedBarrier bool
	loop := NewLoop(LoopOptions{
		Session: sess,
		Local:   local,
		Remote:  remote,
		OnModeChange: func(session.Mode) {
			select {
			case <-cleanup:
				observerSawClosedBarrier = true
			default:
			}
		},
	})
	require.NoError(t, loop.Run(context.Background()))

	assert.True(t, observerSawClosedBarrier, "observer fired before the cleanup barrier closed")
	assert.Equal(t, 1, remote.callCount())
}

func TestAlternatesModesAndAnnouncesReadiness(t *testing.T) {
	client := &eventClient{}
	sess := newTestSession(client)

	local := &stubLauncher{results: []func() *launcher.Result{
		resolved(launcher.ReasonSwitch),
		resolved(launcher.ReasonExit),
	}}
	remote := &stubLauncher{results: []func() *launcher.Result{resolved(launcher.ReasonSwitch)}}

	var modes []session.Mode
	loop := NewLoop(LoopOptions{
		Session:      sess,
		Local:        local,
		Remote:       remote,
		OnModeChange: func(m session.Mode) { modes = append(modes, m) },
	})
	require.NoError(t, loop.Run(context.Background()))

	assert.Equal(t, []session.Mode{session.ModeRemote, session.ModeLocal}, modes)
	assert.Equal(t, []string{"mode-ready:remote", "mode-ready:local"}, client.sentEvents())
	assert.Equal(t, 2, local.callCount())
	assert.Equal(t, 1, remote.callCount())
	assert.True(t, sess.Destroyed())
}

func TestModeReadyFailureIsNotFatal(t *testing.T) {
	client := &eventClient{sendErr: errors.New("flaky network")}
	sess := newTestSession(client)

	local := &stubLauncher{results: []func() *launcher.Result{resolved(launcher.ReasonSwitch)}}
	remote := &stubLauncher{results: []func() *launcher.Result{resolved(launcher.ReasonExit)}}

	loop := NewLoop(LoopOptions{Session: sess, Local: local, Remote: remote})
	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, 1, remote.callCount(), "a failed readiness announcement must not stop the loop")
}

func TestInitialModeRemote(t *testing.T) {
	client := &eventClient{}
	sess := newTestSession(client)

	local := &stubLauncher{}
	remote := &stubLauncher{results: []func() *launcher.Result{resolved(launcher.ReasonExit)}}

	loop := NewLoop(LoopOptions{Session: sess, Local: local, Remote: remote, Initial: session.ModeRemote})
	require.NoError(t, loop.Run(context.Background()))
	assert.Zero(t, local.callCount())
	assert.Equal(t, 1, remote.callCount())
}
