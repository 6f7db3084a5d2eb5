package wire

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/odvcencio/leash/pkg/backoff"
	leasherrors "github.com/odvcencio/leash/pkg/errors"
	"github.com/odvcencio/leash/pkg/logging"
	"github.com/odvcencio/leash/pkg/telemetry"
)

const (
	maxReadBytes  = 4 << 20
	dialTimeout   = 15 * time.Second
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	handlerBudget = 30 * time.Second
)

// envelope is the wire framing for all control-plane traffic.
type envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Event     string          `json:"event,omitempty"`
	Tag       string          `json:"tag,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// WSClient is a WebSocket implementation of Client.
type WSClient struct {
	conn *websocket.Conn
	log  *logging.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	handlers  map[string]RPCHandler
	deleted   map[string]func()
	remoteSID string

	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

var _ Client = (*WSClient)(nil)

// DialOptions configures Dial.
type DialOptions struct {
	URL       string
	AuthToken string
	Log       *logging.Logger
}

// Dial connects to the control plane, retrying transient failures with
// jittered backoff. The returned client's pumps run until ctx is cancelled
// or the connection drops.
func Dial(ctx context.Context, opts DialOptions) (*WSClient, error) {
	header := http.Header{}
	if opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+opts.AuthToken)
	}

	var conn *websocket.Conn
	retry := backoff.Backoff{
		MinDelay:        250 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		MaxFailureCount: 5,
	}
	err := retry.Execute(ctx, func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		c, _, dialErr := websocket.Dial(dialCtx, opts.URL, &websocket.DialOptions{HTTPHeader: header})
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, leasherrors.Wrap(err, leasherrors.ErrCodeTransportDisconnected, "control plane dial failed").
			WithContext("url", opts.URL)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &WSClient{
		conn:     conn,
		log:      opts.Log,
		handlers: make(map[string]RPCHandler),
		deleted:  make(map[string]func()),
		done:     make(chan struct{}),
	}
	c.connected.Store(true)

	go c.run(ctx)
	return c, nil
}

// run owns the read and keepalive pumps. When either fails the client is
// marked disconnected.
func (c *WSClient) run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readPump(ctx) })
	g.Go(func() error { return c.pingPump(ctx) })
	err := g.Wait()

	c.connected.Store(false)
	c.closeOnce.Do(func() { close(c.done) })
	_ = c.conn.Close(websocket.StatusNormalClosure, "client closed")

	if err != nil && ctx.Err() == nil {
		c.log.Warn(logging.CategoryNetwork, "transport_lost", "control plane connection lost",
			map[string]any{"error": err.Error()})
	}
}

func (c *WSClient) readPump(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debug(logging.CategoryNetwork, "bad_frame", "dropping unparseable frame", nil)
			continue
		}
		c.dispatch(ctx, env)
	}
}

func (c *WSClient) pingPump(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (c *WSClient) dispatch(ctx context.Context, env envelope) {
	switch env.Type {
	case "hello":
		c.mu.Lock()
		c.remoteSID = env.SessionID
		c.mu.Unlock()

	case "rpc":
		c.mu.Lock()
		handler := c.handlers[env.Name]
		c.mu.Unlock()
		go c.serveRPC(ctx, env, handler)

	case "session-deleted":
		c.mu.Lock()
		callbacks := make([]func(), 0, len(c.deleted))
		for _, cb := range c.deleted {
			callbacks = append(callbacks, cb)
		}
		c.mu.Unlock()
		for _, cb := range callbacks {
			cb()
		}

	default:
		c.log.Debug(logging.CategoryNetwork, "unknown_frame", "ignoring frame",
			map[string]any{"frameType": env.Type})
	}
}

func (c *WSClient) serveRPC(ctx context.Context, env envelope, handler RPCHandler) {
	reply := envelope{ID: env.ID, Name: env.Name}
	outcome := "ok"
	if handler == nil {
		reply.Type = "rpc-error"
		reply.Error = "no handler registered for " + env.Name
		outcome = "unhandled"
	} else {
		handlerCtx, cancel := context.WithTimeout(ctx, handlerBudget)
		result, err := handler(handlerCtx, env.Payload)
		cancel()
		if err != nil {
			reply.Type = "rpc-error"
			reply.Error = err.Error()
			outcome = "error"
		} else {
			reply.Type = "rpc-result"
			reply.Payload = result
		}
	}
	telemetry.RPCServedTotal.WithLabelValues(env.Name, outcome).Inc()
	if err := c.write(ctx, reply); err != nil {
		c.log.Warn(logging.CategoryNetwork, "rpc_reply_failed", "could not send rpc reply",
			map[string]any{"rpc": env.Name, "error": err.Error()})
	}
}

func (c *WSClient) write(ctx context.Context, env envelope) error {
	if !c.connected.Load() {
		return leasherrors.New(leasherrors.ErrCodeTransportDisconnected, "transport is closed")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return leasherrors.Wrap(err, leasherrors.ErrCodeInternal, "marshal frame")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return leasherrors.Wrap(err, leasherrors.ErrCodeTransportDisconnected, "write failed")
	}
	return nil
}

// SendMessage implements Client.
func (c *WSClient) SendMessage(ctx context.Context, payload []byte) error {
	return c.write(ctx, envelope{
		Type:    "message",
		ID:      ulid.Make().String(),
		Payload: payload,
	})
}

// SendEvent implements Client.
func (c *WSClient) SendEvent(ctx context.Context, event, tag string) error {
	return c.write(ctx, envelope{Type: "event", Event: event, Tag: tag})
}

// RegisterRPCHandler implements Client.
func (c *WSClient) RegisterRPCHandler(name string, fn RPCHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = fn
}

// UnregisterRPCHandler implements Client.
func (c *WSClient) UnregisterRPCHandler(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, name)
}

// OnSessionDeleted implements Client.
func (c *WSClient) OnSessionDeleted(cb func()) func() {
	key := ulid.Make().String()
	c.mu.Lock()
	c.deleted[key] = cb
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.deleted, key)
		c.mu.Unlock()
	}
}

// Connected implements Client.
func (c *WSClient) Connected() bool {
	return c.connected.Load()
}

// RemoteSessionID implements Client.
func (c *WSClient) RemoteSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSID
}

// Close tears down the connection. Safe to call more than once.
func (c *WSClient) Close() error {
	c.connected.Store(false)
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close(websocket.StatusNormalClosure, "client closed")
}

// Done is closed once the client's pumps have stopped.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}
