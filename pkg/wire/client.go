// Package wire defines the network session client the orchestration layer
// talks through, plus a WebSocket implementation of it.
package wire

import (
	"context"
	"encoding/json"

	leasherrors "github.com/odvcencio/leash/pkg/errors"
)

// RPCHandler serves one named remote procedure. Returned errors propagate to
// the remote caller.
type RPCHandler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Client is the session control-plane connection. Implementations must be
// safe for concurrent use.
type Client interface {
	// SendMessage delivers an outbound session message to the remote side.
	SendMessage(ctx context.Context, payload []byte) error

	// SendEvent delivers a fire-and-forget lifecycle event, optionally tagged.
	SendEvent(ctx context.Context, event, tag string) error

	// RegisterRPCHandler installs fn for the named procedure, replacing any
	// previous handler.
	RegisterRPCHandler(name string, fn RPCHandler)

	// UnregisterRPCHandler removes the named handler. Unknown names are a no-op.
	UnregisterRPCHandler(name string)

	// OnSessionDeleted registers cb to run when the remote side reports the
	// session as deleted. The returned func removes the subscription.
	OnSessionDeleted(cb func()) (remove func())

	// Connected reports whether the transport is currently usable.
	Connected() bool

	// RemoteSessionID returns the server-assigned session id, or "".
	RemoteSessionID() string
}

// IsDisconnected reports whether err stems from a lost transport, which the
// launchers treat as an expected shutdown signal rather than a failure.
func IsDisconnected(err error) bool {
	return leasherrors.IsCode(err, leasherrors.ErrCodeTransportDisconnected)
}
