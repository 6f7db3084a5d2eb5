package session

import (
	cryptorand "crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var ulidEntropy = ulid.Monotonic(cryptorand.Reader, 0)

// NewCorrelationID returns a unique, lexicographically sortable identifier
// for RPC and event correlation.
func NewCorrelationID() string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String())
}

// NewAgentSessionID mints a fresh agent session identifier. The agent CLI
// uses UUIDs for its session ids, so resumable ids must round-trip as UUIDs.
func NewAgentSessionID() string {
	return uuid.NewString()
}

// NewTrackingToken returns the process-tracking token placed in the child's
// environment. It is distinct from the logical session id and is used solely
// to locate re-parented descendants.
func NewTrackingToken() string {
	return uuid.NewString()
}

// IsResumableID reports whether id is a well-formed agent session id that
// can be passed as a resume target.
func IsResumableID(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
