// Package launcher implements the bounded epochs of local and remote mode.
// Each Run call produces exactly one Result; its CleanupDone channel is the
// barrier the mode loop awaits before the next epoch may start.
package launcher

import "context"

// Reason says why an epoch ended.
type Reason string

const (
	// ReasonSwitch requests a flip to the other mode.
	ReasonSwitch Reason = "switch"
	// ReasonExit terminates the mode loop.
	ReasonExit Reason = "exit"
)

// Result is produced once per launcher invocation. CleanupDone is closed
// exactly once, after the epoch's full teardown (handler deregistration,
// observer removal, scanner release) has finished.
type Result struct {
	Reason      Reason
	CleanupDone <-chan struct{}
}

// Launcher runs one epoch of a mode.
type Launcher interface {
	Run(ctx context.Context) *Result
}

// AgentRunner runs one local agent process to completion.
type AgentRunner interface {
	Run(ctx context.Context) error
}
