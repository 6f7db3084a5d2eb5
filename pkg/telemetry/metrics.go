package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ModeSwitchesTotal counts completed mode transitions, labeled by the
	// mode entered.
	ModeSwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leash",
		Name:      "mode_switches_total",
		Help:      "Completed mode transitions.",
	}, []string{"mode"})

	// EpochDurationSeconds observes how long each launcher epoch ran.
	EpochDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "leash",
		Name:      "epoch_duration_seconds",
		Help:      "Wall-clock duration of launcher epochs.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"mode", "reason"})

	// ProcessRestartsTotal counts unexpected agent process exits that
	// triggered a respawn.
	ProcessRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "leash",
		Name:      "process_restarts_total",
		Help:      "Agent process respawns after unexpected exits.",
	})

	// ForcedKillsTotal counts SIGKILL escalations, labeled by target
	// (child or orphan sweep).
	ForcedKillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leash",
		Name:      "forced_kills_total",
		Help:      "SIGKILL escalations during process teardown.",
	}, []string{"target"})

	// MessagesForwardedTotal counts queue messages delivered to the remote side.
	MessagesForwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "leash",
		Name:      "messages_forwarded_total",
		Help:      "Queued messages forwarded while in remote mode.",
	})

	// RPCServedTotal counts inbound control-plane RPCs, labeled by name and outcome.
	RPCServedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leash",
		Name:      "rpc_served_total",
		Help:      "Inbound RPCs served, by name and outcome.",
	}, []string{"name", "outcome"})
)

// RecordEpoch observes one finished epoch's duration, labeled by mode and
// exit reason.
func RecordEpoch(mode, reason string, seconds float64) {
	EpochDurationSeconds.WithLabelValues(mode, reason).Observe(seconds)
}
