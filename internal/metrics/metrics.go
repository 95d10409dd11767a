package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconciliation outcomes and gateway activity, exposed on /metrics.
var (
	EventsReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_events_reconciled_total",
		Help: "Access events processed, by outcome.",
	}, []string{"outcome"})

	SessionsMaterialized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_sessions_materialized_total",
		Help: "Daily sessions created by the materializer.",
	})

	AntiCheatFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_anticheat_flags_total",
		Help: "Advisory anti-cheat flags raised, by type.",
	}, []string{"type"})

	DeviceAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_device_auth_failures_total",
		Help: "Hardware requests rejected during authentication.",
	})
)
