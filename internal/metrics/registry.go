// Package metrics provides Prometheus metrics for the GridAgent Server.
package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Connection metrics
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionErrors  prometheus.Counter
	Displacements     prometheus.Counter

	// Frame metrics
	FramesReceived *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	FrameErrors    prometheus.Counter

	// Measurement metrics
	MeasurementsStored  prometheus.Counter
	MeasurementsSkipped *prometheus.CounterVec

	// Scheduler metrics
	PollsSent          prometheus.Counter
	PollDeadlineCloses prometheus.Counter
	TimeSyncs          *prometheus.CounterVec

	// Command ingress metrics
	CommandsReceived *prometheus.CounterVec
	CommandsDropped  prometheus.Counter

	// Software update gate metrics
	GatePauses   prometheus.Counter
	GateReleases prometheus.Counter
	GatedWriters prometheus.Gauge

	// Database metrics
	DatabaseErrors prometheus.Counter
	DatabaseResets prometheus.Counter

	// System metrics
	GoroutineCount prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	return &Registry{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "gas",
			Subsystem: "server",
			Name:      "active_connections",
			Help:      "Number of live agent connections",
		}),
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Total number of accepted agent connections",
		}),
		ConnectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "server",
			Name:      "connection_errors_total",
			Help:      "Total number of connections ended by a read or write error",
		}),
		Displacements: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "server",
			Name:      "displacements_total",
			Help:      "Total number of handlers displaced by a reconnect of the same agent",
		}),

		FramesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "protocol",
			Name:      "frames_received_total",
			Help:      "Total frames received, by message type",
		}, []string{"type"}),
		FramesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "protocol",
			Name:      "frames_sent_total",
			Help:      "Total frames sent, by message type",
		}, []string{"type"}),
		FrameErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "protocol",
			Name:      "frame_errors_total",
			Help:      "Total frames that failed to parse",
		}),

		MeasurementsStored: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "ingest",
			Name:      "measurements_stored_total",
			Help:      "Total raw measurements written to the store",
		}),
		MeasurementsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "ingest",
			Name:      "measurements_skipped_total",
			Help:      "Total measurements skipped, by reason",
		}, []string{"reason"}),

		PollsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "scheduler",
			Name:      "polls_sent_total",
			Help:      "Total measurement polls sent to agents",
		}),
		PollDeadlineCloses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "scheduler",
			Name:      "poll_deadline_closes_total",
			Help:      "Total connections closed because a poll went unanswered",
		}),
		TimeSyncs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "scheduler",
			Name:      "time_syncs_total",
			Help:      "Total clock discipline decisions, by outcome",
		}, []string{"decision"}),

		CommandsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "ingress",
			Name:      "commands_received_total",
			Help:      "Total backend commands received, by command",
		}, []string{"command"}),
		CommandsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "ingress",
			Name:      "commands_dropped_total",
			Help:      "Total commands dropped because the agent was offline",
		}),

		GatePauses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "gate",
			Name:      "pauses_total",
			Help:      "Total software-update gate activations",
		}),
		GateReleases: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "gate",
			Name:      "releases_total",
			Help:      "Total software-update gate releases",
		}),
		GatedWriters: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "gas",
			Subsystem: "gate",
			Name:      "gated_writers",
			Help:      "Connections whose write path is currently paused",
		}),

		DatabaseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Total transient database failures",
		}),
		DatabaseResets: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gas",
			Subsystem: "store",
			Name:      "resets_total",
			Help:      "Total database handle resets after failures",
		}),

		GoroutineCount: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "gas",
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		}),
	}
}

// UpdateSystemMetrics refreshes runtime gauges.
func (r *Registry) UpdateSystemMetrics() {
	r.GoroutineCount.Set(float64(runtime.NumGoroutine()))
}
