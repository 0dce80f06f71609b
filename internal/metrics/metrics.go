// Package metrics holds the prometheus collectors shared by the execution
// engine and the HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sandcastle"

// Execution outcomes used as the "outcome" label.
const (
	OutcomeResult  = "result"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

var (
	// Executions counts finished executions by terminal outcome.
	Executions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of finished script executions",
		},
		[]string{"outcome"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Script execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	Tasks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Total number of task frames received from the worker",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Total number of connection retries after transport errors",
	})

	// WorkerSpawns counts worker processes started by the supervisor.
	WorkerSpawns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_spawns_total",
		Help:      "Total number of worker processes spawned",
	})

	ForceRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_force_restarts_total",
			Help:      "Total number of forced worker restarts by reason",
		},
		[]string{"reason"},
	)

	HeartbeatLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "heartbeat_latency_seconds",
		Help:      "Round trip time of successful heartbeats",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})

	WorkerReady = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_ready",
		Help:      "Whether the worker process is ready to accept connections",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of executions currently holding a dispatcher slot",
	})

	// Requests counts HTTP run requests by status code.
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP run requests",
		},
		[]string{"status"},
	)
)
