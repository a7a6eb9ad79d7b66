// Package metrics holds the Prometheus collectors shared by the dispatcher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished jobs by product and result kind.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remexec_jobs_total",
			Help: "Total number of jobs that reached a terminal state.",
		},
		[]string{"product", "kind"},
	)

	// CommandsTotal counts dispatched remote commands by outcome.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remexec_commands_total",
			Help: "Total number of remote commands dispatched.",
		},
		[]string{"status"}, // ok, failed, error
	)

	// CommandDuration observes how long a single remote command ran.
	CommandDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remexec_command_duration_seconds",
			Help:    "Wall time of one remote command.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
	)

	// BatchSize observes how many commands a job expanded to.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remexec_batch_commands",
			Help:    "Number of commands in a job's batch.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// JobsInFlight is the number of jobs currently holding a remote session.
	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remexec_jobs_in_flight",
			Help: "Jobs currently running against a remote host.",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by path, method and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remexec_http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)
)
