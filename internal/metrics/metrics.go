// Package metrics holds the relay's Prometheus collectors. They register
// with the default registry and are served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

var (
	// StreamsCreated counts accepted creates. Labels: mode (streaming, job-queue).
	StreamsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "created_total",
		Help:      "Streams and jobs accepted for delivery.",
	}, []string{"mode"})

	// Resumes counts resume lookups. Labels: state (absent, active, completed).
	Resumes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "resumes_total",
		Help:      "Resume requests by classified stream state.",
	}, []string{"state"})

	Fragments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "fragments_total",
		Help:      "Upstream fragments appended to the ledger.",
	})

	// StreamEnds counts producer terminations. Labels: reason (done,
	// upstream_error, upstream_unavailable, timeout, interrupted).
	StreamEnds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "ends_total",
		Help:      "Synchronous streams by termination reason.",
	}, []string{"reason"})

	// JobsFinished counts terminal job transitions. Labels: status.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Jobs reaching a terminal status.",
	}, []string{"status"})

	OpenFeeds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "open_feeds",
		Help:      "Job event feeds currently held open by clients.",
	})
)
