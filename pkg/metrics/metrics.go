// Package metrics holds the relay's instruments. They are go-kit metrics so
// that tests and disabled deployments can run on the discard provider.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const namespace = "relay"

// Metrics groups the counters, gauges and histograms used by the gateway,
// the worker pool and the pipeline.
type Metrics struct {
	// Submissions is labelled by "outcome" (a status name)
	Submissions metrics.Counter
	// PhaseDuration is labelled by "phase"
	PhaseDuration metrics.Histogram
	// Requests is labelled by "type" and "code"
	Requests metrics.Counter
	// Verifications is labelled by "result"
	Verifications metrics.Counter

	PoolQueueDepth metrics.Gauge
	PoolWorkers    metrics.Gauge
	PoolRejected   metrics.Counter

	LatestBlock metrics.Gauge
}

// NewPrometheus registers every instrument with the default prometheus
// registry. It must be called once per process.
func NewPrometheus() *Metrics {
	return &Metrics{
		Submissions: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "submissions_total",
			Help:      "Transactions submitted through the pipeline, by outcome.",
		}, []string{"outcome"}),
		PhaseDuration: kitprometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each pipeline phase.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"phase"}),
		Requests: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway requests, by type and response code.",
		}, []string{"type", "code"}),
		Verifications: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "verify_total",
			Help:      "Block membership checks, by result.",
		}, []string{"result"}),
		PoolQueueDepth: kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Tasks waiting in the worker pool queue.",
		}, nil),
		PoolWorkers: kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "workers",
			Help:      "Live worker goroutines.",
		}, nil),
		PoolRejected: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "rejected_total",
			Help:      "Tasks refused because the pool was saturated.",
		}, nil),
		LatestBlock: kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "latest_block",
			Help:      "Highest block number observed on the channel.",
		}, nil),
	}
}

// NewDisabled returns instruments that record nothing
func NewDisabled() *Metrics {
	return &Metrics{
		Submissions:    discard.NewCounter(),
		PhaseDuration:  discard.NewHistogram(),
		Requests:       discard.NewCounter(),
		Verifications:  discard.NewCounter(),
		PoolQueueDepth: discard.NewGauge(),
		PoolWorkers:    discard.NewGauge(),
		PoolRejected:   discard.NewCounter(),
		LatestBlock:    discard.NewGauge(),
	}
}

// OrDisabled returns m, or the discard instruments when m is nil
func OrDisabled(m *Metrics) *Metrics {
	if m == nil {
		return NewDisabled()
	}
	return m
}
