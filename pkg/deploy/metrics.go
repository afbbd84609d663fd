package deploy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the scheduler's Prometheus collectors.
type Metrics struct {
	DeploymentsTotal  *prometheus.CounterVec
	HandlerRunsTotal  *prometheus.CounterVec
	HandlerDuration   prometheus.Histogram
	HandlersInflight  prometheus.Gauge
	CascadeRecollects prometheus.Counter
	DeadlocksTotal    prometheus.Counter
}

// NewMetrics registers the scheduler collectors with reg. Passing nil uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DeploymentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_deployments_total",
			Help: "Deployment apply passes by outcome.",
		}, []string{"status"}),
		HandlerRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_handler_runs_total",
			Help: "Handler executions by result.",
		}, []string{"result"}),
		HandlerDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_handler_duration_seconds",
			Help:    "Wall time of handler executions.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		HandlersInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_handlers_inflight",
			Help: "Handlers currently running.",
		}),
		CascadeRecollects: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_cascade_recollects_total",
			Help: "Instance re-collections triggered by handler completions.",
		}),
		DeadlocksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_scheduler_deadlocks_total",
			Help: "Executor passes that ended with unrunnable pending nodes.",
		}),
	}
}
