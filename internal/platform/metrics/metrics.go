// Package metrics exposes Prometheus instrumentation for the supervisor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the supervisor's metric set.
type Collector struct {
	registry *prometheus.Registry

	jobsCreated   prometheus.Counter
	jobsSucceeded prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsRunning   prometheus.Gauge

	stepsApplied  *prometheus.CounterVec
	stepsRejected *prometheus.CounterVec
	stepLatency   prometheus.Histogram
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trainwatch_jobs_created_total",
			Help: "Total number of training jobs launched",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trainwatch_jobs_succeeded_total",
			Help: "Total number of training jobs that reached Succeed",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trainwatch_jobs_failed_total",
			Help: "Total number of training jobs that reached Failed",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trainwatch_jobs_running",
			Help: "Current number of running training jobs",
		}),
		stepsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainwatch_steps_applied_total",
			Help: "Step events applied, by step type and outcome",
		}, []string{"type", "outcome"}),
		stepsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainwatch_steps_rejected_total",
			Help: "Step events rejected, by reason",
		}, []string{"reason"}),
		stepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trainwatch_step_apply_seconds",
			Help:    "Latency of applying one step event",
			Buckets: prometheus.DefBuckets,
		}),
	}

	c.registry.MustRegister(
		c.jobsCreated,
		c.jobsSucceeded,
		c.jobsFailed,
		c.jobsRunning,
		c.stepsApplied,
		c.stepsRejected,
		c.stepLatency,
	)
	return c
}

func (c *Collector) JobCreated() {
	if c == nil {
		return
	}
	c.jobsCreated.Inc()
	c.jobsRunning.Inc()
}

func (c *Collector) JobFinished(succeeded bool) {
	if c == nil {
		return
	}
	c.jobsRunning.Dec()
	if succeeded {
		c.jobsSucceeded.Inc()
	} else {
		c.jobsFailed.Inc()
	}
}

func (c *Collector) StepApplied(stepType, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.stepsApplied.WithLabelValues(stepType, outcome).Inc()
	c.stepLatency.Observe(seconds)
}

func (c *Collector) StepRejected(reason string) {
	if c == nil {
		return
	}
	c.stepsRejected.WithLabelValues(reason).Inc()
}

// Handler serves the /metrics endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
