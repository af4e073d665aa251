// Package metrics exports engagement engine activity in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nous-labs/engage/pkg/idle"
	"github.com/nous-labs/engage/pkg/scheduler"
)

const namespace = "engage"

// Exporter records scheduler reports and idle-breaker decisions.
// It implements scheduler.Observer.
type Exporter struct {
	registry *prometheus.Registry

	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	stepDuration *prometheus.HistogramVec
	stepErrors   *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	expired      *prometheus.CounterVec
	passErrors   *prometheus.CounterVec
	threads      *prometheus.CounterVec
	idleThoughts prometheus.Counter
	decisions    *prometheus.CounterVec
	nudges       *prometheus.CounterVec
	scopes       prometheus.Gauge
}

// New creates an exporter. A nil registry gets a fresh one.
func New(registry *prometheus.Registry) *Exporter {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	buckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}

	e := &Exporter{registry: registry}
	e.ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Scheduler ticks run",
	})
	e.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of one scheduler tick",
		Buckets:   buckets,
	})
	e.stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "step_duration_seconds",
		Help:      "Wall time of one scheduler step for one scope",
		Buckets:   buckets,
	}, []string{"step"})
	e.stepErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "step_errors_total",
		Help:      "Scheduler steps that failed",
	}, []string{"step"})
	e.passDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cleanup",
		Name:      "pass_duration_seconds",
		Help:      "Wall time of one cleanup pass",
		Buckets:   buckets,
	}, []string{"pass"})
	e.expired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cleanup",
		Name:      "loops_expired_total",
		Help:      "Open loops expired by cleanup",
	}, []string{"pass"})
	e.passErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cleanup",
		Name:      "pass_errors_total",
		Help:      "Cleanup passes that failed",
	}, []string{"pass"})
	e.threads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "threads",
		Name:      "changes_total",
		Help:      "Ongoing threads removed, generated or trimmed",
	}, []string{"change"})
	e.idleThoughts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "threads",
		Name:      "idle_thoughts_total",
		Help:      "Idle thoughts generated for absent users",
	})
	e.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "idle",
		Name:      "decisions_total",
		Help:      "Idle-breaker decisions by tier",
	}, []string{"tier", "kind"})
	e.nudges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "idle",
		Name:      "nudges_total",
		Help:      "Proactive messages attempted",
	}, []string{"status"})
	e.scopes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "scopes",
		Help:      "Scopes maintained in the last tick",
	})

	registry.MustRegister(
		e.ticks, e.tickDuration, e.stepDuration, e.stepErrors,
		e.passDuration, e.expired, e.passErrors,
		e.threads, e.idleThoughts,
		e.decisions, e.nudges, e.scopes,
	)
	return e
}

// ObserveTick records one scheduler report.
func (e *Exporter) ObserveTick(r *scheduler.Report) {
	e.ticks.Inc()
	e.scopes.Set(float64(len(r.Scopes)))

	var total float64
	for _, o := range r.Steps {
		total += o.Duration.Seconds()
		e.stepDuration.WithLabelValues(o.Step).Observe(o.Duration.Seconds())
		if o.Err != nil {
			e.stepErrors.WithLabelValues(o.Step).Inc()
		}
	}
	e.tickDuration.Observe(total)

	for _, sr := range r.Scopes {
		if sr.IdleThought != "" {
			e.idleThoughts.Inc()
		}
		if sr.Threads != nil {
			e.threads.WithLabelValues("removed").Add(float64(len(sr.Threads.Removed)))
			e.threads.WithLabelValues("generated").Add(float64(sr.Threads.Generated))
			e.threads.WithLabelValues("trimmed").Add(float64(len(sr.Threads.Trimmed)))
		}
		if sr.Cleanup == nil {
			continue
		}
		for _, p := range sr.Cleanup.Passes {
			pass := string(p.Pass)
			e.passDuration.WithLabelValues(pass).Observe(p.Elapsed.Seconds())
			e.expired.WithLabelValues(pass).Add(float64(p.Expired))
			if p.Err != nil {
				e.passErrors.WithLabelValues(pass).Inc()
			}
		}
	}
}

// ObserveDecision records an idle-breaker decision.
func (e *Exporter) ObserveDecision(d idle.Decision) {
	e.decisions.WithLabelValues(d.Tier.String(), string(d.Kind)).Inc()
}

// ObserveNudge records a proactive delivery attempt.
func (e *Exporter) ObserveNudge(err error) {
	status := "sent"
	if err != nil {
		status = "failed"
	}
	e.nudges.WithLabelValues(status).Inc()
}

// Registry returns the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
