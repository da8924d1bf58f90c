// Package metrics exposes dispatcher and event counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "outreachd"

// Task outcomes as reported by the dispatcher.
const (
	OutcomeCompleted  = "completed"
	OutcomeRetried    = "retried"
	OutcomeDeadLetter = "dead_letter"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	polls      prometheus.Counter
	pollErrors prometheus.Counter
	dispatched *prometheus.CounterVec
	finished   *prometheus.CounterVec
	active     prometheus.Gauge
	duration   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "polls_total",
			Help: "Poll cycles run by the dispatcher",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "poll_errors_total",
			Help: "Poll cycles that failed to read due tasks",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "dispatched_total",
			Help: "Tasks claimed and handed to an executor",
		}, []string{"type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "finished_total",
			Help: "Task attempts by outcome",
		}, []string{"type", "outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "active_tasks",
			Help: "Tasks currently executing",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "duration_seconds",
			Help:    "Executor run time",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"type"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.polls, m.pollErrors, m.dispatched, m.finished, m.active, m.duration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObservePoll(err error) {
	m.polls.Inc()
	if err != nil {
		m.pollErrors.Inc()
	}
}

func (m *Metrics) TaskDispatched(typ string) { m.dispatched.WithLabelValues(typ).Inc() }

func (m *Metrics) TaskFinished(typ, outcome string, d time.Duration) {
	m.finished.WithLabelValues(typ, outcome).Inc()
	m.duration.WithLabelValues(typ).Observe(d.Seconds())
}

func (m *Metrics) SetActive(n int) { m.active.Set(float64(n)) }

// GaugeFunc registers a gauge read from fn at scrape time.
func (m *Metrics) GaugeFunc(subsystem, name, help string, fn func() float64) error {
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, fn))
}

// CounterFunc registers a counter read from fn at scrape time.
func (m *Metrics) CounterFunc(subsystem, name, help string, fn func() float64) error {
	return m.reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, fn))
}
