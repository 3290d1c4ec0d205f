// Package metrics provides Prometheus metrics for the orchestrator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. Each instance owns its registry so tests
// can build as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	DispatchesTotal   *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	DispatchesDropped prometheus.Counter
	QueueLength       prometheus.Gauge

	RelaysTotal  *prometheus.CounterVec
	ReportsSaved prometheus.Counter

	ActiveCall    prometheus.Gauge
	MessagesTotal prometheus.Counter
	ResultsTotal  *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callassist_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callassist_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		DispatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callassist_fanout_dispatches_total",
			Help: "Fan-out notifications by agent and outcome",
		}, []string{"agent", "outcome"}),
		DispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callassist_fanout_dispatch_duration_seconds",
			Help:    "Duration of fan-out notifications in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"agent"}),
		DispatchesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "callassist_fanout_dropped_total",
			Help: "Fan-out notifications dropped because the queue was full",
		}),
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "callassist_fanout_queue_length",
			Help: "Jobs waiting in the fan-out queue",
		}),
		RelaysTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callassist_relays_total",
			Help: "Report relays by final state",
		}, []string{"outcome"}),
		ReportsSaved: f.NewCounter(prometheus.CounterOpts{
			Name: "callassist_reports_saved_total",
			Help: "Reports persisted to the report store",
		}),
		ActiveCall: f.NewGauge(prometheus.GaugeOpts{
			Name: "callassist_active_call",
			Help: "1 while a call session is active",
		}),
		MessagesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "callassist_messages_ingested_total",
			Help: "Transcript lines appended to a session",
		}),
		ResultsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callassist_agent_results_total",
			Help: "Asynchronous agent results by kind and outcome",
		}, []string{"kind", "outcome"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// RecordHTTP records a finished HTTP request.
func (m *Metrics) RecordHTTP(route string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, http.StatusText(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordDispatch records one fan-out notification.
func (m *Metrics) RecordDispatch(agent string, err error, d time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.DispatchesTotal.WithLabelValues(agent, outcome).Inc()
	m.DispatchDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// RecordRelay records the final state of a report relay.
func (m *Metrics) RecordRelay(outcome string) {
	m.RelaysTotal.WithLabelValues(outcome).Inc()
}

// RecordResult records an asynchronous agent result push.
func (m *Metrics) RecordResult(kind, outcome string) {
	m.ResultsTotal.WithLabelValues(kind, outcome).Inc()
}

// SetActiveCall flips the active-call gauge.
func (m *Metrics) SetActiveCall(active bool) {
	if active {
		m.ActiveCall.Set(1)
		return
	}
	m.ActiveCall.Set(0)
}

// Value returns the current value of a counter or gauge sample whose
// labels include the given set, or 0 when none matches.
func (m *Metrics) Value(name string, labels map[string]string) float64 {
	families, err := m.reg.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			matched := 0
			for _, lp := range metric.GetLabel() {
				if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
					matched++
				}
			}
			if matched != len(labels) {
				continue
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	return 0
}
