// Package telemetry holds the Prometheus collectors shared by the store,
// the query index and the workflow engine. A nil *Metrics is valid and
// records nothing.
package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	storeOps            *prometheus.CounterVec
	storeLatency        *prometheus.HistogramVec
	indexRefresh        prometheus.Histogram
	indexLag            prometheus.Gauge
	indexDocs           prometheus.Gauge
	workflowTransitions *prometheus.CounterVec
	sessions            *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engram",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Entity store operations by kind, operation and result.",
		}, []string{"kind", "op", "result"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "engram",
			Subsystem: "store",
			Name:      "write_duration_seconds",
			Help:      "Latency of committed store transactions.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		indexRefresh: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "engram",
			Subsystem: "index",
			Name:      "refresh_duration_seconds",
			Help:      "Time spent bringing the text index up to the store generation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		indexLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "engram",
			Subsystem: "index",
			Name:      "lag_generations",
			Help:      "Store generations not yet reflected in the text index.",
		}),
		indexDocs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "engram",
			Subsystem: "index",
			Name:      "documents",
			Help:      "Documents held by the text index.",
		}),
		workflowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engram",
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Workflow transitions by result.",
		}, []string{"result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engram",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Session starts and ends.",
		}, []string{"event"}),
	}
	reg.MustRegister(
		m.storeOps, m.storeLatency, m.indexRefresh, m.indexLag, m.indexDocs,
		m.workflowTransitions, m.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests and for embedding callers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StoreOp counts one store operation. result is derived from err.
func (m *Metrics) StoreOp(kind, op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.storeOps.WithLabelValues(kind, op, Result(err)).Inc()
	if err == nil {
		m.storeLatency.WithLabelValues(op).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) IndexRefreshed(elapsed time.Duration, docs int) {
	if m == nil {
		return
	}
	m.indexRefresh.Observe(elapsed.Seconds())
	m.indexDocs.Set(float64(docs))
}

func (m *Metrics) IndexLag(generations int64) {
	if m == nil {
		return
	}
	m.indexLag.Set(float64(generations))
}

func (m *Metrics) Transition(err error) {
	if m == nil {
		return
	}
	m.workflowTransitions.WithLabelValues(Result(err)).Inc()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(event).Inc()
}

// Classifier lets packages label their own errors without telemetry
// importing them.
type Classifier interface {
	MetricLabel() string
}

// Result turns an error into a low-cardinality label.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.MetricLabel()
	}
	return "error"
}
