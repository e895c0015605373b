// Package metrics exposes engine counters to Prometheus
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dsrules/internal/engine"
)

const namespace = "dsrules"

// Metrics implements engine.Metrics on its own registry
type Metrics struct {
	registry *prometheus.Registry

	EventsHandled    *prometheus.CounterVec
	Relays           *prometheus.CounterVec
	ActionsExecuted  *prometheus.CounterVec
	FragmentsDropped prometheus.Counter
}

// New creates the collectors and registers them with the Go and process
// collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "handled_total",
				Help:      "Events handled by the engine loop",
			},
			[]string{"event"},
		),
		Relays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "triggers",
				Name:      "relayed_total",
				Help:      "Events relayed by trigger registrations",
			},
			[]string{"event"},
		),
		ActionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "actions",
				Name:      "executed_total",
				Help:      "Action steps executed, by type and outcome",
			},
			[]string{"type", "status"},
		),
		FragmentsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "actions",
				Name:      "superseded_total",
				Help:      "Delayed fragments and step continuations dropped because a newer execution started",
			},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsHandled,
		m.Relays,
		m.ActionsExecuted,
		m.FragmentsDropped,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventHandled(name string) {
	m.EventsHandled.WithLabelValues(name).Inc()
}

func (m *Metrics) Relayed(eventName string) {
	m.Relays.WithLabelValues(eventName).Inc()
}

func (m *Metrics) ActionExecuted(actionType string, err error) {
	m.ActionsExecuted.WithLabelValues(actionType, status(err)).Inc()
}

func (m *Metrics) FragmentDropped() {
	m.FragmentsDropped.Inc()
}

// status buckets step errors by their taxonomy
func status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, engine.ErrMissingData):
		return "missing_data"
	case errors.Is(err, engine.ErrMalformedParameter):
		return "malformed"
	case errors.Is(err, engine.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, engine.ErrExternalCall):
		return "external"
	}
	return "error"
}
