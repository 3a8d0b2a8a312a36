// Package metrics exposes ntmd's Prometheus collectors.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dicklesworthstone/ntmd/internal/terminal"
	"github.com/Dicklesworthstone/ntmd/internal/tmux"
)

const namespace = "ntmd"

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Spawn metrics
	Spawns      *prometheus.CounterVec
	RateLimited prometheus.Counter

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsClosed *prometheus.CounterVec

	// Reconciliation metrics
	Orphans    prometheus.Gauge
	Reattached prometheus.Counter
	Killed     prometheus.Counter

	// Status metrics
	CleanupDeleted *prometheus.CounterVec
	CleanupErrors  prometheus.Counter

	// tmux metrics
	TmuxDuration *prometheus.HistogramVec
	TmuxErrors   *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	WSConnections   prometheus.Gauge
}

// New creates collectors on a private registry so tests can build as many as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Spawns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spawns_total",
				Help:      "Spawn requests by result (ok or error kind)",
			},
			[]string{"result"},
		),
		RateLimited: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spawn_rate_limited_total",
				Help:      "Spawn requests rejected by the per-client window",
			},
		),
		SessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Sessions currently in the registry",
			},
		),
		SessionsClosed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_closed_total",
				Help:      "Sessions removed from the registry by mode",
			},
			[]string{"mode"},
		),
		Orphans: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "orphans",
				Help:      "Managed tmux sessions without a registry entry at last detection",
			},
		),
		Reattached: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reattached_total",
				Help:      "Orphaned tmux sessions brought back into the registry",
			},
		),
		Killed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "external_killed_total",
				Help:      "tmux sessions killed through reconciliation",
			},
		),
		CleanupDeleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_cleanup_deleted_total",
				Help:      "Status directory files deleted by retention rule",
			},
			[]string{"rule"},
		),
		CleanupErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_cleanup_errors_total",
				Help:      "Status directory files that could not be read or deleted",
			},
		),
		TmuxDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tmux_command_duration_seconds",
				Help:      "tmux command latency",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"op"},
		),
		TmuxErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tmux_command_errors_total",
				Help:      "Failed tmux commands by class",
			},
			[]string{"op", "class"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Number of active WebSocket connections",
			},
		),
	}
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// RecordSpawn counts a spawn outcome; err nil means success.
func (m *Metrics) RecordSpawn(err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.Spawns.WithLabelValues("ok").Inc()
		return
	}
	kind := terminal.KindOf(err)
	m.Spawns.WithLabelValues(string(kind)).Inc()
	if kind == terminal.KindRateLimited {
		m.RateLimited.Inc()
	}
}

// SetOrphans records the size of the last orphan detection.
func (m *Metrics) SetOrphans(n int) {
	if m == nil {
		return
	}
	m.Orphans.Set(float64(n))
}

// IncReattached counts one reattached session.
func (m *Metrics) IncReattached() {
	if m == nil {
		return
	}
	m.Reattached.Inc()
}

// IncKilled counts one externally killed tmux session.
func (m *Metrics) IncKilled() {
	if m == nil {
		return
	}
	m.Killed.Inc()
}

// RecordCleanup adds one sweep's deletions and failures.
func (m *Metrics) RecordCleanup(deleted map[string]int, errs int) {
	if m == nil {
		return
	}
	for rule, n := range deleted {
		m.CleanupDeleted.WithLabelValues(rule).Add(float64(n))
	}
	m.CleanupErrors.Add(float64(errs))
}

// ObserveTmux matches tmux.Observer.
func (m *Metrics) ObserveTmux(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.TmuxDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if err == nil {
		return
	}
	m.TmuxErrors.WithLabelValues(op, tmuxClass(err)).Inc()
}

func tmuxClass(err error) string {
	switch {
	case errors.Is(err, tmux.ErrTimeout):
		return "timeout"
	case errors.Is(err, tmux.ErrSessionNotFound), errors.Is(err, tmux.ErrNoServer):
		return "not_found"
	case errors.Is(err, tmux.ErrNotInstalled):
		return "not_installed"
	default:
		return "error"
	}
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// SessionClosed implements registry.Observer.
func (m *Metrics) SessionClosed(_ terminal.Session, forced bool) {
	if m == nil {
		return
	}
	mode := "detach"
	if forced {
		mode = "force"
	}
	m.SessionsClosed.WithLabelValues(mode).Inc()
}

// SessionCount implements registry.Observer.
func (m *Metrics) SessionCount(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}
