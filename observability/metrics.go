package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type engineMetrics struct {
	transitions *prometheus.CounterVec
	gateBlocked *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

type workspaceMetrics struct {
	lookups *prometheus.CounterVec
}

type gatewayMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	engineOnce     sync.Once
	engineRegistry *engineMetrics

	workspaceOnce     sync.Once
	workspaceRegistry *workspaceMetrics

	gatewayOnce     sync.Once
	gatewayRegistry *gatewayMetrics
)

// Engine returns the lazily-initialised collectors tracking lifecycle
// transition activity.
func Engine() *engineMetrics {
	engineOnce.Do(func() {
		engineRegistry = &engineMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "campusbridge",
				Subsystem: "engine",
				Name:      "transitions_total",
				Help:      "Total transition requests segmented by transition and outcome.",
			}, []string{"transition", "outcome"}),
			gateBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "campusbridge",
				Subsystem: "engine",
				Name:      "gate_blocked_total",
				Help:      "Count of transitions rejected by a guard gate.",
			}, []string{"gate"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "campusbridge",
				Subsystem: "engine",
				Name:      "transition_duration_seconds",
				Help:      "Latency distribution for ApplyTransition calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"transition"}),
		}
		prometheus.MustRegister(
			engineRegistry.transitions,
			engineRegistry.gateBlocked,
			engineRegistry.latency,
		)
	})
	return engineRegistry
}

// ObserveTransition records the outcome and latency of one transition call.
func (m *engineMetrics) ObserveTransition(transition, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if transition = strings.TrimSpace(transition); transition == "" {
		transition = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.transitions.WithLabelValues(transition, outcome).Inc()
	m.latency.WithLabelValues(transition).Observe(duration.Seconds())
}

// RecordGateBlocked increments the guard rejection counter for a gate.
func (m *engineMetrics) RecordGateBlocked(gate string) {
	if m == nil {
		return
	}
	if gate = strings.TrimSpace(gate); gate == "" {
		gate = "unknown"
	}
	m.gateBlocked.WithLabelValues(gate).Inc()
}

// Workspace returns the collectors tracking access-controller cache traffic.
func Workspace() *workspaceMetrics {
	workspaceOnce.Do(func() {
		workspaceRegistry = &workspaceMetrics{
			lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "campusbridge",
				Subsystem: "workspace",
				Name:      "lookups_total",
				Help:      "Workspace access lookups segmented by cache result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(workspaceRegistry.lookups)
	})
	return workspaceRegistry
}

// RecordLookup counts one access lookup. Result should be a stable string
// such as "hit", "miss", or "error".
func (m *workspaceMetrics) RecordLookup(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.lookups.WithLabelValues(result).Inc()
}

// Gateway returns the collectors tracking HTTP activity of the service.
func Gateway() *gatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayRegistry = &gatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "campusbridge",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "campusbridge",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(gatewayRegistry.requests, gatewayRegistry.latency)
	})
	return gatewayRegistry
}

// Observe records one handled HTTP request.
func (m *gatewayMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, statusLabel(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
