// Package metrics exposes Prometheus instrumentation for the support pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many as they like.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	replies     *prometheus.CounterVec
	stageRuns   *prometheus.CounterVec
	toolCalls   *prometheus.CounterVec
	escalations *prometheus.CounterVec
	modelCalls  *prometheus.HistogramVec
}

// New registers the support collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "support_replies_total",
			Help: "Reply requests by outcome (replied, escalated, skipped, failed).",
		}, []string{"outcome"}),
		stageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "support_stage_runs_total",
			Help: "Agent stage runs by stage and outcome.",
		}, []string{"stage", "outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "support_tool_calls_total",
			Help: "Tool invocations by tool name and envelope success.",
		}, []string{"tool", "success"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "support_escalations_total",
			Help: "Sessions escalated to human review, by deciding stage.",
		}, []string{"stage"}),
		modelCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "support_model_call_seconds",
			Help:    "Latency of single model gateway calls.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"stage"}),
	}
	m.registry.MustRegister(m.replies, m.stageRuns, m.toolCalls, m.escalations, m.modelCalls)
	return m
}

// Registry exposes the underlying registry (mainly for tests).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveReply(outcome string) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStage(stage, outcome string) {
	if m == nil {
		return
	}
	m.stageRuns.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) ObserveToolCall(tool string, success bool) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
}

func (m *Metrics) ObserveEscalation(stage string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveModelCall(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(stage).Observe(elapsed.Seconds())
}
