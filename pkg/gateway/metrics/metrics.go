// Package metrics exposes Prometheus metrics for the call gateway.
//
// Every Record method is safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// Call metrics
	CallsActive   prometheus.Gauge
	CallsStarted  prometheus.Counter
	CallsEnded    *prometheus.CounterVec
	CallDuration  prometheus.Histogram
	BargeIns      prometheus.Counter
	AIFailures    *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	RejectedMoves *prometheus.CounterVec

	// Audio metrics
	AudioChunks *prometheus.CounterVec
	AudioBytes  *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with all collectors registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_call"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		CallsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of calls with a live session",
		}),
		CallsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Total number of calls started",
		}),
		CallsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Total number of calls ended, by reason",
		}, []string{"reason"}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		BargeIns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Times the caller spoke over an AI response",
		}),
		AIFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_failures_total",
			Help:      "AI socket failures, by stage",
		}, []string{"stage"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Accepted conversation state transitions",
		}, []string{"from", "to"}),
		RejectedMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_rejected_total",
			Help:      "Conversation state transitions rejected by the state machine",
		}, []string{"from", "to"}),
		AudioChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Caller audio chunks, by outcome",
		}, []string{"outcome"}),
		AudioBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes moved between the call and the AI socket",
		}, []string{"direction"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of control API requests",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API request duration in seconds",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		m.CallsActive,
		m.CallsStarted,
		m.CallsEnded,
		m.CallDuration,
		m.BargeIns,
		m.AIFailures,
		m.Transitions,
		m.RejectedMoves,
		m.AudioChunks,
		m.AudioBytes,
		m.RequestsTotal,
		m.RequestDuration,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordCallStart() {
	if m == nil {
		return
	}
	m.CallsStarted.Inc()
	m.CallsActive.Inc()
}

func (m *Metrics) RecordCallEnd(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsActive.Dec()
	m.CallsEnded.WithLabelValues(reason).Inc()
	m.CallDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	m.BargeIns.Inc()
}

// RecordAIFailure counts an AI socket failure. stage is dial, greeting or socket.
func (m *Metrics) RecordAIFailure(stage string) {
	if m == nil {
		return
	}
	m.AIFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordTransition(from, to string, accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.Transitions.WithLabelValues(from, to).Inc()
		return
	}
	m.RejectedMoves.WithLabelValues(from, to).Inc()
}

// RecordAudioChunks counts caller chunks. outcome is dispatched or dropped.
func (m *Metrics) RecordAudioChunks(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioChunks.WithLabelValues(outcome).Add(float64(n))
}

// RecordAudioBytes counts audio bytes. direction is to_ai or from_ai.
func (m *Metrics) RecordAudioBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware records request counts and latency labelled by the matched route
// template, so path parameters do not explode label cardinality. It must be
// installed with (*mux.Router).Use so the matched route is known.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.RecordRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
