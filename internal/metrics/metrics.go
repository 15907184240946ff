// Package metrics exposes Prometheus instrumentation for the advisor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry so tests can create as many as they like.
type Recorder struct {
	registry *prometheus.Registry

	turns          *prometheus.CounterVec
	contextCache   *prometheus.CounterVec
	evictions      *prometheus.CounterVec
	failures       *prometheus.CounterVec
	generation     *prometheus.HistogramVec
	liveSessions   *prometheus.GaugeVec
	droppedLogLine prometheus.Counter
}

// New creates a Recorder with Go runtime and process collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor",
			Name:      "turns_total",
			Help:      "Turns processed, by persona and route.",
		}, []string{"persona", "route"}),
		contextCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor",
			Name:      "context_cache_total",
			Help:      "Context gate lookups, by persona and result (hit or miss).",
		}, []string{"persona", "result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor",
			Name:      "session_evictions_total",
			Help:      "Sessions evicted from the recency-bounded store.",
		}, []string{"persona"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor",
			Name:      "collaborator_failures_total",
			Help:      "Failed calls to external collaborators.",
		}, []string{"persona", "collaborator"}),
		generation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "advisor",
			Name:      "generation_duration_seconds",
			Help:      "Latency of language model generation calls.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"persona", "provider"}),
		liveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "advisor",
			Name:      "live_sessions",
			Help:      "Sessions currently held in memory.",
		}, []string{"persona"}),
		droppedLogLine: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "advisor",
			Name:      "conversation_log_dropped_total",
			Help:      "Conversation log events dropped because the queue was full.",
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.turns, r.contextCache, r.evictions, r.failures,
		r.generation, r.liveSessions, r.droppedLogLine,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Turn counts one processed turn.
func (r *Recorder) Turn(persona, route string) {
	if r == nil {
		return
	}
	r.turns.WithLabelValues(persona, route).Inc()
}

// ContextCache counts a gate lookup.
func (r *Recorder) ContextCache(persona string, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.contextCache.WithLabelValues(persona, result).Inc()
}

// Eviction counts one evicted session.
func (r *Recorder) Eviction(persona string) {
	if r == nil {
		return
	}
	r.evictions.WithLabelValues(persona).Inc()
}

// Failure counts a failed collaborator call (search, generation, memory, profile).
func (r *Recorder) Failure(persona, collaborator string) {
	if r == nil {
		return
	}
	r.failures.WithLabelValues(persona, collaborator).Inc()
}

// Generation observes a generation call's latency.
func (r *Recorder) Generation(persona, provider string, d time.Duration) {
	if r == nil {
		return
	}
	r.generation.WithLabelValues(persona, provider).Observe(d.Seconds())
}

// LiveSessions sets the in-memory session count.
func (r *Recorder) LiveSessions(persona string, n int) {
	if r == nil {
		return
	}
	r.liveSessions.WithLabelValues(persona).Set(float64(n))
}

// DroppedLogEvent counts a conversation log event that could not be queued.
func (r *Recorder) DroppedLogEvent() {
	if r == nil {
		return
	}
	r.droppedLogLine.Inc()
}
