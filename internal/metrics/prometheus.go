package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toolmesh"

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomePartial = "partial"
)

// Recorder exposes orchestration metrics to Prometheus and mirrors tool
// and query totals into the persisted runtime snapshot. A nil *Recorder
// records nothing.
type Recorder struct {
	registry *prometheus.Registry
	runtime  *RuntimeMetrics

	serverUp     *prometheus.GaugeVec
	connections  *prometheus.CounterVec
	reconnects   *prometheus.CounterVec
	healthChecks *prometheus.CounterVec
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	agentQueries *prometheus.CounterVec
	agentSteps   prometheus.Histogram
}

// NewRecorder builds collectors on a private registry. runtime may be nil.
func NewRecorder(runtime *RuntimeMetrics) *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	// Tool calls span local pipes and remote endpoints.
	toolLatencyBuckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

	return &Recorder{
		registry: reg,
		runtime:  runtime,
		serverUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_up",
			Help:      "1 when the server has a ready session.",
		}, []string{"server"}),
		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_connections_total",
			Help:      "Successful session opens per server.",
		}, []string{"server"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_reconnects_total",
			Help:      "Reconnect attempts per server by outcome.",
		}, []string{"server", "outcome"}),
		healthChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Health probes per server by result.",
		}, []string{"server", "result"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by server, tool and outcome.",
		}, []string{"server", "tool", "outcome"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation latency per server.",
			Buckets:   toolLatencyBuckets,
		}, []string{"server"}),
		agentQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_queries_total",
			Help:      "Agent queries by outcome.",
		}, []string{"outcome"}),
		agentSteps: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_steps",
			Help:      "Reasoning steps used per agent query.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Runtime returns the persisted snapshot recorder, if any.
func (r *Recorder) Runtime() *RuntimeMetrics {
	if r == nil {
		return nil
	}
	return r.runtime
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) ServerUp(server string, up bool) {
	if r == nil {
		return
	}
	value := 0.0
	if up {
		value = 1
	}
	r.serverUp.WithLabelValues(server).Set(value)
}

func (r *Recorder) ServerOpened(server string) {
	if r == nil {
		return
	}
	r.connections.WithLabelValues(server).Inc()
	r.serverUp.WithLabelValues(server).Set(1)
}

func (r *Recorder) Reconnect(server, outcome string) {
	if r == nil {
		return
	}
	r.reconnects.WithLabelValues(server, outcome).Inc()
}

func (r *Recorder) HealthCheck(server string, err error) {
	if r == nil {
		return
	}
	result := "healthy"
	if err != nil {
		result = "unhealthy"
	}
	r.healthChecks.WithLabelValues(server, result).Inc()
}

// ToolCall records one tool invocation.
func (r *Recorder) ToolCall(server, tool string, duration time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
		if isTimeoutError(err) {
			outcome = OutcomeTimeout
		}
	}
	r.toolCalls.WithLabelValues(server, tool, outcome).Inc()
	r.toolDuration.WithLabelValues(server).Observe(duration.Seconds())
	if _, persistErr := r.runtime.RecordToolExecution(server, duration, err); persistErr != nil {
		slog.Debug("persist runtime metrics failed", "error", persistErr)
	}
}

// Query records one finished agent query.
func (r *Recorder) Query(outcome QueryOutcome) {
	if r == nil {
		return
	}
	label := OutcomeSuccess
	switch {
	case outcome.Failed:
		label = OutcomeError
	case outcome.TimedOut:
		label = OutcomeTimeout
	case outcome.StepBudgetExceeded:
		label = OutcomePartial
	}
	r.agentQueries.WithLabelValues(label).Inc()
	r.agentSteps.Observe(float64(outcome.Steps))
	if _, persistErr := r.runtime.RecordQuery(outcome); persistErr != nil {
		slog.Debug("persist runtime metrics failed", "error", persistErr)
	}
}
