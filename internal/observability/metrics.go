package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage names recorded in the latency window.
const (
	StageBackendConnect = "backend_connect"
	StageConfigureAck   = "configure_ack"
	StageToolInvoke     = "tool_invoke"
	StageFirstResponse  = "first_response"
)

// Metrics groups all Prometheus instruments used by the relay.
type Metrics struct {
	registry *prometheus.Registry
	stages   *stageWindow

	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	SessionCloses    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	BackendErrors    *prometheus.CounterVec
	ToolCalls        *prometheus.CounterVec
	ToolLatency      *prometheus.HistogramVec
	ConfigureLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stages:   newStageWindow(256),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active realtime relay sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by backend and event.",
		}, []string{"backend", "event"}),
		SessionCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_closes_total",
			Help:      "Closed sessions by backend and close reason.",
		}, []string{"backend", "reason"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		BackendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Backend errors by backend and code.",
		}, []string{"backend", "code"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_latency_ms",
			Help:      "Tool invocation latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 20000},
		}, []string{"tool"}),
		ConfigureLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "configure_ack_latency_ms",
			Help:      "Latency from session configuration to backend acknowledgement in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 3000},
		}),
	}
}

// ObserveStage records d for stage in the rolling latency window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
	if stage == StageConfigureAck {
		m.ConfigureLatency.Observe(float64(d.Milliseconds()))
	}
}

// ObserveIndicator counts a named occurrence, such as an interruption or a
// configure-ack timeout.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) ObserveToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolLatency.WithLabelValues(tool).Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageToolInvoke, float64(d.Microseconds())/1000)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.stages.Snapshot()
}

func (m *Metrics) ResetStages() {
	m.stages.Reset()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
