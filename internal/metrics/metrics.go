// Package metrics exposes Prometheus instruments for tool calls and
// session lifecycles.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/events"
)

const namespace = "bimcp"

// Tool call outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Collector holds every instrument on its own registry. It implements
// browser.Observer so backends can feed it directly.
type Collector struct {
	registry *prometheus.Registry

	ToolCalls        *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec
	SessionsActive   *prometheus.GaugeVec
	EventsLogged     *prometheus.CounterVec
	ActionConfidence *prometheus.CounterVec
}

var _ browser.Observer = (*Collector)(nil)

// New registers the instruments, plus Go runtime and process collectors,
// on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Total number of MCP tool calls by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_call_duration_seconds",
				Help:      "MCP tool call latency in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"tool"},
		),
		SessionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of currently open sessions by backend",
			},
			[]string{"backend"},
		),
		EventsLogged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_logged_total",
				Help:      "Total number of audit events appended by type",
			},
			[]string{"type"},
		),
		ActionConfidence: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_confidence_total",
				Help:      "Actions performed by action and reported confidence",
			},
			[]string{"action", "confidence"},
		),
	}
}

// Registry returns the registry the instruments live on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveToolCall records one finished tool call.
func (c *Collector) ObserveToolCall(tool string, failed bool, elapsed time.Duration) {
	outcome := OutcomeOK
	if failed {
		outcome = OutcomeError
	}
	c.ToolCalls.WithLabelValues(tool, outcome).Inc()
	c.ToolCallDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func (c *Collector) SessionOpened(backend string) {
	c.SessionsActive.WithLabelValues(backend).Inc()
}

func (c *Collector) SessionClosed(backend string) {
	c.SessionsActive.WithLabelValues(backend).Dec()
}

func (c *Collector) EventLogged(_ string, typ events.Type) {
	c.EventsLogged.WithLabelValues(string(typ)).Inc()
}

func (c *Collector) ActionObserved(action string, confidence browser.Confidence) {
	c.ActionConfidence.WithLabelValues(action, string(confidence)).Inc()
}
