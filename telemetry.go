package spike

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry carries the aggregator's Prometheus instruments. The HTTP and
// SSE transports expose them at /metrics; stdio mode keeps them registered
// but unserved.
type Telemetry struct {
	registry *prometheus.Registry

	ToolCalls          *prometheus.CounterVec
	UpstreamsConnected prometheus.Gauge
	ReloadsTotal       prometheus.Counter
}

// NewTelemetry builds a self-contained registry with the spike instruments
// plus the standard process and Go collectors.
func NewTelemetry() *Telemetry {
	registry := prometheus.NewRegistry()
	t := &Telemetry{
		registry: registry,
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spike_tool_calls_total",
			Help: "Tool calls routed through the fleet, by upstream and outcome.",
		}, []string{"server", "outcome"}),
		UpstreamsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spike_upstreams_connected",
			Help: "Number of currently connected upstream MCP servers.",
		}),
		ReloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spike_config_reloads_total",
			Help: "Config hot-reloads applied.",
		}),
	}
	registry.MustRegister(
		t.ToolCalls,
		t.UpstreamsConnected,
		t.ReloadsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return t
}

// Handler serves the registry in the Prometheus text format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func (t *Telemetry) recordCall(server, outcome string) {
	if t == nil {
		return
	}
	t.ToolCalls.WithLabelValues(server, outcome).Inc()
}

func (t *Telemetry) setConnected(n int) {
	if t == nil {
		return
	}
	t.UpstreamsConnected.Set(float64(n))
}

func (t *Telemetry) recordReload() {
	if t == nil {
		return
	}
	t.ReloadsTotal.Inc()
}
