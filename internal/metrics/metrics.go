// Package metrics exposes gateway request, token and cost counters on a
// dedicated Prometheus registry.
package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/modelgate/modelgate/internal/canonical"
	"github.com/modelgate/modelgate/internal/pricing"
)

// Metrics holds the gateway counters. All vectors are labelled by
// provider and model so dashboards can slice spend per upstream.
type Metrics struct {
	startTime time.Time
	version   string

	requestsTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	tokensTotal   *prometheus.CounterVec
	costTotal     *prometheus.CounterVec

	infoDesc   *prometheus.Desc
	uptimeDesc *prometheus.Desc
}

// New creates the gateway metric set.
func New(version string) *Metrics {
	return &Metrics{
		startTime: time.Now(),
		version:   version,

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_requests_total",
			Help: "Completed requests by provider, model and path",
		}, []string{"provider", "model", "path"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_errors_total",
			Help: "Failed requests by provider and error kind",
		}, []string{"provider", "kind"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_tokens_total",
			Help: "Tokens consumed by provider, model and token class",
		}, []string{"provider", "model", "class"}),
		costTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_cost_total",
			Help: "Accumulated cost by provider and model, in catalog currency units",
		}, []string{"provider", "model"}),

		infoDesc: prometheus.NewDesc(
			"modelgate_info",
			"ModelGate build information",
			[]string{"version", "go_version"},
			nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"modelgate_uptime_seconds",
			"Time since server start",
			nil,
			nil,
		),
	}
}

// RecordRequest counts one completed request.
func (m *Metrics) RecordRequest(provider, model, path string) {
	m.requestsTotal.WithLabelValues(provider, model, path).Inc()
}

// RecordError counts one failed request.
func (m *Metrics) RecordError(provider, kind string) {
	m.errorsTotal.WithLabelValues(provider, kind).Inc()
}

// RecordUsage counts tokens and cost for one priced request.
func (m *Metrics) RecordUsage(provider, model string, u canonical.Usage, cost pricing.Cost) {
	classes := map[string]int{
		"input":       u.InputTokens,
		"output":      u.OutputTokens,
		"cache_write": u.CacheWriteTokens,
		"cache_read":  u.CacheReadTokens,
	}
	for class, count := range classes {
		if count > 0 {
			m.tokensTotal.WithLabelValues(provider, model, class).Add(float64(count))
		}
	}
	if cost.Total > 0 {
		m.costTotal.WithLabelValues(provider, model).Add(cost.Total)
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.infoDesc
	ch <- m.uptimeDesc
	m.requestsTotal.Describe(ch)
	m.errorsTotal.Describe(ch)
	m.tokensTotal.Describe(ch)
	m.costTotal.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		m.infoDesc,
		prometheus.GaugeValue,
		1,
		m.version,
		runtime.Version(),
	)
	ch <- prometheus.MustNewConstMetric(
		m.uptimeDesc,
		prometheus.GaugeValue,
		time.Since(m.startTime).Seconds(),
	)
	m.requestsTotal.Collect(ch)
	m.errorsTotal.Collect(ch)
	m.tokensTotal.Collect(ch)
	m.costTotal.Collect(ch)
}

// NewRegistry creates a Prometheus registry carrying the gateway metrics
// plus Go runtime and process collectors.
func NewRegistry(m *Metrics) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(m)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}
