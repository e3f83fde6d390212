// Package metrics defines the Prometheus collectors Nexus exposes on the
// management plane's /metrics endpoint: per-upstream connectivity gauges,
// catalog size gauges, vMCP status, and proxy request latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every collector Nexus registers. A single instance is
// constructed at startup and threaded through the components that record
// to it, rather than relying on prometheus's global default registerer,
// so tests can construct independent Registries without collisions.
type Registry struct {
	reg *prometheus.Registry

	UpstreamConnected   *prometheus.GaugeVec
	CatalogSize         *prometheus.GaugeVec
	VMCPStatus          *prometheus.GaugeVec
	ProxyRequestsTotal  *prometheus.CounterVec
	ProxyRequestLatency *prometheus.HistogramVec
}

// New builds a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		UpstreamConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nexus",
			Subsystem: "upstream",
			Name:      "connected",
			Help:      "1 if the upstream transport is currently connected, else 0.",
		}, []string{"upstream"}),

		CatalogSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nexus",
			Subsystem: "catalog",
			Name:      "entries",
			Help:      "Number of capability records registered per upstream and kind.",
		}, []string{"upstream", "kind"}),

		VMCPStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nexus",
			Subsystem: "vmcp",
			Name:      "status",
			Help:      "1 for the vMCP's current status label, else 0.",
		}, []string{"vmcp", "status"}),

		ProxyRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Subsystem: "vmcp",
			Name:      "proxy_requests_total",
			Help:      "Total proxied requests per vMCP, method, and outcome.",
		}, []string{"vmcp", "method", "outcome"}),

		ProxyRequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nexus",
			Subsystem: "vmcp",
			Name:      "proxy_request_duration_seconds",
			Help:      "Latency of proxied requests per vMCP and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"vmcp", "method"}),
	}
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// SetUpstreamConnected records an upstream's connectivity as a 0/1 gauge.
func (r *Registry) SetUpstreamConnected(upstream string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	r.UpstreamConnected.WithLabelValues(upstream).Set(v)
}

// SetVMCPStatus records vmcpID's current status, zeroing every other known
// status label so only one is ever set to 1 at a time.
func (r *Registry) SetVMCPStatus(vmcpID string, status string, allStatuses []string) {
	for _, s := range allStatuses {
		v := 0.0
		if s == status {
			v = 1.0
		}
		r.VMCPStatus.WithLabelValues(vmcpID, s).Set(v)
	}
}
