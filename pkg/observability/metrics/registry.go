package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry is a private Prometheus registry, so tests and the daemon
// never touch the global default one
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{reg: prometheus.NewRegistry()}
}

// NewProcessRegistry adds the Go runtime and process collectors, for the
// long-running daemon
func NewProcessRegistry() *Registry {
	r := NewRegistry()
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
	return r
}

func (r *Registry) Register(c prometheus.Collector) error {
	return r.reg.Register(c)
}

func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.reg.MustRegister(cs...)
}

// Gatherer returns the registry for promhttp
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
