package netcheck

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds netcheck's Prometheus instrumentation on its own isolated
// registry. A nil *Metrics is valid everywhere.
type Metrics struct {
	reg          *prometheus.Registry
	ProbesTotal  *prometheus.CounterVec
}

// NewMetrics builds a Metrics with a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netcheck_probes_total",
			Help: "Total STUN probes against relay servers, by relay url and outcome.",
		}, []string{"relay_url", "outcome"}),
	}
	reg.MustRegister(m.ProbesTotal)
	return m
}

// Registry exposes the private registry for an embedder to merge or serve.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) recordProbe(relayURL string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.ProbesTotal.WithLabelValues(relayURL, outcome).Inc()
}
