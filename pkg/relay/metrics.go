package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the relay client/actor's Prometheus instrumentation. A nil
// *Metrics is valid everywhere a Metrics is accepted; every recording
// helper checks for nil first so callers never need to guard it at the
// call site.
type Metrics struct {
	reg *prometheus.Registry

	DialsTotal        *prometheus.CounterVec
	SendsTotal        *prometheus.CounterVec
	RecvsTotal        *prometheus.CounterVec
	SendDropsTotal    *prometheus.CounterVec
	ReconnectsTotal   *prometheus.CounterVec
	ConnectedGauge    *prometheus.GaugeVec
	RTTSeconds        *prometheus.HistogramVec
	HomeRelayChanges  prometheus.Counter
}

// NewMetrics builds a Metrics with its own private registry, following the
// isolated-registry convention used elsewhere in this codebase so relay
// metrics never collide with metrics registered by an embedding process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		DialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_client_dials_total",
			Help: "Total dial attempts to a relay server, by url and outcome.",
		}, []string{"url", "outcome"}),
		SendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_client_sends_total",
			Help: "Total SendPacket frames written, by url.",
		}, []string{"url"}),
		RecvsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_client_recvs_total",
			Help: "Total RecvPacket frames read, by url.",
		}, []string{"url"}),
		SendDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_client_send_drops_total",
			Help: "Total outbound packets dropped, by url and reason.",
		}, []string{"url", "reason"}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_client_reconnects_total",
			Help: "Total reconnect cycles, by url.",
		}, []string{"url"}),
		ConnectedGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_client_connected",
			Help: "1 if the client is currently connected to its relay, by url.",
		}, []string{"url"}),
		RTTSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_client_rtt_seconds",
			Help:    "Relay ping/pong round-trip latency, by url.",
			Buckets: prometheus.DefBuckets,
		}, []string{"url"}),
		HomeRelayChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_actor_home_changes_total",
			Help: "Total times the actor elected a new home relay.",
		}),
	}
	reg.MustRegister(m.DialsTotal, m.SendsTotal, m.RecvsTotal, m.SendDropsTotal,
		m.ReconnectsTotal, m.ConnectedGauge, m.RTTSeconds, m.HomeRelayChanges)
	return m
}

// Registry exposes the private registry for an embedder to merge or serve.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) dial(url, outcome string) {
	if m == nil {
		return
	}
	m.DialsTotal.WithLabelValues(url, outcome).Inc()
}

func (m *Metrics) send(url string) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(url).Inc()
}

func (m *Metrics) recv(url string) {
	if m == nil {
		return
	}
	m.RecvsTotal.WithLabelValues(url).Inc()
}

func (m *Metrics) sendDrop(url, reason string) {
	if m == nil {
		return
	}
	m.SendDropsTotal.WithLabelValues(url, reason).Inc()
}

func (m *Metrics) reconnect(url string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(url).Inc()
}

func (m *Metrics) setConnected(url string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1.0
	}
	m.ConnectedGauge.WithLabelValues(url).Set(v)
}

func (m *Metrics) observeRTT(url string, seconds float64) {
	if m == nil {
		return
	}
	m.RTTSeconds.WithLabelValues(url).Observe(seconds)
}

func (m *Metrics) homeRelayChanged() {
	if m == nil {
		return
	}
	m.HomeRelayChanges.Inc()
}
