package magicsock

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the magicsock Prometheus collectors on an isolated
// registry, matching the pattern used by pkg/relay and pkg/netcheck: one
// registry per Conn so multiple instances (e.g. in tests) never collide.
type Metrics struct {
	reg *prometheus.Registry

	SendsTotal    *prometheus.CounterVec // path={direct,relay}
	RecvsTotal    *prometheus.CounterVec // path={direct,relay}
	SendErrors    *prometheus.CounterVec // kind=ErrKind.String()
	PathChanges   prometheus.Counter
	ActiveDirect  prometheus.Gauge
	PingsSent     *prometheus.CounterVec // kind={ping,pong,callmemaybe}
	PingsRecv     *prometheus.CounterVec
	DiscoDrops    *prometheus.CounterVec // reason={open,parse,unknown_peer,callmemaybe_via_udp}
	NodesTracked  prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		SendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magicsock_sends_total", Help: "Packets sent, by path.",
		}, []string{"path"}),
		RecvsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magicsock_recvs_total", Help: "Packets received, by path.",
		}, []string{"path"}),
		SendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magicsock_send_errors_total", Help: "Send failures, by kind.",
		}, []string{"kind"}),
		PathChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "magicsock_path_changes_total", Help: "Times a peer's best path changed.",
		}),
		ActiveDirect: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "magicsock_active_direct_paths", Help: "Peers currently reachable via a direct path.",
		}),
		PingsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magicsock_disco_sent_total", Help: "DISCO messages sent, by kind.",
		}, []string{"kind"}),
		PingsRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magicsock_disco_recv_total", Help: "DISCO messages received, by kind.",
		}, []string{"kind"}),
		DiscoDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magicsock_disco_drops_total", Help: "DISCO messages dropped, by reason.",
		}, []string{"reason"}),
		NodesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "magicsock_nodes_tracked", Help: "Peers currently in the node map.",
		}),
	}
	reg.MustRegister(m.SendsTotal, m.RecvsTotal, m.SendErrors, m.PathChanges,
		m.ActiveDirect, m.PingsSent, m.PingsRecv, m.DiscoDrops, m.NodesTracked)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) send(path string)    { if m != nil { m.SendsTotal.WithLabelValues(path).Inc() } }
func (m *Metrics) recv(path string)    { if m != nil { m.RecvsTotal.WithLabelValues(path).Inc() } }
func (m *Metrics) sendErr(kind ErrKind) {
	if m != nil {
		m.SendErrors.WithLabelValues(kind.String()).Inc()
	}
}
func (m *Metrics) pathChanged() {
	if m != nil {
		m.PathChanges.Inc()
	}
}
func (m *Metrics) setActiveDirect(n int) {
	if m != nil {
		m.ActiveDirect.Set(float64(n))
	}
}
func (m *Metrics) discoSent(kind string)  { if m != nil { m.PingsSent.WithLabelValues(kind).Inc() } }
func (m *Metrics) discoRecv(kind string)  { if m != nil { m.PingsRecv.WithLabelValues(kind).Inc() } }
func (m *Metrics) discoDrop(reason string) { if m != nil { m.DiscoDrops.WithLabelValues(reason).Inc() } }
func (m *Metrics) setNodesTracked(n int)  { if m != nil { m.NodesTracked.Set(float64(n)) } }
