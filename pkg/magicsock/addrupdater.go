package magicsock

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/shurlinet/burrow/pkg/netcheck"
	"github.com/shurlinet/burrow/pkg/portmap"
)

// addrUpdateInterval is how often the updater re-runs netcheck and
// re-publishes this node's direct addresses through discovery.
const addrUpdateInterval = 30 * time.Second

// addrUpdater periodically discovers this node's own direct addresses
// (local interface addresses, a NAT-PMP mapped external address, and a
// netcheck-confirmed external mapping) and publishes them so peers can
// learn where to ping us.
type addrUpdater struct {
	conn     *Conn
	netcheck *netcheck.Client
	portmap  *portmap.Client
	relays   []netcheck.STUNAddr
	localUDPPort uint16
}

func newAddrUpdater(conn *Conn, cfg Config, localUDPPort uint16) *addrUpdater {
	var relays []netcheck.STUNAddr
	for name, addr := range cfg.RelayMap {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			relays = append(relays, netcheck.STUNAddr{RelayURL: name, Addr: host})
		}
	}
	return &addrUpdater{
		conn:         conn,
		netcheck:     cfg.Netcheck,
		portmap:      cfg.Portmap,
		relays:       relays,
		localUDPPort: localUDPPort,
	}
}

// Run executes one discovery cycle and returns the deduplicated direct
// addresses it found; publishing them is left to runAddrUpdateLoop.
func (u *addrUpdater) Run(ctx context.Context) []netip.AddrPort {
	var directs []netip.AddrPort
	directs = append(directs, u.localInterfaceAddrs()...)

	if u.portmap != nil {
		if m, err := u.mappedAddr(); err == nil {
			directs = append(directs, m)
		}
	}

	if u.netcheck != nil && len(u.relays) > 0 {
		report := u.netcheck.Run(ctx, u.relays)
		if report.PreferredRelay != "" {
			for _, p := range report.Probes {
				if p.RelayURL == report.PreferredRelay && p.Err == nil {
					if ap, err := netip.ParseAddrPort(p.ExternalAddr); err == nil {
						directs = append(directs, ap)
					}
				}
			}
		}
		if !report.NATType.HolePunchable() {
			slog.Debug("magicsock: nat type discourages direct paths", "nat_type", report.NATType)
		}
	}

	return dedupeAddrPorts(directs)
}

func (u *addrUpdater) mappedAddr() (netip.AddrPort, error) {
	m, err := u.portmap.MapUDP(u.localUDPPort, 2*time.Minute)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addr, ok := netip.AddrFromSlice(m.ExternalIP.To4())
	if !ok {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, m.ExternalPort), nil
}

func (u *addrUpdater) localInterfaceAddrs() []netip.AddrPort {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []netip.AddrPort
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok || addr.IsLoopback() || addr.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, netip.AddrPortFrom(addr.Unmap(), u.localUDPPort))
		}
	}
	return out
}

func dedupeAddrPorts(in []netip.AddrPort) []netip.AddrPort {
	seen := make(map[netip.AddrPort]bool, len(in))
	out := make([]netip.AddrPort, 0, len(in))
	for _, a := range in {
		if !a.IsValid() || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// runAddrUpdateLoop ties addrUpdater's Run to a ticker and publishes the
// result through discovery, also feeding it back to ourselves so we can
// include it in future CallMeMaybe messages.
func (c *Conn) runAddrUpdateLoop(ctx context.Context, u *addrUpdater) {
	defer c.wg.Done()
	ticker := time.NewTicker(addrUpdateInterval)
	defer ticker.Stop()
	for {
		directs := u.Run(ctx)
		c.mu.Lock()
		c.selfDirects = directs
		c.mu.Unlock()
		if err := c.discovery.Publish(ctx, c.self, c.homeRelay(), directs); err != nil {
			slog.Debug("magicsock: publish failed", "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) homeRelay() string {
	if c.relayActor == nil {
		return ""
	}
	return c.relayActor.Home()
}
