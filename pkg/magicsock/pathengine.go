package magicsock

import (
	"net/netip"
	"time"
)

// PingRole classifies an incoming ping relative to what we already know
// about the path it arrived on, so the caller knows whether to answer it
// with a pong (always) and whether it also warrants promoting the path.
type PingRole int

const (
	// PingDuplicate is a ping on the active path arriving within half a
	// heartbeat interval of that path's last confirming ping or pong,
	// most likely a retransmit of one already answered.
	PingDuplicate PingRole = iota
	// PingLikelyHeartbeat is a routine liveness ping on a path that is
	// already the peer's active path.
	PingLikelyHeartbeat
	// PingNewPath is the first ping seen on a path we hadn't recorded
	// for this peer yet.
	PingNewPath
	// PingActivate is a ping on a known path that is not currently the
	// active one; such a path is always promoted.
	PingActivate
)

func (r PingRole) String() string {
	switch r {
	case PingDuplicate:
		return "duplicate"
	case PingLikelyHeartbeat:
		return "heartbeat"
	case PingNewPath:
		return "new_path"
	case PingActivate:
		return "activate"
	default:
		return "unknown"
	}
}

// heartbeatInterval is how often the path engine re-pings the active
// direct path to keep its freshness window from expiring and to detect
// a dead path quickly.
const heartbeatInterval = 5 * time.Second

// classifyPing determines the PingRole for a ping arriving on addr for
// peer n, at time now. It does not mutate state; callers combine this
// with recordPath/setBestDirect once they decide how to act on it.
func classifyPing(n *NodeState, addr netip.AddrPort, now time.Time) PingRole {
	n.mu.RLock()
	p, known := n.paths[addr]
	isActive := n.connType == ConnDirect && n.best == addr
	n.mu.RUnlock()

	if !known {
		return PingNewPath
	}
	if isActive {
		if now.Sub(p.LastPongRx) < heartbeatInterval/2 {
			return PingDuplicate
		}
		return PingLikelyHeartbeat
	}

	return PingActivate
}

// PathEngine drives per-peer path selection: it decides, from DISCO
// traffic and periodic heartbeats, which single path (direct address or
// relay) a peer's outgoing packets should currently use.
type PathEngine struct {
	nodes   *NodeMap
	metrics *Metrics
}

func newPathEngine(nodes *NodeMap, metrics *Metrics) *PathEngine {
	return &PathEngine{nodes: nodes, metrics: metrics}
}

// HandlePing processes a received ping from peer n that arrived on addr,
// updating path state and best-path selection as needed. It returns the
// PingRole so the DISCO layer can log/meter it; the DISCO layer answers
// every ping with a pong regardless of role (duplicates are cheap to
// answer and skipping them risks the sender never promoting a working
// path).
func (e *PathEngine) HandlePing(n *NodeState, addr netip.AddrPort, now time.Time) PingRole {
	role := classifyPing(n, addr, now)
	path := e.nodes.recordPath(n, addr)

	n.mu.Lock()
	path.LastPongRx = now
	n.mu.Unlock()

	switch role {
	case PingNewPath, PingActivate:
		e.nodes.setBestDirect(n, addr)
	}
	n.touch(now)
	return role
}

// HandlePong processes a pong confirming a ping we sent to addr for peer
// n, promoting addr to the active path.
func (e *PathEngine) HandlePong(n *NodeState, addr netip.AddrPort, now time.Time) {
	path := e.nodes.recordPath(n, addr)
	n.mu.Lock()
	path.LastPongRx = now
	n.mu.Unlock()
	e.nodes.setBestDirect(n, addr)
	n.touch(now)
}

// NeedsHeartbeat reports whether n's active direct path is due for a
// liveness ping, or has gone stale enough to fall back to relay.
func (e *PathEngine) NeedsHeartbeat(n *NodeState, now time.Time) (addr netip.AddrPort, shouldPing bool, shouldDemote bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.connType != ConnDirect {
		return netip.AddrPort{}, false, false
	}
	p, ok := n.paths[n.best]
	if !ok {
		return netip.AddrPort{}, false, true
	}
	if !p.FreshEnough(now) {
		return n.best, false, true
	}
	if now.Sub(p.LastPingTx) >= heartbeatInterval {
		return n.best, true, false
	}
	return netip.AddrPort{}, false, false
}

// MarkPingSent records that a ping was just transmitted to addr for n, so
// NeedsHeartbeat's interval check advances.
func (e *PathEngine) MarkPingSent(n *NodeState, addr netip.AddrPort, now time.Time) {
	path := e.nodes.recordPath(n, addr)
	n.mu.Lock()
	path.LastPingTx = now
	n.mu.Unlock()
}

// Demote falls a peer back to relay-only, e.g. when NeedsHeartbeat says
// the active path went stale with no reply.
func (e *PathEngine) Demote(n *NodeState) {
	e.nodes.setRelayOnly(n)
}

// CandidatesFromCallMeMaybe turns the address list out of a received
// CallMeMaybe into the set of addresses worth pinging to try to punch a
// hole through to n. Loopback and unspecified addresses are filtered
// since they can never be a real external path.
func CandidatesFromCallMeMaybe(addrs []netip.AddrPort) []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		if !a.IsValid() || a.Addr().IsLoopback() || a.Addr().IsUnspecified() {
			continue
		}
		out = append(out, a)
	}
	return out
}
