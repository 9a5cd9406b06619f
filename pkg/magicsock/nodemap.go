package magicsock

import (
	"net/netip"
	"sync"
	"time"
)

// ConnectionType describes which path a peer is currently best reached by.
type ConnectionType int

const (
	ConnNone ConnectionType = iota
	ConnDirect
	ConnRelay
)

func (c ConnectionType) String() string {
	switch c {
	case ConnDirect:
		return "direct"
	case ConnRelay:
		return "relay"
	default:
		return "none"
	}
}

// directAddrFreshness is how long a learned direct address is trusted
// without being re-confirmed by a pong before the path engine stops
// preferring it over relay.
const directAddrFreshness = 27 * time.Second

// PathState tracks one candidate direct UDP address for a peer.
type PathState struct {
	Addr       netip.AddrPort
	LastPingTx time.Time
	LastPongRx time.Time
	LatestPing [12]byte // not set by the path engine; always zero
}

// FreshEnough reports whether this path was confirmed recently enough to
// be trusted as the active path without re-probing first.
func (p *PathState) FreshEnough(now time.Time) bool {
	return !p.LastPongRx.IsZero() && now.Sub(p.LastPongRx) <= directAddrFreshness
}

// NodeState is everything magicsock tracks about one peer.
type NodeState struct {
	ID       NodeID
	FakeAddr netip.AddrPort
	RelayURL string

	mu         sync.RWMutex
	paths      map[netip.AddrPort]*PathState
	best       netip.AddrPort // zero value means "use relay"
	connType   ConnectionType
	lastActive time.Time
}

func newNodeState(id NodeID, fake netip.AddrPort) *NodeState {
	return &NodeState{
		ID:       id,
		FakeAddr: fake,
		paths:    make(map[netip.AddrPort]*PathState),
		connType: ConnNone,
	}
}

// touch records the time of the peer's latest DISCO activity.
func (n *NodeState) touch(now time.Time) {
	n.mu.Lock()
	n.lastActive = now
	n.mu.Unlock()
}

func (n *NodeState) pathFor(addr netip.AddrPort) *PathState {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.paths[addr]
	if !ok {
		p = &PathState{Addr: addr}
		n.paths[addr] = p
	}
	return p
}

// ConnType reports the peer's current best path classification.
func (n *NodeState) ConnType() ConnectionType {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connType
}

// BestDirect returns the currently preferred direct address, if any.
func (n *NodeState) BestDirect() (netip.AddrPort, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.connType != ConnDirect {
		return netip.AddrPort{}, false
	}
	return n.best, true
}

// NodeMap is the single-writer-many-reader peer table. Three indexes
// (by NodeID, by fake address, by a direct path's real UDP address) each
// have their own lock so a hot-path UDP receive resolving a source
// address never contends with a slower NodeID-keyed control operation.
type NodeMap struct {
	fakeAddrs *fakeAddrAllocator

	nodesMu sync.RWMutex
	nodes   map[NodeID]*NodeState

	byFakeMu sync.RWMutex
	byFake   map[netip.AddrPort]*NodeState

	byUDPMu sync.RWMutex
	byUDP   map[netip.AddrPort]*NodeState

	metrics *Metrics
}

func newNodeMap(metrics *Metrics) *NodeMap {
	return &NodeMap{
		fakeAddrs: newFakeAddrAllocator(),
		nodes:     make(map[NodeID]*NodeState),
		byFake:    make(map[netip.AddrPort]*NodeState),
		byUDP:     make(map[netip.AddrPort]*NodeState),
		metrics:   metrics,
	}
}

// NodeForID returns the existing NodeState for id, creating one (and its
// QuicMappedAddr) if this is the first time id has been seen.
func (m *NodeMap) NodeForID(id NodeID) *NodeState {
	m.nodesMu.RLock()
	n, ok := m.nodes[id]
	m.nodesMu.RUnlock()
	if ok {
		return n
	}

	fake := m.fakeAddrs.AddrPortFor(id)
	m.nodesMu.Lock()
	if n, ok := m.nodes[id]; ok {
		m.nodesMu.Unlock()
		return n
	}
	n = newNodeState(id, fake)
	m.nodes[id] = n
	m.nodesMu.Unlock()

	m.byFakeMu.Lock()
	m.byFake[fake] = n
	m.byFakeMu.Unlock()

	m.metrics.setNodesTracked(m.Len())
	return n
}

// nodesByID looks up an existing NodeState by NodeID without creating
// one, unlike NodeForID. Used on the relay receive path where a packet
// naming an ID we've never been introduced to should be dropped rather
// than silently allocating a fake address for it.
func (m *NodeMap) nodesByID(id NodeID) (*NodeState, bool) {
	m.nodesMu.RLock()
	defer m.nodesMu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok
}

func (m *NodeMap) Len() int {
	m.nodesMu.RLock()
	defer m.nodesMu.RUnlock()
	return len(m.nodes)
}

// NodeForFakeAddr resolves the local QuicMappedAddr the upper transport
// wrote to back into a NodeState. This is the send-path lookup.
func (m *NodeMap) NodeForFakeAddr(addr netip.AddrPort) (*NodeState, bool) {
	m.byFakeMu.RLock()
	defer m.byFakeMu.RUnlock()
	n, ok := m.byFake[addr]
	return n, ok
}

// NodeForUDPAddr resolves a packet's real source address back into a
// NodeState. This is the receive-path lookup; it only succeeds once
// recordPath has associated addr with a peer (from AddPeer's known
// direct addresses or from a ping/pong exchange).
func (m *NodeMap) NodeForUDPAddr(addr netip.AddrPort) (*NodeState, bool) {
	m.byUDPMu.RLock()
	defer m.byUDPMu.RUnlock()
	n, ok := m.byUDP[addr]
	return n, ok
}

// recordPath registers addr as a known candidate path for n, indexing it
// for receive-side lookups.
func (m *NodeMap) recordPath(n *NodeState, addr netip.AddrPort) *PathState {
	m.byUDPMu.Lock()
	m.byUDP[addr] = n
	m.byUDPMu.Unlock()
	return n.pathFor(addr)
}

// setBestDirect promotes addr to n's active path, demoting whatever was
// active before. Returns true if this changed n's ConnType or address.
func (m *NodeMap) setBestDirect(n *NodeState, addr netip.AddrPort) bool {
	n.mu.Lock()
	changed := n.connType != ConnDirect || n.best != addr
	n.connType = ConnDirect
	n.best = addr
	n.mu.Unlock()
	if changed {
		m.metrics.pathChanged()
	}
	return changed
}

// setRelayOnly demotes n to relay-only, e.g. after its direct path goes
// stale with no confirming pong.
func (m *NodeMap) setRelayOnly(n *NodeState) bool {
	n.mu.Lock()
	changed := n.connType != ConnRelay
	n.connType = ConnRelay
	n.best = netip.AddrPort{}
	n.mu.Unlock()
	if changed {
		m.metrics.pathChanged()
	}
	return changed
}

// CountDirect returns how many peers currently have ConnDirect as their
// best path, for the active-direct-paths gauge.
func (m *NodeMap) CountDirect() int {
	m.nodesMu.RLock()
	defer m.nodesMu.RUnlock()
	n := 0
	for _, ns := range m.nodes {
		if ns.ConnType() == ConnDirect {
			n++
		}
	}
	return n
}
