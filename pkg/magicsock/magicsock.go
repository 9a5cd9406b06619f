// Package magicsock implements the direct/relay dual-path connectivity
// engine beneath an upper QUIC transport: it hides path changes behind a
// stable per-peer fake address, drives DISCO ping/pong/CallMeMaybe to
// discover and keep alive direct UDP paths, and falls back to a relay
// server whenever no direct path is currently known to work.
package magicsock

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/shurlinet/burrow/pkg/disco"
	"github.com/shurlinet/burrow/pkg/relay"
)

func sharedKey(selfPriv, peerPub *[32]byte) *[32]byte {
	return disco.SharedKey(selfPriv, peerPub)
}

// PeerInfo is what a caller supplies (directly, or via discovery) to
// teach a Conn how to reach a peer.
type PeerInfo struct {
	ID           NodeID
	DiscoPublic  [32]byte
	RelayURL     string
	KnownDirects []netip.AddrPort
}

// Conn is the magicsock connectivity engine. Conn.PacketConn returns a
// net.PacketConn view of it (see packetconn.go) that can be handed
// directly to quic.Transport.
type Conn struct {
	cfg     Config
	self    NodeID
	discoPub  [32]byte
	discoPriv *[32]byte

	sock4 *udpSocket
	sock6 *udpSocket

	relayActor *relay.Actor
	nodes      *NodeMap
	path       *PathEngine
	keys       *peerKeyCache
	discovery  *discoveryResolver
	metrics    *Metrics

	mu          sync.RWMutex
	discoOf     map[NodeID]*[32]byte // peer's disco public key, once learned
	selfDirects []netip.AddrPort
	closed      bool

	recvCh chan receivedFrom
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type receivedFrom struct {
	data []byte
	node NodeID
}

// New binds sockets per cfg and starts the background receive/heartbeat
// loops. The returned Conn must be closed with Close.
func New(cfg Config, self NodeID, discoPub [32]byte, discoPriv *[32]byte) (*Conn, error) {
	sock4, err := newUDPSocket(cfg.AddrV4, false)
	if err != nil {
		return nil, err
	}
	var sock6 *udpSocket
	if cfg.AddrV6 != "" {
		sock6, err = newUDPSocket(cfg.AddrV6, true)
		if err != nil {
			slog.Warn("magicsock: IPv6 bind failed, continuing IPv4-only", "addr", cfg.AddrV6, "error", err)
			sock6 = nil
		}
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	nodes := newNodeMap(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		cfg:       cfg,
		self:      self,
		discoPub:  discoPub,
		discoPriv: discoPriv,
		sock4:     sock4,
		sock6:     sock6,
		nodes:     nodes,
		path:      newPathEngine(nodes, metrics),
		keys:      newPeerKeyCache(discoPriv),
		discovery: &discoveryResolver{d: cfg.Discovery},
		metrics:   metrics,
		discoOf:   make(map[NodeID]*[32]byte),
		recvCh:    make(chan receivedFrom, 256),
		cancel:    cancel,
	}

	if len(cfg.RelayMap) > 0 {
		c.relayActor = relay.NewActor(relay.Config{NodeKey: self})
		for name, url := range cfg.RelayMap {
			if err := c.relayActor.AddURL(url); err != nil {
				slog.Warn("magicsock: failed to add relay", "name", name, "url", url, "error", err)
				continue
			}
		}
		c.wg.Add(1)
		go c.relayRecvLoop(ctx)
	}

	c.wg.Add(1)
	go c.udpRecvLoop(ctx, sock4)
	if sock6 != nil {
		c.wg.Add(1)
		go c.udpRecvLoop(ctx, sock6)
	}

	c.wg.Add(1)
	go c.heartbeatLoop(ctx)

	if cfg.Discovery != nil || cfg.Netcheck != nil || cfg.Portmap != nil {
		localPort := sock4.LocalAddr().Port()
		updater := newAddrUpdater(c, cfg, localPort)
		c.wg.Add(1)
		go c.runAddrUpdateLoop(ctx, updater)
	}

	return c, nil
}

// AddPeer teaches the Conn about a peer's DISCO key and known addresses,
// returning the QuicMappedAddr the upper transport should use to reach
// it. Safe to call again later (e.g. after discovery resolves fresher
// addresses); it only ever adds information, never removes it.
//
// Any direct address in info.KnownDirects that equals one of our own
// current direct addresses is stripped before recording, since it can
// only be stale or misrouted information about ourselves: if that
// leaves KnownDirects empty (and the peer offers no relay URL either),
// AddPeer returns ErrKindBadAddr rather than record an unreachable peer.
func (c *Conn) AddPeer(info PeerInfo) (netip.AddrPort, error) {
	c.mu.RLock()
	self := append([]netip.AddrPort(nil), c.selfDirects...)
	c.mu.RUnlock()

	directs := make([]netip.AddrPort, 0, len(info.KnownDirects))
	for _, addr := range info.KnownDirects {
		if containsAddr(self, addr) {
			slog.Warn("magicsock: dropping self direct address offered for peer", "peer", info.ID, "addr", addr)
			continue
		}
		directs = append(directs, addr)
	}
	if len(info.KnownDirects) > 0 && len(directs) == 0 && info.RelayURL == "" {
		return netip.AddrPort{}, wrapErr(ErrKindBadAddr, nil)
	}

	n := c.nodes.NodeForID(info.ID)
	if info.RelayURL != "" {
		n.RelayURL = info.RelayURL
	}

	c.mu.Lock()
	pub := info.DiscoPublic
	c.discoOf[info.ID] = &pub
	c.mu.Unlock()

	now := time.Now()
	for _, addr := range directs {
		c.nodes.recordPath(n, addr)
	}
	if len(directs) > 0 {
		// Send a ping on the most promising candidate; classifyPing
		// handles promoting it once a pong arrives.
		c.sendPing(n, directs[0], now)
	}
	return n.FakeAddr, nil
}

func containsAddr(set []netip.AddrPort, addr netip.AddrPort) bool {
	for _, s := range set {
		if s == addr {
			return true
		}
	}
	return false
}

// Close tears down all sockets, the relay actor, and background loops.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.sock4.Close()
	if c.sock6 != nil {
		c.sock6.Close()
	}
	if c.relayActor != nil {
		c.relayActor.Close()
	}
	c.wg.Wait()
	return nil
}

// TrySend attempts to deliver data to the peer identified by dst (a
// QuicMappedAddr previously handed out by AddPeer), over whichever path
// is currently best: direct UDP if a fresh path is known, relay
// otherwise. A relay send can block: it dials the relay on demand (the
// dial is bounded by a 2-second timeout) and writes the frame
// synchronously. Any relay send failure is reported as
// ErrKindWouldBlock.
func (c *Conn) TrySend(dst netip.AddrPort, data []byte) error {
	return c.TrySendSegmented(dst, data, 0)
}

// TrySendSegmented is TrySend with an optional GSO segment size: when the
// chosen path is relay, data is split into segmentSize-sized frames
// before dispatch (direct UDP carries the payload whole, since the
// segment boundary only matters to the relay's per-frame length prefix).
// segmentSize <= 0 means "no splitting".
func (c *Conn) TrySendSegmented(dst netip.AddrPort, data []byte, segmentSize int) error {
	n, ok := c.nodes.NodeForFakeAddr(dst)
	if !ok {
		return wrapErr(ErrKindBadAddr, nil)
	}

	if addr, ok := n.BestDirect(); ok && !c.cfg.RelayOnly {
		sock := c.sock4
		if addr.Addr().Is6() && !addr.Addr().Is4In6() {
			sock = c.sock6
		}
		if sock != nil {
			if _, err := sock.WriteTo(data, addr); err == nil {
				c.metrics.send("direct")
				return nil
			}
		}
	}

	if c.relayActor == nil || n.RelayURL == "" {
		c.metrics.sendErr(ErrKindNoPath)
		return wrapErr(ErrKindNoPath, nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, frame := range SplitPackets(data, segmentSize) {
		if err := c.relayActor.Send(ctx, n.RelayURL, n.ID, frame); err != nil {
			c.metrics.sendErr(ErrKindWouldBlock)
			return wrapErr(ErrKindWouldBlock, err)
		}
	}
	c.metrics.send("relay")
	return nil
}

// PollRecv blocks until a payload packet (not a DISCO control message)
// is available, or ctx is done. It returns the sending peer's
// QuicMappedAddr so the caller can hand it straight to quic-go as the
// packet's source.
func (c *Conn) PollRecv(ctx context.Context, buf []byte) (n int, src netip.AddrPort, err error) {
	select {
	case pkt, ok := <-c.recvCh:
		if !ok {
			return 0, netip.AddrPort{}, ErrClosed
		}
		ns := c.nodes.NodeForID(pkt.node)
		copy(buf, pkt.data)
		return len(pkt.data), ns.FakeAddr, nil
	case <-ctx.Done():
		return 0, netip.AddrPort{}, ctx.Err()
	}
}

func (c *Conn) udpRecvLoop(ctx context.Context, sock *udpSocket) {
	defer c.wg.Done()
	pkts := make([]udpPacket, batchSize)
	for {
		n, err := sock.ReadBatch(pkts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("magicsock: udp read error", "error", err)
			continue
		}
		for i := 0; i < n; i++ {
			c.handleUDPPacket(pkts[i])
		}
	}
}

func (c *Conn) handleUDPPacket(pkt udpPacket) {
	if disco.LooksLikeDisco(pkt.data) {
		c.handleDiscoPacket(pkt.data, pkt.src, false)
		return
	}
	node, ok := c.nodes.NodeForUDPAddr(pkt.src)
	if !ok {
		c.metrics.discoDrop("unknown_peer")
		return
	}
	select {
	case c.recvCh <- receivedFrom{data: pkt.data, node: node.ID}:
		c.metrics.recv("direct")
	default:
		slog.Warn("magicsock: recv channel full, dropping direct packet", "peer", node.ID)
	}
}

func (c *Conn) handleDiscoPacket(data []byte, src netip.AddrPort, viaRelay bool) {
	// We don't yet know which peer this is from until we open the
	// packet (the sender's DISCO public key is embedded in cleartext in
	// the header), so we must find shared key via the peer the sender
	// claims to be.
	senderPub, ok := disco.PeekSenderPublic(data)
	if !ok {
		c.metrics.discoDrop("parse")
		return
	}
	node, shared, ok := c.nodeForDiscoPub(senderPub)
	if !ok {
		c.metrics.discoDrop("unknown_peer")
		return
	}

	_, msg, err := disco.Open(shared, data)
	if err != nil {
		c.metrics.discoDrop("open")
		return
	}

	now := time.Now()
	switch m := msg.(type) {
	case disco.Ping:
		c.metrics.discoRecv("ping")
		role := c.path.HandlePing(node, src, now)
		slog.Debug("magicsock: ping", "peer", node.ID, "src", src, "role", role)
		c.sendPong(node, src, m.TxID)
	case disco.Pong:
		c.metrics.discoRecv("pong")
		c.path.HandlePong(node, src, now)
	case disco.CallMeMaybe:
		if !viaRelay {
			// CallMeMaybe only makes sense as a relay-carried request to
			// punch toward addresses we couldn't reach directly; one
			// arriving over raw UDP means we already have a direct path
			// to the sender and must not act on it.
			c.metrics.discoDrop("callmemaybe_via_udp")
			slog.Warn("magicsock: dropping CallMeMaybe received over direct UDP", "peer", node.ID, "src", src)
			return
		}
		c.metrics.discoRecv("callmemaybe")
		for _, addr := range CandidatesFromCallMeMaybe(m.MyNumbers) {
			c.sendPing(node, addr, now)
		}
	}
}

func (c *Conn) nodeForDiscoPub(pub [32]byte) (*NodeState, *[32]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, p := range c.discoOf {
		if *p == pub {
			n, ok := c.nodes.nodesByID(id)
			if !ok {
				return nil, nil, false
			}
			return n, c.keys.sharedKeyFor(id, p), true
		}
	}
	return nil, nil, false
}

func (c *Conn) sendPing(n *NodeState, addr netip.AddrPort, now time.Time) {
	var txid [12]byte
	if _, err := rand.Read(txid[:]); err != nil {
		return
	}
	c.sendDisco(n, addr, disco.Ping{TxID: txid, NodeKey: c.self})
	c.path.MarkPingSent(n, addr, now)
	c.metrics.discoSent("ping")
}

func (c *Conn) sendPong(n *NodeState, addr netip.AddrPort, txid [12]byte) {
	c.sendDisco(n, addr, disco.Pong{TxID: txid, ObservedAddr: addr})
	c.metrics.discoSent("pong")
}

// SendCallMeMaybe tells peer n (over relay, since this is used precisely
// when no direct path works yet) the set of addresses we believe we
// might be reachable at, so it can try punching toward us.
func (c *Conn) SendCallMeMaybe(n *NodeState, myNumbers []netip.AddrPort) error {
	c.metrics.discoSent("callmemaybe")
	payload := c.sealDiscoFor(n, disco.CallMeMaybe{MyNumbers: myNumbers})
	if payload == nil {
		return fmt.Errorf("magicsock: no disco key known for peer %v", n.ID)
	}
	if c.relayActor == nil || n.RelayURL == "" {
		return wrapErr(ErrKindNoPath, nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.relayActor.Send(ctx, n.RelayURL, n.ID, payload)
}

func (c *Conn) sealDiscoFor(n *NodeState, m disco.Message) []byte {
	c.mu.RLock()
	pub, ok := c.discoOf[n.ID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	shared := c.keys.sharedKeyFor(n.ID, pub)
	return disco.Seal(c.discoPub, shared, m)
}

func (c *Conn) sendDisco(n *NodeState, addr netip.AddrPort, m disco.Message) {
	payload := c.sealDiscoFor(n, m)
	if payload == nil {
		return
	}
	sock := c.sock4
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		sock = c.sock6
	}
	if sock == nil {
		return
	}
	if _, err := sock.WriteTo(payload, addr); err != nil {
		slog.Debug("magicsock: disco send failed", "peer", n.ID, "addr", addr, "error", err)
	}
}

func (c *Conn) relayRecvLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case pkt, ok := <-c.relayActor.Recv():
			if !ok {
				return
			}
			var id NodeID
			copy(id[:], pkt.Src[:])
			node, known := c.nodes.nodesByID(id)
			if !known {
				c.metrics.discoDrop("unknown_peer")
				continue
			}
			if disco.LooksLikeDisco(pkt.Data) {
				c.handleDiscoPacket(pkt.Data, netip.AddrPort{}, true)
				continue
			}
			select {
			case c.recvCh <- receivedFrom{data: pkt.Data, node: node.ID}:
				c.metrics.recv("relay")
			default:
				slog.Warn("magicsock: recv channel full, dropping relay packet", "peer", node.ID)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.runHeartbeats()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) runHeartbeats() {
	now := time.Now()
	c.nodes.nodesMu.RLock()
	all := make([]*NodeState, 0, len(c.nodes.nodes))
	for _, n := range c.nodes.nodes {
		all = append(all, n)
	}
	c.nodes.nodesMu.RUnlock()

	for _, n := range all {
		addr, shouldPing, shouldDemote := c.path.NeedsHeartbeat(n, now)
		if shouldDemote {
			c.path.Demote(n)
			continue
		}
		if shouldPing {
			c.sendPing(n, addr, now)
		}
	}
	c.metrics.setActiveDirect(c.nodes.CountDirect())
}
