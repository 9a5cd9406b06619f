package magicsock

import (
	"context"
	"net/netip"

	"github.com/shurlinet/burrow/pkg/discovery"
)

// peerKeyCache resolves a peer's DISCO X25519 public key and caches the
// NaCl box shared secret derived from it, so repeated Seal/Open calls
// for the same peer don't recompute a scalar multiplication each time.
type peerKeyCache struct {
	selfPriv *[32]byte
	shared   map[NodeID]*[32]byte
}

func newPeerKeyCache(selfPriv *[32]byte) *peerKeyCache {
	return &peerKeyCache{selfPriv: selfPriv, shared: make(map[NodeID]*[32]byte)}
}

func (c *peerKeyCache) sharedKeyFor(id NodeID, peerDiscoPub *[32]byte) *[32]byte {
	if k, ok := c.shared[id]; ok {
		return k
	}
	k := sharedKey(c.selfPriv, peerDiscoPub)
	c.shared[id] = k
	return k
}

// discoveryResolver narrows discovery.Discovery down to the calls
// magicsock's address updater makes, translating between magicsock's
// NodeID and discovery's (structurally identical but independently
// defined) NodeID type.
type discoveryResolver struct {
	d discovery.Discovery
}

func (r *discoveryResolver) Publish(ctx context.Context, id NodeID, relayURL string, directs []netip.AddrPort) error {
	if r == nil || r.d == nil {
		return nil
	}
	return r.d.Publish(ctx, discovery.Announcement{
		NodeID:   discovery.NodeID(id),
		RelayURL: relayURL,
		Directs:  directs,
	})
}

func (r *discoveryResolver) Lookup(ctx context.Context, id NodeID) (relayURL string, directs []netip.AddrPort, err error) {
	if r == nil || r.d == nil {
		return "", nil, errNoDiscovery
	}
	ann, err := r.d.Lookup(ctx, discovery.NodeID(id))
	if err != nil {
		return "", nil, err
	}
	return ann.RelayURL, ann.Directs, nil
}

var errNoDiscovery = discoErr("magicsock: no discovery backend configured")

type discoErr string

func (e discoErr) Error() string { return string(e) }
