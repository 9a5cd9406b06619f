package magicsock

import (
	"fmt"
	"net/netip"
	"sync"
)

// NodeID is a peer's Ed25519 public key. It is the stable identifier the
// upper transport never sees; it only sees QuicMappedAddr values.
type NodeID [32]byte

func (id NodeID) String() string {
	return fmt.Sprintf("%x", id[:8])
}

// quicMappedPrefix is the /48 ULA prefix fake addresses are drawn from.
// It is never routed; it exists only so quic-go can hold a stable
// net.Addr per peer across path changes.
var quicMappedPrefix = netip.MustParsePrefix("fd7a:115c:a1e0::/48")

// fakeAddrPort is a made-up, never-transmitted port paired with a
// QuicMappedAddr so the pair satisfies net.Addr / netip.AddrPort APIs
// that expect a port.
const fakeAddrPort = 12345

// fakeAddrAllocator hands out a unique QuicMappedAddr per NodeID and
// remembers the mapping both ways.
type fakeAddrAllocator struct {
	mu      sync.Mutex
	next    uint64
	byNode  map[NodeID]netip.Addr
	byAddr  map[netip.Addr]NodeID
}

func newFakeAddrAllocator() *fakeAddrAllocator {
	return &fakeAddrAllocator{
		next:   1,
		byNode: make(map[NodeID]netip.Addr),
		byAddr: make(map[netip.Addr]NodeID),
	}
}

// addrFor returns the stable QuicMappedAddr for id, allocating one the
// first time id is seen.
func (a *fakeAddrAllocator) addrFor(id NodeID) netip.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr, ok := a.byNode[id]; ok {
		return addr
	}
	addr := allocateFakeAddr(quicMappedPrefix, a.next)
	a.next++
	a.byNode[id] = addr
	a.byAddr[addr] = id
	return addr
}

// nodeFor reverses a previously allocated QuicMappedAddr back to its
// NodeID. ok is false for any address this allocator didn't hand out.
func (a *fakeAddrAllocator) nodeFor(addr netip.Addr) (NodeID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.byAddr[addr]
	return id, ok
}

// allocateFakeAddr derives the n'th address in prefix by packing n into
// the low 64 bits of the /48 ULA prefix's host portion. n==0 is never
// issued so the zero value of netip.Addr can still mean "unset".
func allocateFakeAddr(prefix netip.Prefix, n uint64) netip.Addr {
	base := prefix.Addr().As16()
	var out [16]byte
	copy(out[:], base[:])
	for i := 0; i < 8; i++ {
		out[15-i] = byte(n >> (8 * i))
	}
	return netip.AddrFrom16(out)
}

// AddrPortFor wraps addrFor with the fixed fake port, yielding a value
// usable directly as a net.Addr via netip.AddrPort.
func (a *fakeAddrAllocator) AddrPortFor(id NodeID) netip.AddrPort {
	return netip.AddrPortFrom(a.addrFor(id), fakeAddrPort)
}

// NodeForAddrPort is the inverse of AddrPortFor.
func (a *fakeAddrAllocator) NodeForAddrPort(ap netip.AddrPort) (NodeID, bool) {
	if ap.Port() != fakeAddrPort {
		return NodeID{}, false
	}
	return a.nodeFor(ap.Addr())
}
