package magicsock

import "testing"

func TestFakeAddrAllocatorStableAndUnique(t *testing.T) {
	a := newFakeAddrAllocator()
	var id1, id2 NodeID
	id1[0] = 1
	id2[0] = 2

	ap1 := a.AddrPortFor(id1)
	ap1again := a.AddrPortFor(id1)
	ap2 := a.AddrPortFor(id2)

	if ap1 != ap1again {
		t.Errorf("same NodeID produced different addresses: %v vs %v", ap1, ap1again)
	}
	if ap1 == ap2 {
		t.Errorf("different NodeIDs produced the same address: %v", ap1)
	}
	if !quicMappedPrefix.Contains(ap1.Addr()) {
		t.Errorf("allocated address %v not within %v", ap1.Addr(), quicMappedPrefix)
	}
}

func TestFakeAddrAllocatorReverseLookup(t *testing.T) {
	a := newFakeAddrAllocator()
	var id NodeID
	id[3] = 0x42
	ap := a.AddrPortFor(id)

	got, ok := a.NodeForAddrPort(ap)
	if !ok || got != id {
		t.Errorf("NodeForAddrPort(%v) = %v, %v; want %v, true", ap, got, ok, id)
	}
}

func TestFakeAddrAllocatorUnknownAddrPortFails(t *testing.T) {
	a := newFakeAddrAllocator()
	bogus := a.AddrPortFor(NodeID{1})
	_, ok := a.NodeForAddrPort(bogus)
	if !ok {
		t.Fatal("sanity check: expected the address to be known")
	}
	unknown := quicMappedPrefix.Addr()
	if _, ok := a.nodeFor(unknown); ok {
		t.Errorf("nodeFor(%v) unexpectedly succeeded", unknown)
	}
}
