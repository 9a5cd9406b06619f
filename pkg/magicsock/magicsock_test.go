package magicsock

import (
	"context"
	"crypto/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
	"golang.org/x/crypto/nacl/box"

	"github.com/shurlinet/burrow/pkg/disco"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Goroutines still parked in a blocking network poll wait
		// are not counted as leaks.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func newTestConn(t *testing.T) (*Conn, NodeID, [32]byte, *[32]byte) {
	t.Helper()
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatal(err)
	}
	pub, priv, err := box.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(Config{AddrV4: "127.0.0.1:0"}, id, *pub, priv)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, id, *pub, priv
}

func TestConnDirectPingPongEstablishesPath(t *testing.T) {
	a, aID, aPub, _ := newTestConn(t)
	b, bID, bPub, _ := newTestConn(t)

	aFake, err := a.AddPeer(PeerInfo{
		ID:           bID,
		DiscoPublic:  bPub,
		KnownDirects: []netip.AddrPort{b.sock4.LocalAddr()},
	})
	if err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if _, err := b.AddPeer(PeerInfo{
		ID:          aID,
		DiscoPublic: aPub,
	}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n, ok := a.nodes.NodeForFakeAddr(aFake); ok {
			if _, ok := n.BestDirect(); ok {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a's path to b to become direct")
}

func TestConnTrySendAndPollRecvDirect(t *testing.T) {
	a, aID, aPub, _ := newTestConn(t)
	b, bID, bPub, _ := newTestConn(t)

	if _, err := b.AddPeer(PeerInfo{ID: aID, DiscoPublic: aPub}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	target, err := a.AddPeer(PeerInfo{
		ID:           bID,
		DiscoPublic:  bPub,
		KnownDirects: []netip.AddrPort{b.sock4.LocalAddr()},
	})
	if err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	// Wait for a's path to b to be promoted to direct before sending the
	// real payload, since the initial ping/pong exchange races with it.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n, ok := a.nodes.NodeForFakeAddr(target); ok {
			if _, ok := n.BestDirect(); ok {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}

	payload := []byte("hello burrow")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.TrySend(target, payload); err != nil {
		t.Fatalf("TrySend: %v", err)
	}

	buf := make([]byte, 1500)
	n, _, err := b.PollRecv(ctx, buf)
	if err != nil {
		t.Fatalf("PollRecv: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Errorf("PollRecv got %q, want %q", buf[:n], payload)
	}
}

// TestCallMeMaybeOverUDPIsDropped covers I5 / seed scenario 5: a
// CallMeMaybe delivered over raw UDP must be counted and discarded, never
// acted on, even though the exact same message arriving over relay would
// trigger pings to its advertised candidates.
func TestCallMeMaybeOverUDPIsDropped(t *testing.T) {
	a, aID, aPub, _ := newTestConn(t)
	b, bID, bPub, _ := newTestConn(t)

	if _, err := a.AddPeer(PeerInfo{ID: bID, DiscoPublic: bPub}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if _, err := b.AddPeer(PeerInfo{ID: aID, DiscoPublic: aPub}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	nodeForA, ok := b.nodes.nodesByID(aID)
	if !ok {
		t.Fatal("b has no node state for a")
	}
	before := testutil.ToFloat64(a.metrics.DiscoDrops.WithLabelValues("callmemaybe_via_udp"))

	bogus := netip.MustParseAddrPort("203.0.113.1:9")
	payload := b.sealDiscoFor(nodeForA, disco.CallMeMaybe{MyNumbers: []netip.AddrPort{bogus}})
	if payload == nil {
		t.Fatal("sealDiscoFor returned nil")
	}
	if _, err := b.sock4.WriteTo(payload, a.sock4.LocalAddr()); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(a.metrics.DiscoDrops.WithLabelValues("callmemaybe_via_udp")) > before {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := testutil.ToFloat64(a.metrics.DiscoDrops.WithLabelValues("callmemaybe_via_udp")); got <= before {
		t.Fatalf("callmemaybe_via_udp drop counter did not increment: got %v, before %v", got, before)
	}

	bID2, ok := a.nodes.nodesByID(bID)
	if !ok {
		t.Fatal("a has no node state for b")
	}
	if _, ok := bID2.BestDirect(); ok {
		t.Error("UDP-delivered CallMeMaybe must not establish a direct path")
	}
}

// TestAddPeerRejectsOnlySelfAddresses covers I2: a peer offered only
// addresses matching our own current direct addresses, with no relay
// fallback, must be rejected rather than recorded as reachable there.
func TestAddPeerRejectsOnlySelfAddresses(t *testing.T) {
	a, _, _, _ := newTestConn(t)
	selfAddr := netip.MustParseAddrPort("198.51.100.7:4242")
	a.mu.Lock()
	a.selfDirects = []netip.AddrPort{selfAddr}
	a.mu.Unlock()

	var peerID NodeID
	if _, err := rand.Read(peerID[:]); err != nil {
		t.Fatal(err)
	}
	pub, _, err := box.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.AddPeer(PeerInfo{
		ID:           peerID,
		DiscoPublic:  *pub,
		KnownDirects: []netip.AddrPort{selfAddr},
	}); err == nil {
		t.Error("expected AddPeer to reject an all-self-address peer")
	}

	otherAddr := netip.MustParseAddrPort("198.51.100.8:4242")
	if _, err := a.AddPeer(PeerInfo{
		ID:           peerID,
		DiscoPublic:  *pub,
		KnownDirects: []netip.AddrPort{selfAddr, otherAddr},
	}); err != nil {
		t.Fatalf("AddPeer should strip the self address and keep the rest: %v", err)
	}
	if _, ok := a.nodes.nodesByID(peerID); !ok {
		t.Fatal("expected node state for peer")
	}
}
