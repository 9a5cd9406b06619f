package disco

import (
	"crypto/rand"
	"net/netip"
	"testing"

	"golang.org/x/crypto/nacl/box"
	"pgregory.net/rapid"
)

func genKeypair(t *testing.T) (pub, priv [KeyLen]byte) {
	t.Helper()
	p, s, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return *p, *s
}

func TestSealOpenPing(t *testing.T) {
	aPub, aPriv := genKeypair(t)
	bPub, bPriv := genKeypair(t)

	aShared := SharedKey(&aPriv, &bPub)
	bShared := SharedKey(&bPriv, &aPub)

	ping := Ping{NodeKey: aPub}
	copy(ping.TxID[:], []byte("abcdefghijkl"))

	packet := Seal(aPub, aShared, ping)
	if !LooksLikeDisco(packet) {
		t.Fatal("sealed packet does not look like disco")
	}

	senderPub, msg, err := Open(bShared, packet)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if senderPub != aPub {
		t.Errorf("senderPub = %x, want %x", senderPub, aPub)
	}
	got, ok := msg.(Ping)
	if !ok {
		t.Fatalf("got %T, want Ping", msg)
	}
	if got.TxID != ping.TxID || got.NodeKey != ping.NodeKey {
		t.Errorf("round-tripped ping mismatch: got %+v, want %+v", got, ping)
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	aPub, aPriv := genKeypair(t)
	bPub, _ := genKeypair(t)
	_, cPriv := genKeypair(t)

	aShared := SharedKey(&aPriv, &bPub)
	cShared := SharedKey(&cPriv, &bPub)

	packet := Seal(aPub, aShared, Ping{NodeKey: aPub})
	if _, _, err := Open(cShared, packet); err != ErrOpen {
		t.Errorf("Open with wrong key = %v, want ErrOpen", err)
	}
}

func TestLooksLikeDiscoRejectsShortAndWrongMagic(t *testing.T) {
	if LooksLikeDisco([]byte{1, 2, 3}) {
		t.Error("short packet should not look like disco")
	}
	junk := make([]byte, headerLen+4)
	if LooksLikeDisco(junk) {
		t.Error("zeroed packet with wrong magic should not look like disco")
	}
}

func TestPongAndCallMeMaybeRoundTrip(t *testing.T) {
	aPub, aPriv := genKeypair(t)
	bPub, bPriv := genKeypair(t)
	aShared := SharedKey(&aPriv, &bPub)
	bShared := SharedKey(&bPriv, &aPub)

	pong := Pong{ObservedAddr: netip.MustParseAddrPort("203.0.113.7:4242")}
	copy(pong.TxID[:], []byte("012345678901"))
	packet := Seal(aPub, aShared, pong)
	_, msg, err := Open(bShared, packet)
	if err != nil {
		t.Fatalf("Open pong: %v", err)
	}
	gotPong, ok := msg.(Pong)
	if !ok || gotPong.ObservedAddr != pong.ObservedAddr || gotPong.TxID != pong.TxID {
		t.Errorf("pong mismatch: got %+v", msg)
	}

	cmm := CallMeMaybe{MyNumbers: []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.1:9"),
		netip.MustParseAddrPort("[2001:db8::1]:443"),
	}}
	packet = Seal(aPub, aShared, cmm)
	_, msg, err = Open(bShared, packet)
	if err != nil {
		t.Fatalf("Open callmemaybe: %v", err)
	}
	gotCMM, ok := msg.(CallMeMaybe)
	if !ok || len(gotCMM.MyNumbers) != 2 {
		t.Fatalf("callmemaybe mismatch: got %+v", msg)
	}
	for i, ap := range cmm.MyNumbers {
		if gotCMM.MyNumbers[i] != ap {
			t.Errorf("MyNumbers[%d] = %v, want %v", i, gotCMM.MyNumbers[i], ap)
		}
	}
}

// TestSealOpenRoundTripProperty checks law L1 for Pong messages: for a
// fresh pair of keys and any Pong with an IPv4 observed address,
// Open(Seal(m)) reproduces m exactly.
func TestSealOpenRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		aPub, aPriv := genKeypair(t)
		bPub, bPriv := genKeypair(t)
		aShared := SharedKey(&aPriv, &bPub)
		bShared := SharedKey(&bPriv, &aPub)

		var txid [TransactionIDLen]byte
		for i := range txid {
			txid[i] = byte(rapid.IntRange(0, 255).Draw(rt, "txbyte"))
		}

		port := uint16(rapid.IntRange(1, 65535).Draw(rt, "port"))
		addr := netip.AddrFrom4([4]byte{
			byte(rapid.IntRange(1, 254).Draw(rt, "o1")),
			byte(rapid.IntRange(0, 255).Draw(rt, "o2")),
			byte(rapid.IntRange(0, 255).Draw(rt, "o3")),
			byte(rapid.IntRange(1, 254).Draw(rt, "o4")),
		})
		pong := Pong{TxID: txid, ObservedAddr: netip.AddrPortFrom(addr, port)}

		packet := Seal(aPub, aShared, pong)
		_, msg, err := Open(bShared, packet)
		if err != nil {
			rt.Fatalf("Open: %v", err)
		}
		got, ok := msg.(Pong)
		if !ok || got != pong {
			rt.Fatalf("round trip mismatch: got %+v, want %+v", got, pong)
		}
	})
}
