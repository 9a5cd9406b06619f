// Package disco implements the control-plane wire protocol spoken directly
// between two burrow nodes over UDP: Ping, Pong, and CallMeMaybe. These are
// the only messages a node ever sends unencapsulated outside of the relay
// and QUIC data planes, and they are always sealed.
package disco

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/crypto/nacl/box"
)

// Magic is the fixed byte sequence that opens every disco packet, chosen so
// it can never collide with a STUN binding request (which starts with the
// STUN magic cookie) or a QUIC short/long header.
var Magic = [6]byte{0x5c, 0x84, 0xa3, 0x1f, 0x9e, 0x12}

const (
	// NonceLen is the NaCl box nonce size.
	NonceLen = 24
	// KeyLen is a Curve25519 public or private key size.
	KeyLen = 32
	// TransactionIDLen is the size of a ping transaction ID.
	TransactionIDLen = 12
)

// headerLen is Magic + sender public key + nonce, the unencrypted prefix
// that precedes every sealed message body.
const headerLen = len(Magic) + KeyLen + NonceLen

var (
	// ErrShort is returned when a packet is too small to be a disco packet.
	ErrShort = errors.New("disco: packet too short")
	// ErrBadMagic is returned when the packet does not begin with Magic.
	ErrBadMagic = errors.New("disco: bad magic")
	// ErrOpen is returned when the sealed box fails to open (wrong peer
	// key, corrupted ciphertext, or garbled nonce). Replays are not
	// detected: a replayed packet opens successfully.
	ErrOpen = errors.New("disco: box open failed")
	// ErrParse is returned when the decrypted body does not match any
	// known message type.
	ErrParse = errors.New("disco: unparseable message")
)

// MessageType identifies the body of a sealed disco message.
type MessageType byte

const (
	TypePing MessageType = iota + 1
	TypePong
	TypeCallMeMaybe
)

// Message is implemented by Ping, Pong, and CallMeMaybe.
type Message interface {
	msgType() MessageType
	AppendMarshal(b []byte) []byte
}

// Ping asks the receiver to reply with a Pong addressed back to whatever
// source address the Ping actually arrived from, so both sides learn how
// their packets are being mapped by any NAT in between.
type Ping struct {
	TxID [TransactionIDLen]byte
	// NodeKey is included so that a receiver who does not yet have this
	// sender catalogued can still attribute the ping to a NodeID.
	NodeKey [KeyLen]byte
}

func (Ping) msgType() MessageType { return TypePing }

func (p Ping) AppendMarshal(b []byte) []byte {
	b = append(b, p.TxID[:]...)
	b = append(b, p.NodeKey[:]...)
	return b
}

// Pong answers a Ping, echoing its transaction ID and reporting the
// address the Ping was observed to come from.
type Pong struct {
	TxID         [TransactionIDLen]byte
	ObservedAddr netip.AddrPort
}

func (Pong) msgType() MessageType { return TypePong }

func (p Pong) AppendMarshal(b []byte) []byte {
	b = append(b, p.TxID[:]...)
	return appendAddrPort(b, p.ObservedAddr)
}

// CallMeMaybe is sent over the relay (never directly, since if a direct
// path worked there would be no need for it) to ask the peer to ping a
// list of candidate direct addresses the sender believes are theirs.
type CallMeMaybe struct {
	MyNumbers []netip.AddrPort
}

func (CallMeMaybe) msgType() MessageType { return TypeCallMeMaybe }

func (c CallMeMaybe) AppendMarshal(b []byte) []byte {
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(c.MyNumbers)))
	b = append(b, countBuf[:]...)
	for _, ap := range c.MyNumbers {
		b = appendAddrPort(b, ap)
	}
	return b
}

func appendAddrPort(b []byte, ap netip.AddrPort) []byte {
	addr := ap.Addr()
	var fam byte = 4
	var ip []byte
	if addr.Is4() {
		a := addr.As4()
		ip = a[:]
	} else {
		fam = 6
		a := addr.As16()
		ip = a[:]
	}
	b = append(b, fam)
	b = append(b, ip...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], ap.Port())
	return append(b, portBuf[:]...)
}

func readAddrPort(b []byte) (netip.AddrPort, []byte, error) {
	if len(b) < 1 {
		return netip.AddrPort{}, nil, ErrParse
	}
	fam := b[0]
	b = b[1:]
	var addr netip.Addr
	switch fam {
	case 4:
		if len(b) < 4+2 {
			return netip.AddrPort{}, nil, ErrParse
		}
		var a [4]byte
		copy(a[:], b[:4])
		addr = netip.AddrFrom4(a)
		b = b[4:]
	case 6:
		if len(b) < 16+2 {
			return netip.AddrPort{}, nil, ErrParse
		}
		var a [16]byte
		copy(a[:], b[:16])
		addr = netip.AddrFrom16(a)
		b = b[16:]
	default:
		return netip.AddrPort{}, nil, ErrParse
	}
	port := binary.BigEndian.Uint16(b[:2])
	return netip.AddrPortFrom(addr, port), b[2:], nil
}

// Parse decodes a message body previously produced by AppendMarshal.
func Parse(body []byte) (Message, error) {
	if len(body) < 1 {
		return nil, ErrParse
	}
	t := MessageType(body[0])
	rest := body[1:]
	switch t {
	case TypePing:
		if len(rest) < TransactionIDLen+KeyLen {
			return nil, ErrParse
		}
		var p Ping
		copy(p.TxID[:], rest[:TransactionIDLen])
		copy(p.NodeKey[:], rest[TransactionIDLen:TransactionIDLen+KeyLen])
		return p, nil
	case TypePong:
		if len(rest) < TransactionIDLen {
			return nil, ErrParse
		}
		var p Pong
		copy(p.TxID[:], rest[:TransactionIDLen])
		addr, _, err := readAddrPort(rest[TransactionIDLen:])
		if err != nil {
			return nil, err
		}
		p.ObservedAddr = addr
		return p, nil
	case TypeCallMeMaybe:
		if len(rest) < 2 {
			return nil, ErrParse
		}
		n := binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
		c := CallMeMaybe{MyNumbers: make([]netip.AddrPort, 0, n)}
		for i := 0; i < int(n); i++ {
			ap, tail, err := readAddrPort(rest)
			if err != nil {
				return nil, err
			}
			c.MyNumbers = append(c.MyNumbers, ap)
			rest = tail
		}
		return c, nil
	default:
		return nil, ErrParse
	}
}

// marshal prefixes the message's type byte and appends its body.
func marshal(m Message) []byte {
	b := make([]byte, 0, 64)
	b = append(b, byte(m.msgType()))
	return m.AppendMarshal(b)
}

// LooksLikeDisco reports whether p begins with Magic and is at least long
// enough to contain a header. It does not validate the box.
func LooksLikeDisco(p []byte) bool {
	return len(p) >= headerLen && [6]byte(p[:6]) == Magic
}

// PeekSenderPublic extracts the claimed sender public key from a packet
// that LooksLikeDisco, without attempting to open it. The caller uses
// this to look up which peer's shared key to try before calling Open;
// the key is cleartext in the header precisely so this lookup is
// possible without already knowing the sender.
func PeekSenderPublic(p []byte) (pub [KeyLen]byte, ok bool) {
	if !LooksLikeDisco(p) {
		return pub, false
	}
	copy(pub[:], p[6:6+KeyLen])
	return pub, true
}

// Seal encrypts m for the peer identified by peerPub, using the precomputed
// shared key (see SharedKey), and returns a complete wire packet: magic,
// sender's own public key (so the receiver can attribute it even before
// completing a handshake), a fresh random nonce, and the sealed body.
func Seal(senderPub [KeyLen]byte, shared *[32]byte, m Message) []byte {
	var nonce [NonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		panic("disco: rand.Read failed: " + err.Error())
	}
	out := make([]byte, 0, headerLen+64)
	out = append(out, Magic[:]...)
	out = append(out, senderPub[:]...)
	out = append(out, nonce[:]...)
	body := marshal(m)
	return box.SealAfterPrecomputation(out, body, &nonce, shared)
}

// Open validates and decrypts a wire packet produced by Seal. It returns
// the sender's claimed public key (the caller must already know, from
// context, which peer this packet arrived from and only trust senderPub as
// a secondary check) and the decoded message.
func Open(shared *[32]byte, packet []byte) (senderPub [KeyLen]byte, m Message, err error) {
	if len(packet) < headerLen {
		return senderPub, nil, ErrShort
	}
	if [6]byte(packet[:6]) != Magic {
		return senderPub, nil, ErrBadMagic
	}
	copy(senderPub[:], packet[6:6+KeyLen])
	var nonce [NonceLen]byte
	copy(nonce[:], packet[6+KeyLen:headerLen])
	sealed := packet[headerLen:]
	body, ok := box.OpenAfterPrecomputation(nil, sealed, &nonce, shared)
	if !ok {
		return senderPub, nil, ErrOpen
	}
	m, err = Parse(body)
	if err != nil {
		return senderPub, nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return senderPub, m, nil
}

// SharedKey precomputes the NaCl box shared key for a (self, peer) pair so
// repeated Seal/Open calls avoid redoing the scalar multiplication. Callers
// cache the result per peer (see magicsock's secret cache).
func SharedKey(selfPriv, peerPub *[KeyLen]byte) *[32]byte {
	var shared [32]byte
	box.Precompute(&shared, peerPub, selfPriv)
	return &shared
}
