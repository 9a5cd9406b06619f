package magicsock

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"
)

// packetConn adapts a Conn to net.PacketConn so it can be passed as
// quic.Transport{Conn: ...}. quic-go only ever calls ReadFrom/WriteTo
// concurrently from its own goroutines and expects net.Addr values to be
// stable and comparable across calls for the same peer, which is exactly
// what a QuicMappedAddr provides.
type packetConn struct {
	c *Conn
}

// PacketConn returns a net.PacketConn view of c.
func (c *Conn) PacketConn() net.PacketConn {
	return &packetConn{c: c}
}

func (p *packetConn) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	n, src, err := p.c.PollRecv(context.Background(), b)
	if err != nil {
		return 0, nil, err
	}
	return n, net.UDPAddrFromAddrPort(src), nil
}

func (p *packetConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	ap, err := addrPortOf(addr)
	if err != nil {
		return 0, err
	}
	if err := p.c.TrySend(ap, b); err != nil {
		if IsWouldBlock(err) {
			return 0, err
		}
		return 0, err
	}
	return len(b), nil
}

func addrPortOf(addr net.Addr) (netip.AddrPort, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.AddrPort(), nil
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, errors.New("magicsock: unsupported net.Addr type")
		}
		return ap, nil
	}
}

func (p *packetConn) Close() error { return p.c.Close() }

func (p *packetConn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(p.c.sock4.LocalAddr())
}

// Deadlines are not supported: PollRecv already accepts a context, and
// quic-go drives reads through ReadFrom without ever setting a deadline
// on the underlying net.PacketConn when given one via quic.Transport.
func (p *packetConn) SetDeadline(t time.Time) error      { return nil }
func (p *packetConn) SetReadDeadline(t time.Time) error   { return nil }
func (p *packetConn) SetWriteDeadline(t time.Time) error  { return nil }
