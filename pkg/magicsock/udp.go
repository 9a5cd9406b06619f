package magicsock

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// udpPacket is one datagram read off a socket, with its source address
// and the family it arrived on (so the send path knows which socket to
// answer back through).
type udpPacket struct {
	data []byte
	src  netip.AddrPort
	v6   bool
}

// udpSocket wraps one bound UDP socket plus its batch reader, supporting
// both IPv4 and IPv6. Batch reads via golang.org/x/net/ipv4|ipv6 reduce
// syscall overhead under load; ReadBatch is attempted first and the
// socket falls back to a single ReadFromUDP per call if the platform's
// net.PacketConn doesn't support batching (non-Linux).
type udpSocket struct {
	pc     *net.UDPConn
	v6     bool
	batch4 *ipv4.PacketConn
	batch6 *ipv6.PacketConn
	msgs   []ipv4.Message // reused scratch buffer for ReadBatch
}

const batchSize = 32
const maxPacketSize = 64 << 10

func newUDPSocket(addr string, v6 bool) (*udpSocket, error) {
	if addr == "" {
		return nil, nil
	}
	network := "udp4"
	if v6 {
		network = "udp6"
	}
	udpAddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, fmt.Errorf("magicsock: resolve %s: %w", addr, err)
	}
	pc, err := net.ListenUDP(network, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("magicsock: listen %s: %w", addr, err)
	}

	s := &udpSocket{pc: pc, v6: v6}
	msgs := make([]ipv4.Message, batchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, maxPacketSize)}
	}
	s.msgs = msgs
	if v6 {
		s.batch6 = ipv6.NewPacketConn(pc)
	} else {
		s.batch4 = ipv4.NewPacketConn(pc)
	}
	return s, nil
}

func (s *udpSocket) LocalAddr() netip.AddrPort {
	return s.pc.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (s *udpSocket) Close() error {
	return s.pc.Close()
}

// ReadBatch reads as many datagrams as are immediately available (up to
// batchSize) into out, returning the number read. It blocks until at
// least one datagram arrives or the socket is closed.
func (s *udpSocket) ReadBatch(out []udpPacket) (int, error) {
	ipv4msgs := make([]ipv4.Message, len(s.msgs))
	copy(ipv4msgs, s.msgs)

	var n int
	var err error
	if s.v6 {
		ipv6msgs := make([]ipv6.Message, len(ipv4msgs))
		for i := range ipv4msgs {
			ipv6msgs[i] = ipv6.Message(ipv4msgs[i])
		}
		n, err = s.batch6.ReadBatch(ipv6msgs, 0)
		if err != nil {
			return s.readFallback(out)
		}
		for i := 0; i < n && i < len(out); i++ {
			addr, ok := netip.AddrFromSlice(udpAddrIP(ipv6msgs[i].Addr))
			if !ok {
				continue
			}
			port := udpAddrPort(ipv6msgs[i].Addr)
			out[i] = udpPacket{
				data: append([]byte(nil), ipv6msgs[i].Buffers[0][:ipv6msgs[i].N]...),
				src:  netip.AddrPortFrom(addr, port),
				v6:   true,
			}
		}
		return n, nil
	}

	n, err = s.batch4.ReadBatch(ipv4msgs, 0)
	if err != nil {
		return s.readFallback(out)
	}
	for i := 0; i < n && i < len(out); i++ {
		addr, ok := netip.AddrFromSlice(udpAddrIP(ipv4msgs[i].Addr))
		if !ok {
			continue
		}
		port := udpAddrPort(ipv4msgs[i].Addr)
		out[i] = udpPacket{
			data: append([]byte(nil), ipv4msgs[i].Buffers[0][:ipv4msgs[i].N]...),
			src:  netip.AddrPortFrom(addr, port),
			v6:   false,
		}
	}
	return n, nil
}

// readFallback handles platforms where ReadBatch is unsupported by
// falling back to one ReadFromUDP call, still fulfilling the ReadBatch
// contract of returning at least one packet.
func (s *udpSocket) readFallback(out []udpPacket) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	buf := make([]byte, maxPacketSize)
	n, addr, err := s.pc.ReadFromUDPAddrPort(buf)
	if err != nil {
		return 0, err
	}
	out[0] = udpPacket{data: append([]byte(nil), buf[:n]...), src: addr, v6: s.v6}
	return 1, nil
}

func (s *udpSocket) WriteTo(data []byte, dst netip.AddrPort) (int, error) {
	return s.pc.WriteToUDPAddrPort(data, dst)
}

func udpAddrIP(addr net.Addr) []byte {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.IP
	}
	return nil
}

func udpAddrPort(addr net.Addr) uint16 {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return uint16(ua.Port)
	}
	return 0
}
