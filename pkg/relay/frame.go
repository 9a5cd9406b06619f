package relay

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType is the one-byte tag that begins every relay frame.
type FrameType byte

const (
	FrameClientInfo    FrameType = 0x01 // client -> server: NodeKey(32)
	FrameServerInfo    FrameType = 0x02 // server -> client: empty
	FrameSendPacket    FrameType = 0x03 // client -> server: dstKey(32) || payload
	FrameRecvPacket    FrameType = 0x04 // server -> client: srcKey(32) || payload
	FramePing          FrameType = 0x05 // either direction: 8 opaque bytes
	FramePong          FrameType = 0x06 // either direction: echoes FramePing's 8 bytes
	FrameNotePreferred FrameType = 0x07 // client -> server: 1 byte (1 = preferred home)
	FramePeerGone      FrameType = 0x08 // server -> client: nodeKey(32)
	FrameHealth        FrameType = 0x09 // server -> client: UTF-8 message
	FrameRestarting    FrameType = 0x0a // server -> client: reconnectInSec(4) || tryForSec(4)
	FrameKeepAlive     FrameType = 0x0b // either direction: empty
)

func (t FrameType) String() string {
	switch t {
	case FrameClientInfo:
		return "client_info"
	case FrameServerInfo:
		return "server_info"
	case FrameSendPacket:
		return "send_packet"
	case FrameRecvPacket:
		return "recv_packet"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameNotePreferred:
		return "note_preferred"
	case FramePeerGone:
		return "peer_gone"
	case FrameHealth:
		return "health"
	case FrameRestarting:
		return "restarting"
	case FrameKeepAlive:
		return "keep_alive"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// MaxFrameLen bounds a single frame's payload to the largest length the
// 16-bit length field can carry; a named constant keeps the limit
// visible where frames are built and read.
const MaxFrameLen = 1<<16 - 1

// KeyLen is the NodeKey size carried in ClientInfo/SendPacket/RecvPacket/PeerGone.
const KeyLen = 32

// FrameBytes builds a complete length-prefixed frame in one buffer:
// [type(1)][len(BE16)][payload]. Used where a single atomic write or
// websocket message must carry the whole frame.
func FrameBytes(t FrameType, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameLen {
		return nil, fmt.Errorf("relay: frame payload %d exceeds max %d", len(payload), MaxFrameLen)
	}
	out := make([]byte, 3+len(payload))
	out[0] = byte(t)
	binary.BigEndian.PutUint16(out[1:3], uint16(len(payload)))
	copy(out[3:], payload)
	return out, nil
}

// WriteFrame writes a length-prefixed frame: [type(1)][len(BE16)][payload]
// as a single Write call, so a websocket-backed io.Writer emits it as one
// message instead of splitting header and payload across two messages.
func WriteFrame(w io.Writer, t FrameType, payload []byte) error {
	buf, err := FrameBytes(t, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame from r, reusing buf as scratch space when it is
// large enough. It returns the frame type and a payload slice valid until
// the next ReadFrame call.
func ReadFrame(r *bufio.Reader, buf []byte) (FrameType, []byte, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	t := FrameType(hdr[0])
	n := int(binary.BigEndian.Uint16(hdr[1:3]))
	if n > MaxFrameLen {
		return 0, nil, fmt.Errorf("relay: frame claims length %d exceeding max %d", n, MaxFrameLen)
	}
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, nil, err
		}
	}
	return t, buf, nil
}

// EncodeSendPacket builds the SendPacket payload for a destination key.
func EncodeSendPacket(dst [KeyLen]byte, data []byte) []byte {
	out := make([]byte, 0, KeyLen+len(data))
	out = append(out, dst[:]...)
	return append(out, data...)
}

// DecodeKeyedPacket splits a RecvPacket/SendPacket payload into its node
// key prefix and data suffix.
func DecodeKeyedPacket(payload []byte) (key [KeyLen]byte, data []byte, err error) {
	if len(payload) < KeyLen {
		return key, nil, fmt.Errorf("relay: keyed packet too short: %d bytes", len(payload))
	}
	copy(key[:], payload[:KeyLen])
	return key, payload[KeyLen:], nil
}

// EncodeRestarting builds the Restarting payload.
func EncodeRestarting(reconnectIn, tryFor uint32) []byte {
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], reconnectIn)
	binary.BigEndian.PutUint32(b[4:8], tryFor)
	return b[:]
}

// DecodeRestarting parses a Restarting payload.
func DecodeRestarting(payload []byte) (reconnectIn, tryFor uint32, err error) {
	if len(payload) < 8 {
		return 0, 0, fmt.Errorf("relay: restarting frame too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint32(payload[0:4]), binary.BigEndian.Uint32(payload[4:8]), nil
}
