// Package relay implements the client side of the relay protocol: a
// fallback packet-forwarding path used when two nodes cannot establish a
// direct UDP connection. A Client owns exactly one connection to exactly
// one relay URL; an Actor (see actor.go) multiplexes several Clients and
// tracks which one is "home".
package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// State is the relay client's connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateDialing
	StateHandshaking
	StateConnected
	StateCloseForReconnect
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateCloseForReconnect:
		return "close_for_reconnect"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultDialTimeout    = 10 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	defaultPingTimeout    = 10 * time.Second
	defaultPingInterval   = 15 * time.Second
	recvChanCapacity      = 256
)

// ReceivedPacket is a payload forwarded by the relay from another node.
type ReceivedPacket struct {
	Src  [KeyLen]byte
	Data []byte
}

// AddrFamilySelector decides, given that both an IPv4 and IPv6 address are
// available for a relay host, whether to prefer IPv6. The default
// (nil) has no preference and uses whichever net.Resolver returns first.
type AddrFamilySelector func() bool

// Config configures a single relay Client.
type Config struct {
	URL           string
	NodeKey       [KeyLen]byte
	TLSConfig     *tls.Config
	ProxyURL      *url.URL
	Resolver      *net.Resolver
	PreferIPv6    AddrFamilySelector
	RateLimit     rate.Limit // 0 disables rate limiting
	RateBurst     int
	DialTimeout   time.Duration
	PingInterval  time.Duration
	PingTimeout   time.Duration
	Metrics       *Metrics
	InsecureSkipVerify bool
}

// Client manages one connection to one relay server.
type Client struct {
	cfg    Config
	url    *url.URL
	dialer net.Dialer

	limiter *rate.Limiter

	mu        sync.Mutex
	state     State
	conn      net.Conn
	wsConn    *websocket.Conn
	bw        *bufio.Writer
	closeOnce sync.Once
	closeCh   chan struct{}

	recvCh chan ReceivedPacket

	preferred bool // whether the owner currently treats this as the home relay

	pingMu     sync.Mutex // serializes Ping calls; only one in flight at a time
	pingWait   chan time.Duration
	pingSentAt time.Time

	wg sync.WaitGroup
}

// NewClient constructs a Client in StateIdle. It does not dial until Send
// or Connect is called.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, wrapErr(ErrKindInvalidURL, err)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	c := &Client{
		cfg:     cfg,
		url:     u,
		closeCh: make(chan struct{}),
		recvCh:  make(chan ReceivedPacket, recvChanCapacity),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return c, nil
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Recv returns the channel of packets forwarded by peers through this
// relay. Close does not close this channel.
func (c *Client) Recv() <-chan ReceivedPacket { return c.recvCh }

// Connect ensures the client has a live, handshaken connection, dialing if
// necessary. It is safe to call concurrently with Send, which calls it
// internally.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateDialing
	c.mu.Unlock()

	conn, wsConn, err := c.dial(ctx)
	if err != nil {
		c.cfg.Metrics.dial(c.cfg.URL, "failure")
		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateIdle
		}
		c.mu.Unlock()
		return err
	}
	c.cfg.Metrics.dial(c.cfg.URL, "success")

	c.mu.Lock()
	c.state = StateHandshaking
	c.mu.Unlock()

	br, err := c.handshake(ctx, conn, wsConn)
	if err != nil {
		conn.Close()
		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateIdle
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.wsConn = wsConn
	c.bw = bufio.NewWriter(c.connWriter())
	c.state = StateConnected
	c.mu.Unlock()
	c.cfg.Metrics.setConnected(c.cfg.URL, true)

	c.wg.Add(1)
	go c.readLoop(br)

	return nil
}

// connWriter returns the io.Writer to frame writes to: the raw conn for
// tcp/tls, or a websocket message writer wrapper for ws/wss.
func (c *Client) connWriter() io.Writer {
	if c.wsConn != nil {
		return &wsWriter{ws: c.wsConn}
	}
	return c.conn
}

type wsWriter struct{ ws *websocket.Conn }

func (w *wsWriter) Write(p []byte) (int, error) {
	if err := w.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// dial resolves and connects to the relay URL, honoring an optional CONNECT
// proxy and TLS, or performing a websocket handshake for ws/wss schemes.
func (c *Client) dial(ctx context.Context) (net.Conn, *websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	switch c.url.Scheme {
	case "ws", "wss":
		dialer := websocket.Dialer{
			NetDialContext:  c.tcpDialContext,
			TLSClientConfig: c.tlsConfig(),
			HandshakeTimeout: defaultHandshakeTimeout,
		}
		ws, resp, err := dialer.DialContext(ctx, c.url.String(), nil)
		if err != nil {
			if resp != nil {
				return nil, nil, wrapErr(ErrKindUnexpectedStatus, fmt.Errorf("status %s: %w", resp.Status, err))
			}
			return nil, nil, wrapErr(ErrKindWebsocket, err)
		}
		return nil, ws, nil
	default:
		host := c.url.Host
		if c.url.Port() == "" {
			host = net.JoinHostPort(c.url.Hostname(), "443")
		}
		var conn net.Conn
		var err error
		if c.cfg.ProxyURL != nil {
			conn, err = c.dialThroughProxy(ctx, host)
		} else {
			conn, err = c.tcpDialContext(ctx, "tcp", host)
		}
		if err != nil {
			return nil, nil, classifyDialErr(err)
		}
		tlsConn := tls.Client(conn, c.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, nil, wrapErr(ErrKindUpgrade, err)
		}
		return tlsConn, nil, nil
	}
}

func classifyDialErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrapErr(ErrKindConnectTimeout, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return wrapErr(ErrKindDNSTimeout, err)
		}
		return wrapErr(ErrKindDNSFailure, err)
	}
	return wrapErr(ErrKindDialIO, err)
}

func (c *Client) tlsConfig() *tls.Config {
	if c.cfg.TLSConfig != nil {
		return c.cfg.TLSConfig.Clone()
	}
	return &tls.Config{
		ServerName:         c.url.Hostname(),
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
	}
}

// tcpDialContext resolves the host, optionally honoring an IPv6
// preference, and dials the chosen address.
func (c *Client) tcpDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, "443"
	}
	ips, err := c.cfg.Resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses found", Name: host}
	}
	target := ips[0]
	if c.cfg.PreferIPv6 != nil && c.cfg.PreferIPv6() {
		for _, ip := range ips {
			if ip.To4() == nil {
				target = ip
				break
			}
		}
	}
	return c.dialer.DialContext(ctx, network, net.JoinHostPort(target.String(), port))
}

// dialThroughProxy issues an HTTP CONNECT to cfg.ProxyURL and returns the
// tunneled connection once the proxy confirms it with a 200 response.
func (c *Client) dialThroughProxy(ctx context.Context, target string) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.ProxyURL.Host)
	if err != nil {
		return nil, wrapErr(ErrKindProxy, err)
	}
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if u := c.cfg.ProxyURL.User; u != nil {
		pass, _ := u.Password()
		req.SetBasicAuth(u.Username(), pass)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, wrapErr(ErrKindProxy, err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, wrapErr(ErrKindProxy, err)
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, wrapErr(ErrKindProxy, fmt.Errorf("proxy CONNECT status %s", resp.Status))
	}
	if br.Buffered() > 0 {
		conn.Close()
		return nil, wrapErr(ErrKindProxy, errors.New("proxy sent data before CONNECT completed"))
	}
	return conn, nil
}

// handshake sends ClientInfo and waits for ServerInfo. For non-websocket
// transports it returns the bufio.Reader it read the handshake through, so
// the caller's subsequent read loop reuses it instead of constructing a
// fresh one that would discard any bytes already buffered ahead of the
// ServerInfo frame.
func (c *Client) handshake(ctx context.Context, conn net.Conn, ws *websocket.Conn) (*bufio.Reader, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultHandshakeTimeout)
	}
	if conn != nil {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	var w io.Writer = conn
	if ws != nil {
		w = &wsWriter{ws: ws}
	}
	if err := WriteFrame(w, FrameClientInfo, c.cfg.NodeKey[:]); err != nil {
		return nil, wrapErr(ErrKindUpgrade, err)
	}

	var br *bufio.Reader
	var t FrameType
	var err error
	if ws != nil {
		t, _, err = c.readWSFrameFrom(ws)
	} else {
		br = bufio.NewReader(conn)
		t, _, err = ReadFrame(br, nil)
	}
	if err != nil {
		return nil, wrapErr(ErrKindUpgrade, err)
	}
	if t != FrameServerInfo {
		return nil, wrapErr(ErrKindUpgrade, fmt.Errorf("expected server_info, got %s", t))
	}
	return br, nil
}

func (c *Client) readWSFrameFrom(ws *websocket.Conn) (FrameType, []byte, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	if len(data) < 3 {
		return 0, nil, fmt.Errorf("relay: short websocket frame")
	}
	n := int(data[1])<<8 | int(data[2])
	if len(data) < 3+n {
		return 0, nil, fmt.Errorf("relay: truncated websocket frame")
	}
	return FrameType(data[0]), data[3 : 3+n], nil
}

// Send frames and writes a packet addressed to dst, dialing first if
// necessary. Returns ErrClosed if the client has been permanently closed.
func (c *Client) Send(ctx context.Context, dst [KeyLen]byte, data []byte) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.cfg.Metrics.sendDrop(c.cfg.URL, "rate_limited")
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return wrapErr(ErrKindSend, errors.New("not connected"))
	}
	if err := WriteFrame(c.bw, FrameSendPacket, EncodeSendPacket(dst, data)); err != nil {
		return wrapErr(ErrKindSend, err)
	}
	if err := c.bw.Flush(); err != nil {
		return wrapErr(ErrKindSend, err)
	}
	c.cfg.Metrics.send(c.cfg.URL)
	return nil
}

// NotePreferred tells the relay server whether this client considers the
// relay its preferred ("home") path. It is only sent once the connection
// has completed its handshake; if dialing is still in progress the note is
// dropped rather than queued, since by the time a queued note would be
// flushed the preference may already be stale.
func (c *Client) NotePreferred(preferred bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preferred = preferred
	if c.state != StateConnected {
		return
	}
	var b [1]byte
	if preferred {
		b[0] = 1
	}
	if err := WriteFrame(c.bw, FrameNotePreferred, b[:]); err != nil {
		slog.Debug("relay note_preferred write failed", "url", c.cfg.URL, "error", err)
		return
	}
	c.bw.Flush()
}

// readLoop dispatches inbound frames until the connection fails or the
// client is closed; on a connection failure it calls closeForReconnect,
// which leaves the client Idle for the next Send/Connect to redial.
func (c *Client) readLoop(br *bufio.Reader) {
	defer c.wg.Done()
	buf := make([]byte, 0, 4096)
	for {
		var t FrameType
		var payload []byte
		var err error
		if c.wsConn != nil {
			t, payload, err = c.readWSFrameFrom(c.wsConn)
		} else {
			t, payload, err = ReadFrame(br, buf)
		}
		if err != nil {
			select {
			case <-c.closeCh:
				return
			default:
			}
			slog.Debug("relay read loop ended", "url", c.cfg.URL, "error", err)
			c.closeForReconnect()
			return
		}
		c.handleFrame(t, payload)
	}
}

func (c *Client) handleFrame(t FrameType, payload []byte) {
	switch t {
	case FrameRecvPacket:
		key, data, err := DecodeKeyedPacket(payload)
		if err != nil {
			slog.Debug("relay malformed recv_packet", "url", c.cfg.URL, "error", err)
			return
		}
		c.cfg.Metrics.recv(c.cfg.URL)
		cp := make([]byte, len(data))
		copy(cp, data)
		select {
		case c.recvCh <- ReceivedPacket{Src: key, Data: cp}:
		default:
			slog.Warn("relay recv channel full, dropping packet", "url", c.cfg.URL)
		}
	case FramePing:
		c.mu.Lock()
		if c.state == StateConnected {
			WriteFrame(c.bw, FramePong, payload)
			c.bw.Flush()
		}
		c.mu.Unlock()
	case FramePong:
		c.mu.Lock()
		wait := c.pingWait
		sentAt := c.pingSentAt
		c.mu.Unlock()
		if wait != nil {
			select {
			case wait <- time.Since(sentAt):
			default:
			}
		}
	case FramePeerGone:
		slog.Debug("relay reports peer gone", "url", c.cfg.URL)
	case FrameHealth:
		slog.Warn("relay health notice", "url", c.cfg.URL, "message", string(payload))
	case FrameRestarting:
		reconnectIn, tryFor, err := DecodeRestarting(payload)
		if err == nil {
			slog.Info("relay announced restart", "url", c.cfg.URL, "reconnect_in_s", reconnectIn, "try_for_s", tryFor)
		}
	case FrameKeepAlive:
	default:
		slog.Debug("relay unknown frame type", "url", c.cfg.URL, "type", t)
	}
}

// Ping measures round-trip latency to the relay over the existing
// connection. It returns ErrKindPingTimeout if no Pong arrives in time.
// Only one Ping runs at a time per client; concurrent callers serialize.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()

	if err := c.Connect(ctx); err != nil {
		return 0, err
	}

	wait := make(chan time.Duration, 1)
	var payload [8]byte
	copy(payload[:], fmt.Sprintf("%08x", uint32(time.Now().UnixNano())))

	c.mu.Lock()
	c.pingWait = wait
	c.pingSentAt = time.Now()
	err := WriteFrame(c.bw, FramePing, payload[:])
	if err == nil {
		err = c.bw.Flush()
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pingWait = nil
		c.mu.Unlock()
	}()
	if err != nil {
		return 0, wrapErr(ErrKindSend, err)
	}

	select {
	case rtt := <-wait:
		c.cfg.Metrics.observeRTT(c.cfg.URL, rtt.Seconds())
		return rtt, nil
	case <-time.After(c.cfg.PingTimeout):
		return 0, wrapErr(ErrKindPingTimeout, errors.New("no pong received"))
	case <-ctx.Done():
		return 0, wrapErr(ErrKindPingAborted, ctx.Err())
	case <-c.closeCh:
		return 0, ErrClosed
	}
}

// closeForReconnect tears down the transport but keeps the client object
// alive; the next Send/Connect redials.
func (c *Client) closeForReconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateCloseForReconnect
	conn := c.conn
	ws := c.wsConn
	c.conn = nil
	c.wsConn = nil
	c.state = StateIdle
	c.mu.Unlock()

	c.cfg.Metrics.setConnected(c.cfg.URL, false)
	c.cfg.Metrics.reconnect(c.cfg.URL)
	if conn != nil {
		conn.Close()
	}
	if ws != nil {
		ws.Close()
	}
}

// Close permanently shuts down the client. Subsequent Send/Connect calls
// return ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		conn := c.conn
		ws := c.wsConn
		c.mu.Unlock()
		close(c.closeCh)
		if conn != nil {
			conn.Close()
		}
		if ws != nil {
			ws.Close()
		}
		c.cfg.Metrics.setConnected(c.cfg.URL, false)
	})
	c.wg.Wait()
	return nil
}
