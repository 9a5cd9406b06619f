package relay

import (
	"context"
	"log/slog"
	"sync"
)

// Actor owns one Client per relay URL and tracks which one is currently
// the "home" relay: the one this node advertises to peers as its primary
// fallback path. Inbound packets from every URL are merged onto a single
// channel so the owning magicsock core only ever reads from one place.
type Actor struct {
	newClient func(Config) (*Client, error)
	baseCfg   Config
	metrics   *Metrics

	mu       sync.RWMutex
	clients  map[string]*Client
	home     string

	recvCh chan ReceivedPacketFrom
	closed chan struct{}
	wg     sync.WaitGroup
}

// ReceivedPacketFrom augments ReceivedPacket with the URL it arrived
// through, since the node map needs to know which relay a peer is
// reachable via.
type ReceivedPacketFrom struct {
	URL string
	ReceivedPacket
}

// NewActor builds an Actor. baseCfg supplies defaults (NodeKey, TLS,
// proxy, rate limit, metrics) shared by every per-URL Client; only URL
// differs between clients.
func NewActor(baseCfg Config) *Actor {
	if baseCfg.Metrics == nil {
		baseCfg.Metrics = NewMetrics()
	}
	return &Actor{
		newClient: NewClient,
		baseCfg:   baseCfg,
		metrics:   baseCfg.Metrics,
		clients:   make(map[string]*Client),
		recvCh:    make(chan ReceivedPacketFrom, recvChanCapacity),
		closed:    make(chan struct{}),
	}
}

// AddURL registers a relay URL, creating (but not dialing) its Client. A
// no-op if the URL is already registered.
func (a *Actor) AddURL(rawURL string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.clients[rawURL]; ok {
		return nil
	}
	cfg := a.baseCfg
	cfg.URL = rawURL
	c, err := a.newClient(cfg)
	if err != nil {
		return err
	}
	a.clients[rawURL] = c
	a.wg.Add(1)
	go a.pump(rawURL, c)
	return nil
}

// RemoveURL closes and forgets a relay URL's client.
func (a *Actor) RemoveURL(rawURL string) {
	a.mu.Lock()
	c, ok := a.clients[rawURL]
	if ok {
		delete(a.clients, rawURL)
		if a.home == rawURL {
			a.home = ""
		}
	}
	a.mu.Unlock()
	if ok {
		c.Close()
	}
}

// pump forwards one client's Recv channel onto the actor's merged channel
// until the client is removed or the actor is closed.
func (a *Actor) pump(url string, c *Client) {
	defer a.wg.Done()
	for {
		select {
		case pkt, ok := <-c.Recv():
			if !ok {
				return
			}
			select {
			case a.recvCh <- ReceivedPacketFrom{URL: url, ReceivedPacket: pkt}:
			case <-a.closed:
				return
			}
		case <-a.closed:
			return
		}
	}
}

// Recv returns the merged inbound-packet channel across all relay URLs.
func (a *Actor) Recv() <-chan ReceivedPacketFrom { return a.recvCh }

// Send routes a packet to dst through the relay at url, dialing first if
// needed. If url is unregistered it is added implicitly, matching the
// node map's "first packet creates state" convention.
func (a *Actor) Send(ctx context.Context, url string, dst [KeyLen]byte, data []byte) error {
	c, err := a.clientFor(url)
	if err != nil {
		return err
	}
	return c.Send(ctx, dst, data)
}

func (a *Actor) clientFor(url string) (*Client, error) {
	a.mu.RLock()
	c, ok := a.clients[url]
	a.mu.RUnlock()
	if ok {
		return c, nil
	}
	if err := a.AddURL(url); err != nil {
		return nil, err
	}
	a.mu.RLock()
	c = a.clients[url]
	a.mu.RUnlock()
	return c, nil
}

// SetHome elects url as the home relay: it is notified via NotePreferred
// that it is now preferred, and the previous home (if any) is told it is
// no longer preferred.
func (a *Actor) SetHome(url string) {
	a.mu.Lock()
	prevHome := a.home
	a.home = url
	prev, havePrev := a.clients[prevHome]
	cur, haveCur := a.clients[url]
	a.mu.Unlock()

	if prevHome == url {
		return
	}
	if havePrev && prevHome != "" {
		prev.NotePreferred(false)
	}
	if haveCur {
		cur.NotePreferred(true)
	}
	a.metrics.homeRelayChanged()
	slog.Info("relay actor elected new home", "url", url, "previous", prevHome)
}

// Home returns the currently elected home relay URL, or "" if none.
func (a *Actor) Home() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.home
}

// MaybeCloseRelaysOnRebind force-reconnects every relay client after the
// local UDP sockets rebind to new addresses (e.g. after a network change),
// since a relay connection's half of the path may now be routed through a
// stale local interface.
func (a *Actor) MaybeCloseRelaysOnRebind(localIPsChanged bool) {
	if !localIPsChanged {
		return
	}
	a.mu.RLock()
	clients := make([]*Client, 0, len(a.clients))
	for _, c := range a.clients {
		clients = append(clients, c)
	}
	a.mu.RUnlock()
	for _, c := range clients {
		c.closeForReconnect()
	}
}

// URLs returns the set of currently registered relay URLs.
func (a *Actor) URLs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.clients))
	for u := range a.clients {
		out = append(out, u)
	}
	return out
}

// Close shuts down every relay client and stops all pump goroutines.
func (a *Actor) Close() error {
	close(a.closed)
	a.mu.Lock()
	clients := a.clients
	a.clients = make(map[string]*Client)
	a.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
	a.wg.Wait()
	return nil
}
