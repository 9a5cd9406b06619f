package discovery

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"
)

// ServiceName is the DNS-SD service type used for LAN discovery of burrow
// nodes.
const ServiceName = "_burrow._udp"

const (
	// browseInterval controls how often a fresh browse round starts.
	// Each round opens its own multicast socket; restarting periodically
	// works around mDNS daemons (avahi, mDNSResponder) that silently
	// stop delivering events on a long-lived Browse call.
	browseInterval = 30 * time.Second

	// browseTimeout bounds each individual browse round.
	browseTimeout = 10 * time.Second

	nodeIDKey   = "nid="
	relayKey    = "relay="
	directKey   = "direct="
)

// MDNSDiscovery advertises this node's Announcement on the local network
// via mDNS TXT records and caches what it has browsed from peers.
type MDNSDiscovery struct {
	self    NodeID
	server  *zeroconf.Server
	mu      sync.Mutex
	ann     Announcement
	cache   map[NodeID]Announcement
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMDNSDiscovery starts browsing the local network under ServiceName.
// The node does not advertise itself until Publish is called.
func NewMDNSDiscovery(self NodeID) *MDNSDiscovery {
	ctx, cancel := context.WithCancel(context.Background())
	md := &MDNSDiscovery{
		self:   self,
		cache:  make(map[NodeID]Announcement),
		ctx:    ctx,
		cancel: cancel,
	}
	md.wg.Add(1)
	go md.browseLoop()
	return md
}

func encodeTXT(ann Announcement) []string {
	txts := []string{nodeIDKey + hex.EncodeToString(ann.NodeID[:])}
	if ann.RelayURL != "" {
		txts = append(txts, relayKey+ann.RelayURL)
	}
	for _, d := range ann.Directs {
		txts = append(txts, directKey+d.String())
	}
	return txts
}

func decodeTXT(txts []string) (Announcement, error) {
	var ann Announcement
	var haveID bool
	for _, txt := range txts {
		switch {
		case strings.HasPrefix(txt, nodeIDKey):
			raw, err := hex.DecodeString(txt[len(nodeIDKey):])
			if err != nil || len(raw) != len(ann.NodeID) {
				return Announcement{}, fmt.Errorf("discovery: bad node id TXT %q", txt)
			}
			copy(ann.NodeID[:], raw)
			haveID = true
		case strings.HasPrefix(txt, relayKey):
			ann.RelayURL = txt[len(relayKey):]
		case strings.HasPrefix(txt, directKey):
			ap, err := netip.ParseAddrPort(txt[len(directKey):])
			if err != nil {
				continue
			}
			ann.Directs = append(ann.Directs, ap)
		}
	}
	if !haveID {
		return Announcement{}, fmt.Errorf("discovery: TXT set missing node id")
	}
	return ann, nil
}

// Publish re-registers this node's mDNS service with ann's contents,
// replacing whatever was previously advertised.
func (md *MDNSDiscovery) Publish(ctx context.Context, ann Announcement) error {
	md.mu.Lock()
	md.ann = ann
	md.mu.Unlock()

	if md.server != nil {
		md.server.Shutdown()
		md.server = nil
	}

	instance := hex.EncodeToString(ann.NodeID[:8])
	server, err := zeroconf.Register(instance, ServiceName, "local.", 4001, encodeTXT(ann), nil)
	if err != nil {
		return fmt.Errorf("discovery: mdns register: %w", err)
	}
	md.server = server
	return nil
}

// Lookup returns the most recently browsed Announcement for target, or an
// error if target has not been seen on the LAN yet.
func (md *MDNSDiscovery) Lookup(ctx context.Context, target NodeID) (Announcement, error) {
	md.mu.Lock()
	defer md.mu.Unlock()
	ann, ok := md.cache[target]
	if !ok {
		return Announcement{}, fmt.Errorf("discovery: %s not seen via mdns", hex.EncodeToString(target[:8]))
	}
	return ann, nil
}

// Close stops browsing and withdraws the advertised service.
func (md *MDNSDiscovery) Close() error {
	md.cancel()
	if md.server != nil {
		md.server.Shutdown()
	}
	md.wg.Wait()
	return nil
}

func (md *MDNSDiscovery) browseLoop() {
	defer md.wg.Done()

	select {
	case <-time.After(2 * time.Second):
	case <-md.ctx.Done():
		return
	}

	md.runBrowse()
	ticker := time.NewTicker(browseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-md.ctx.Done():
			return
		case <-ticker.C:
			md.runBrowse()
		}
	}
}

func (md *MDNSDiscovery) runBrowse() {
	browseCtx, cancel := context.WithTimeout(md.ctx, browseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	go func() {
		for entry := range entries {
			ann, err := decodeTXT(entry.Text)
			if err != nil {
				slog.Debug("discovery: mdns ignoring entry", "error", err)
				continue
			}
			if ann.NodeID == md.self {
				continue
			}
			md.mu.Lock()
			md.cache[ann.NodeID] = ann
			md.mu.Unlock()
		}
	}()

	if err := zeroconf.Browse(browseCtx, ServiceName, "local.", entries); err != nil {
		if md.ctx.Err() == nil {
			slog.Debug("discovery: mdns browse round error", "error", err)
		}
	}
}
