// Package portmap requests an external UDP port mapping from a LAN
// gateway via NAT-PMP, so a node behind a compliant NAT can publish a
// directly-dialable address without relying on STUN alone.
package portmap

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
)

// Mapping describes an active external mapping.
type Mapping struct {
	ExternalIP   net.IP
	ExternalPort uint16
	InternalPort uint16
	Lifetime     time.Duration
}

// Client requests and renews a single UDP port mapping from the default
// gateway. It is safe for concurrent use.
type Client struct {
	mu      sync.Mutex
	client  *natpmp.Client
	mapping *Mapping
}

// NewClient discovers the default gateway and builds a Client talking
// NAT-PMP to it. Returns an error if no gateway can be determined.
func NewClient() (*Client, error) {
	gw, err := discoverGateway()
	if err != nil {
		return nil, fmt.Errorf("portmap: discover gateway: %w", err)
	}
	return &Client{client: natpmp.NewClient(gw)}, nil
}

// NewClientForGateway builds a Client for an explicit gateway IP, bypassing
// discovery. Used by tests and by callers who already know their gateway.
func NewClientForGateway(gw net.IP) *Client {
	return &Client{client: natpmp.NewClient(gw)}
}

// discoverGateway finds the first IPv4 default gateway reachable from a
// non-loopback interface. NAT-PMP has no interface-agnostic discovery
// protocol of its own (unlike UPnP's SSDP), so the caller is expected to
// know its LAN gateway; this derives a plausible candidate by taking the
// first three octets of the local IPv4 address and assuming .1, which
// matches the overwhelming majority of consumer NAT-PMP gateways (Apple
// AirPort / most SOHO routers).
func discoverGateway() (net.IP, error) {
	return discoverGatewayFrom(net.Interfaces)
}

// discoverGatewayFrom is the testable core; listFn matches net.Interfaces
// so tests can inject synthetic interface lists.
func discoverGatewayFrom(listFn func() ([]net.Interface, error)) (net.IP, error) {
	ifaces, err := listFn()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			gw := net.IPv4(ip4[0], ip4[1], ip4[2], 1)
			return gw, nil
		}
	}
	return nil, fmt.Errorf("no usable IPv4 interface found")
}

// ExternalAddress queries the gateway's current external IPv4 address.
func (c *Client) ExternalAddress() (net.IP, error) {
	resp, err := c.client.GetExternalAddress()
	if err != nil {
		return nil, fmt.Errorf("portmap: get external address: %w", err)
	}
	ip := resp.ExternalIPAddress
	return net.IPv4(ip[0], ip[1], ip[2], ip[3]), nil
}

// MapUDP requests an external UDP mapping for internalPort, preferring the
// same external port number, with the given lifetime (the gateway may
// grant a shorter one; the caller should renew at lifetime/2).
func (c *Client) MapUDP(internalPort uint16, lifetime time.Duration) (*Mapping, error) {
	resp, err := c.client.AddPortMapping("udp", int(internalPort), int(internalPort), int(lifetime.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("portmap: AddPortMapping: %w", err)
	}
	extIP, err := c.ExternalAddress()
	if err != nil {
		slog.Warn("portmap: mapped port but could not confirm external address", "error", err)
	}
	m := &Mapping{
		ExternalIP:   extIP,
		ExternalPort: resp.MappedExternalPort,
		InternalPort: internalPort,
		Lifetime:     time.Duration(resp.PortMappingLifetimeInSeconds) * time.Second,
	}
	c.mu.Lock()
	c.mapping = m
	c.mu.Unlock()
	slog.Info("portmap: mapped external port", "external_port", m.ExternalPort, "internal_port", internalPort, "lifetime", m.Lifetime)
	return m, nil
}

// Current returns the most recently established mapping, or nil.
func (c *Client) Current() *Mapping {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mapping
}

// Release requests the gateway tear down the mapping by requesting a
// zero-lifetime mapping, per the NAT-PMP spec's deletion convention.
func (c *Client) Release(internalPort uint16) error {
	_, err := c.client.AddPortMapping("udp", int(internalPort), 0, 0)
	if err != nil {
		return fmt.Errorf("portmap: release: %w", err)
	}
	c.mu.Lock()
	c.mapping = nil
	c.mu.Unlock()
	return nil
}
