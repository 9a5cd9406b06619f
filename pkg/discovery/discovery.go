// Package discovery defines how a node finds out which addresses another
// node is currently reachable at, and publishes its own. magicsock only
// depends on the Discovery interface; concrete backends (DHT, mDNS) live
// in this package and are wired in by whatever builds the node.
package discovery

import (
	"context"
	"net/netip"
)

// NodeID is a 32-byte Ed25519 public key, duplicated here (rather than
// imported from pkg/magicsock) to keep this package import-cycle free;
// magicsock.NodeID is defined as the same underlying array type.
type NodeID [32]byte

// Announcement is what a node publishes about itself.
type Announcement struct {
	NodeID    NodeID
	RelayURL  string
	Directs   []netip.AddrPort
}

// Discovery is the interface magicsock's direct-address updater uses to
// publish its own reachability and to resolve a peer it only knows by
// NodeID into an Announcement.
type Discovery interface {
	// Publish advertises ann, replacing any previous announcement from
	// the same NodeID. It returns once the publish attempt completes
	// (success or failure); callers are expected to call it periodically
	// rather than treat one publish as durable.
	Publish(ctx context.Context, ann Announcement) error

	// Lookup resolves target to its most recently published Announcement.
	// Returns an error if nothing is known about target yet.
	Lookup(ctx context.Context, target NodeID) (Announcement, error)

	// Close releases any resources (background goroutines, registrations)
	// held by the backend.
	Close() error
}

// Multi fans a Publish/Close out to every backend and returns the first
// successful Lookup, trying backends in order. This lets a node run DHT
// and mDNS discovery simultaneously behind a single Discovery value.
type Multi []Discovery

func (m Multi) Publish(ctx context.Context, ann Announcement) error {
	var firstErr error
	for _, d := range m {
		if err := d.Publish(ctx, ann); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m Multi) Lookup(ctx context.Context, target NodeID) (Announcement, error) {
	var lastErr error
	for _, d := range m {
		ann, err := d.Lookup(ctx, target)
		if err == nil {
			return ann, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errNoBackends
	}
	return Announcement{}, lastErr
}

func (m Multi) Close() error {
	var firstErr error
	for _, d := range m {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var errNoBackends = discoveryError("discovery: no backends configured")

type discoveryError string

func (e discoveryError) Error() string { return string(e) }
