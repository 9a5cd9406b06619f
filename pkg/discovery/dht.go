package discovery

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/routing"
)

// Namespace is the DHT record key prefix this package stores announcements
// under, e.g. "/burrow/<hex node id>".
const Namespace = "burrow"

// record is what actually gets marshaled into a DHT value: the
// announcement plus a logical clock so Validator.Select can prefer the
// newest of several conflicting values without relying on wall-clock time,
// which isn't trustworthy across independently-clocked nodes.
type record struct {
	Ann Announcement
	Seq uint64
}

// Validator implements routing.Validator for the "burrow" DHT namespace.
// It must be registered on the *dht.IpfsDHT via a dht.NamespacedValidator
// option before NewDHTDiscovery is used, since the default IpfsDHT only
// validates the built-in "pk" and "ipns" namespaces.
var Validator routing.Validator = validator{}

type validator struct{}

func (validator) Validate(key string, value []byte) error {
	if !strings.HasPrefix(key, "/"+Namespace+"/") {
		return fmt.Errorf("discovery: key %q not in /%s/ namespace", key, Namespace)
	}
	var r record
	if err := json.Unmarshal(value, &r); err != nil {
		return fmt.Errorf("discovery: invalid record: %w", err)
	}
	return nil
}

func (validator) Select(key string, values [][]byte) (int, error) {
	best := -1
	var bestSeq uint64
	for i, v := range values {
		var r record
		if err := json.Unmarshal(v, &r); err != nil {
			continue
		}
		if best == -1 || r.Seq > bestSeq {
			best = i
			bestSeq = r.Seq
		}
	}
	if best == -1 {
		return 0, fmt.Errorf("discovery: no valid records to select from")
	}
	return best, nil
}

// ValueStore is the subset of *dht.IpfsDHT this package depends on,
// narrowed for testability.
type ValueStore interface {
	PutValue(ctx context.Context, key string, value []byte, opts ...routing.Option) error
	GetValue(ctx context.Context, key string, opts ...routing.Option) ([]byte, error)
}

var _ ValueStore = (*dht.IpfsDHT)(nil)

// DHTDiscovery publishes and resolves announcements through a Kademlia
// DHT value store, keyed by NodeID. The caller is responsible for
// constructing the *dht.IpfsDHT with Validator registered for Namespace
// (see dht.NamespacedValidator(Namespace, discovery.Validator)).
type DHTDiscovery struct {
	vs  ValueStore
	seq uint64
}

// NewDHTDiscovery wraps an already-constructed DHT value store.
func NewDHTDiscovery(vs ValueStore) *DHTDiscovery {
	return &DHTDiscovery{vs: vs}
}

func dhtKey(id NodeID) string {
	return "/" + Namespace + "/" + hex.EncodeToString(id[:])
}

func (d *DHTDiscovery) Publish(ctx context.Context, ann Announcement) error {
	d.seq++
	data, err := json.Marshal(record{Ann: ann, Seq: d.seq})
	if err != nil {
		return fmt.Errorf("discovery: marshal announcement: %w", err)
	}
	return d.vs.PutValue(ctx, dhtKey(ann.NodeID), data)
}

func (d *DHTDiscovery) Lookup(ctx context.Context, target NodeID) (Announcement, error) {
	data, err := d.vs.GetValue(ctx, dhtKey(target))
	if err != nil {
		return Announcement{}, fmt.Errorf("discovery: dht lookup: %w", err)
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return Announcement{}, fmt.Errorf("discovery: unmarshal record: %w", err)
	}
	return r.Ann, nil
}

func (d *DHTDiscovery) Close() error { return nil }
