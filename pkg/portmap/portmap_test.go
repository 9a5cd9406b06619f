package portmap

import (
	"net"
	"testing"
)

func TestDiscoverGatewayFromEmptyInterfaceList(t *testing.T) {
	emptyFn := func() ([]net.Interface, error) { return nil, nil }
	if _, err := discoverGatewayFrom(emptyFn); err == nil {
		t.Error("expected error with no interfaces")
	}
}

func TestDiscoverGatewayRealSystem(t *testing.T) {
	// Best-effort: a sandboxed test runner may have no non-loopback
	// interface at all, in which case discoverGateway legitimately errors.
	gw, err := discoverGateway()
	if err != nil {
		t.Skipf("no usable interface on this host: %v", err)
	}
	if gw.To4() == nil {
		t.Errorf("gateway %v is not an IPv4 address", gw)
	}
}

func TestNewClientForGatewayNotNil(t *testing.T) {
	c := NewClientForGateway(net.ParseIP("192.168.1.1"))
	if c == nil || c.client == nil {
		t.Fatal("NewClientForGateway returned an unusable client")
	}
	if c.Current() != nil {
		t.Error("a fresh client should have no current mapping")
	}
}
