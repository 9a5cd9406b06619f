package magicsock

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/shurlinet/burrow/pkg/discovery"
	"github.com/shurlinet/burrow/pkg/netcheck"
	"github.com/shurlinet/burrow/pkg/portmap"
	"github.com/shurlinet/burrow/pkg/relay"
)

// Config configures a Conn. Only AddrV4 is required; everything else has
// a usable zero value (no relay, no discovery, no port mapping).
type Config struct {
	// AddrV4 is the local address to bind the IPv4 UDP socket to, e.g.
	// "0.0.0.0:0" to let the kernel pick a port.
	AddrV4 string
	// AddrV6, if non-empty, binds a second socket for IPv6 traffic. Left
	// empty, the Conn runs IPv4-only.
	AddrV6 string

	// SecretKeyFile loads (or creates, with 0600 perms) the Ed25519
	// identity this node's NodeID comes from. The separate X25519 DISCO
	// key is kept next to it, at SecretKeyFile + ".disco".
	SecretKeyFile string

	// RelayMap names the relay servers available, keyed by a short name
	// used in logs/metrics; values are relay.Config.URL-compatible
	// addresses (e.g. "wss://relay.example.org/relay").
	RelayMap map[string]string

	// Discovery resolves peers by NodeID into reachable addresses. Nil
	// disables discovery; peers must be added via AddPeer directly.
	Discovery discovery.Discovery

	// RelayOnly sends every data packet over the relay even when a direct
	// path is known, useful for testing relay fallback paths. DISCO
	// pings and pongs still go out over UDP.
	RelayOnly bool

	Netcheck *netcheck.Client
	Portmap  *portmap.Client

	Metrics *Metrics
}

// LoadOrCreateIdentity loads an Ed25519 private key from path, generating
// and persisting a new one (mode 0600) if the file does not exist.
// Mirrors the key-file idiom used elsewhere in this codebase for libp2p
// identities.
func LoadOrCreateIdentity(path string) (ed25519.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("magicsock: key file %s has wrong length %d", path, len(data))
		}
		return ed25519.PrivateKey(data), nil
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("magicsock: generate identity: %w", err)
	}
	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("magicsock: save identity to %s: %w", path, err)
	}
	return priv, nil
}

// NodeIDFromPublic derives the stable NodeID from an Ed25519 public key.
func NodeIDFromPublic(pub ed25519.PublicKey) NodeID {
	var id NodeID
	copy(id[:], pub)
	return id
}

// LoadIdentity loads (or creates) the Ed25519 identity at path and its
// paired X25519 DISCO key, returning everything New needs to start a
// Conn for this node.
func LoadIdentity(path string) (self NodeID, discoPub [32]byte, discoPriv *[32]byte, err error) {
	priv, err := LoadOrCreateIdentity(path)
	if err != nil {
		return NodeID{}, [32]byte{}, nil, err
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return NodeID{}, [32]byte{}, nil, fmt.Errorf("magicsock: identity at %s has unexpected public key type", path)
	}
	dPub, dPriv, err := loadOrCreateDiscoKey(path)
	if err != nil {
		return NodeID{}, [32]byte{}, nil, err
	}
	return NodeIDFromPublic(pub), *dPub, dPriv, nil
}

// discoKeyPath derives the DISCO X25519 key file path from the identity
// key path, so a single SecretKeyFile setting provisions both keys.
func discoKeyPath(identityPath string) string {
	return identityPath + ".disco"
}

// loadOrCreateDiscoKey loads or generates the X25519 keypair used to seal
// DISCO messages. It is deliberately a separate keypair from the Ed25519
// identity rather than a curve-converted one: X25519 and Ed25519 key
// material are different curves (Montgomery vs twisted Edwards) and
// hand-converting one into the other is error-prone to get right, so
// nacl/box just gets its own key, persisted next to the identity file.
func loadOrCreateDiscoKey(identityPath string) (pub, priv *[32]byte, err error) {
	path := discoKeyPath(identityPath)
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != 32 {
			return nil, nil, fmt.Errorf("magicsock: disco key file %s has wrong length %d", path, len(data))
		}
		var sk [32]byte
		copy(sk[:], data)
		var pk [32]byte
		curve25519.ScalarBaseMult(&pk, &sk)
		return &pk, &sk, nil
	}

	pk, sk, err := box.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("magicsock: generate disco key: %w", err)
	}
	if err := os.WriteFile(path, sk[:], 0600); err != nil {
		return nil, nil, fmt.Errorf("magicsock: save disco key to %s: %w", path, err)
	}
	return pk, sk, nil
}
