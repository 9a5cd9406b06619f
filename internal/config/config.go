package config

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// Config is burrowd's unified configuration.
type Config struct {
	Version   int             `yaml:"version,omitempty"`
	Identity  IdentityConfig  `yaml:"identity"`
	Network   NetworkConfig   `yaml:"network"`
	Relay     RelayConfig     `yaml:"relay,omitempty"`
	Discovery DiscoveryConfig `yaml:"discovery,omitempty"`
	NAT       NATConfig       `yaml:"nat,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds observability settings.
// All features are disabled by default (opt-in).
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"` // default: "127.0.0.1:9091"
}

// IdentityConfig holds identity-related configuration.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds the UDP socket pair configuration magicsock binds.
type NetworkConfig struct {
	AddrV4    string `yaml:"addr_v4"`
	AddrV6    string `yaml:"addr_v6,omitempty"`
	RelayOnly bool   `yaml:"relay_only,omitempty"`
}

// RelayConfig names the relay servers available to this node, keyed by
// a short name used in logs and metrics.
type RelayConfig struct {
	URLs map[string]string `yaml:"urls"`
}

// DiscoveryConfig configures how peers are found.
type DiscoveryConfig struct {
	MDNSEnabled *bool    `yaml:"mdns_enabled,omitempty"` // LAN peer discovery (default: true)
	DHTEnabled  *bool    `yaml:"dht_enabled,omitempty"`  // DHT-based discovery (default: false)
	Bootstrap   []string `yaml:"bootstrap,omitempty"`    // DHT bootstrap peer multiaddrs
}

// IsMDNSEnabled returns whether mDNS local discovery is enabled.
// Defaults to true when not explicitly set in config.
func (d *DiscoveryConfig) IsMDNSEnabled() bool {
	if d.MDNSEnabled == nil {
		return true
	}
	return *d.MDNSEnabled
}

// IsDHTEnabled returns whether DHT-based discovery is enabled. Defaults
// to false since it requires Bootstrap peers to be reachable at all.
func (d *DiscoveryConfig) IsDHTEnabled() bool {
	if d.DHTEnabled == nil {
		return false
	}
	return *d.DHTEnabled
}

// NATConfig configures NAT-PMP port mapping and reachability probing.
type NATConfig struct {
	PortMapEnabled *bool `yaml:"port_map_enabled,omitempty"` // default: true
}

// IsPortMapEnabled returns whether NAT-PMP port mapping is attempted.
// Defaults to true when not explicitly set.
func (n *NATConfig) IsPortMapEnabled() bool {
	if n.PortMapEnabled == nil {
		return true
	}
	return *n.PortMapEnabled
}
