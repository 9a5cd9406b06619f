package config

import (
	"os"
	"path/filepath"
	"testing"
)

// Minimal valid YAML for loading tests.
const testConfigYAML = `
identity:
  key_file: "identity.key"
network:
  addr_v4: "0.0.0.0:0"
  addr_v6: "[::]:0"
relay:
  urls:
    home: "wss://relay.example.org/relay"
discovery:
  mdns_enabled: true
  dht_enabled: false
nat:
  port_map_enabled: true
telemetry:
  metrics:
    enabled: true
`

func writeTestConfig(t testing.TB, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, testConfigYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Identity.KeyFile != "identity.key" {
		t.Errorf("KeyFile = %q, want %q", cfg.Identity.KeyFile, "identity.key")
	}
	if cfg.Network.AddrV4 != "0.0.0.0:0" {
		t.Errorf("AddrV4 = %q, want %q", cfg.Network.AddrV4, "0.0.0.0:0")
	}
	if cfg.Relay.URLs["home"] != "wss://relay.example.org/relay" {
		t.Errorf("Relay.URLs[home] = %q", cfg.Relay.URLs["home"])
	}
	if !cfg.Discovery.IsMDNSEnabled() {
		t.Error("mDNS should be enabled")
	}
	if cfg.Discovery.IsDHTEnabled() {
		t.Error("DHT should be disabled")
	}
	if !cfg.Telemetry.Metrics.Enabled {
		t.Error("metrics should be enabled")
	}
	if cfg.Telemetry.Metrics.ListenAddress != "127.0.0.1:9091" {
		t.Errorf("ListenAddress = %q, want default 127.0.0.1:9091", cfg.Telemetry.Metrics.ListenAddress)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "not: [valid: yaml: {{{")

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestDiscoveryDefaults(t *testing.T) {
	var d DiscoveryConfig
	if !d.IsMDNSEnabled() {
		t.Error("mDNS should default to enabled")
	}
	if d.IsDHTEnabled() {
		t.Error("DHT should default to disabled")
	}
}

func TestNATDefaults(t *testing.T) {
	var n NATConfig
	if !n.IsPortMapEnabled() {
		t.Error("port mapping should default to enabled")
	}
}

func TestValidate(t *testing.T) {
	valid := &Config{
		Identity: IdentityConfig{KeyFile: "key"},
		Network:  NetworkConfig{AddrV4: "0.0.0.0:0"},
		Relay:    RelayConfig{URLs: map[string]string{"home": "wss://relay.example.org/relay"}},
	}

	if err := Validate(valid); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestValidateMissingFields(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no key_file", Config{
			Network: NetworkConfig{AddrV4: "0.0.0.0:0"},
		}},
		{"no addr_v4", Config{
			Identity: IdentityConfig{KeyFile: "x"},
		}},
		{"empty relay url", Config{
			Identity: IdentityConfig{KeyFile: "x"},
			Network:  NetworkConfig{AddrV4: "0.0.0.0:0"},
			Relay:    RelayConfig{URLs: map[string]string{"home": ""}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(&tt.cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestResolveConfigPaths(t *testing.T) {
	cfg := &Config{
		Identity: IdentityConfig{KeyFile: "identity.key"},
	}

	ResolveConfigPaths(cfg, "/home/user/.config/burrowd")

	want := "/home/user/.config/burrowd/identity.key"
	if cfg.Identity.KeyFile != want {
		t.Errorf("KeyFile = %q, want %q", cfg.Identity.KeyFile, want)
	}
}

func TestResolveConfigPathsAbsolute(t *testing.T) {
	cfg := &Config{
		Identity: IdentityConfig{KeyFile: "/absolute/path/key"},
	}

	ResolveConfigPaths(cfg, "/home/user/.config/burrowd")

	if cfg.Identity.KeyFile != "/absolute/path/key" {
		t.Errorf("absolute path should not change: %q", cfg.Identity.KeyFile)
	}
}

func TestFindConfigFileExplicit(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "identity:\n  key_file: x")

	found, err := FindConfigFile(path)
	if err != nil {
		t.Fatalf("FindConfigFile: %v", err)
	}
	if found != path {
		t.Errorf("found = %q, want %q", found, path)
	}
}

func TestFindConfigFileExplicitMissing(t *testing.T) {
	_, err := FindConfigFile("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing explicit path")
	}
}

func TestFindConfigFileLocalDir(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "burrowd.yaml")
	if err := os.WriteFile(configPath, []byte("identity:\n  key_file: x"), 0600); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(origDir)

	found, err := FindConfigFile("")
	if err != nil {
		t.Fatalf("FindConfigFile: %v", err)
	}
	if found != "burrowd.yaml" {
		t.Errorf("found = %q, want %q", found, "burrowd.yaml")
	}
}

func TestConfigVersionDefaultsTo1(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, testConfigYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1 (default)", cfg.Version)
	}
}

func TestConfigVersionExplicit(t *testing.T) {
	dir := t.TempDir()
	yaml := "version: 1\n" + testConfigYAML
	path := writeTestConfig(t, dir, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1", cfg.Version)
	}
}

func TestConfigVersionFutureRejected(t *testing.T) {
	dir := t.TempDir()
	yaml := "version: 999\n" + testConfigYAML
	path := writeTestConfig(t, dir, yaml)

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for future config version")
	}
}

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"128KB", 128 * 1024},
		{"64MB", 64 * 1024 * 1024},
		{"1GB", 1024 * 1024 * 1024},
		{"1024B", 1024},
		{"100", 100},
		{"0B", 0},
		{"128kb", 128 * 1024},
		{"64mb", 64 * 1024 * 1024},
	}
	for _, tc := range tests {
		got, err := ParseDataSize(tc.input)
		if err != nil {
			t.Errorf("ParseDataSize(%q) error = %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDataSize(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}

	invalid := []string{"", "abc", "-1MB", "MB", "1.5MB"}
	for _, s := range invalid {
		if _, err := ParseDataSize(s); err == nil {
			t.Errorf("ParseDataSize(%q) should fail", s)
		}
	}
}
