package config

import (
	"testing"
)

func BenchmarkLoad(b *testing.B) {
	dir := b.TempDir()
	path := writeTestConfig(b, dir, testConfigYAML)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Load(path)
	}
}

func BenchmarkValidate(b *testing.B) {
	cfg := &Config{
		Identity: IdentityConfig{KeyFile: "key"},
		Network:  NetworkConfig{AddrV4: "0.0.0.0:0"},
		Relay:    RelayConfig{URLs: map[string]string{"home": "wss://relay.example.org/relay"}},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate(cfg)
	}
}
