package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/shurlinet/burrow/internal/config"
)

func TestDoInitWritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	if err := doInit([]string{"--dir", dir, "--relay", "home=wss://relay.example.org/relay"}, &out); err != nil {
		t.Fatalf("doInit: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("expected config at %s: %v", cfgPath, err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load generated config: %v", err)
	}
	if cfg.Relay.URLs["home"] != "wss://relay.example.org/relay" {
		t.Errorf("Relay.URLs[home] = %q", cfg.Relay.URLs["home"])
	}
}

func TestDoInitRefusesExisting(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	if err := doInit([]string{"--dir", dir}, &out); err != nil {
		t.Fatalf("first doInit: %v", err)
	}
	if err := doInit([]string{"--dir", dir}, &out); err == nil {
		t.Error("expected error reinitializing existing config")
	}
}

func TestDoInitRejectsBadRelayFlag(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	if err := doInit([]string{"--dir", dir, "--relay", "not-a-kv-pair"}, &out); err == nil {
		t.Error("expected error for malformed --relay value")
	}
}
