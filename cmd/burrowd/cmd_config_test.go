package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shurlinet/burrow/internal/config"
)

func initTestConfig(t *testing.T, dir string) string {
	t.Helper()
	var out bytes.Buffer
	if err := doInit([]string{"--dir", dir, "--relay", "home=wss://relay.example.org/relay"}, &out); err != nil {
		t.Fatalf("doInit: %v", err)
	}
	return filepath.Join(dir, "config.yaml")
}

func TestDoConfigValidate(t *testing.T) {
	dir := t.TempDir()
	cfgPath := initTestConfig(t, dir)

	var out bytes.Buffer
	if err := doConfigValidate([]string{"--config", cfgPath}, &out); err != nil {
		t.Fatalf("doConfigValidate: %v", err)
	}
	if !strings.Contains(out.String(), "OK:") {
		t.Errorf("unexpected output: %q", out.String())
	}
}

func TestDoConfigShowReportsNoArchive(t *testing.T) {
	dir := t.TempDir()
	cfgPath := initTestConfig(t, dir)

	var out bytes.Buffer
	if err := doConfigShow([]string{"--config", cfgPath}, &out); err != nil {
		t.Fatalf("doConfigShow: %v", err)
	}
	if !strings.Contains(out.String(), "No last-known-good archive") {
		t.Errorf("expected no-archive notice, got: %q", out.String())
	}
}

func TestDoConfigRollbackWithoutArchiveFails(t *testing.T) {
	dir := t.TempDir()
	cfgPath := initTestConfig(t, dir)

	var out bytes.Buffer
	if err := doConfigRollback([]string{"--config", cfgPath}, &out); err == nil {
		t.Error("expected error rolling back without an archive")
	}
}

func TestDoConfigApplyAndConfirmRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfgPath := initTestConfig(t, dir)

	newCfgPath := filepath.Join(dir, "new-config.yaml")
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if err := os.WriteFile(newCfgPath, data, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var out, errOut bytes.Buffer
	if err := doConfigApply([]string{"--config", cfgPath, "--confirm-timeout", "1h", newCfgPath}, &out, &errOut); err != nil {
		t.Fatalf("doConfigApply: %v", err)
	}
	if !strings.Contains(out.String(), "Applied") {
		t.Errorf("unexpected apply output: %q", out.String())
	}

	var showOut bytes.Buffer
	if err := doConfigShow([]string{"--config", cfgPath}, &showOut); err != nil {
		t.Fatalf("doConfigShow: %v", err)
	}
	if !strings.Contains(showOut.String(), "Commit-confirmed pending") {
		t.Errorf("expected pending commit-confirmed notice, got: %q", showOut.String())
	}

	var confirmOut bytes.Buffer
	if err := doConfigConfirm([]string{"--config", cfgPath}, &confirmOut); err != nil {
		t.Fatalf("doConfigConfirm: %v", err)
	}
	if !strings.Contains(confirmOut.String(), "now permanent") {
		t.Errorf("unexpected confirm output: %q", confirmOut.String())
	}

	// A second confirm with nothing pending must fail.
	var again bytes.Buffer
	if err := doConfigConfirm([]string{"--config", cfgPath}, &again); err == nil {
		t.Error("expected error confirming with no pending commit-confirmed")
	}
}

func TestDoConfigApplyRejectsInvalidNewConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := initTestConfig(t, dir)

	badPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(badPath, []byte("not: [valid\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var out, errOut bytes.Buffer
	if err := doConfigApply([]string{"--config", cfgPath, badPath}, &out, &errOut); err == nil {
		t.Error("expected error applying a malformed new config")
	}
}

func TestDoConfigSnapshotCreateListRestore(t *testing.T) {
	dir := t.TempDir()
	cfgPath := initTestConfig(t, dir)

	var createOut bytes.Buffer
	if err := doConfigSnapshotCreate([]string{"--config", cfgPath}, &createOut); err != nil {
		t.Fatalf("doConfigSnapshotCreate: %v", err)
	}
	if !strings.Contains(createOut.String(), "config.yaml") {
		t.Errorf("expected snapshot to include config.yaml, got: %q", createOut.String())
	}

	var listOut bytes.Buffer
	if err := doConfigSnapshotList([]string{"--config", cfgPath}, &listOut); err != nil {
		t.Fatalf("doConfigSnapshotList: %v", err)
	}
	name := strings.Fields(listOut.String())[0]

	// Mutate the live config, then restore the snapshot over it.
	if err := os.WriteFile(cfgPath, []byte("version: 1\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var restoreOut bytes.Buffer
	if err := doConfigSnapshotRestore([]string{"--config", cfgPath, name}, &restoreOut); err != nil {
		t.Fatalf("doConfigSnapshotRestore: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load restored config: %v", err)
	}
	if cfg.Relay.URLs["home"] != "wss://relay.example.org/relay" {
		t.Errorf("restored config missing expected relay URL, got %v", cfg.Relay.URLs)
	}
}

func TestDoConfigSnapshotRestoreUnknownName(t *testing.T) {
	dir := t.TempDir()
	cfgPath := initTestConfig(t, dir)

	var out bytes.Buffer
	if err := doConfigSnapshotRestore([]string{"--config", cfgPath, "nonexistent"}, &out); err == nil {
		t.Error("expected error restoring an unknown snapshot")
	}
}
