package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shurlinet/burrow/internal/config"
)

func runInit(args []string) {
	if err := doInit(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

const initTemplate = `version: 1
identity:
  key_file: "identity.key"
network:
  addr_v4: "0.0.0.0:0"
  addr_v6: "[::]:0"
relay:
  urls:
%s
discovery:
  mdns_enabled: true
  dht_enabled: false
nat:
  port_map_enabled: true
telemetry:
  metrics:
    enabled: false
    listen_address: "127.0.0.1:9091"
`

func doInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "config directory (default: ~/.config/burrowd)")
	var relays multiFlag
	fs.Var(&relays, "relay", "relay URL as name=url, repeatable (default: none)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	configDir := *dirFlag
	if configDir == "" {
		d, err := config.DefaultConfigDir()
		if err != nil {
			return fmt.Errorf("cannot determine config directory: %w", err)
		}
		configDir = d
	}

	configFile := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config already exists: %s\nDelete it first if you want to reinitialize", configFile)
	}

	fmt.Fprintf(stdout, "Creating config directory: %s\n", configDir)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	var relayLines strings.Builder
	for _, r := range relays {
		name, url, ok := strings.Cut(r, "=")
		if !ok {
			return fmt.Errorf("invalid --relay value %q; expected name=url", r)
		}
		fmt.Fprintf(&relayLines, "    %s: %q\n", name, url)
	}
	if relayLines.Len() == 0 {
		relayLines.WriteString("    {}\n")
	}

	content := fmt.Sprintf(initTemplate, strings.TrimRight(relayLines.String(), "\n"))
	if err := os.WriteFile(configFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(stdout, "Wrote %s\n", configFile)
	fmt.Fprintln(stdout, "Edit relay.urls and run 'burrowd run' to start the daemon.")
	return nil
}

// multiFlag collects repeated -flag values into a slice.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}
