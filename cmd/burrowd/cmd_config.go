package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shurlinet/burrow/internal/config"
)

func runConfig(args []string) {
	if len(args) < 1 {
		printConfigUsage()
		osExit(1)
		return
	}

	switch args[0] {
	case "validate":
		runConfigValidate(args[1:])
	case "show":
		runConfigShow(args[1:])
	case "rollback":
		runConfigRollback(args[1:])
	case "apply":
		runConfigApply(args[1:])
	case "confirm":
		runConfigConfirm(args[1:])
	case "snapshot":
		runConfigSnapshot(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config command: %s\n\n", args[0])
		printConfigUsage()
		osExit(1)
	}
}

func runConfigValidate(args []string) {
	if err := doConfigValidate(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doConfigValidate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(stdout, "FAIL: %s\n", err)
		return fmt.Errorf("invalid config")
	}
	config.ResolveConfigPaths(cfg, filepath.Dir(cfgFile))

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(stdout, "FAIL: %s\n", err)
		return fmt.Errorf("validation failed")
	}

	fmt.Fprintf(stdout, "OK: %s is valid\n", cfgFile)
	return nil
}

func runConfigShow(args []string) {
	if err := doConfigShow(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doConfigShow(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	config.ResolveConfigPaths(cfg, filepath.Dir(cfgFile))

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(stdout, "WARNING: config has validation errors: %v\n\n", err)
	}

	fmt.Fprintf(stdout, "# Resolved config from %s\n", cfgFile)
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Fprint(stdout, string(out))

	if config.HasArchive(cfgFile) {
		fmt.Fprintf(stdout, "\n# Last-known-good archive: %s\n", config.ArchivePath(cfgFile))
	} else {
		fmt.Fprintf(stdout, "\n# No last-known-good archive (will be created on next successful run)\n")
	}

	if deadline, err := config.CheckPending(cfgFile); err == nil && !deadline.IsZero() {
		remaining := time.Until(deadline).Round(time.Second)
		if remaining > 0 {
			fmt.Fprintf(stdout, "# Commit-confirmed pending: %s remaining\n", remaining)
		} else {
			fmt.Fprintf(stdout, "# Commit-confirmed expired (will revert on next run start)\n")
		}
	}
	return nil
}

func runConfigRollback(args []string) {
	if err := doConfigRollback(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doConfigRollback(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config rollback", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	if !config.HasArchive(cfgFile) {
		return fmt.Errorf("no last-known-good archive for %s", cfgFile)
	}

	if err := config.Rollback(cfgFile); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	fmt.Fprintf(stdout, "Restored %s from last-known-good archive\n", cfgFile)
	fmt.Fprintln(stdout, "You can now restart burrowd.")
	return nil
}

func runConfigApply(args []string) {
	if err := doConfigApply(args, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doConfigApply(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("config apply", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFlag := fs.String("config", "", "path to current config file")
	timeout := fs.Duration("confirm-timeout", 5*time.Minute, "auto-revert timeout (e.g., 5m, 10m)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	remaining := fs.Args()
	if len(remaining) < 1 {
		return fmt.Errorf("usage: burrowd config apply <new-config> [--config path] [--confirm-timeout 5m]")
	}
	newConfigPath := remaining[0]

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	newCfg, err := config.Load(newConfigPath)
	if err != nil {
		return fmt.Errorf("new config is invalid: %w", err)
	}
	config.ResolveConfigPaths(newCfg, filepath.Dir(newConfigPath))
	if err := config.Validate(newCfg); err != nil {
		return fmt.Errorf("new config has validation errors: %w", err)
	}

	if err := config.ApplyCommitConfirmed(cfgFile, newConfigPath, *timeout); err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}

	fmt.Fprintf(stdout, "Applied %s -> %s\n", newConfigPath, cfgFile)
	fmt.Fprintf(stdout, "Auto-revert in %s unless confirmed.\n", timeout)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "After restarting burrowd and verifying connectivity:")
	fmt.Fprintln(stdout, "  burrowd config confirm")
	return nil
}

func runConfigConfirm(args []string) {
	if err := doConfigConfirm(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doConfigConfirm(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config confirm", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	if err := config.Confirm(cfgFile); err != nil {
		return fmt.Errorf("confirm failed: %w", err)
	}

	fmt.Fprintf(stdout, "Config confirmed: %s is now permanent\n", cfgFile)
	return nil
}

// snapshotFilenames returns the set of files that make up a node's
// identity, relative to the config's directory: the config itself, its
// long-term identity key, and the paired DISCO key magicsock stores
// beside it (identityPath + ".disco", magicsock's own convention).
func snapshotFilenames(cfg *config.Config, cfgFile string) []string {
	files := []string{filepath.Base(cfgFile)}
	if cfg.Identity.KeyFile != "" {
		keyBase := filepath.Base(cfg.Identity.KeyFile)
		files = append(files, keyBase, keyBase+".disco")
	}
	return files
}

func snapshotDir(cfgFile string) string {
	return filepath.Join(filepath.Dir(cfgFile), ".snapshots")
}

func runConfigSnapshot(args []string) {
	if len(args) < 1 {
		printConfigUsage()
		osExit(1)
		return
	}
	switch args[0] {
	case "create":
		if err := doConfigSnapshotCreate(args[1:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			osExit(1)
		}
	case "list":
		if err := doConfigSnapshotList(args[1:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			osExit(1)
		}
	case "restore":
		if err := doConfigSnapshotRestore(args[1:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			osExit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown config snapshot command: %s\n\n", args[0])
		printConfigUsage()
		osExit(1)
	}
}

func doConfigSnapshotCreate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config snapshot create", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sm := config.NewSnapshotManager(snapshotDir(cfgFile))
	snap, err := sm.Create(filepath.Dir(cfgFile), snapshotFilenames(cfg, cfgFile))
	if err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	fmt.Fprintf(stdout, "Snapshot %s created: %s\n", snap.Name, snap.Path)
	for _, f := range snap.Files {
		fmt.Fprintf(stdout, "  %s\n", f)
	}
	return nil
}

func doConfigSnapshotList(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config snapshot list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	sm := config.NewSnapshotManager(snapshotDir(cfgFile))
	snaps, err := sm.List()
	if err != nil {
		return fmt.Errorf("list failed: %w", err)
	}
	if len(snaps) == 0 {
		fmt.Fprintln(stdout, "No snapshots.")
		return nil
	}
	for _, s := range snaps {
		fmt.Fprintf(stdout, "%s  %s\n", s.Name, strings.Join(s.Files, ", "))
	}
	return nil
}

func doConfigSnapshotRestore(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config snapshot restore", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	remaining := fs.Args()
	if len(remaining) < 1 {
		return fmt.Errorf("usage: burrowd config snapshot restore <name> [--config path]")
	}
	name := remaining[0]

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	sm := config.NewSnapshotManager(snapshotDir(cfgFile))
	snaps, err := sm.List()
	if err != nil {
		return fmt.Errorf("list failed: %w", err)
	}
	var target *config.Snapshot
	for i := range snaps {
		if snaps[i].Name == name {
			target = &snaps[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no snapshot named %q", name)
	}

	// Archive the current config before overwriting it, so a bad
	// restore can itself be rolled back.
	if err := config.Archive(cfgFile); err != nil {
		fmt.Fprintf(stdout, "warning: failed to archive current config before restore: %v\n", err)
	}
	if err := sm.Restore(target, filepath.Dir(cfgFile)); err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	fmt.Fprintf(stdout, "Restored %s from snapshot %s\n", strings.Join(target.Files, ", "), name)
	return nil
}

func printConfigUsage() {
	fmt.Println("Usage: burrowd config <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  validate          [--config path]                          Validate config without starting")
	fmt.Println("  show              [--config path]                         Show resolved config")
	fmt.Println("  rollback          [--config path]                         Restore last-known-good config")
	fmt.Println("  apply    <new-config> [--config path] [--confirm-timeout]  Apply config with auto-revert safety")
	fmt.Println("  confirm           [--config path]                         Confirm applied config (cancel revert)")
	fmt.Println("  snapshot create   [--config path]                         Snapshot config + identity keys")
	fmt.Println("  snapshot list     [--config path]                         List snapshots")
	fmt.Println("  snapshot restore  <name> [--config path]                  Restore config + keys from a snapshot")
}
