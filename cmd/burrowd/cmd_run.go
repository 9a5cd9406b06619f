package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shurlinet/burrow/internal/config"
	"github.com/shurlinet/burrow/pkg/discovery"
	"github.com/shurlinet/burrow/pkg/magicsock"
	"github.com/shurlinet/burrow/pkg/netcheck"
	"github.com/shurlinet/burrow/pkg/portmap"
)

func runRun(args []string) {
	if err := doRun(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
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
		return fmt.Errorf("config error: %w", err)
	}
	config.ResolveConfigPaths(cfg, filepath.Dir(cfgFile))
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	// Archive this config as last-known-good now that it has validated,
	// so `burrowd config rollback` has somewhere to restore from if a
	// later `config apply` turns out to be broken.
	if err := config.Archive(cfgFile); err != nil {
		slog.Warn("burrowd: failed to archive config", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A pending commit-confirmed means a prior `config apply` is still
	// waiting on a human to run `config confirm`; if this run dies or is
	// killed before that happens, EnforceCommitConfirmed reverts the
	// config and re-exits so the next start comes up on the old config.
	if deadline, err := config.CheckPending(cfgFile); err == nil && !deadline.IsZero() {
		go config.EnforceCommitConfirmed(ctx, cfgFile, deadline, osExit)
		slog.Info("burrowd: commit-confirmed pending", "deadline", deadline, "remaining", time.Until(deadline).Round(time.Second))
	}

	self, discoPub, discoPriv, err := magicsock.LoadIdentity(cfg.Identity.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	slog.Info("burrowd: loaded identity", "node", self.String())

	msMetrics := magicsock.NewMetrics()
	ncMetrics := netcheck.NewMetrics()

	var ncClient *netcheck.Client
	var pmClient *portmap.Client
	var disc discovery.Discovery

	ncClient = netcheck.NewClient(ncMetrics)

	if cfg.NAT.IsPortMapEnabled() {
		pmClient, err = portmap.NewClient()
		if err != nil {
			slog.Warn("burrowd: port mapping disabled: cannot discover gateway", "error", err)
			pmClient = nil
		}
	}

	var backends discovery.Multi
	if cfg.Discovery.IsMDNSEnabled() {
		backends = append(backends, discovery.NewMDNSDiscovery(discovery.NodeID(self)))
	}
	if len(backends) > 0 {
		disc = backends
	}

	mscfg := magicsock.Config{
		AddrV4:        cfg.Network.AddrV4,
		AddrV6:        cfg.Network.AddrV6,
		SecretKeyFile: cfg.Identity.KeyFile,
		RelayMap:      cfg.Relay.URLs,
		Discovery:     disc,
		RelayOnly:     cfg.Network.RelayOnly,
		Netcheck:      ncClient,
		Portmap:       pmClient,
		Metrics:       msMetrics,
	}

	conn, err := magicsock.New(mscfg, self, discoPub, discoPriv)
	if err != nil {
		return fmt.Errorf("failed to start magicsock: %w", err)
	}
	defer conn.Close()

	pc := conn.PacketConn()
	slog.Info("burrowd: listening", "addr", pc.LocalAddr())

	var metricsSrv *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		gatherers := prometheus.Gatherers{msMetrics.Registry(), ncMetrics.Registry()}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Telemetry.Metrics.ListenAddress, Handler: mux}
		ln, err := net.Listen("tcp", metricsSrv.Addr)
		if err != nil {
			return fmt.Errorf("failed to bind metrics listener: %w", err)
		}
		go func() {
			if err := metricsSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				slog.Warn("burrowd: metrics server exited", "error", err)
			}
		}()
		slog.Info("burrowd: metrics listening", "addr", cfg.Telemetry.Metrics.ListenAddress)
	}

	<-ctx.Done()

	slog.Info("burrowd: shutting down")
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(context.Background())
	}
	if disc != nil {
		_ = disc.Close()
	}
	return nil
}
