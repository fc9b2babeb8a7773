// Command tcplb is a layer-4 TCP load balancer.
//
// Usage:
//
//	tcplb [-config path/to/tcplb.yaml] [-port N] [-strategy name]
//
// Without a readable config file the balancer runs from defaults and TCPLB_*
// environment variables; LB_PORT sets the listen port. Backends and strategy
// are reloaded when the config file is saved. SIGINT or SIGTERM stops
// accepting; in-flight connections are not cut.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tcplb/internal/admin"
	"tcplb/internal/config"
	"tcplb/internal/metrics"
	"tcplb/internal/pool"
	"tcplb/internal/proxy"
	"tcplb/internal/strategy"
)

// Version information, set at build time via -ldflags.
//
//	-X main.version=$(git describe --tags --always)
//	-X main.commit=$(git rev-parse --short HEAD)
//	-X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/tcplb.yaml", "path to tcplb.yaml")
	port := flag.Int("port", 0, "listen port (overrides config and LB_PORT)")
	strategyName := flag.String("strategy", "", "balancing strategy (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tcplb %s (commit %s, built %s)\n", version, commit, buildDate)
		return
	}

	startTime := time.Now()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, v, loadErr := config.Load(*configPath)
	if loadErr != nil {
		var err error
		cfg, err = config.FromEnv()
		if err != nil {
			setupLogger(config.Default().Log)
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}
		setupLogger(cfg.Log)
		slog.Warn("could not load config file, using defaults and environment",
			"path", *configPath,
			"error", loadErr,
		)
	} else {
		setupLogger(cfg.Log)
	}

	applyFlags(&cfg, *port, *strategyName)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// ── Build runtime objects ─────────────────────────────────────────────────
	d, reg, err := buildDispatcher(cfg)
	if err != nil {
		slog.Error("failed to initialise balancer", "error", err)
		os.Exit(1)
	}

	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv = admin.New(d, cfg.Admin, reg, startTime, version)
		if err := adminSrv.Start(); err != nil {
			slog.Error("admin API failed to start", "addr", cfg.Admin.ListenAddr, "error", err)
			os.Exit(1)
		}
	}

	// ── Hot-reload ────────────────────────────────────────────────────────────
	if v != nil {
		listen := cfg.Listen()
		config.Watch(v, func(newCfg config.Config) {
			applyFlags(&newCfg, *port, *strategyName)
			applyReload(d, adminSrv, newCfg)
			if newCfg.Listen() != listen {
				slog.Warn("hot-reload: listen address changes need a restart",
					"current", listen,
					"configured", newCfg.Listen(),
				)
			}
		})
	}

	// ── Accept loop ───────────────────────────────────────────────────────────
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start() }()

	select {
	case <-d.Ready():
		slog.Info("tcplb listening",
			"addr", d.Addr().String(),
			"strategy", d.Strategy().Name(),
			"backends", len(d.Backends()),
			"admin", cfg.Admin.Enabled,
			"version", version,
		)
		if len(d.Backends()) == 0 {
			slog.Warn("backend pool is empty; clients will be disconnected until backends are added")
		}
	case err := <-errCh:
		slog.Error("balancer failed to start", "error", err)
		os.Exit(1)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("accept loop failed", "error", err)
			os.Exit(1)
		}
	}

	d.Stop()

	if adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := adminSrv.Stop(ctx); err != nil {
			slog.Error("admin server forced shutdown", "error", err)
		}
	}

	slog.Info("tcplb stopped")
}

// buildDispatcher constructs the pool, strategy, metrics registry and the
// Dispatcher from cfg.
func buildDispatcher(cfg config.Config) (*proxy.Dispatcher, *prometheus.Registry, error) {
	backends, err := config.BuildBackends(cfg.Backends)
	if err != nil {
		return nil, nil, err
	}
	p, err := pool.New(backends...)
	if err != nil {
		return nil, nil, err
	}
	st, err := strategy.New(cfg.Strategy)
	if err != nil {
		return nil, nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	metrics.RegisterPool(reg, p.View)

	d := proxy.New(proxy.Config{
		ListenAddr: cfg.Listen(),
		Forward: proxy.ForwarderConfig{
			BufferSize:  cfg.Forward.BufferSize,
			DialTimeout: cfg.Forward.ParsedDialTimeout(),
			JoinTimeout: cfg.Forward.ParsedJoinTimeout(),
		},
	}, p, st, m)
	return d, reg, nil
}

// applyFlags lets command-line overrides win over the file and environment.
// It runs on every reload too, so saving the file never undoes a flag.
func applyFlags(cfg *config.Config, port int, strategyName string) {
	if port > 0 {
		cfg.Port = port
	}
	if strategyName != "" {
		cfg.Strategy = strategy.Canonical(strategyName)
	}
}

// applyReload reconciles the running balancer with a freshly loaded config.
// Backends already in the pool keep their counters and health flag.
func applyReload(d *proxy.Dispatcher, adminSrv *admin.Server, cfg config.Config) {
	backends, err := config.BuildBackends(cfg.Backends)
	if err != nil {
		slog.Error("hot-reload: invalid backends", "error", err)
		return
	}
	added, removed, err := d.ReplaceBackends(backends)
	if err != nil {
		slog.Error("hot-reload: pool not updated", "error", err)
		return
	}

	if cfg.Strategy != d.Strategy().Name() {
		st, err := strategy.New(cfg.Strategy)
		if err != nil {
			slog.Error("hot-reload: strategy not changed", "error", err)
		} else {
			d.SetStrategy(st)
		}
	}
	if adminSrv != nil {
		adminSrv.Reconfigure(cfg.Admin)
	}

	slog.Info("hot-reload applied",
		"backends", len(backends),
		"added", added,
		"removed", removed,
		"strategy", d.Strategy().Name(),
	)
}

func setupLogger(c config.LogCfg) {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	var h slog.Handler
	if c.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}
