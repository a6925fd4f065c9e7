// Package main — cmd/pluginkd/main.go
//
// plugink daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/plugink/config.yaml.
//  2. Initialise structured logger (zap, configurable format).
//  3. Bootstrap the runtime: storage, audit ledger, Capability Kernel,
//     Policy Engine, Isolation Backend, Instance Pool, plugin manager,
//     Message Bus, Workflow Executor, Event Orchestrator, metrics
//     server, control socket (internal/bootstrap).
//  4. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context.
//  2. Tear the runtime down (control socket, metrics server, isolation
//     backend, storage) under one shared shutdown timeout.
//  3. Flush logger.
//  4. Exit 0.
//
// On config validation failure or bootstrap failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/plugink/plugink/internal/bootstrap"
	"github.com/plugink/plugink/internal/config"
)

func main() {
	configPath := flag.String("config", "/etc/plugink/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("pluginkd %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("pluginkd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bootstrap.Bootstrap(ctx, cfg, log)
	if err != nil {
		log.Fatal("bootstrap failed", zap.Error(err))
	}
	log.Info("runtime bootstrapped",
		zap.String("isolation_backend", cfg.Isolation.Backend),
		zap.String("control_socket", cfg.Control.SocketPath))

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			log.Info("config reloaded and validated; changes take effect on restart",
				zap.Int("max_parallel_nodes", newCfg.Runtime.MaxParallelNodes))
			// The reloaded config is only validated and logged; no field
			// of it is applied to the running runtime.
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	rt.Shutdown(context.Background(), 10*time.Second)
	log.Info("pluginkd shutdown complete")
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
