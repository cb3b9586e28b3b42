// Package main is the entry point for the VaultGrid replica finalization daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vaultgrid/vaultgrid/internal/app"
	"github.com/vaultgrid/vaultgrid/internal/config"
	"github.com/vaultgrid/vaultgrid/internal/logging"
	"github.com/vaultgrid/vaultgrid/internal/metrics"
	"github.com/vaultgrid/vaultgrid/internal/server"
	"github.com/vaultgrid/vaultgrid/internal/session"
)

func main() {
	configPath := flag.String("config", "vaultgrid.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9247)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	catalogEngine := flag.String("catalog", "", "override catalog engine (default: from config or sqlite)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *catalogEngine != "" {
		cfg.Catalog.Engine = *catalogEngine
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
			os.Exit(1)
		}
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Metrics.Enabled {
		metrics.Register()
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	// Every startup is recovery: replicas left intermediate by a crash have
	// no replica state table entry anymore and are marked stale here.
	sys := session.New("vaultgrid", cfg.Server.Zone)
	sys.Admin = true
	if _, err := a.Finalizer.RecoverInterrupted(ctx, sys); err != nil {
		slog.Error("Startup recovery failed", "error", err)
	}
	if failures := a.Finalizer.Journal().List(); len(failures) > 0 {
		slog.Warn("Unresolved stale-publish failures in recovery journal", "count", len(failures))
	}

	srv, err := server.New(cfg, a.Finalizer, server.WithResources(a.Resources))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("VaultGrid listening", "addr", addr, "zone", cfg.Server.Zone,
			"catalog", cfg.Catalog.Engine, "resources", a.Resources.Names())
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		if open := a.Finalizer.Descriptors().Open(); len(open) > 0 {
			slog.Warn("Shutting down with open descriptors", "count", len(open))
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			a.Close()
			os.Exit(1)
		}
	}
}
