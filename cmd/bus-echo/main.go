package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/kstaniek/go-bus-echo/internal/exchange"
	"github.com/kstaniek/go-bus-echo/internal/metrics"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("bus-echo %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, cfg, l); err != nil {
		l.Error("exit_error", "error", err)
		cancel()
		os.Exit(1)
	}
}

// run wires backend, diagnostics and role together and drives the exchange
// loop until shutdown or a fault.
func run(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	tr, cleanupBackend, err := initBackend(ctx, cfg, l, &wg)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	cleanupBackend = sync.OnceFunc(cleanupBackend)
	defer cleanupBackend()

	d, err := initDiagnostics(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("diagnostics: %w", err)
	}
	defer d.Close()

	// Devices are released before the process image is replaced; the console
	// goes first so the final line is flushed.
	rs := newRestarter(cfg.restart, l)
	rs.onRestart(cleanupBackend)
	rs.onRestart(d.Close)

	role, err := newRole(cfg.role, cfg, tr,
		exchange.WithDiagnostics(d.sink),
		exchange.WithIndicator(d.ind),
		exchange.WithLogger(l),
	)
	if err != nil {
		return err
	}

	var running atomic.Bool
	metrics.SetReadinessFunc(func() bool { return running.Load() && ctx.Err() == nil })

	if cfg.mdnsEnable {
		cleanupMDNS, err := startMDNS(ctx, cfg)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "metrics", cfg.metricsAddr)
			defer cleanupMDNS()
		}
	}

	l.Info("exchange_start", "role", cfg.role, "backend", cfg.backend, "address", cfg.address.String(), "restart", cfg.restart)
	running.Store(true)
	err = exchange.Run(ctx, role, d.sink, rs)
	running.Store(false)
	if ctx.Err() != nil && !errors.As(err, new(*exchange.Fault)) {
		l.Info("exchange_stopped")
		return nil
	}
	return err
}
