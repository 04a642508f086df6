// Verge daemon: boot-time generation, validation, profile watching and
// scheduled refresh of remote profiles
//
// Flags can also be set through VERGE_* environment variables, for example
// VERGE_HOME or VERGE_VALIDATE_TIMEOUT.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agilira/verge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "1.0.0"

func main() {
	cm := verge.NewConfigManager("verged").SetVersion(version)
	cm.ParseArgsOrExit()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cm.LogLevel()}))
	slog.SetDefault(logger)

	if err := run(cm, logger); err != nil {
		logger.Error("verged exited", "error", err)
		os.Exit(1)
	}
}

func run(cm *verge.ConfigManager, logger *slog.Logger) error {
	cfg := cm.Config(logger)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var auditLogger *verge.AuditLogger
	if cfg.Audit.Enabled {
		var err error
		auditLogger, err = verge.NewAuditLogger(cfg.Audit)
		if err != nil {
			logger.Warn("audit trail disabled", "error", err)
		} else {
			defer auditLogger.Close()
		}
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := verge.NewMetrics(promRegistry)

	registry := verge.Global()
	store := verge.NewProfileStore(cfg.ProfilesDir)
	if err := registry.Load(cfg, store); err != nil {
		return err
	}

	coordinator := verge.NewCoordinator(registry, cfg, verge.NewProcessEngine(cfg, registry), verge.LogNotifier{Logger: logger},
		verge.WithMetrics(metrics),
		verge.WithAudit(auditLogger),
		verge.WithLogger(logger),
	)
	if err := coordinator.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := coordinator.Stop(); err != nil {
			logger.Warn("coordinator did not drain", "error", err)
		}
	}()

	server := startMetricsServer(cm.MetricsAddr(), promRegistry, coordinator, logger)

	res, finished := coordinator.Boot(ctx)
	if finished {
		logger.Info("boot cycle finished", "state", res.Outcome.State.String(), "digest", res.Digest)
	}

	fetcher := verge.NewRemoteFetcher(verge.DefaultRemoteOptions(), auditLogger, logger)
	scheduler := verge.NewRemoteScheduler(ctx, coordinator, fetcher, !cm.Watch())
	scheduler.Start()
	defer scheduler.Stop()
	logger.Info("remote profile refresh scheduled", "profiles", len(scheduler.Entries()))

	if cm.Watch() {
		watcher, err := verge.NewProfileWatcher(ctx, coordinator)
		if err != nil {
			return err
		}
		watcher.OnReload(func(verge.Profiles) { scheduler.Sync() })
		if err := watcher.Start(); err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()
		logger.Info("watching profiles", "files", len(watcher.Watcher().WatchedFiles()))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}
	return nil
}

// startMetricsServer serves /metrics and /health. An empty addr disables it.
func startMetricsServer(addr string, reg *prometheus.Registry, coordinator *verge.Coordinator, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(coordinator.State().String()))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return server
}
