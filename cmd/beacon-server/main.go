// Package main provides the beacon server: search job submission, the
// enrichment coordinator, and the websocket notification channel.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tgoebel/beacon/internal/broker"
	"github.com/tgoebel/beacon/internal/config"
	"github.com/tgoebel/beacon/internal/enrich"
	"github.com/tgoebel/beacon/internal/job"
	"github.com/tgoebel/beacon/internal/metrics"
	"github.com/tgoebel/beacon/internal/server"
	"github.com/tgoebel/beacon/internal/store"
)

const version = "0.1.0"

func main() {
	memStore := flag.Bool("mem", false, "use the in-process store instead of SurrealDB (single instance only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Dual output: stderr text + file JSON
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()
	slog.SetDefault(logger)

	logger.Info("beacon-server starting",
		"version", version,
		"addr", cfg.Addr,
		"surrealdb_url", cfg.SurrealDBURL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Coordination store
	var kv store.Store
	if *memStore || cfg.MemStore {
		logger.Info("using in-process coordination store")
		kv = store.NewMemStore()
	} else {
		connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
		surreal, err := store.NewSurrealStore(connectCtx, store.SurrealConfig{
			URL:         cfg.SurrealDBURL,
			Namespace:   cfg.SurrealDBNamespace,
			Database:    cfg.SurrealDBDatabase,
			Username:    cfg.SurrealDBUser,
			Password:    cfg.SurrealDBPass,
			AuthLevel:   "root",
			CallTimeout: cfg.StoreTimeout,
		}, logger)
		connectCancel()
		if err != nil {
			logger.Error("failed to connect to coordination store", "error", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("closing coordination store")
			_ = surreal.Close(context.Background())
		}()
		kv = surreal
	}

	collector := metrics.NewCollector()
	jobs := job.NewStore(kv, cfg.JobTTL)

	hub := broker.NewHub(jobs, broker.Options{
		RequireAuth:       cfg.RequireAuth,
		BacklogMaxCount:   cfg.BacklogMaxCount,
		BacklogMaxAge:     cfg.BacklogMaxAge,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}, logger, collector)
	go hub.Run(ctx)

	coordinator := enrich.NewCoordinator(kv, enrich.NewHTTPProvider(cfg.ProviderURL), hub, enrich.Options{
		FoundTTL:      cfg.FoundTTL,
		NotFoundTTL:   cfg.NotFoundTTL,
		LockTTL:       cfg.LockTTL,
		LookupTimeout: cfg.LookupTimeout,
		Workers:       cfg.EnrichWorkers,
	}, logger, collector)

	runner := server.NewSearchRunner(server.NewHTTPItemSource(cfg.SearchURL), coordinator, hub, logger)

	srv := server.New(jobs, hub, kv, runner, server.Options{
		RequireAuth:   cfg.RequireAuth,
		SearchTimeout: cfg.SearchTimeout,
	}, logger, collector)

	httpServer := &http.Server{
		Addr:        cfg.Addr,
		Handler:     srv.Handler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("received shutdown signal", "signal", sig)

	// Stop accepting requests, then close every live connection with
	// SERVER_SHUTDOWN and drain in-flight work.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	hub.Shutdown()
	cancel()
	srv.Wait()
	coordinator.Wait()

	logger.Info("shutdown complete")
}
