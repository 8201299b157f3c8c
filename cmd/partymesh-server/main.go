// Package main provides the entry point for partymesh-server.
//
// partymesh-server is the authoritative party directory of a PartyMesh
// cluster. World processes connect over TCP, mutate party state through
// it, and mirror the results into their local caches.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ravengrove/partymesh/internal/core/service"
	"github.com/ravengrove/partymesh/internal/infra/buildinfo"
	"github.com/ravengrove/partymesh/internal/infra/confloader"
	"github.com/ravengrove/partymesh/internal/infra/shutdown"
	"github.com/ravengrove/partymesh/internal/server/config"
	"github.com/ravengrove/partymesh/internal/server/dirserver"
	"github.com/ravengrove/partymesh/internal/storage"
	"github.com/ravengrove/partymesh/internal/storage/memory"
	"github.com/ravengrove/partymesh/internal/telemetry/logger"
	"github.com/ravengrove/partymesh/internal/telemetry/metric"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("partymesh-server %s\n", buildinfo.String())
		return nil
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	slog.SetDefault(log)

	log.Info("starting partymesh-server",
		"version", buildinfo.Get().Version,
		"config", *configFile)

	metrics := metric.NewRegistry()

	store, err := initStore(cfg, log)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	bookingMode, err := config.ParseBookingMode(cfg.Booking.Mode)
	if err != nil {
		return err
	}
	booking := service.NewBookingRegistry(service.BookingConfig{
		Mode:       bookingMode,
		TTL:        cfg.Booking.TTL,
		LevelRange: cfg.Booking.LevelRange,
	}, log)

	worlds := dirserver.NewWorldTable(log, metrics)

	ctx := context.Background()
	directory, err := service.NewDirectory(ctx, service.DirectoryConfig{
		GracePeriod:        cfg.Party.GracePeriod,
		ExpShareLevelRange: cfg.Party.ExpShareLevelRange,
		InviteTTL:          cfg.Party.InviteTTL,
	}, store, worlds, worlds, log)
	if err != nil {
		return fmt.Errorf("init directory: %w", err)
	}

	srv := dirserver.New(dirserver.Config{
		Addr:             cfg.Server.Addr,
		HelloTimeout:     cfg.Server.HelloTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		SearchRatePerSec: cfg.Server.SearchRatePerSec,
		SweepInterval:    cfg.Booking.SweepInterval,
	}, directory, booking, worlds, metrics, log)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start directory server: %w", err)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetrics(cfg.Metrics.Addr, metrics, log)
	}

	watcher := startConfigWatch(*configFile, log)

	shutdownHandler := shutdown.NewHandler(30 * time.Second)
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("shutting down directory server")
		return srv.Shutdown(ctx)
	})
	if metricsSrv != nil {
		shutdownHandler.OnShutdown(func(ctx context.Context) error {
			return metricsSrv.Shutdown(ctx)
		})
	}
	if watcher != nil {
		shutdownHandler.OnShutdown(func(context.Context) error {
			return watcher.Stop()
		})
	}
	shutdownHandler.OnShutdown(func(context.Context) error {
		log.Info("closing party store")
		return store.Close()
	})

	log.Info("server started")
	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	log.Info("server stopped gracefully")
	return nil
}

func loadConfig(configFile string) (*config.ServerConfig, error) {
	cfg := config.Default()

	opts := []confloader.Option{}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}
	loader := confloader.NewLoader(opts...)
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}

	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initStore opens the persistent party store, or an in-memory one when no
// data directory is configured.
func initStore(cfg *config.ServerConfig, log *slog.Logger) (storage.PartyStore, error) {
	if cfg.Storage.DataDir == "" {
		log.Warn("no data directory configured, party state is volatile")
		return memory.New(), nil
	}
	return storage.NewBadgerStore(storage.BadgerConfig{
		Dir:        cfg.Storage.DataDir,
		SyncWrites: cfg.Storage.SyncWrites,
		GCInterval: cfg.Storage.GCInterval,
		Passphrase: cfg.Storage.Passphrase,
	}, log)
}

func startMetrics(addr string, metrics *metric.Registry, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics endpoint error", "error", err)
		}
	}()
	return srv
}

// startConfigWatch re-reads the config file on change and applies the log
// level without a restart. Other settings require one.
func startConfigWatch(configFile string, log *slog.Logger) *confloader.Watcher {
	if configFile == "" {
		return nil
	}
	watcher, err := confloader.NewWatcher(log)
	if err != nil {
		log.Warn("config watch unavailable", "error", err)
		return nil
	}
	if err := watcher.Watch(configFile); err != nil {
		log.Warn("config watch failed", "path", configFile, "error", err)
		return nil
	}
	watcher.OnChange(func(path string) {
		cfg, err := loadConfig(path)
		if err != nil {
			log.Warn("config reload rejected", "error", err)
			return
		}
		logger.SetLevel(cfg.Log.Level)
		log.Info("log level applied", "level", cfg.Log.Level)
	})
	watcher.StartAsync()
	return watcher
}
