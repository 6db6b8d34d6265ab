package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lysyi3m/inbox-sync/app/api"
	"github.com/lysyi3m/inbox-sync/app/backend"
	"github.com/lysyi3m/inbox-sync/app/cache"
	"github.com/lysyi3m/inbox-sync/app/cfg"
	"github.com/lysyi3m/inbox-sync/app/device"
	"github.com/lysyi3m/inbox-sync/app/inbox"
	"github.com/lysyi3m/inbox-sync/app/ledger"
	"github.com/lysyi3m/inbox-sync/app/offline"
	"github.com/lysyi3m/inbox-sync/app/profile"
	"github.com/lysyi3m/inbox-sync/app/storage"
	"github.com/lysyi3m/inbox-sync/app/tasks"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if appCfg == nil {
		// Help was shown
		return
	}

	level := slog.LevelInfo
	if appCfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	slog.Info("Starting Inbox Sync server", "version", appCfg.Version, "device_class", appCfg.DeviceClass)

	medium, err := openMedium(appCfg)
	if err != nil {
		slog.Error("Failed to open storage", "driver", appCfg.StorageDriver, "error", err)
		os.Exit(1)
	}
	defer medium.Close()

	deviceProfile := appCfg.Profile(device.ResolveID(appCfg.DeviceID, medium))
	slog.Info("Device profile resolved",
		"device_id", deviceProfile.DeviceID,
		"class", deviceProfile.Class,
		"fetch_timeout", deviceProfile.FetchTimeout,
		"feed_ttl", deviceProfile.TTL(device.CategoryFeed))

	configs := inbox.NewConfigCache(appCfg.SourcesDir)
	if err := configs.Run(); err != nil {
		slog.Error("Failed to load source configurations", "error", err)
		os.Exit(1)
	}
	slog.Info("Source configurations loaded", "dir", appCfg.SourcesDir, "count", configs.GetConfigCount())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := configs.Watch(ctx); err != nil {
			slog.Warn("Source configuration hot reload disabled", "dir", appCfg.SourcesDir, "error", err)
		}
	}()

	client := backend.NewHTTPClient(appCfg.BackendURL, appCfg.BackendKey, &http.Client{Timeout: 30 * time.Second}).
		WithToken(appCfg.BackendToken).
		WithUserAgent(appCfg.UserAgent)

	feedStore := cache.NewStore[[]inbox.Item](medium, deviceProfile, device.CategoryFeed)
	profiles := profile.NewLoader(client, medium, deviceProfile)

	scheduler := tasks.NewScheduler(tasks.Options{
		WorkerCount:   appCfg.WorkerCount,
		SweepInterval: appCfg.SweepInterval,
	})
	scheduler.AddSweeper(feedStore)
	for _, sweeper := range profiles.Sweepers() {
		scheduler.AddSweeper(sweeper)
	}
	slog.Info("Starting background scheduler", "workers", appCfg.WorkerCount, "sweep_interval", appCfg.SweepInterval)
	scheduler.Start()
	defer scheduler.Stop()

	registry := inbox.NewRegistry(inbox.RegistryOptions{
		Client:  client,
		Configs: configs,
		Ledger:  ledger.New(medium),
		Store:   feedStore,
		Profile: deviceProfile,
		Tasks:   scheduler,
	})
	defer registry.Close()
	registry.OnSignOut(profiles.Invalidate)
	configs.OnReload(func(kind inbox.Kind) {
		if err := scheduler.EnqueueTask(tasks.NewRefilterSourceTask(string(kind), registry)); err != nil {
			slog.Warn("Failed to queue source refilter", "source", kind, "error", err)
		}
	})

	target, err := url.Parse(appCfg.BackendURL)
	if err != nil {
		slog.Error("Invalid backend URL", "url", appCfg.BackendURL, "error", err)
		os.Exit(1)
	}
	transport := offline.NewTransport(http.DefaultTransport, offline.NewStore(appCfg.OfflineCacheSize))

	var health api.HealthReporter
	if reporter, ok := medium.(api.HealthReporter); ok {
		health = reporter
	}

	selfBase := appCfg.BaseUrl
	if selfBase == "" {
		selfBase = fmt.Sprintf("http://localhost:%s", appCfg.Port)
	}

	// an open proxy must not hand out the backend key
	proxyKey := appCfg.BackendKey
	if appCfg.APIAccessKey == "" {
		proxyKey = ""
		slog.Warn("Backend proxy is open, requests are forwarded without the backend key")
	}

	handler := api.NewHandler(registry, profiles, configs, health, selfBase, appCfg.Version)
	server := api.NewServer(handler, api.NewOfflineProxy(target, transport, proxyKey), appCfg.APIAccessKey, appCfg.AllowedOrigins)

	// WriteTimeout stays unset so websocket event streams are not cut off
	httpServer := &http.Server{
		Addr:        ":" + appCfg.Port,
		Handler:     server,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", appCfg.Port, "base_url", selfBase)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig)
	case err := <-serverErrChan:
		slog.Error("Server error", "error", err)
	}

	slog.Info("Shutting down server gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	transport.Wait()
	slog.Info("Inbox Sync server shutdown complete")
}

func openMedium(c *cfg.Cfg) (storage.Medium, error) {
	switch c.StorageDriver {
	case "memory":
		return storage.NewMemory(c.MemoryQuota), nil
	case "redis":
		return storage.NewRedis(c.RedisAddr, "inbox-sync")
	default:
		return storage.OpenSQLite(c.SQLitePath, c.MaxCacheEntries)
	}
}
