package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"escrowdesk/client"
	"escrowdesk/gateway/auth"
	"escrowdesk/gateway/middleware"
	"escrowdesk/observability/logging"
	"escrowdesk/securelink"
	"escrowdesk/views"
	"escrowdesk/watch"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "escrowd.toml", "path to the service configuration file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logging.Setup("escrowd", "", logging.Options{}).Error("load config", "err", err)
		os.Exit(1)
	}
	logger := logging.Setup("escrowd", cfg.Environment, logging.Options{
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	store, err := OpenStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open store", "path", cfg.DatabasePath, "err", err)
		os.Exit(1)
	}

	verifier, err := auth.NewVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		logger.Error("build verifier", "err", err)
		os.Exit(1)
	}

	// One transport is shared across all backend clients; the per-session
	// clients differ only in the bearer token they attach.
	httpClient := &http.Client{Timeout: 15 * time.Second}
	serviceToken := strings.TrimSpace(os.Getenv("ESCROWD_BACKEND_TOKEN"))
	backend, err := client.New(client.Config{
		BaseURL:    cfg.BackendURL,
		HTTPClient: httpClient,
		Session:    func() string { return serviceToken },
	})
	if err != nil {
		logger.Error("build backend client", "err", err)
		os.Exit(1)
	}
	backendFor := func(session string) backendAPI {
		c, err := client.New(client.Config{
			BaseURL:    cfg.BackendURL,
			HTTPClient: httpClient,
			Session:    func() string { return session },
		})
		if err != nil {
			return backend
		}
		return c
	}

	cache := views.NewCache()
	graph := views.NewGraph(cache)

	maxWatch, _ := cfg.WatchMaxDuration()
	watcher := watch.NewWatcher(watch.Config{MaxDuration: maxWatch, Logger: logger})

	watchCtx, stopWatches := context.WithCancel(context.Background())
	defer stopWatches()

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for name, limit := range cfg.RateLimits {
		limits[name] = middleware.RateLimit{
			RequestsPerMinute: limit.RequestsPerMinute,
			Burst:             limit.Burst,
		}
	}

	server := NewServer(ServerDeps{
		Logger:     logger,
		Backend:    backend,
		BackendFor: backendFor,
		Store:      store,
		Cache:      cache,
		Graph:      graph,
		Watcher:    watcher,
		Issuer:     securelink.NewIssuer(backend),
		Verifier:   verifier,
		Obs: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "escrowd",
			LogRequests: true,
			Enabled:     true,
		}, logger),
		Limiter: middleware.NewRateLimiter(limits, logger),
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		WatchCtx: watchCtx,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("escrowd listening", "addr", cfg.ListenAddress, "backend", cfg.BackendURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	stopWatches()
	watcher.CancelAll()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}
