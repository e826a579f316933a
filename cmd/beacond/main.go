package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"beacon/internal/alerts"
	"beacon/internal/api"
	"beacon/internal/broadcast"
	"beacon/internal/bus"
	"beacon/internal/config"
	"beacon/internal/events"
	"beacon/internal/metrics"
	"beacon/internal/presence"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	logger.Info("config ready",
		"listen", cfg.Listen,
		"last_seen_ttl", cfg.Presence.LastSeenTTL,
		"idle_threshold", cfg.Presence.IdleThreshold,
		"broadcast_interval", cfg.Presence.BroadcastInterval,
	)

	registry := presence.NewRegistry(cfg.Presence.LastSeenTTL, cfg.Presence.IdleThreshold)
	emitter := events.NewEmitter(logger)
	metrics.RegisterEventHandler(emitter)

	if len(cfg.Webhooks) > 0 {
		alerter := alerts.NewWebhookAlerter(cfg.Webhooks, logger)
		alerter.RegisterEventHandler(emitter)
		logger.Info("webhook alerts configured", "count", len(cfg.Webhooks))
	}

	if cfg.NATS.URL != "" {
		busClient, err := bus.Connect(cfg.NATS, "beacond", logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer busClient.Close()
		busClient.RegisterEventHandler(emitter)
		logger.Info("event mirror connected", "url", cfg.NATS.URL, "subject_prefix", cfg.NATS.SubjectPrefix)
	}

	streamer := broadcast.NewStreamer(registry, broadcast.Config{Interval: cfg.Presence.BroadcastInterval}, logger)
	server := api.NewServer(registry, streamer, emitter, cfg, logger)

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no timeout for SSE
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("shutting down", "signal", sig.String(), "active_subscribers", server.Subscribers())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	fmt.Println("beacond stopped")
}
