package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agon/internal/api"
	"agon/internal/auth"
	"agon/internal/cache"
	"agon/internal/config"
	"agon/internal/db"
	"agon/internal/economy"
	"agon/internal/notify"
	"agon/internal/polymarket"
	"agon/internal/prices"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL, "agon-api")
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.RunMigrations {
		if err := db.Migrate(ctx, pool, logger); err != nil {
			logger.Error("migrate failed", "err", err)
			os.Exit(1)
		}
	}

	hub := api.NewHub(logger)
	go hub.Run(ctx)

	var store cache.Store = cache.NewMemory()
	var events economy.EventSink = hub
	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("redis connect failed", "err", err)
			os.Exit(1)
		}
		store = rdb
		// Events from this process and the worker both arrive via Redis.
		events = rdb.Publisher(cache.EventsChannel, logger)
		go func() {
			if err := rdb.Relay(ctx, cache.EventsChannel, hub, logger); err != nil {
				logger.Error("event relay stopped", "err", err)
			}
		}()
	}
	defer store.Close()

	senders := []notify.Sender{notify.NewLogSender(logger)}
	if cfg.DiscordWebhookURL != "" {
		discord, err := notify.NewDiscordSender(cfg.DiscordWebhookURL)
		if err != nil {
			logger.Error("discord webhook invalid", "err", err)
			os.Exit(1)
		}
		senders = append(senders, discord)
	}

	svc := economy.NewService(pool, logger, economy.Options{
		Notifier:          notify.NewNotifier(senders, nil, logger),
		Events:            events,
		Cache:             store,
		Feed:              polymarket.NewClient(cfg.GammaBaseURL, cfg.ClobBaseURL),
		Prices:            prices.NewSource(cfg.PolygonBaseURL, cfg.PolygonAPIKey, cfg.YahooBaseURL, logger),
		SwapRate:          cfg.SwapRate,
		RequireInvite:     cfg.RequireInvite,
		PredictionEnabled: cfg.PredictionEnabled,
		MaxLeverage:       cfg.MaxLeverage,
	})

	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	server := api.New(cfg, logger, issuer, svc, hub, store)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("agon api listening", "addr", cfg.Addr, "env", cfg.Env, "prediction", cfg.PredictionEnabled)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
