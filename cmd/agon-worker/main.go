package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agon/internal/cache"
	"agon/internal/config"
	"agon/internal/db"
	"agon/internal/economy"
	"agon/internal/metrics"
	"agon/internal/notify"
	"agon/internal/polymarket"
	"agon/internal/prices"

	"golang.org/x/sync/errgroup"
)

type job struct {
	name  string
	every time.Duration
	run   func(ctx context.Context) ([]any, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL, "agon-worker")
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

	var store cache.Store = cache.NewMemory()
	var events economy.EventSink
	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("redis connect failed", "err", err)
			os.Exit(1)
		}
		store = rdb
		events = rdb.Publisher(cache.EventsChannel, logger)
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

	if cfg.PredictionEnabled && len(cfg.WhitelistSlugs) > 0 {
		n, err := svc.ImportWhitelist(ctx, cfg.WhitelistSlugs)
		if err != nil {
			logger.Warn("whitelist import incomplete", "imported", n, "err", err)
		} else {
			logger.Info("whitelist imported", "markets", n)
		}
	}

	jobs := []job{
		{name: "auction_sweep", every: cfg.AuctionSweepEvery, run: func(ctx context.Context) ([]any, error) {
			n, err := svc.SweepExpired(ctx)
			return []any{"ended", n}, err
		}},
		{name: "trading_tick", every: cfg.TradingTick, run: func(ctx context.Context) ([]any, error) {
			rep, err := svc.RunTradingTick(ctx)
			return []any{"symbols", rep.Symbols, "positions", rep.Positions, "liquidated", rep.Liquidated, "price_failures", rep.PriceFails}, err
		}},
	}
	if cfg.PredictionEnabled {
		jobs = append(jobs,
			job{name: "quote_sync", every: cfg.QuoteSyncEvery, run: func(ctx context.Context) ([]any, error) {
				rep, err := svc.SyncQuotes(ctx)
				return []any{"synced", rep.Synced, "failed", rep.Failed, "paused", rep.Paused}, err
			}},
			job{name: "resolution_check", every: cfg.ResolutionCheckEvery, run: func(ctx context.Context) ([]any, error) {
				n, err := svc.CheckResolutions(ctx)
				return []any{"settled", n}, err
			}},
		)
	}

	runOnce := strings.EqualFold(strings.TrimSpace(os.Getenv("AGON_WORKER_RUN_ONCE")), "true")
	if runOnce {
		failed := false
		for _, j := range jobs {
			if err := runJob(ctx, logger, j); err != nil {
				failed = true
			}
		}
		if failed {
			os.Exit(1)
		}
		logger.Info("worker run-once completed")
		return
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			<-ctx.Done()
			_ = metricsServer.Close()
		}()
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", "err", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			loop(gctx, logger, j)
			return nil
		})
	}
	logger.Info("worker started", "jobs", len(jobs), "prediction", cfg.PredictionEnabled)
	_ = g.Wait()
	logger.Info("worker shutdown")
}

// loop runs j on its ticker until ctx ends; failures are logged and the
// next tick proceeds.
func loop(ctx context.Context, logger *slog.Logger, j job) {
	if j.every <= 0 {
		j.every = time.Minute
	}
	ticker := time.NewTicker(j.every)
	defer ticker.Stop()
	_ = runJob(ctx, logger, j)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = runJob(ctx, logger, j)
		}
	}
}

func runJob(ctx context.Context, logger *slog.Logger, j job) error {
	start := time.Now()
	attrs, err := j.run(ctx)
	metrics.JobDuration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())
	metrics.JobRuns.WithLabelValues(j.name, metrics.ResultLabel(err)).Inc()
	attrs = append(attrs, "job", j.name, "took", time.Since(start).String())
	if err != nil {
		logger.Error("job failed", append(attrs, "err", err)...)
		return err
	}
	logger.Info("job complete", attrs...)
	return nil
}
