package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/etfpool/batch-engine/internal/batch"
	"github.com/etfpool/batch-engine/internal/broker"
	"github.com/etfpool/batch-engine/internal/config"
	"github.com/etfpool/batch-engine/internal/handler"
	"github.com/etfpool/batch-engine/internal/intent"
	"github.com/etfpool/batch-engine/internal/ledger"
	"github.com/etfpool/batch-engine/internal/limits"
	"github.com/etfpool/batch-engine/internal/portfolio"
	"github.com/etfpool/batch-engine/internal/push"
	"github.com/etfpool/batch-engine/internal/scheduler"
	"github.com/etfpool/batch-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	// --- Store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Broker client ---
	// The simulated broker stands in for the real gateway; it starts
	// connected with the configured daily value limit as account cash.
	bk := broker.NewSimBroker(decimal.NewFromInt(1_000_000))

	// --- WebSocket hub ---
	hub := push.NewHub()
	go hub.Run()

	// --- Services ---
	ledgerSvc := ledger.NewService(st, bk)
	portfolioSvc := portfolio.NewService(st)
	batchSvc := batch.NewService(st, bk, ledgerSvc, portfolioSvc, hub, cfg.OrderTimeout)

	sched, err := scheduler.New(batchSvc, cfg.BatchTime, cfg.SchedulerTick)
	if err != nil {
		slog.Error("invalid scheduler configuration", "err", err)
		os.Exit(1)
	}

	limiter := limits.NewDailyLimiter(cfg.DailyMaxOrders, cfg.DailyMaxValue)
	intentSvc := intent.NewService(st, ledgerSvc, portfolioSvc, limiter, sched, hub)

	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopSched()
	go sched.Start(schedCtx)

	// --- Server ---
	r := handler.NewRouter(ledgerSvc, portfolioSvc, intentSvc, batchSvc, sched, bk, hub)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		slog.Info("batch-engine listening", "port", cfg.Port, "batch_time", cfg.BatchTime)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopSched()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down batch-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("batch-engine stopped")
}
