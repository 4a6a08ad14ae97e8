package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"festa/internal/amqp"
	"festa/internal/cache"
	"festa/internal/cli"
	"festa/internal/export"
	apphttp "festa/internal/http"
	"festa/internal/log"
	"festa/internal/services"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(log.ComponentApp)
	cfg := cli.LoadAndValidateConfig(logger)

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	// Events are best effort: without a broker steps are still recorded and
	// the worker's pending-sync loop still writes the ledger.
	var publisher services.EventPublisher
	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Warn("AMQP unavailable, purchase events disabled", "error", err)
	} else {
		defer amqpClient.Close()
		publisher = amqpClient
		logger.Info("AMQP client initialized", "exchange", cfg.AMQPExchange)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("Invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		logger.Info("Idempotency keys enabled", "ttl", cfg.IdempotencyTTL)
	}

	budgets := services.NewBudgetService(repo, cfg.CacheSize, cfg.CacheTTL)
	cacheManager := cache.NewManager()
	cacheManager.Register("wallet_summaries", budgets.Cache())
	cacheManager.StartCleanup(cfg.CacheTTL)

	srv, err := apphttp.NewServer(apphttp.Options{
		Addr:               ":" + cfg.Port,
		IdentityHeader:     cfg.IdentityHeader,
		TrustedProxies:     cfg.TrustedProxies,
		DevUserEmail:       cfg.DevUserEmail,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		BlockSuspicious:    cfg.BlockSuspicious,
		IdempotencyTTL:     cfg.IdempotencyTTL,
	}, apphttp.Dependencies{
		Users:     repo,
		Purchases: services.NewPurchaseService(repo, publisher, budgets),
		Dashboard: services.NewDashboardService(repo, budgets),
		Exports:   services.NewExportService(repo, budgets, export.PDFOptions{FontPath: cfg.PDFFontPath}),
		Budgets:   budgets,
		Redis:     redisClient,
	})
	if err != nil {
		logger.Error("Failed to build server", "error", err)
		os.Exit(1)
	}
	if cfg.DevUserEmail != "" {
		logger.Warn("Development identity active, every untrusted request acts as this user", "email", cfg.DevUserEmail)
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		cacheManager.Stop()
	})

	logger.Info("Starting festa server", "port", cfg.Port, "db", cfg.SQLiteDBPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
