package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"festa/internal/amqp"
	"festa/internal/backend"
	"festa/internal/cli"
	"festa/internal/log"
	"festa/internal/notify"
	"festa/internal/services"
	"festa/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(log.ComponentWorker)
	logger.Info("Starting festa-worker")

	cfg := cli.LoadAndValidateConfig(logger)

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	ledgerCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid ledger configuration", "error", err)
		os.Exit(1)
	}
	ledger, err := backend.NewLedger(context.Background(), logger, ledgerCfg)
	if err != nil {
		logger.Error("Failed to initialize ledger", "error", err, "backend", ledgerCfg.Type)
		os.Exit(1)
	}

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	processor := services.NewLedgerSyncProcessor(repo, ledger, services.LedgerSyncConfig{
		PollInterval: cfg.SyncInterval,
		BatchSize:    cfg.SyncBatchSize,
		MaxRetries:   cfg.SyncMaxRetries,
	})
	events := worker.NewEventWorker(repo, notify.NewLoggerNotifier(logger), processor, cfg.SyncBatchSize)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := processor.Stop(ctx); err != nil {
			logger.Error("Ledger sync processor stop failed", "error", err)
		}
	})

	// Completed purchases missed while the worker was down
	if err := events.StartupSyncCheck(ctx); err != nil {
		logger.Error("Failed startup sync check", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return amqpClient.ConsumePurchaseEvents(gctx, events.HandlePurchaseEvent)
	})
	g.Go(func() error {
		return processor.Start(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped with error", "error", err)
		_ = processor.Stop(context.Background())
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker shutdown complete")
}
