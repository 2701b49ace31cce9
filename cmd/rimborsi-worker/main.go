package main

import (
	"context"
	"os"
	"time"

	"rimborsi/internal/audit"
	"rimborsi/internal/cache"
	"rimborsi/internal/cli"
	"rimborsi/internal/log"
	"rimborsi/internal/services"
	"rimborsi/internal/sheets"
	gsheet "rimborsi/internal/sheets/google"
	"rimborsi/internal/storage"
	"rimborsi/internal/worker"
)

const (
	shutdownTimeout      = 30 * time.Second
	cacheCleanupInterval = time.Minute
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	logger.Info("Starting rimborsi-worker")

	cfg := cli.LoadAndValidateConfig(logger)

	b := cli.InitBackend(context.Background(), logger, cfg)
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("Failed to close backend", log.FieldError, err)
		}
	}()

	var (
		publisher audit.Publisher
		consumer  worker.Consumer
	)
	amqpClient := cli.InitAMQP(logger, cfg)
	if amqpClient != nil {
		defer amqpClient.Close()
		publisher, consumer = amqpClient, amqpClient
	} else {
		logger.Info("Skipping message consumption - running periodic sweeps only")
	}

	// Initialize Google Sheets report writer (optional)
	var report sheets.ReportWriter
	if cfg.GoogleSpreadsheetID != "" {
		client, err := gsheet.New(context.Background(), gsheet.Config{
			SpreadsheetID:      cfg.GoogleSpreadsheetID,
			ReportSheetName:    cfg.GoogleReportSheetName,
			ServiceAccountJSON: cfg.GoogleServiceAccountJSON,
			ServiceAccountFile: cfg.GoogleServiceAccountFile,
		})
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", log.FieldError, err)
			os.Exit(1)
		}
		report = client
		logger.Info("Google Sheets report enabled", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	} else {
		logger.Info("Google Sheets report disabled - no GOOGLE_SPREADSHEET_ID provided")
	}

	categories := storage.NewCachedCategoryReader(b.Store, cfg.CategoryCacheSize, cfg.CategoryCacheTTL)
	caches := cache.NewManager(logger)
	caches.Register(categories.Cache())

	reimbursements := services.NewReimbursementService(b.Store, nil, audit.NewService(b.Audits, publisher, logger),
		services.WithLogger(logger),
		services.WithDefaultRecoveryWindow(cfg.DefaultRecoveryWindowDays),
	)

	reconcileWorker := worker.NewReconcileWorker(reimbursements, report, categories, worker.Config{
		Interval: cfg.AutoMatchInterval,
		Lookback: cfg.AutoMatchLookback(),
	}, logger)

	ctx, done := cli.GracefulShutdown(logger, shutdownTimeout, func(context.Context) {
		caches.Wait()
	})

	caches.Start(ctx, cacheCleanupInterval)

	if err := reconcileWorker.Run(ctx, consumer); err != nil {
		logger.Error("Worker stopped with error", log.FieldError, err)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker stopped gracefully")
}
