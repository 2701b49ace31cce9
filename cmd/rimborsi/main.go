package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"rimborsi/internal/approval"
	"rimborsi/internal/audit"
	"rimborsi/internal/cli"
	apphttp "rimborsi/internal/http"
	"rimborsi/internal/log"
	"rimborsi/internal/services"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(logger)

	b := cli.InitBackend(context.Background(), logger, cfg)
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("Failed to close backend", log.FieldError, err)
		}
	}()

	// Publisher and dispatcher stay nil interfaces when AMQP is disabled.
	var (
		publisher  services.Publisher
		dispatcher apphttp.AutoMatchDispatcher
	)
	if amqpClient := cli.InitAMQP(logger, cfg); amqpClient != nil {
		defer amqpClient.Close()
		publisher, dispatcher = amqpClient, amqpClient
	}

	gate := approval.NewGate(b.Approvals, cfg.ApprovalTTL)
	auditor := audit.NewService(b.Audits, publisher, logger)

	expenses := services.NewExpenseService(b.Store, publisher, logger)
	reimbursements := services.NewReimbursementService(b.Store, gate, auditor,
		services.WithLogger(logger),
		services.WithDefaultRecoveryWindow(cfg.DefaultRecoveryWindowDays),
	)

	srv := apphttp.NewServer(apphttp.Config{
		Addr:              ":" + cfg.Port,
		Logger:            logger,
		AllowedOrigins:    cfg.CORSAllowedOrigins,
		RequestsPerMinute: cfg.RateLimitPerMinute,
		Ready:             b.Ready,
		Dispatcher:        dispatcher,
	}, expenses, reimbursements)

	ctx, done := cli.GracefulShutdown(logger, shutdownTimeout, func(shutdownCtx context.Context) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
	})

	logger.Info("Starting rimborsi server", "port", cfg.Port, "backend", b.Type)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
