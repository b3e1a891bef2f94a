// Package main is the entry point for the GridRelay intake API.
//
// It loads configuration, connects the event ledger (Postgres) and the event
// queue (SQS), wires the webhook handler onto the core HTTP chassis, and
// serves until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gridrelay/internal/api/handlers"
	"gridrelay/internal/classifier"
	"gridrelay/internal/config"
	"gridrelay/internal/core"
	"gridrelay/internal/db"
	"gridrelay/internal/ledger"
	"gridrelay/internal/metrics"
	"gridrelay/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("gridrelay API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to ledger database: %w", err)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)

	var pipelineMetrics metrics.PipelineMetrics = metrics.Noop{}
	if cfg.AWS.MetricsEnabled {
		pipelineMetrics = metrics.NewCloudWatch(cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricNamespace, logger)
	}

	ledgerMgr := ledger.NewManager(db.NewLedgerRepository(pool), logger)
	publisher := queue.NewPublisher(sqsClient, cfg.AWS.EventQueueURL, logger)
	cls := classifier.New(cfg.Webhook.SystemActorSet())

	eventsHandler := handlers.NewEventsHandler(cls, ledgerMgr, publisher, pipelineMetrics, cfg.Webhook, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = []core.HealthProbe{
		databaseProbe(pool),
		queueProbe(sqsClient, cfg.AWS.EventQueueURL),
	}
	srv.RouteRegistrars = append(srv.RouteRegistrars, func(r chi.Router) {
		eventsHandler.RegisterRoutes(r)
	})
	srv.MountRoutes()

	return runHTTPServer(ctx, srv, cfg, logger)
}

// databaseProbe checks ledger connectivity for GET /health.
func databaseProbe(pool *pgxpool.Pool) core.HealthProbe {
	return core.HealthProbeFunc{
		ProbeName: "database",
		Fn: func(ctx context.Context) error {
			return pool.Ping(ctx)
		},
	}
}

// queueProbe checks that the event queue exists and is reachable.
func queueProbe(client *sqs.Client, queueURL string) core.HealthProbe {
	return core.HealthProbeFunc{
		ProbeName: "queue",
		Fn: func(ctx context.Context) error {
			_, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
				QueueUrl: &queueURL,
			})
			return err
		},
	}
}

// runHTTPServer starts the server with graceful shutdown on signal or error.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
