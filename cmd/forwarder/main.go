// Package main is the entry point for the GridRelay forwarder worker.
//
// The forwarder consumes accepted events from the SQS event queue, delivers
// them to the downstream business-logic endpoint with bounded retries, and
// routes permanently failed events to the dead-letter queue. It runs a fixed
// pool of consumer workers until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"gridrelay/internal/config"
	"gridrelay/internal/db"
	"gridrelay/internal/forwarder"
	"gridrelay/internal/ledger"
	"gridrelay/internal/metrics"
	"gridrelay/internal/queue"
	"gridrelay/internal/security"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("gridrelay forwarder starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"workers", cfg.Forwarder.Workers,
		"downstream_url", cfg.Forwarder.DownstreamURL,
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

	httpClient, err := newDownstreamHTTPClient(cfg.Forwarder, logger)
	if err != nil {
		return fmt.Errorf("building downstream HTTP client: %w", err)
	}

	ledgerMgr := ledger.NewManager(db.NewLedgerRepository(pool), logger)
	deadLetter := queue.NewDeadLetter(sqsClient, sqsClient, cfg.AWS.DeadLetterQueueURL, logger)
	downstream := forwarder.NewDownstreamClient(
		httpClient,
		cfg.Forwarder.DownstreamURL,
		cfg.Forwarder.DownstreamTimeout,
	)

	worker := forwarder.NewWorker(
		ledgerMgr,
		downstream,
		deadLetter,
		pipelineMetrics,
		forwarder.PolicyFromConfig(cfg.Forwarder),
		logger,
	)

	workerPool := forwarder.NewPool(
		func() *queue.Consumer {
			return queue.NewConsumer(sqsClient, cfg.AWS.EventQueueURL, logger)
		},
		worker,
		cfg.Forwarder.Workers,
		logger,
	)

	if err := workerPool.Run(ctx); err != nil {
		return fmt.Errorf("forwarder pool: %w", err)
	}

	logger.Info("forwarder stopped cleanly")
	return nil
}

// newDownstreamHTTPClient builds the outbound HTTP client for delivery calls.
// Production runs get the guarded transport, which refuses to dial private or
// link-local addresses; DOWNSTREAM_ALLOW_PRIVATE opts out for local targets.
func newDownstreamHTTPClient(cfg config.ForwarderConfig, logger *slog.Logger) (*http.Client, error) {
	if cfg.AllowPrivateDownstream {
		logger.Warn("outbound IP blocklist disabled, downstream may target private addresses")
		return &http.Client{}, nil
	}
	return security.NewGuardedHTTPClient(cfg.DownstreamTimeout, cfg.MaxRedirects)
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

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
