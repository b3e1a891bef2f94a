// Package main implements the dlq-replay CLI tool for inspecting and
// replaying dead-lettered events.
//
// This tool is intended for operational recovery: after a downstream outage
// or a bug fix, dead-lettered events can be listed and re-enqueued onto the
// main event queue. Replay preserves the original event_id, so the ledger and
// the downstream idempotency key both recognize the event as the same logical
// occurrence. Before re-enqueueing, the tool reopens the event's DEAD_LETTERED
// ledger entry back to QUEUED with a fresh retry budget; without that reset
// the forwarder would skip the redelivery as already settled.
//
// Usage:
//
//	go run ./cmd/tools/dlq-replay --list
//	go run ./cmd/tools/dlq-replay --replay
//	go run ./cmd/tools/dlq-replay --replay --max=50
//
// The tool reads DATABASE_URL, SQS_EVENT_QUEUE, SQS_DEAD_LETTER_QUEUE and
// AWS_REGION from the environment (or a .env file via godotenv, through
// config.Load). In --list mode it prints dead-lettered events without removing
// them. In --replay mode each event's ledger entry is reopened, then the event
// is re-enqueued on the main queue before being deleted from the dead-letter
// queue, so a crash mid-replay can at most duplicate an event, never lose one.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"gridrelay/internal/config"
	"gridrelay/internal/db"
	"gridrelay/internal/queue"
)

func main() {
	list := flag.Bool("list", false, "print dead-lettered events without removing them")
	replay := flag.Bool("replay", false, "re-enqueue dead-lettered events onto the main queue")
	max := flag.Int("max", 10, "maximum number of messages to fetch")
	flag.Parse()

	if *list == *replay {
		fmt.Fprintln(os.Stderr, "exactly one of --list or --replay is required")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*list, *max); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(listOnly bool, max int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)

	deadLetter := queue.NewDeadLetter(sqsClient, sqsClient, cfg.AWS.DeadLetterQueueURL, logger)

	// A single SQS receive returns at most 10 messages; drain in batches until
	// the requested number is reached or the queue stops yielding.
	var msgs []queue.DeadLetterMessage
	for len(msgs) < max {
		remaining := max - len(msgs)
		batch, err := deadLetter.Drain(ctx, int32(remaining))
		if err != nil {
			return fmt.Errorf("draining dead-letter queue: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		msgs = append(msgs, batch...)
	}
	if len(msgs) == 0 {
		fmt.Println("dead-letter queue is empty")
		return nil
	}

	if listOnly {
		return printMessages(msgs)
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to ledger database: %w", err)
	}
	defer pool.Close()
	repo := db.NewLedgerRepository(pool)

	publisher := queue.NewPublisher(sqsClient, cfg.AWS.EventQueueURL, logger)
	replayed := 0
	for _, msg := range msgs {
		// Reopen the ledger entry first: a replayed message whose entry is
		// still DEAD_LETTERED would be acked by the forwarder without a
		// downstream call.
		if err := repo.ReopenDeadLettered(ctx, msg.Message.Event.EventID); err != nil {
			return fmt.Errorf("reopening ledger entry for %s (%d of %d replayed): %w",
				msg.Message.Event.EventID, replayed, len(msgs), err)
		}
		if err := deadLetter.Replay(ctx, publisher, msg); err != nil {
			return fmt.Errorf("replaying event %s (%d of %d replayed): %w",
				msg.Message.Event.EventID, replayed, len(msgs), err)
		}
		fmt.Printf("replayed %s (sheet %s, reason: %s)\n",
			msg.Message.Event.EventID, msg.Message.Event.SheetID, msg.Reason)
		replayed++
	}
	fmt.Printf("replayed %d event(s)\n", replayed)
	return nil
}

// printMessages writes one JSON line per dead-lettered event to stdout.
func printMessages(msgs []queue.DeadLetterMessage) error {
	enc := json.NewEncoder(os.Stdout)
	for _, msg := range msgs {
		line := struct {
			EventID string `json:"event_id"`
			SheetID string `json:"sheet_id"`
			Action  string `json:"action"`
			Reason  string `json:"reason"`
		}{
			EventID: msg.Message.Event.EventID,
			SheetID: msg.Message.Event.SheetID,
			Action:  string(msg.Message.Event.Action),
			Reason:  msg.Reason,
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("encoding output: %w", err)
		}
	}
	return nil
}
