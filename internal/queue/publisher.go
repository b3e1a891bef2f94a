// Package queue provides the SQS-backed durable queue for the GridRelay
// pipeline: an at-least-once FIFO-per-sheet broker with best-effort duplicate
// suppression in front of the authoritative ledger check, plus the
// dead-letter sink for messages that exhausted their retry budget.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"gridrelay/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher publishes event envelopes to the main FIFO queue.
//
// Duplicate suppression: MessageDeduplicationId is set to the event's
// deterministic dedup key, so the broker drops duplicate publishes within its
// deduplication window. This absorbs upstream redelivery storms before the
// ledger check even matters, but it is an optimization only; the ledger
// remains the authoritative idempotence check.
//
// Ordering: MessageGroupId is the sheet ID, giving best-effort FIFO per sheet
// partition. No global order is promised or required.
type Publisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewPublisher creates a Publisher targeting the main event queue.
func NewPublisher(client SQSSender, queueURL string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Enqueue serializes the event envelope and publishes it with the given
// deduplication key (the event_id).
func (p *Publisher) Enqueue(ctx context.Context, msg types.EventMessage, dedupKey string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal event message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:               aws.String(p.queueURL),
		MessageBody:            aws.String(string(body)),
		MessageDeduplicationId: aws.String(dedupKey),
		MessageGroupId:         aws.String(messageGroup(msg.Event)),
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send event message to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "event message enqueued",
		"queue_url", p.queueURL,
		"event_id", msg.Event.EventID,
		"sheet_id", msg.Event.SheetID,
		"dedup_key", dedupKey,
		"trace_id", msg.Event.TraceID,
	)

	return nil
}

// messageGroup derives the FIFO partition for an event. Partitioning by sheet
// keeps a single sheet's events in order without serializing unrelated sheets.
func messageGroup(ev types.NormalizedEvent) string {
	if ev.SheetID != "" {
		return ev.SheetID
	}
	return "default"
}
