package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"gridrelay/internal/db"
	"gridrelay/internal/metrics"
	"gridrelay/internal/queue"
	"gridrelay/internal/types"
)

// receiveBackstopFactor sets the transport-level delivery cap relative to the
// retry budget. The ledger's attempt counter is the authoritative budget; the
// broker receive count only catches messages looping without attempts being
// recorded, such as a ledger outage nacking every delivery.
const receiveBackstopFactor = 3

// Ledger is the slice of ledger operations a worker needs.
type Ledger interface {
	MarkProcessing(ctx context.Context, eventID string) (int, error)
	MarkProcessed(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID string, reason string) error
	MarkDeadLettered(ctx context.Context, eventID string, reason string) error
}

// Deliverer posts one event downstream.
type Deliverer interface {
	Forward(ctx context.Context, ev types.NormalizedEvent) error
}

// DeadLetterSink routes an event that cannot be delivered.
type DeadLetterSink interface {
	Route(ctx context.Context, msg types.EventMessage, reason string) error
}

// Worker is the per-delivery state machine. It drives an event through
// PROCESSING and into PROCESSED, FAILED-with-retry, or DEAD_LETTERED, keeping
// the ledger authoritative at every step.
type Worker struct {
	ledger     Ledger
	downstream Deliverer
	deadLetter DeadLetterSink
	metrics    metrics.PipelineMetrics
	policy     RetryPolicy
	clock      types.Clock
	logger     *slog.Logger
}

// NewWorker wires a worker. A nil metrics sink falls back to the no-op
// implementation.
func NewWorker(ledger Ledger, downstream Deliverer, deadLetter DeadLetterSink, m metrics.PipelineMetrics, policy RetryPolicy, logger *slog.Logger) *Worker {
	if m == nil {
		m = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		ledger:     ledger,
		downstream: downstream,
		deadLetter: deadLetter,
		metrics:    m,
		policy:     policy,
		clock:      types.RealClock{},
		logger:     logger,
	}
}

// HandleDelivery implements queue.Handler.
func (w *Worker) HandleDelivery(ctx context.Context, d queue.Delivery) queue.Disposition {
	var msg types.EventMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		// A body that cannot be parsed can never succeed on redelivery.
		w.logger.ErrorContext(ctx, "discarding unparseable queue message",
			"message_id", d.MessageID,
			"error", err)
		return queue.Ack()
	}
	ev := msg.Event

	if !d.SentAt.IsZero() {
		w.metrics.RecordQueueLag(ctx, w.clock.Now().Sub(d.SentAt))
	}

	if d.ReceiveCount > w.policy.MaxAttempts*receiveBackstopFactor {
		w.logger.ErrorContext(ctx, "transport delivery cap exceeded, dead-lettering",
			"event_id", ev.EventID,
			"receive_count", d.ReceiveCount)
		return w.bury(ctx, msg, w.policy.MaxAttempts, errors.New("transport delivery cap exceeded"))
	}

	attempts, err := w.ledger.MarkProcessing(ctx, ev.EventID)
	if err != nil {
		if errors.Is(err, db.ErrTerminalState) {
			// Redelivery of an already-settled event: drop it without
			// touching the downstream.
			w.logger.InfoContext(ctx, "skipping redelivery of settled event",
				"event_id", ev.EventID)
			return queue.Ack()
		}
		if errors.Is(err, db.ErrEventNotFound) {
			w.logger.ErrorContext(ctx, "queued event missing from ledger",
				"event_id", ev.EventID)
			return queue.Ack()
		}
		// Ledger unavailable: leave the message for redelivery.
		w.logger.ErrorContext(ctx, "failed to mark event processing",
			"event_id", ev.EventID,
			"error", err)
		return queue.NackAfter(NextRetryDelay(w.policy, 1))
	}

	start := w.clock.Now()
	forwardErr := w.downstream.Forward(ctx, ev)
	w.metrics.RecordForwardLatency(ctx, w.clock.Now().Sub(start))

	if forwardErr == nil {
		return w.settle(ctx, ev, attempts)
	}

	var dsErr *DownstreamError
	retryable := errors.As(forwardErr, &dsErr) && dsErr.Retryable

	if !retryable {
		return w.bury(ctx, msg, attempts, forwardErr)
	}
	if attempts >= w.policy.MaxAttempts {
		w.logger.WarnContext(ctx, "retry budget exhausted",
			"event_id", ev.EventID,
			"attempts", attempts,
			"max_attempts", w.policy.MaxAttempts)
		return w.bury(ctx, msg, attempts, forwardErr)
	}
	return w.backOff(ctx, ev, attempts, forwardErr)
}

// settle records a successful delivery.
func (w *Worker) settle(ctx context.Context, ev types.NormalizedEvent, attempts int) queue.Disposition {
	if err := w.ledger.MarkProcessed(ctx, ev.EventID); err != nil {
		// The downstream accepted the event. Redelivery is safe because the
		// downstream dedupes on event_id, so retry the ledger write via the
		// broker rather than acking a PROCESSING entry into limbo.
		w.logger.ErrorContext(ctx, "failed to mark event processed",
			"event_id", ev.EventID,
			"error", err)
		return queue.NackAfter(NextRetryDelay(w.policy, 1))
	}
	w.metrics.RecordForward(ctx, metrics.OutcomeSuccess)
	w.logger.InfoContext(ctx, "event delivered",
		"event_id", ev.EventID,
		"sheet_id", ev.SheetID,
		"attempts", attempts)
	return queue.Ack()
}

// bury routes the event to the dead-letter sink and settles the ledger.
func (w *Worker) bury(ctx context.Context, msg types.EventMessage, attempts int, cause error) queue.Disposition {
	ev := msg.Event
	if err := w.deadLetter.Route(ctx, msg, cause.Error()); err != nil {
		// Dead-letter queue unreachable: keep the message on the main queue
		// so the event is never dropped silently.
		w.logger.ErrorContext(ctx, "failed to route event to dead-letter queue",
			"event_id", ev.EventID,
			"error", err)
		return queue.NackAfter(NextRetryDelay(w.policy, attempts))
	}
	if err := w.ledger.MarkDeadLettered(ctx, ev.EventID, cause.Error()); err != nil {
		w.logger.ErrorContext(ctx, "failed to mark event dead-lettered",
			"event_id", ev.EventID,
			"error", err)
	}
	w.metrics.RecordForward(ctx, metrics.OutcomeDeadLetter)
	return queue.Ack()
}

// backOff records the transient failure and schedules a broker redelivery.
func (w *Worker) backOff(ctx context.Context, ev types.NormalizedEvent, attempts int, cause error) queue.Disposition {
	if err := w.ledger.MarkFailed(ctx, ev.EventID, cause.Error()); err != nil {
		w.logger.ErrorContext(ctx, "failed to mark event failed",
			"event_id", ev.EventID,
			"error", err)
	}
	delay := NextRetryDelay(w.policy, attempts)
	w.metrics.RecordForward(ctx, metrics.OutcomeRetry)
	w.logger.WarnContext(ctx, "delivery failed, scheduling retry",
		"event_id", ev.EventID,
		"attempts", attempts,
		"retry_in", delay.Round(time.Millisecond).String(),
		"error", cause)
	return queue.NackAfter(delay)
}
