// Package handlers contains the HTTP handler implementations for the
// GridRelay receiver.
//
// The webhook endpoint is NOT behind auth middleware -- the source system
// cannot supply credentials on the intake call. Safety comes from the
// pipeline's idempotency: replaying a batch at the endpoint is always a no-op
// once its events are terminal.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gridrelay/internal/classifier"
	"gridrelay/internal/config"
	"gridrelay/internal/core"
	"gridrelay/internal/db"
	"gridrelay/internal/metrics"
	"gridrelay/internal/types"
)

// LedgerManager is the subset of the ledger manager the receiver needs.
type LedgerManager interface {
	Begin(ctx context.Context, ev types.NormalizedEvent) (db.BeginResult, error)
	MarkQueued(ctx context.Context, eventID string) error
}

// EventPublisher is the subset of the queue publisher the receiver needs.
type EventPublisher interface {
	Enqueue(ctx context.Context, msg types.EventMessage, dedupKey string) error
}

// ingestAck is the minimal acknowledgment body returned on successful intake.
type ingestAck struct {
	Accepted    int `json:"accepted"`
	Duplicates  int `json:"duplicates"`
	Filtered    int `json:"filtered"`
	SystemActor int `json:"system_actor"`
	Malformed   int `json:"malformed"`
}

// EventsHandler accepts webhook batches from the source system: it answers
// verification handshakes, classifies entries, records them in the ledger,
// and enqueues accepted events. No downstream call is made synchronously.
type EventsHandler struct {
	classifier *classifier.Classifier
	ledger     LedgerManager
	publisher  EventPublisher
	metrics    metrics.PipelineMetrics
	cfg        config.WebhookConfig
	logger     *slog.Logger
}

// NewEventsHandler creates an EventsHandler with the given dependencies.
func NewEventsHandler(
	cls *classifier.Classifier,
	ledger LedgerManager,
	publisher EventPublisher,
	m metrics.PipelineMetrics,
	cfg config.WebhookConfig,
	logger *slog.Logger,
) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &EventsHandler{
		classifier: cls,
		ledger:     ledger,
		publisher:  publisher,
		metrics:    m,
		cfg:        cfg,
		logger:     logger,
	}
}

// RegisterRoutes mounts the public webhook endpoint.
func (h *EventsHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/events", h.Handle)
}

// Handle processes an inbound webhook request.
//
//  1. Verification handshake: a challenge token in the configured header or
//     the body's challenge field is echoed back immediately, bypassing all
//     other logic.
//  2. Ingestion: the body is parsed as an ordered batch, classified, and each
//     surviving event is recorded in the ledger and enqueued with its
//     event_id as dedup key. Events already terminal in the ledger are
//     skipped as idempotent no-ops.
//  3. Any ledger or queue failure fails the whole request (non-2xx) so the
//     upstream sender retries the batch; per-entry classification failures
//     never do.
func (h *EventsHandler) Handle(w http.ResponseWriter, r *http.Request) {
	// Header-carried challenge: answer before touching the body.
	if token := r.Header.Get(h.cfg.ChallengeHeader); token != "" {
		h.respondChallenge(w, r, token)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationBodyTooLarge,
				"request body exceeds limit",
				err,
			))
			return
		}
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationBadBatch,
			"failed to read request body",
			err,
		))
		return
	}

	var batch types.RawBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		h.logger.WarnContext(r.Context(), "unparseable webhook batch",
			"error", err.Error(),
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationBadBatch,
			"invalid webhook batch JSON",
			err,
		))
		return
	}

	// Body-carried challenge: also a handshake, not events.
	if batch.Challenge != "" {
		h.respondChallenge(w, r, batch.Challenge)
		return
	}

	res := h.classifier.Classify(batch)
	h.metrics.RecordBatch(r.Context(), len(batch.Events), len(res.Events), res.Filtered+res.SystemActor, res.Malformed)

	ack := ingestAck{
		Filtered:    res.Filtered,
		SystemActor: res.SystemActor,
		Malformed:   res.Malformed,
	}

	for _, ev := range res.Events {
		if ev.TraceID == "" {
			ev.TraceID = types.GetRequestID(r.Context())
		}

		duplicate, err := h.ingestEvent(r.Context(), ev)
		if err != nil {
			// Nothing is silently dropped: the whole request fails so the
			// upstream sender retries, which is safe because accepted events
			// dedupe on redelivery.
			h.logger.ErrorContext(r.Context(), "batch ingest failed",
				"event_id", ev.EventID,
				"error", err.Error(),
			)
			core.Error(w, r, err)
			return
		}

		if duplicate {
			ack.Duplicates++
		} else {
			ack.Accepted++
		}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ack})
}

// respondChallenge echoes the verification token in the configured response
// field, e.g. {"verificationResponse": "<token>"}.
func (h *EventsHandler) respondChallenge(w http.ResponseWriter, r *http.Request, token string) {
	h.logger.InfoContext(r.Context(), "webhook verification challenge answered")
	core.JSON(w, r, http.StatusOK, map[string]string{
		h.cfg.ChallengeResponseField: token,
	})
}

// ingestEvent records one event in the ledger and enqueues it unless its
// ledger entry is already terminal. Returns duplicate=true for the terminal
// no-op case.
func (h *EventsHandler) ingestEvent(ctx context.Context, ev types.NormalizedEvent) (duplicate bool, err error) {
	begin, err := h.ledger.Begin(ctx, ev)
	if err != nil {
		return false, types.NewAppError(
			types.ErrCodeIngestLedgerUnavailable,
			"failed to record event in ledger",
			err,
		)
	}

	if !begin.Accepted {
		// Already terminal: idempotent no-op, skip the enqueue.
		h.metrics.RecordDuplicate(ctx)
		return true, nil
	}

	if err := h.publisher.Enqueue(ctx, types.EventMessage{Event: ev}, ev.EventID); err != nil {
		return false, types.NewAppError(
			types.ErrCodeIngestQueueUnavailable,
			"failed to enqueue event",
			err,
		)
	}

	if err := h.ledger.MarkQueued(ctx, ev.EventID); err != nil {
		// The event is durably enqueued; a stale PENDING status is harmless
		// because the forwarder transitions it to PROCESSING regardless.
		h.logger.WarnContext(ctx, "failed to mark event queued",
			"event_id", ev.EventID,
			"error", err.Error(),
		)
	}

	return false, nil
}
