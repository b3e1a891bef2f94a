// Package ledger wraps the idempotency ledger repository with the lifecycle
// rules of the pipeline: which transitions exist, who makes them, and what
// gets logged. The receiver owns PENDING/QUEUED; the forwarder owns
// PROCESSING/PROCESSED/FAILED/DEAD_LETTERED.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"gridrelay/internal/db"
	"gridrelay/internal/types"
)

// Repository is the persistence interface required by the Manager. It is a
// narrow subset of *db.LedgerRepository so the Manager is testable with
// lightweight mocks.
type Repository interface {
	TryBegin(ctx context.Context, ev types.NormalizedEvent) (db.BeginResult, error)
	Mark(ctx context.Context, eventID string, status types.EventStatus, errMsg string) error
	MarkProcessing(ctx context.Context, eventID string) (int, error)
	Get(ctx context.Context, eventID string) (*types.LedgerEntry, error)
}

// Manager orchestrates ledger state transitions.
type Manager struct {
	repo   Repository
	logger *slog.Logger
}

// NewManager creates a Manager with the given repository and logger.
func NewManager(repo Repository, logger *slog.Logger) *Manager {
	return &Manager{repo: repo, logger: logger}
}

// Begin records first sight of an event. Returns the repository's decision:
// accepted (fresh or in-flight) or already terminal with the prior status.
func (m *Manager) Begin(ctx context.Context, ev types.NormalizedEvent) (db.BeginResult, error) {
	res, err := m.repo.TryBegin(ctx, ev)
	if err != nil {
		return db.BeginResult{}, fmt.Errorf("Begin: %w", err)
	}

	switch {
	case res.Created:
		m.logger.InfoContext(ctx, "ledger entry created",
			"event_id", ev.EventID,
			"sheet_id", ev.SheetID,
			"row_id", ev.RowID,
			"action", string(ev.Action),
			"trace_id", ev.TraceID,
		)
	case !res.Accepted:
		m.logger.InfoContext(ctx, "duplicate event already terminal",
			"event_id", ev.EventID,
			"prior_status", string(res.PriorStatus),
		)
	default:
		m.logger.InfoContext(ctx, "event already in flight",
			"event_id", ev.EventID,
			"prior_status", string(res.PriorStatus),
		)
	}

	return res, nil
}

// MarkQueued records that the event has been durably enqueued.
func (m *Manager) MarkQueued(ctx context.Context, eventID string) error {
	if err := m.repo.Mark(ctx, eventID, types.StatusQueued, ""); err != nil {
		return fmt.Errorf("MarkQueued: %w", err)
	}
	return nil
}

// MarkProcessing records that a worker is attempting delivery and returns the
// attempt number this makes. Terminal entries return db.ErrTerminalState.
func (m *Manager) MarkProcessing(ctx context.Context, eventID string) (int, error) {
	attempts, err := m.repo.MarkProcessing(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("MarkProcessing: %w", err)
	}

	m.logger.InfoContext(ctx, "forwarding attempt started",
		"event_id", eventID,
		"attempt", attempts,
	)
	return attempts, nil
}

// MarkProcessed records successful downstream delivery. Terminal.
func (m *Manager) MarkProcessed(ctx context.Context, eventID string) error {
	if err := m.repo.Mark(ctx, eventID, types.StatusProcessed, ""); err != nil {
		return fmt.Errorf("MarkProcessed: %w", err)
	}

	m.logger.InfoContext(ctx, "event processed",
		"event_id", eventID,
	)
	return nil
}

// MarkFailed records a transient delivery failure; the event stays eligible
// for retry (the broker redelivers after its invisibility delay).
func (m *Manager) MarkFailed(ctx context.Context, eventID string, reason string) error {
	if err := m.repo.Mark(ctx, eventID, types.StatusFailed, reason); err != nil {
		return fmt.Errorf("MarkFailed: %w", err)
	}

	m.logger.WarnContext(ctx, "forwarding attempt failed, will retry",
		"event_id", eventID,
		"reason", reason,
	)
	return nil
}

// MarkDeadLettered records that the event was routed to the dead-letter sink,
// either because retries were exhausted or the downstream rejection was
// permanent. Terminal.
func (m *Manager) MarkDeadLettered(ctx context.Context, eventID string, reason string) error {
	if err := m.repo.Mark(ctx, eventID, types.StatusDeadLettered, reason); err != nil {
		return fmt.Errorf("MarkDeadLettered: %w", err)
	}

	m.logger.ErrorContext(ctx, "event dead-lettered",
		"event_id", eventID,
		"reason", reason,
	)
	return nil
}

// Status returns the current status of an event, for crash-recovery checks
// before a worker re-attempts delivery.
func (m *Manager) Status(ctx context.Context, eventID string) (types.EventStatus, error) {
	entry, err := m.repo.Get(ctx, eventID)
	if err != nil {
		return "", fmt.Errorf("Status: %w", err)
	}
	return entry.Status, nil
}

// Entry returns the full ledger entry for an event.
func (m *Manager) Entry(ctx context.Context, eventID string) (*types.LedgerEntry, error) {
	entry, err := m.repo.Get(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("Entry: %w", err)
	}
	return entry, nil
}
