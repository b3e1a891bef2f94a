package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"gridrelay/internal/types"
)

// ErrEventNotFound is returned when a ledger operation references an event_id
// with no ledger row.
var ErrEventNotFound = errors.New("ledger: event not found")

// ErrTerminalState is returned when a write would transition an entry out of
// a terminal state. Terminal entries are immutable; callers treat this as a
// signal that the event has already been fully resolved.
var ErrTerminalState = errors.New("ledger: entry is in a terminal state")

// BeginResult is the outcome of TryBegin.
type BeginResult struct {
	// Accepted is true when the event should proceed through the pipeline:
	// either a fresh PENDING row was created, or a non-terminal row already
	// exists (in-flight; queue-level dedup is the backstop).
	Accepted bool

	// Created is true when TryBegin inserted a new PENDING row.
	Created bool

	// PriorStatus is the pre-existing status when Accepted is false
	// (always a terminal status) or when a non-terminal row already existed.
	PriorStatus types.EventStatus
}

// LedgerRepository provides data access for the event_ledger table.
type LedgerRepository struct {
	db DBTX
}

// NewLedgerRepository creates a LedgerRepository backed by the given
// connection (pool or transaction).
func NewLedgerRepository(db DBTX) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// TryBegin atomically inserts a PENDING entry for the event if absent.
// If a row already exists and is terminal, it returns the prior terminal
// status without mutation. If a row exists and is non-terminal, the event is
// treated as in-flight and still accepted; the receiver may re-enqueue it and
// rely on queue-layer duplicate suppression.
//
// The INSERT ... ON CONFLICT DO NOTHING makes the check-and-insert atomic
// under concurrent deliveries of the same batch.
func (r *LedgerRepository) TryBegin(ctx context.Context, ev types.NormalizedEvent) (BeginResult, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO event_ledger
		 (event_id, source, sheet_id, row_id, status, trace_id, payload, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID,
		ev.Source,
		ev.SheetID,
		ev.RowID,
		string(types.StatusPending),
		ev.TraceID,
		ev.RawPayload,
	)
	if err != nil {
		return BeginResult{}, types.NewAppError(types.ErrCodeInternalDB, "failed to insert ledger entry", err)
	}

	if tag.RowsAffected() == 1 {
		return BeginResult{Accepted: true, Created: true}, nil
	}

	// Conflict: a row already exists. Read its status to decide.
	var status string
	err = r.db.QueryRow(ctx,
		`SELECT status FROM event_ledger WHERE event_id = $1`,
		ev.EventID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The row vanished between INSERT and SELECT. The ledger never
			// deletes rows, so this indicates external interference; surface it.
			return BeginResult{}, types.NewAppError(types.ErrCodeInternalDB, "ledger entry disappeared after conflict", err)
		}
		return BeginResult{}, types.NewAppError(types.ErrCodeInternalDB, "failed to read ledger entry status", err)
	}

	prior := types.EventStatus(status)
	if prior.IsTerminal() {
		return BeginResult{Accepted: false, PriorStatus: prior}, nil
	}
	return BeginResult{Accepted: true, PriorStatus: prior}, nil
}

// Mark transitions an entry to the given status. The WHERE clause refuses to
// leave terminal states, which makes the write safe under concurrent callers
// racing on the same event_id: last writer wins for non-terminal states, and
// any write attempting to mutate a terminal entry affects zero rows and
// returns ErrTerminalState.
//
// processed_at is stamped on terminal transitions. The error message is
// overwritten when provided and preserved otherwise.
func (r *LedgerRepository) Mark(ctx context.Context, eventID string, status types.EventStatus, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("ledger: invalid status %q", status)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE event_ledger
		 SET status = $2,
		     error_message = CASE WHEN $3 <> '' THEN $3 ELSE error_message END,
		     processed_at = CASE WHEN $2 IN ('PROCESSED', 'DEAD_LETTERED') THEN NOW() ELSE processed_at END
		 WHERE event_id = $1
		   AND status NOT IN ('PROCESSED', 'DEAD_LETTERED')`,
		eventID,
		string(status),
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update ledger entry", err)
	}

	if tag.RowsAffected() == 0 {
		return r.classifyZeroRowUpdate(ctx, eventID)
	}
	return nil
}

// MarkProcessing transitions an entry into PROCESSING and increments its
// attempt counter, returning the new attempt count. This is the only
// transition that touches attempt_count, so the counter is monotonically
// non-decreasing by construction.
func (r *LedgerRepository) MarkProcessing(ctx context.Context, eventID string) (int, error) {
	var attempts int
	err := r.db.QueryRow(ctx,
		`UPDATE event_ledger
		 SET status = $2,
		     attempt_count = attempt_count + 1
		 WHERE event_id = $1
		   AND status NOT IN ('PROCESSED', 'DEAD_LETTERED')
		 RETURNING attempt_count`,
		eventID,
		string(types.StatusProcessing),
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, r.classifyZeroRowUpdate(ctx, eventID)
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to mark ledger entry processing", err)
	}
	return attempts, nil
}

// ReopenDeadLettered moves a DEAD_LETTERED entry back to QUEUED with a fresh
// retry budget. This is an operator-level escape hatch for dead-letter replay,
// deliberately separate from Mark: the pipeline itself never leaves a terminal
// state, and the predicate here only matches DEAD_LETTERED rows, so PROCESSED
// entries stay immutable.
func (r *LedgerRepository) ReopenDeadLettered(ctx context.Context, eventID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE event_ledger
		 SET status = $2,
		     attempt_count = 0,
		     error_message = NULL,
		     processed_at = NULL
		 WHERE event_id = $1
		   AND status = 'DEAD_LETTERED'`,
		eventID,
		string(types.StatusQueued),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reopen dead-lettered entry", err)
	}

	if tag.RowsAffected() == 0 {
		var status string
		err := r.db.QueryRow(ctx,
			`SELECT status FROM event_ledger WHERE event_id = $1`,
			eventID,
		).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrEventNotFound
			}
			return types.NewAppError(types.ErrCodeInternalDB, "failed to read ledger entry status", err)
		}
		return fmt.Errorf("ledger: cannot reopen entry in status %s", status)
	}
	return nil
}

// classifyZeroRowUpdate distinguishes "row does not exist" from "row is
// terminal" after a guarded UPDATE affected zero rows.
func (r *LedgerRepository) classifyZeroRowUpdate(ctx context.Context, eventID string) error {
	var status string
	err := r.db.QueryRow(ctx,
		`SELECT status FROM event_ledger WHERE event_id = $1`,
		eventID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrEventNotFound
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to read ledger entry status", err)
	}
	if types.EventStatus(status).IsTerminal() {
		return ErrTerminalState
	}
	// Non-terminal row that the guarded UPDATE did not match: cannot happen
	// with the current predicates, but surface it rather than swallow it.
	return types.NewAppError(types.ErrCodeInternalUnexpected, "guarded update matched no rows", nil)
}

// Get returns the ledger entry for an event_id.
func (r *LedgerRepository) Get(ctx context.Context, eventID string) (*types.LedgerEntry, error) {
	row := r.db.QueryRow(ctx,
		`SELECT event_id, source, sheet_id, row_id, status, attempt_count,
		        trace_id, COALESCE(error_message, ''), payload, received_at, processed_at
		 FROM event_ledger WHERE event_id = $1`,
		eventID,
	)
	entry, err := scanLedgerEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get ledger entry", err)
	}
	return entry, nil
}

// ListByStatus returns up to limit entries in the given status, oldest first.
func (r *LedgerRepository) ListByStatus(ctx context.Context, status types.EventStatus, limit int) ([]types.LedgerEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT event_id, source, sheet_id, row_id, status, attempt_count,
		        trace_id, COALESCE(error_message, ''), payload, received_at, processed_at
		 FROM event_ledger
		 WHERE status = $1
		 ORDER BY received_at ASC
		 LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list ledger entries by status", err)
	}
	return collectLedgerEntries(rows)
}

// FindBySheetRow returns the processing history for a specific row of a sheet,
// newest first.
func (r *LedgerRepository) FindBySheetRow(ctx context.Context, sheetID, rowID string) ([]types.LedgerEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT event_id, source, sheet_id, row_id, status, attempt_count,
		        trace_id, COALESCE(error_message, ''), payload, received_at, processed_at
		 FROM event_ledger
		 WHERE sheet_id = $1 AND row_id = $2
		 ORDER BY received_at DESC`,
		sheetID, rowID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to find ledger entries by sheet/row", err)
	}
	return collectLedgerEntries(rows)
}

// ListByTimeRange returns entries received within [from, to), oldest first.
func (r *LedgerRepository) ListByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]types.LedgerEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT event_id, source, sheet_id, row_id, status, attempt_count,
		        trace_id, COALESCE(error_message, ''), payload, received_at, processed_at
		 FROM event_ledger
		 WHERE received_at >= $1 AND received_at < $2
		 ORDER BY received_at ASC
		 LIMIT $3`,
		from, to, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list ledger entries by time range", err)
	}
	return collectLedgerEntries(rows)
}

// FindByTraceID returns all entries that share an upstream trace, oldest first.
func (r *LedgerRepository) FindByTraceID(ctx context.Context, traceID string) ([]types.LedgerEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT event_id, source, sheet_id, row_id, status, attempt_count,
		        trace_id, COALESCE(error_message, ''), payload, received_at, processed_at
		 FROM event_ledger
		 WHERE trace_id = $1
		 ORDER BY received_at ASC`,
		traceID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to find ledger entries by trace", err)
	}
	return collectLedgerEntries(rows)
}

func scanLedgerEntry(row pgx.Row) (*types.LedgerEntry, error) {
	var (
		entry     types.LedgerEntry
		status    string
		processed *time.Time
	)
	err := row.Scan(
		&entry.EventID,
		&entry.Source,
		&entry.SheetID,
		&entry.RowID,
		&status,
		&entry.AttemptCount,
		&entry.TraceID,
		&entry.ErrorMessage,
		&entry.Payload,
		&entry.ReceivedAt,
		&processed,
	)
	if err != nil {
		return nil, err
	}
	entry.Status = types.EventStatus(status)
	entry.ProcessedAt = processed
	return &entry, nil
}

func collectLedgerEntries(rows pgx.Rows) ([]types.LedgerEntry, error) {
	defer rows.Close()

	var entries []types.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan ledger entry", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "ledger row iteration failed", err)
	}
	return entries, nil
}
