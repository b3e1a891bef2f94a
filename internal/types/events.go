// Package types defines the shared domain model for the GridRelay pipeline:
// raw webhook batches as sent by the source system, normalized events, ledger
// entries, queue envelopes, and the downstream call contract.
package types

import (
	"encoding/json"
	"time"
)

// ObjectType identifies the kind of object a raw notification refers to.
// The source protocol is open-ended; only the values enumerated here are
// recognized, and only row and attachment events are relevant to the pipeline.
type ObjectType string

const (
	ObjectTypeRow        ObjectType = "row"
	ObjectTypeAttachment ObjectType = "attachment"
	ObjectTypeCell       ObjectType = "cell"
	ObjectTypeComment    ObjectType = "comment"
	ObjectTypeSheet      ObjectType = "sheet"
)

// Valid reports whether the object type is one of the enumerated protocol values.
func (o ObjectType) Valid() bool {
	switch o {
	case ObjectTypeRow, ObjectTypeAttachment, ObjectTypeCell, ObjectTypeComment, ObjectTypeSheet:
		return true
	}
	return false
}

// Relevant reports whether events of this object type are forwarded downstream.
// Cell, comment and sheet level notifications are noise for the business layer.
func (o ObjectType) Relevant() bool {
	return o == ObjectTypeRow || o == ObjectTypeAttachment
}

// Action identifies what happened to the object.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Valid reports whether the action is one of the enumerated protocol values.
func (a Action) Valid() bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionDeleted:
		return true
	}
	return false
}

// Upper returns the action in the uppercase form used by the downstream
// call contract ("CREATED", "UPDATED", "DELETED").
func (a Action) Upper() string {
	switch a {
	case ActionCreated:
		return "CREATED"
	case ActionUpdated:
		return "UPDATED"
	case ActionDeleted:
		return "DELETED"
	}
	return ""
}

// RawEntry is a single notification entry inside a webhook batch, as sent by
// the source system. Identifier fields are strings because the source system
// mixes numeric and opaque identifiers across API versions.
type RawEntry struct {
	ObjectType   string `json:"objectType"`
	Action       string `json:"action"`
	WorkspaceID  string `json:"workspaceId,omitempty"`
	SheetID      string `json:"sheetId"`
	RowID        string `json:"rowId,omitempty"`
	AttachmentID string `json:"attachmentId,omitempty"`
	ColumnID     string `json:"columnId,omitempty"`
	ActorID      string `json:"actorId"`
	Timestamp    string `json:"timestamp"`
}

// RawBatch is the webhook request body delivered by the source system: an
// ordered sequence of heterogeneous entries plus batch-level metadata.
// A batch carrying a Challenge token is a verification handshake, not events.
type RawBatch struct {
	Source    string     `json:"source"`
	WebhookID string     `json:"webhookId,omitempty"`
	Nonce     string     `json:"nonce,omitempty"`
	Challenge string     `json:"challenge,omitempty"`
	Events    []RawEntry `json:"events"`
}

// NormalizedEvent is the classifier's output: a single relevant change
// occurrence with a deterministic identity, ready for persistence and
// queuing. EventID is stable across redeliveries of the same upstream batch.
type NormalizedEvent struct {
	EventID    string          `json:"event_id"`
	Source     string          `json:"source"`
	SheetID    string          `json:"sheet_id"`
	RowID      string          `json:"row_id"`
	ColumnID   string          `json:"column_id,omitempty"`
	ObjectType ObjectType      `json:"object_type"`
	Action     Action          `json:"action"`
	ActorID    string          `json:"actor_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	TraceID    string          `json:"trace_id"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
}

// EventStatus is the ledger lifecycle state of an event.
type EventStatus string

const (
	StatusPending      EventStatus = "PENDING"
	StatusQueued       EventStatus = "QUEUED"
	StatusProcessing   EventStatus = "PROCESSING"
	StatusProcessed    EventStatus = "PROCESSED"
	StatusFailed       EventStatus = "FAILED"
	StatusDeadLettered EventStatus = "DEAD_LETTERED"
)

// IsTerminal reports whether the status is a terminal lifecycle state.
// Terminal entries are immutable; later deliveries of the same event_id
// must be treated as no-ops.
func (s EventStatus) IsTerminal() bool {
	return s == StatusProcessed || s == StatusDeadLettered
}

// Valid reports whether the status is one of the enumerated lifecycle states.
func (s EventStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusProcessed, StatusFailed, StatusDeadLettered:
		return true
	}
	return false
}

// LedgerEntry is one ledger row per event_id: the authoritative record of
// whether an event has been seen and how far through the pipeline it got.
type LedgerEntry struct {
	EventID      string          `json:"event_id"`
	Source       string          `json:"source"`
	SheetID      string          `json:"sheet_id"`
	RowID        string          `json:"row_id"`
	Status       EventStatus     `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	TraceID      string          `json:"trace_id"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ReceivedAt   time.Time       `json:"received_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// EventMessage is the queue envelope wrapping a NormalizedEvent. Broker-level
// delivery metadata (receive count, visibility) stays on the transport and is
// intentionally not part of the payload.
type EventMessage struct {
	Event NormalizedEvent `json:"event"`
}

// DownstreamRequest is the POST body sent to the downstream business-logic
// endpoint. The downstream service treats EventID as an idempotency key.
type DownstreamRequest struct {
	EventID      string `json:"event_id"`
	Source       string `json:"source"`
	SheetID      string `json:"sheet_id"`
	RowID        string `json:"row_id"`
	Action       string `json:"action"`
	ObjectType   string `json:"object_type"`
	ActorID      string `json:"actor_id"`
	TimestampUTC string `json:"timestamp_utc"`
	TraceID      string `json:"trace_id"`
}

// NewDownstreamRequest builds the downstream call body from a normalized event.
func NewDownstreamRequest(ev NormalizedEvent) DownstreamRequest {
	return DownstreamRequest{
		EventID:      ev.EventID,
		Source:       ev.Source,
		SheetID:      ev.SheetID,
		RowID:        ev.RowID,
		Action:       ev.Action.Upper(),
		ObjectType:   string(ev.ObjectType),
		ActorID:      ev.ActorID,
		TimestampUTC: ev.OccurredAt.UTC().Format(time.RFC3339),
		TraceID:      ev.TraceID,
	}
}

// SubscriptionManager is the administrative surface for managing webhook
// subscriptions against the source system. Registration is an out-of-process
// concern; the pipeline only depends on the interface.
type SubscriptionManager interface {
	Register(callbackURL string, sheetID string) (subscriptionID string, err error)
	List() ([]string, error)
	Delete(subscriptionID string) error
}
