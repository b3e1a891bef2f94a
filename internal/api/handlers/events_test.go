package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gridrelay/internal/classifier"
	"gridrelay/internal/config"
	"gridrelay/internal/core"
	"gridrelay/internal/db"
	"gridrelay/internal/metrics"
	"gridrelay/internal/types"
)

// --- Mocks ---

type mockLedgerManager struct {
	mock.Mock
}

func (m *mockLedgerManager) Begin(ctx context.Context, ev types.NormalizedEvent) (db.BeginResult, error) {
	args := m.Called(ctx, ev)
	return args.Get(0).(db.BeginResult), args.Error(1)
}

func (m *mockLedgerManager) MarkQueued(ctx context.Context, eventID string) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Enqueue(ctx context.Context, msg types.EventMessage, dedupKey string) error {
	args := m.Called(ctx, msg, dedupKey)
	return args.Error(0)
}

func testWebhookConfig() config.WebhookConfig {
	return config.WebhookConfig{
		ChallengeHeader:        "Grid-Hook-Challenge",
		ChallengeResponseField: "verificationResponse",
		MaxBodyBytes:           1 << 20,
	}
}

func newTestHandler(ledger *mockLedgerManager, pub *mockPublisher) *EventsHandler {
	cfg := testWebhookConfig()
	return NewEventsHandler(
		classifier.New(cfg.SystemActorSet()),
		ledger,
		pub,
		metrics.Noop{},
		cfg,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func batchBody(t *testing.T, batch types.RawBatch) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(batch)
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func rowBatch() types.RawBatch {
	return types.RawBatch{
		Source: "gridhub",
		Nonce:  "nonce_1",
		Events: []types.RawEntry{
			{
				ObjectType: "row",
				Action:     "created",
				SheetID:    "sheet_42",
				RowID:      "row_7",
				ActorID:    "user_9",
				Timestamp:  "2026-03-01T12:00:00Z",
			},
		},
	}
}

func decodeAck(t *testing.T, rec *httptest.ResponseRecorder) ingestAck {
	t.Helper()
	var resp struct {
		Data ingestAck `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data
}

// --- Verification handshake ---

func TestHandle_HeaderChallengeEchoed(t *testing.T) {
	h := newTestHandler(new(mockLedgerManager), new(mockPublisher))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", nil)
	req.Header.Set("Grid-Hook-Challenge", "abc123")
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "abc123", resp["verificationResponse"])
}

func TestHandle_BodyChallengeEchoed(t *testing.T) {
	h := newTestHandler(new(mockLedgerManager), new(mockPublisher))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events",
		strings.NewReader(`{"challenge":"xyz789","events":[]}`))
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "xyz789", resp["verificationResponse"])
}

// A challenge request must not touch the ledger or the queue.
func TestHandle_ChallengeBypassesPipeline(t *testing.T) {
	ledger := new(mockLedgerManager)
	pub := new(mockPublisher)
	h := newTestHandler(ledger, pub)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", nil)
	req.Header.Set("Grid-Hook-Challenge", "abc123")
	h.Handle(httptest.NewRecorder(), req)

	ledger.AssertNotCalled(t, "Begin", mock.Anything, mock.Anything)
	pub.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything)
}

// --- Ingestion ---

func TestHandle_AcceptsAndEnqueuesRowEvent(t *testing.T) {
	ledger := new(mockLedgerManager)
	pub := new(mockPublisher)
	h := newTestHandler(ledger, pub)

	ledger.On("Begin", mock.Anything, mock.Anything).
		Return(db.BeginResult{Accepted: true, Created: true}, nil)
	pub.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ledger.On("MarkQueued", mock.Anything, mock.Anything).Return(nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", batchBody(t, rowBatch()))
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	ack := decodeAck(t, rec)
	assert.Equal(t, 1, ack.Accepted)
	assert.Zero(t, ack.Duplicates)
	ledger.AssertExpectations(t)
	pub.AssertExpectations(t)
}

// Dedup key passed to the queue must be the deterministic event_id.
func TestHandle_DedupKeyIsEventID(t *testing.T) {
	ledger := new(mockLedgerManager)
	pub := new(mockPublisher)
	h := newTestHandler(ledger, pub)

	var begunID, dedupKey string
	ledger.On("Begin", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			begunID = args.Get(1).(types.NormalizedEvent).EventID
		}).
		Return(db.BeginResult{Accepted: true, Created: true}, nil)
	pub.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			dedupKey = args.Get(2).(string)
		}).
		Return(nil)
	ledger.On("MarkQueued", mock.Anything, mock.Anything).Return(nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", batchBody(t, rowBatch()))
	h.Handle(httptest.NewRecorder(), req)

	require.NotEmpty(t, begunID)
	assert.Equal(t, begunID, dedupKey)
	assert.True(t, strings.HasPrefix(dedupKey, "evt_"))
}

// A redelivered batch whose events are already terminal acks without enqueue.
func TestHandle_RedeliveredBatchIsNoOp(t *testing.T) {
	ledger := new(mockLedgerManager)
	pub := new(mockPublisher)
	h := newTestHandler(ledger, pub)

	ledger.On("Begin", mock.Anything, mock.Anything).
		Return(db.BeginResult{Accepted: false, PriorStatus: types.StatusProcessed}, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", batchBody(t, rowBatch()))
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	ack := decodeAck(t, rec)
	assert.Zero(t, ack.Accepted)
	assert.Equal(t, 1, ack.Duplicates)
	pub.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything)
	ledger.AssertNotCalled(t, "MarkQueued", mock.Anything, mock.Anything)
}

func TestHandle_FilteredEntriesReported(t *testing.T) {
	ledger := new(mockLedgerManager)
	pub := new(mockPublisher)
	h := newTestHandler(ledger, pub)

	batch := rowBatch()
	batch.Events = append(batch.Events, types.RawEntry{
		ObjectType: "cell",
		Action:     "updated",
		SheetID:    "sheet_42",
		RowID:      "row_7",
		ActorID:    "user_9",
		Timestamp:  "2026-03-01T12:00:01Z",
	})

	ledger.On("Begin", mock.Anything, mock.Anything).
		Return(db.BeginResult{Accepted: true, Created: true}, nil)
	pub.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ledger.On("MarkQueued", mock.Anything, mock.Anything).Return(nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", batchBody(t, batch))
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	ack := decodeAck(t, rec)
	assert.Equal(t, 1, ack.Accepted)
	assert.Equal(t, 1, ack.Filtered)
}

// --- Failure modes ---

func TestHandle_MalformedJSONRejected(t *testing.T) {
	h := newTestHandler(new(mockLedgerManager), new(mockPublisher))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeValidationBadBatch), resp.Error.Code)
}

func TestHandle_OversizedBodyRejected(t *testing.T) {
	cfg := testWebhookConfig()
	cfg.MaxBodyBytes = 64
	h := NewEventsHandler(
		classifier.New(nil),
		new(mockLedgerManager),
		new(mockPublisher),
		metrics.Noop{},
		cfg,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events",
		strings.NewReader(`{"source":"gridhub","events":[`+strings.Repeat(`{},`, 100)+`{}]}`))
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeValidationBodyTooLarge), resp.Error.Code)
}

func TestHandle_LedgerFailureFailsRequest(t *testing.T) {
	ledger := new(mockLedgerManager)
	pub := new(mockPublisher)
	h := newTestHandler(ledger, pub)

	ledger.On("Begin", mock.Anything, mock.Anything).
		Return(db.BeginResult{}, errors.New("connection refused"))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", batchBody(t, rowBatch()))
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeIngestLedgerUnavailable), resp.Error.Code)
	pub.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything)
}

// An enqueue failure must surface as a non-2xx so the sender retries; the
// event is never silently dropped.
func TestHandle_EnqueueFailureFailsRequest(t *testing.T) {
	ledger := new(mockLedgerManager)
	pub := new(mockPublisher)
	h := newTestHandler(ledger, pub)

	ledger.On("Begin", mock.Anything, mock.Anything).
		Return(db.BeginResult{Accepted: true, Created: true}, nil)
	pub.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("throttled"))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", batchBody(t, rowBatch()))
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeIngestQueueUnavailable), resp.Error.Code)
}

// MarkQueued failing after a durable enqueue must not fail the request.
func TestHandle_MarkQueuedFailureIsNonFatal(t *testing.T) {
	ledger := new(mockLedgerManager)
	pub := new(mockPublisher)
	h := newTestHandler(ledger, pub)

	ledger.On("Begin", mock.Anything, mock.Anything).
		Return(db.BeginResult{Accepted: true, Created: true}, nil)
	pub.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ledger.On("MarkQueued", mock.Anything, mock.Anything).
		Return(errors.New("connection reset"))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", batchBody(t, rowBatch()))
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeAck(t, rec).Accepted)
}

func TestHandle_EmptyBatchAcked(t *testing.T) {
	h := newTestHandler(new(mockLedgerManager), new(mockPublisher))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events",
		batchBody(t, types.RawBatch{Source: "gridhub"}))
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	ack := decodeAck(t, rec)
	assert.Zero(t, ack.Accepted)
}
