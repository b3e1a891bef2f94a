package types

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code   ErrorCode
		status int
	}{
		{ErrCodeValidationBadBatch, http.StatusBadRequest},
		{ErrCodeValidationBodyTooLarge, http.StatusBadRequest},
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeNotFoundEvent, http.StatusNotFound},
		{ErrCodeIngestLedgerUnavailable, http.StatusServiceUnavailable},
		{ErrCodeIngestQueueUnavailable, http.StatusServiceUnavailable},
		{ErrCodeDownstreamUnavailable, http.StatusBadGateway},
		{ErrCodeDownstreamRejected, http.StatusBadGateway},
		{ErrCodeDownstreamRateLimited, http.StatusTooManyRequests},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrCodeInternalUnexpected, http.StatusInternalServerError},
		{ErrorCode("something_new"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, tt.code.HTTPStatus())
		})
	}
}

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	appErr := NewAppError(ErrCodeIngestLedgerUnavailable, "failed to record event in ledger", cause)

	assert.Contains(t, appErr.Error(), "failed to record event in ledger")
	assert.ErrorIs(t, appErr, cause)
	assert.Equal(t, http.StatusServiceUnavailable, appErr.HTTPStatus())
}

func TestAppError_AsFromWrappedChain(t *testing.T) {
	inner := NewAppError(ErrCodeValidationBadBatch, "invalid webhook batch JSON", nil)
	wrapped := errors.Join(errors.New("handler: intake failed"), inner)

	var appErr *AppError
	require.ErrorAs(t, wrapped, &appErr)
	assert.Equal(t, ErrCodeValidationBadBatch, appErr.Code)
}
