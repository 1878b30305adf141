package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/hpcdash/pkg/cachestore"
	"github.com/3leaps/hpcdash/pkg/flight"
	"github.com/3leaps/hpcdash/pkg/gateway"
	"github.com/3leaps/hpcdash/pkg/quota"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"binary", &gateway.CommandError{Kind: gateway.KindBinaryNotFound, Command: "sinfo"}, CodeBinaryNotFound, http.StatusServiceUnavailable},
		{"timeout", &gateway.CommandError{Kind: gateway.KindTimeout, Command: "seff"}, CodeTimeout, http.StatusGatewayTimeout},
		{"failed", &gateway.CommandError{Kind: gateway.KindCommandFailed, Command: "sacct", Detail: "boom"}, CodeCommandFailed, http.StatusBadGateway},
		{"empty", &gateway.CommandError{Kind: gateway.KindEmptyOutput, Command: "squeue"}, CodeEmptyOutput, http.StatusBadGateway},
		{"in progress", fmt.Errorf("modules: %w", flight.ErrInProgress), CodeRefreshInProgress, http.StatusAccepted},
		{"corrupt", cachestore.ErrCorrupt, CodeCacheCorrupt, http.StatusServiceUnavailable},
		{"empty cache", cachestore.ErrEmpty, CodeDataUnavailable, http.StatusServiceUnavailable},
		{"parse", quota.ErrNoQuota, CodeParseFailure, http.StatusBadGateway},
		{"other", assert.AnError, CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := Classify(tt.err)
			require.NotNil(t, app)
			assert.Equal(t, tt.code, app.Code)
			assert.Equal(t, tt.status, app.Status)
		})
	}
	assert.Nil(t, Classify(nil))
}

func TestRespondWithError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/partitions", nil)
	req = req.WithContext(WithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, &gateway.CommandError{Kind: gateway.KindTimeout, Command: "sinfo"})

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeTimeout, body.Error.Code)
	assert.Equal(t, "sinfo command timed out", body.Error.Message)
	assert.Equal(t, "req-1", body.Error.RequestID)
}

func TestWrapInternal(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc")
	err := WrapInternal(ctx, assert.AnError, "cannot open cache")
	assert.ErrorIs(t, err, assert.AnError)

	app := Classify(err)
	assert.Equal(t, CodeInternal, app.Code)
	assert.Equal(t, "abc", app.Details["request_id"])
}

func TestPlaceholder(t *testing.T) {
	err := &gateway.CommandError{Kind: gateway.KindBinaryNotFound, Command: "squeue"}
	assert.Equal(t, "data unavailable: squeue binary not found in standard locations", Placeholder(err))
}
