package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/hpcdash/pkg/flight"
	"github.com/3leaps/hpcdash/pkg/gateway"
	"github.com/3leaps/hpcdash/pkg/output"
)

func TestErrorRecord(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"binary", &gateway.CommandError{Kind: gateway.KindBinaryNotFound, Command: "seff"}, output.ErrCodeBinaryNotFound},
		{"timeout", &gateway.CommandError{Kind: gateway.KindTimeout, Command: "seff"}, output.ErrCodeTimeout},
		{"failed", &gateway.CommandError{Kind: gateway.KindCommandFailed, Command: "seff", Detail: "no such job"}, output.ErrCodeCommandFailed},
		{"empty", &gateway.CommandError{Kind: gateway.KindEmptyOutput, Command: "seff"}, output.ErrCodeEmptyOutput},
		{"in progress", fmt.Errorf("scan: %w", flight.ErrInProgress), output.ErrCodeRefreshInProgress},
		{"other", errors.New("boom"), output.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := errorRecord("seff:42", tt.err)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "seff:42", rec.Key)
			assert.NotEmpty(t, rec.Message)
		})
	}

	rec := errorRecord("seff:42", &gateway.CommandError{Kind: gateway.KindCommandFailed, Command: "seff", Detail: "no such job"})
	assert.Equal(t, "seff failed: no such job", rec.Message)
}

func TestWriteErrorRecord(t *testing.T) {
	var buf bytes.Buffer
	cause := &gateway.CommandError{Kind: gateway.KindTimeout, Command: "sacct"}
	err := writeErrorRecord(context.Background(), &buf, "history", cause)
	assert.Same(t, cause, err)

	var rec output.Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, output.TypeError, rec.Type)
	assert.Equal(t, "cli", rec.Source)
	assert.NotEmpty(t, rec.RunID)

	var got output.ErrorRecord
	require.NoError(t, json.Unmarshal(rec.Data, &got))
	assert.Equal(t, output.ErrCodeTimeout, got.Code)
	assert.Equal(t, "sacct command timed out", got.Message)
}
