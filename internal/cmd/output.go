package cmd

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/3leaps/hpcdash/pkg/flight"
	"github.com/3leaps/hpcdash/pkg/gateway"
	"github.com/3leaps/hpcdash/pkg/output"
)

// newRecordWriter returns the JSONL writer used by --json output. One run
// ID correlates every record of an invocation.
func newRecordWriter(w io.Writer) *output.JSONLWriter {
	return output.NewJSONLWriter(w, uuid.NewString(), "cli")
}

// errorRecord classifies err for JSONL output.
func errorRecord(key string, err error) *output.ErrorRecord {
	code := output.ErrCodeInternal
	switch gateway.KindOf(err) {
	case gateway.KindBinaryNotFound:
		code = output.ErrCodeBinaryNotFound
	case gateway.KindTimeout:
		code = output.ErrCodeTimeout
	case gateway.KindCommandFailed:
		code = output.ErrCodeCommandFailed
	case gateway.KindEmptyOutput:
		code = output.ErrCodeEmptyOutput
	default:
		if errors.Is(err, flight.ErrInProgress) {
			code = output.ErrCodeRefreshInProgress
		}
	}
	return &output.ErrorRecord{Code: code, Message: gateway.Reason(err), Key: key}
}

// writeErrorRecord emits err as a record and returns it unchanged so
// callers keep their exit code.
func writeErrorRecord(ctx context.Context, w io.Writer, key string, err error) error {
	rw := newRecordWriter(w)
	defer func() { _ = rw.Close() }()
	_ = rw.WriteError(ctx, errorRecord(key, err))
	return err
}
