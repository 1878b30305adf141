package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each write emits a complete record as a single line of JSON
// followed by a newline.
type Writer interface {
	// Write emits a record of the given type with data as payload.
	Write(ctx context.Context, recordType string, data any) error

	// WriteError emits an error record.
	WriteError(ctx context.Context, err *ErrorRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex to ensure atomic line writes (no interleaved output).
type JSONLWriter struct {
	w      io.Writer
	runID  string
	source string
	mu     sync.Mutex

	// closed indicates the writer has been closed.
	closed bool
}

// NewJSONLWriter creates a new JSONL writer.
//
// Parameters:
//   - w: The underlying writer (stdout, file, etc.)
//   - runID: Correlation ID for this run
//   - source: Producing component (e.g., "modules")
func NewJSONLWriter(w io.Writer, runID, source string) *JSONLWriter {
	return &JSONLWriter{
		w:      w,
		runID:  runID,
		source: source,
	}
}

// Write emits a record of the given type.
func (jw *JSONLWriter) Write(ctx context.Context, recordType string, data any) error {
	return jw.writeRecord(ctx, recordType, data)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line.
//
// This method holds the mutex for the entire write so lines never
// interleave.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Marshal the payload outside the lock.
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := MarshalLine(Record{
		Type:   recordType,
		TS:     time.Now().UTC(),
		RunID:  jw.runID,
		Source: jw.source,
		Data:   dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	if err := WriteAll(jw.w, line); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// MarshalLine encodes rec as a single newline-terminated JSON line.
func MarshalLine(rec Record) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// WriteAll writes all bytes to w, handling short writes.
//
// io.Writer.Write may return n < len(p) with a nil error. Looping until
// every byte is written keeps JSONL lines whole.
func WriteAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			// No progress made - avoid infinite loop
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Compile-time check that JSONLWriter implements Writer.
var _ Writer = (*JSONLWriter)(nil)
