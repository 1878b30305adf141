package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/3leaps/hpcdash/pkg/output"
)

// Record converts ev into the JSONL envelope.
func Record(ev Event, scanID, source string) (output.Record, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return output.Record{}, &output.WriteError{Op: "marshal_data", Err: err}
	}
	return output.Record{
		Type:   ev.Type,
		TS:     time.Now().UTC(),
		RunID:  scanID,
		Source: source,
		Data:   data,
	}, nil
}

// Writer emits events as JSONL records (output.Record) terminated by '\n'.
//
// Writer is safe for concurrent use.
type Writer struct {
	w      io.Writer
	scanID string
	source string

	mu     sync.Mutex
	closed bool
}

func NewWriter(w io.Writer, scanID, source string) *Writer {
	return &Writer{w: w, scanID: scanID, source: source}
}

func (sw *Writer) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.closed = true
	return nil
}

func (sw *Writer) Emit(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := Record(ev, sw.scanID, sw.source)
	if err != nil {
		return err
	}
	line, err := output.MarshalLine(rec)
	if err != nil {
		return &output.WriteError{Op: "marshal_record", Err: err}
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return output.ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := output.WriteAll(sw.w, line); err != nil {
		return &output.WriteError{Op: "write", Err: err}
	}
	return nil
}

// SSEWriter emits events as text/event-stream frames:
//
//	event: <name>
//	data: <record json>
//
// and flushes after every event.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	scanID  string
	source  string
	mu      sync.Mutex
}

// NewSSEWriter fails when w cannot flush.
func NewSSEWriter(w http.ResponseWriter, scanID, source string) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &SSEWriter{w: w, flusher: flusher, scanID: scanID, source: source}, nil
}

// SetSSEHeaders prepares w for an event stream.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func (s *SSEWriter) Emit(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := Record(ev, s.scanID, s.source)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Name(), data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// KeepAlive writes an SSE comment so idle proxies keep the connection.
func (s *SSEWriter) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// WSWriter emits each event as one JSON text message on a websocket.
type WSWriter struct {
	conn         *websocket.Conn
	scanID       string
	source       string
	writeTimeout time.Duration
	mu           sync.Mutex
}

func NewWSWriter(conn *websocket.Conn, scanID, source string) *WSWriter {
	return &WSWriter{conn: conn, scanID: scanID, source: source, writeTimeout: 10 * time.Second}
}

func (ws *WSWriter) Emit(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := Record(ev, ws.scanID, ws.source)
	if err != nil {
		return err
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	_ = ws.conn.SetWriteDeadline(time.Now().Add(ws.writeTimeout))
	return ws.conn.WriteJSON(rec)
}

var (
	_ Emitter = (*Writer)(nil)
	_ Emitter = (*SSEWriter)(nil)
	_ Emitter = (*WSWriter)(nil)
)
