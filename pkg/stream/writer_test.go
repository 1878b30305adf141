package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/hpcdash/pkg/output"
)

func TestWriter_EmitsEnvelope(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, "scan-1", "modules")

	require.NoError(t, w.Emit(context.Background(), ItemEvent("python", map[string]any{"versions": []string{"3.11"}})))

	var rec output.Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, TypeItem, rec.Type)
	assert.Equal(t, "scan-1", rec.RunID)
	assert.Equal(t, "modules", rec.Source)
	assert.JSONEq(t, `{"key":"python","record":{"versions":["3.11"]}}`, string(rec.Data))
}

func TestWriter_Closed(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, "scan-1", "modules")
	require.NoError(t, w.Close())

	err := w.Emit(context.Background(), ProgressEvent("x", 0, 0))
	assert.ErrorIs(t, err, output.ErrWriterClosed)
	assert.Empty(t, buf.String())
}

func TestWriter_ConcurrentEmit(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, "scan-1", "modules")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = w.Emit(context.Background(), ProgressEvent("tick", 500, j))
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 500)
	for _, line := range lines {
		var rec output.Record
		assert.NoError(t, json.Unmarshal([]byte(line), &rec))
	}
}

func TestSSEWriter_Frames(t *testing.T) {
	rr := httptest.NewRecorder()
	SetSSEHeaders(rr)
	sw, err := NewSSEWriter(rr, "scan-1", "modules")
	require.NoError(t, err)

	require.NoError(t, sw.Emit(context.Background(), ItemEvent("gcc", "x")))
	require.NoError(t, sw.KeepAlive())
	require.NoError(t, sw.Emit(context.Background(), CompleteEvent(nil)))

	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rr.Header().Get("Cache-Control"))
	assert.True(t, rr.Flushed)

	body := rr.Body.String()
	assert.Contains(t, body, "event: item\ndata: {")
	assert.Contains(t, body, ": ping\n\n")
	assert.Contains(t, body, "event: complete\n")
	assert.Equal(t, 3, strings.Count(body, "\n\n"))
}

type noFlushWriter struct{ http.ResponseWriter }

func TestSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(noFlushWriter{}, "scan-1", "modules")
	assert.Error(t, err)
}

func TestEventNames(t *testing.T) {
	assert.Equal(t, "progress", ProgressEvent("", 0, 0).Name())
	assert.Equal(t, "item", ItemEvent("a", nil).Name())
	assert.Equal(t, "item_update", ItemUpdateEvent("a", nil).Name())
	assert.Equal(t, "error", ErrorEvent("x").Name())
	assert.Equal(t, "complete", CompleteEvent(nil).Name())
	assert.True(t, ErrorEvent("x").Terminal())
	assert.False(t, ItemEvent("a", nil).Terminal())
}
