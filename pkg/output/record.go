// Package output provides the JSONL record envelope shared by CLI output and
// scan event streams.
//
// Each line is a self-contained JSON object that can be parsed
// independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants follow the pattern: hpcdash.<type>.v<version>
const (
	// TypeCacheStatus describes one cache artifact.
	TypeCacheStatus = "hpcdash.cache.status.v1"

	// TypeRefresh reports the outcome of a refresh request.
	TypeRefresh = "hpcdash.refresh.v1"

	// TypeError identifies error records.
	TypeError = "hpcdash.error.v1"

	// TypeJob identifies job history rows.
	TypeJob = "hpcdash.job.v1"

	// TypeEfficiency identifies seff reports.
	TypeEfficiency = "hpcdash.efficiency.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "hpcdash.scan.item.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates records of one scan or CLI invocation.
	RunID string `json:"run_id"`

	// Source names the producing component (e.g., "modules", "cli").
	Source string `json:"source"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// CacheStatusRecord is the data payload for TypeCacheStatus.
type CacheStatusRecord struct {
	Key           string     `json:"key"`
	Present       bool       `json:"present"`
	Stale         bool       `json:"is_stale"`
	AgeSeconds    int64      `json:"age_seconds"`
	MaxAgeSeconds int64      `json:"max_age_seconds"`
	Source        string     `json:"staleness_source"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	InProgress    bool       `json:"in_progress"`
	LastRunState  string     `json:"last_run_state,omitempty"`
	LastRunError  string     `json:"last_run_error,omitempty"`
}

// RefreshRecord is the data payload for TypeRefresh.
type RefreshRecord struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the whole command,
// allowing partial results when some sources are unavailable.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Key is the cache key related to this error, if applicable.
	Key string `json:"key,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeBinaryNotFound    = "BINARY_NOT_FOUND"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeCommandFailed     = "COMMAND_FAILED"
	ErrCodeEmptyOutput       = "EMPTY_OUTPUT"
	ErrCodeParseFailure      = "PARSE_FAILURE"
	ErrCodeCacheCorrupt      = "CACHE_CORRUPT"
	ErrCodeRefreshInProgress = "REFRESH_IN_PROGRESS"
	ErrCodeLockAbandoned     = "LOCK_ABANDONED"
	ErrCodeInternal          = "INTERNAL"
)

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
