// Package cachestore implements the staleness-gated artifact cache.
//
// Each cache key maps to one JSON document {key, timestamp, payload}.
// Readers never see a partial write and never fail on a corrupt document:
// they get ErrEmpty and the page degrades to "data unavailable".
package cachestore

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrEmpty means the artifact has never been populated or could not be
	// decoded. It is a state, not a failure.
	ErrEmpty = errors.New("cache entry is empty")

	// ErrCorrupt is returned by Store.Load for undecodable documents.
	// Cache converts it to ErrEmpty.
	ErrCorrupt = errors.New("cache entry is corrupt")
)

// Entry is the persisted form of a cache artifact.
type Entry struct {
	Key       string          `json:"key"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`

	// ModTime is the storage modification time. Not persisted.
	ModTime time.Time `json:"-"`
}

// Decode unmarshals the payload into dst.
func (e Entry) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return ErrEmpty
	}
	return json.Unmarshal(e.Payload, dst)
}

// Store is the raw persistence layer behind Cache.
type Store interface {
	// Load returns ErrEmpty when absent and an error wrapping ErrCorrupt when
	// the stored document cannot be decoded.
	Load(key string) (Entry, error)

	// Save replaces the entry atomically and sets its ModTime to
	// e.Timestamp.
	Save(e Entry) error

	Delete(key string) error

	Keys() ([]string, error)
}
