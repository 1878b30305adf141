package cachestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps serialized entries in a map. Used by tests and by
// `--no-cache` CLI runs.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string][]byte
	mtimes map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string][]byte{}, mtimes: map[string]time.Time{}}
}

func (m *MemoryStore) Load(key string) (Entry, error) {
	m.mu.RLock()
	b, ok := m.docs[key]
	mtime := m.mtimes[key]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, ErrEmpty
	}

	var e Entry
	if err := json.Unmarshal(b, &e); err != nil || e.Timestamp.IsZero() {
		return Entry{}, fmt.Errorf("decode %s: %w", key, ErrCorrupt)
	}
	e.ModTime = mtime
	return e, nil
}

func (m *MemoryStore) Save(e Entry) error {
	if e.Key == "" {
		return fmt.Errorf("cache key is required")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	m.mu.Lock()
	m.docs[e.Key] = b
	m.mtimes[e.Key] = e.Timestamp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	delete(m.docs, key)
	delete(m.mtimes, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.docs))
	for k := range m.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// PutRaw stores an arbitrary document for key, bypassing validation.
// Tests use it to simulate torn or corrupt writes.
func (m *MemoryStore) PutRaw(key string, raw []byte) {
	m.mu.Lock()
	m.docs[key] = bytes.Clone(raw)
	m.mu.Unlock()
}

var _ Store = (*MemoryStore)(nil)
