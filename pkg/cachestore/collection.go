package cachestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Item is one logical entry inside a Collection document.
type Item[T any] struct {
	Timestamp time.Time `json:"timestamp"`
	Value     T         `json:"value"`
}

// Collection stores many logical entries under a single cache key, each with
// its own timestamp. Seff reports and module descriptions use it.
//
// Writes are serialized per Collection. Entries are merged, never replaced
// wholesale.
type Collection[T any] struct {
	cache *Cache
	key   string
	mu    sync.Mutex
}

func NewCollection[T any](c *Cache, key string) *Collection[T] {
	return &Collection[T]{cache: c, key: key}
}

func (c *Collection[T]) Key() string { return c.key }

// All returns every entry. An absent or corrupt document yields an empty map.
func (c *Collection[T]) All() (map[string]Item[T], error) {
	e, err := c.cache.Read(c.key)
	if errors.Is(err, ErrEmpty) {
		return map[string]Item[T]{}, nil
	}
	if err != nil {
		return nil, err
	}
	items := map[string]Item[T]{}
	if err := e.Decode(&items); err != nil {
		c.cache.logger.Warn("Collection payload undecodable, starting empty")
		return map[string]Item[T]{}, nil
	}
	return items, nil
}

// Get returns the entry for id.
func (c *Collection[T]) Get(id string) (Item[T], bool) {
	items, err := c.All()
	if err != nil {
		return Item[T]{}, false
	}
	it, ok := items[id]
	return it, ok
}

// Has reports whether id is present.
func (c *Collection[T]) Has(id string) bool {
	_, ok := c.Get(id)
	return ok
}

// Put sets a single entry, replacing any previous value.
func (c *Collection[T]) Put(id string, v T) error {
	_, err := c.Merge(map[string]T{id: v})
	return err
}

// Merge adds or updates the given entries and preserves every other entry.
// Entries whose value is unchanged keep their original timestamp, so
// merging the same map twice leaves the document unchanged. It returns the
// number of entries that changed; the document is only rewritten when that
// number is nonzero.
func (c *Collection[T]) Merge(updates map[string]T) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	items, err := c.All()
	if err != nil {
		return 0, err
	}

	now := c.cache.clock.Now().UTC()
	changed := 0
	for id, v := range updates {
		if prev, ok := items[id]; ok && sameJSON(prev.Value, v) {
			continue
		}
		items[id] = Item[T]{Timestamp: now, Value: v}
		changed++
	}
	if changed == 0 {
		return 0, nil
	}
	if err := c.cache.Write(c.key, items); err != nil {
		return 0, fmt.Errorf("write %s: %w", c.key, err)
	}
	return changed, nil
}

// Prune removes entries for which keep returns false and returns how many
// were removed.
func (c *Collection[T]) Prune(keep func(id string) bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	items, err := c.All()
	if err != nil {
		return 0, err
	}
	removed := 0
	for id := range items {
		if !keep(id) {
			delete(items, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := c.cache.Write(c.key, items); err != nil {
		return 0, fmt.Errorf("write %s: %w", c.key, err)
	}
	return removed, nil
}

// IDs returns the sorted entry IDs.
func (c *Collection[T]) IDs() []string {
	items, err := c.All()
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sameJSON(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
