package cachestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/hpcdash/pkg/clock"
)

// Lookup results reported to the observer.
const (
	ResultFresh = "fresh"
	ResultStale = "stale"
	ResultEmpty = "empty"
)

// Cache applies TTL policies on top of a Store.
type Cache struct {
	store    Store
	clock    clock.Clock
	policies Policies
	logger   *zap.Logger
	observe  func(key, result string)
}

// Option configures a Cache.
type Option func(*Cache)

func WithClock(c clock.Clock) Option {
	return func(cc *Cache) { cc.clock = clock.OrReal(c) }
}

func WithPolicies(p Policies) Option {
	return func(cc *Cache) { cc.policies = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(cc *Cache) {
		if l != nil {
			cc.logger = l
		}
	}
}

// WithObserver registers a hook called on every Lookup with one of the
// Result* values.
func WithObserver(fn func(key, result string)) Option {
	return func(cc *Cache) { cc.observe = fn }
}

func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		clock:    clock.Real{},
		policies: DefaultPolicies(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Store() Store { return c.store }

func (c *Cache) Clock() clock.Clock { return c.clock }

// Policy returns the TTL rule for key.
func (c *Cache) Policy(key string) Policy {
	return c.policies.For(key)
}

// Read returns the stored entry or ErrEmpty. Corrupt documents are logged
// and reported as ErrEmpty.
func (c *Cache) Read(key string) (Entry, error) {
	e, err := c.store.Load(key)
	if err == nil {
		return e, nil
	}
	if errors.Is(err, ErrCorrupt) {
		c.logger.Warn("Cache entry corrupt, treating as empty",
			zap.String("key", key),
			zap.Error(err))
		return Entry{}, ErrEmpty
	}
	if !errors.Is(err, ErrEmpty) {
		c.logger.Warn("Cache read failed, treating as empty",
			zap.String("key", key),
			zap.Error(err))
	}
	return Entry{}, ErrEmpty
}

// Write serializes payload fully in memory and replaces the entry.
func (c *Cache) Write(key string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", key, err)
	}
	return c.store.Save(Entry{
		Key:       key,
		Timestamp: c.clock.Now().UTC(),
		Payload:   b,
	})
}

// Invalidate removes the entry so the next read reports ErrEmpty.
func (c *Cache) Invalidate(key string) error {
	return c.store.Delete(key)
}

// Age returns how old e is under the policy for its key.
func (c *Cache) Age(e Entry) time.Duration {
	ts := e.Timestamp
	if c.Policy(e.Key).Source == SourceModTime && !e.ModTime.IsZero() {
		ts = e.ModTime
	}
	return c.clock.Now().Sub(ts)
}

// IsStale reports whether key is absent, has a timestamp in the future, or
// is older than maxAge. maxAge <= 0 means the entry never expires.
func (c *Cache) IsStale(key string, maxAge time.Duration) bool {
	e, err := c.Read(key)
	if err != nil {
		return true
	}
	return c.staleAt(e, maxAge)
}

// Expired is IsStale with the configured policy for key.
func (c *Cache) Expired(key string) bool {
	return c.IsStale(key, c.Policy(key).MaxAge)
}

func (c *Cache) staleAt(e Entry, maxAge time.Duration) bool {
	age := c.Age(e)
	if age < 0 {
		return true
	}
	return maxAge > 0 && age > maxAge
}

// View is the read accessor result handed to the web layer.
type View struct {
	Key       string        `json:"key"`
	Present   bool          `json:"present"`
	Stale     bool          `json:"is_stale"`
	Timestamp time.Time     `json:"timestamp,omitzero"`
	Age       time.Duration `json:"-"`
	Err       error         `json:"-"`
}

// AgeSeconds is Age rounded down to whole seconds.
func (v View) AgeSeconds() int64 {
	return int64(v.Age / time.Second)
}

// Lookup decodes the entry for key into dst. A stale entry is still
// decoded; a missing or undecodable one yields Present=false and
// Err=ErrEmpty.
func (c *Cache) Lookup(key string, dst any) View {
	v := View{Key: key, Stale: true}
	e, err := c.Read(key)
	if err != nil {
		v.Err = err
		c.report(key, ResultEmpty)
		return v
	}
	if dst != nil {
		if err := e.Decode(dst); err != nil {
			c.logger.Warn("Cache payload undecodable, treating as empty",
				zap.String("key", key),
				zap.Error(err))
			v.Err = ErrEmpty
			c.report(key, ResultEmpty)
			return v
		}
	}

	v.Present = true
	v.Timestamp = e.Timestamp
	v.Age = c.Age(e)
	v.Stale = c.staleAt(e, c.Policy(key).MaxAge)
	if v.Stale {
		c.report(key, ResultStale)
	} else {
		c.report(key, ResultFresh)
	}
	return v
}

func (c *Cache) report(key, result string) {
	if c.observe != nil {
		c.observe(key, result)
	}
}
