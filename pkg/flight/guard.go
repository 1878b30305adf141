// Package flight implements the single-flight guard that serializes refreshes
// per cache key.
//
// A key is held in memory for the life of the guarded operation. Keys marked
// persistent are additionally backed by a touch-file so that a second
// process, or a restarted one, sees the refresh as in progress. Holds older
// than the ceiling are abandoned and force-released.
package flight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/hpcdash/pkg/clock"
)

// ErrInProgress is returned when another caller holds the key.
var ErrInProgress = errors.New("refresh in progress")

const (
	DefaultCeiling            = 5 * time.Minute
	DefaultSuspiciousAbandons = 3
	DefaultSuspiciousWindow   = 30 * time.Minute
)

// Options configures a Guard.
type Options struct {
	// LockDir holds <key>.lock touch-files for persistent keys.
	LockDir string

	// Persistent lists keys backed by a touch-file.
	Persistent []string

	// Ceiling is the age after which a hold is abandoned. Default 5m.
	Ceiling time.Duration

	// SuspiciousAbandons abandons of one key inside SuspiciousWindow are
	// logged at error level as a possible crash loop.
	SuspiciousAbandons int
	SuspiciousWindow   time.Duration

	Clock  clock.Clock
	Logger *zap.Logger

	// OnAbandon is called for every abandoned hold (metrics).
	OnAbandon func(key string)
}

// Guard is safe for concurrent use.
type Guard struct {
	opts       Options
	clock      clock.Clock
	logger     *zap.Logger
	persistent map[string]bool

	mu       sync.Mutex
	held     map[string]time.Time
	abandons map[string][]time.Time
}

func New(opts Options) *Guard {
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeiling
	}
	if opts.SuspiciousAbandons <= 0 {
		opts.SuspiciousAbandons = DefaultSuspiciousAbandons
	}
	if opts.SuspiciousWindow <= 0 {
		opts.SuspiciousWindow = DefaultSuspiciousWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guard{
		opts:       opts,
		clock:      clock.OrReal(opts.Clock),
		logger:     logger,
		persistent: map[string]bool{},
		held:       map[string]time.Time{},
		abandons:   map[string][]time.Time{},
	}
	for _, k := range opts.Persistent {
		g.persistent[k] = true
	}
	return g
}

// LockPath returns the touch-file path for key, or "" if key is not
// persistent.
func (g *Guard) LockPath(key string) string {
	if !g.persistent[key] || g.opts.LockDir == "" {
		return ""
	}
	name := strings.NewReplacer("/", "_", ":", "_").Replace(key)
	return filepath.Join(g.opts.LockDir, name+".lock")
}

// TryAcquire atomically claims key. It never blocks.
func (g *Guard) TryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if at, ok := g.held[key]; ok {
		if now.Sub(at) <= g.opts.Ceiling {
			return false
		}
		g.dropStaleHoldLocked(key, at, now)
	}

	if path := g.LockPath(key); path != "" {
		ok, err := g.createLockLocked(key, path, now)
		if err != nil {
			g.logger.Warn("Lock file unavailable, using in-process guard only",
				zap.String("key", key),
				zap.String("path", path),
				zap.Error(err))
		} else if !ok {
			return false
		}
	}

	g.held[key] = now
	return true
}

// createLockLocked creates the touch-file with O_EXCL. An existing file
// older than the ceiling is abandoned and replaced once.
func (g *Guard) createLockLocked(key, path string, now time.Time) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("create lock dir: %w", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_ = f.Close()
			_ = os.Chtimes(path, now, now)
			return true, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return false, err
		}
		if !g.clearIfAbandonedLocked(key, path, now) {
			return false, nil
		}
	}
	return false, nil
}

// clearIfAbandonedLocked removes the lock file when it is past the ceiling
// and reports whether it did.
func (g *Guard) clearIfAbandonedLocked(key, path string, now time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	if now.Sub(info.ModTime()) <= g.opts.Ceiling {
		return false
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		g.logger.Warn("Failed to clear abandoned lock",
			zap.String("key", key),
			zap.String("path", path),
			zap.Error(err))
		return false
	}
	g.abandonLocked(key, info.ModTime(), "file")
	return true
}

// dropStaleHoldLocked abandons this process's own hold on key. Its lock
// file is removed in the same step, so the abandon is recorded once. A file
// younger than the ceiling belongs to another holder and is left alone.
func (g *Guard) dropStaleHoldLocked(key string, at, now time.Time) {
	g.abandonLocked(key, at, "memory")
	delete(g.held, key)

	path := g.LockPath(key)
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil || now.Sub(info.ModTime()) <= g.opts.Ceiling {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		g.logger.Warn("Failed to clear abandoned lock",
			zap.String("key", key),
			zap.String("path", path),
			zap.Error(err))
	}
}

func (g *Guard) abandonLocked(key string, acquiredAt time.Time, where string) {
	now := g.clock.Now()
	g.logger.Warn("Lock abandoned, force-releasing",
		zap.String("key", key),
		zap.String("lock", where),
		zap.Time("acquired_at", acquiredAt),
		zap.Duration("age", now.Sub(acquiredAt)),
		zap.Duration("ceiling", g.opts.Ceiling))
	if g.opts.OnAbandon != nil {
		g.opts.OnAbandon(key)
	}

	recent := g.abandons[key][:0]
	for _, at := range g.abandons[key] {
		if now.Sub(at) <= g.opts.SuspiciousWindow {
			recent = append(recent, at)
		}
	}
	recent = append(recent, now)
	g.abandons[key] = recent

	if len(recent) >= g.opts.SuspiciousAbandons {
		g.logger.Error("Repeated abandoned locks, possible crash loop",
			zap.String("key", key),
			zap.Int("abandons", len(recent)),
			zap.Duration("window", g.opts.SuspiciousWindow))
	}
}

// Release drops the hold on key. Releasing an unheld key is a no-op.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.held, key)
	if path := g.LockPath(key); path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			g.logger.Warn("Failed to remove lock file",
				zap.String("key", key),
				zap.String("path", path),
				zap.Error(err))
		}
	}
}

// IsHeld reports whether key is currently claimed by this or, for
// persistent keys, any process. Abandoned holds are cleared and reported
// as not held.
func (g *Guard) IsHeld(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if at, ok := g.held[key]; ok {
		if now.Sub(at) <= g.opts.Ceiling {
			return true
		}
		g.dropStaleHoldLocked(key, at, now)
	}

	path := g.LockPath(key)
	if path == "" {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	return !g.clearIfAbandonedLocked(key, path, now)
}

// HeldLocally reports whether this process holds key within the ceiling.
func (g *Guard) HeldLocally(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.held[key]
	return ok && g.clock.Now().Sub(at) <= g.opts.Ceiling
}

// AbandonCount returns the number of abandons recorded for key inside the
// suspicious window.
func (g *Guard) AbandonCount(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.abandons[key])
}

// Do runs fn while holding key. It returns ErrInProgress without running fn
// when the key is already held. The key is released on every exit path,
// including panics.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if !g.TryAcquire(key) {
		return ErrInProgress
	}
	defer g.Release(key)
	return fn(ctx)
}
