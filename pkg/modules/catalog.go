package modules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/hpcdash/pkg/cachestore"
	"github.com/3leaps/hpcdash/pkg/flight"
	"github.com/3leaps/hpcdash/pkg/stream"
)

// hubWait bounds how long a follower waits for a scan this process has
// claimed to publish its hub.
const hubWait = time.Second

// Catalog serves the module catalog from cache and coordinates scans so
// that at most one runs at a time and every listener shares it.
type Catalog struct {
	enum   *Enumerator
	cache  *cachestore.Cache
	guard  *flight.Guard
	logger *zap.Logger

	mu       sync.Mutex
	hub      *stream.Hub
	prepared *stream.Hub
	wg       sync.WaitGroup
}

func NewCatalog(enum *Enumerator, cache *cachestore.Cache, guard *flight.Guard, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{enum: enum, cache: cache, guard: guard, logger: logger}
}

// Snapshot returns the cached catalog. A stale catalog is still returned.
func (c *Catalog) Snapshot() (Snapshot, cachestore.View) {
	var s Snapshot
	v := c.cache.Lookup(cachestore.KeyModules, &s)
	return s, v
}

// InProgress reports whether a scan holds the guard in this or another
// process.
func (c *Catalog) InProgress() bool {
	return c.guard.IsHeld(cachestore.KeyModules)
}

// Prepare publishes the hub of the next Scan so followers can join before
// it starts. Call it right after claiming the modules key.
func (c *Catalog) Prepare() {
	hub := stream.NewHub()
	c.mu.Lock()
	c.hub = hub
	c.prepared = hub
	c.mu.Unlock()
}

// Scan runs a scan in the calling goroutine. The caller must hold the
// guard for the modules key; the refresh scheduler does.
func (c *Catalog) Scan(ctx context.Context, em stream.Emitter) (Snapshot, Summary, error) {
	hub := c.claimHub()

	var out stream.Emitter = hub
	if em != nil {
		out = tee{hub, em}
	}
	return c.enum.Run(ctx, uuid.NewString(), out)
}

// Start launches a background scan unless one is running. It returns the
// hub of the scan the caller should follow and whether this call started
// it. The hub is nil when another process holds the scan.
func (c *Catalog) Start(ctx context.Context, force bool) (*stream.Hub, bool) {
	if !c.guard.TryAcquire(cachestore.KeyModules) {
		return c.awaitHub(ctx), false
	}
	if force {
		if err := c.cache.Invalidate(cachestore.KeyModules); err != nil {
			c.logger.Warn("Failed to clear module catalog", zap.Error(err))
		}
	}

	hub := stream.NewHub()
	c.setHub(hub)
	scanCtx := context.WithoutCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.guard.Release(cachestore.KeyModules)
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Module scan panicked", zap.Any("panic", r))
				_ = hub.Emit(scanCtx, stream.ErrorEvent(fmt.Sprintf("scan aborted: %v", r)))
			}
		}()
		_, _, _ = c.enum.Run(scanCtx, uuid.NewString(), hub)
	}()
	return hub, true
}

// Stream writes a catalog to em. A fresh cached catalog is replayed as item
// events; otherwise em follows a running scan, starting one if needed.
// Returning early (em failing or ctx ending) detaches em only; the scan
// keeps running and still writes the cache.
func (c *Catalog) Stream(ctx context.Context, em stream.Emitter, force bool) error {
	seq := stream.NewSequencer(em)

	if !force {
		snap, v := c.Snapshot()
		if v.Present && !v.Stale {
			return replay(ctx, seq, snap)
		}
	}

	hub, _ := c.Start(ctx, force)
	if hub == nil {
		_ = seq.Emit(ctx, stream.ErrorEvent("module scan already in progress"))
		return flight.ErrInProgress
	}
	return hub.Subscribe().Forward(ctx, seq)
}

// Wait blocks until background scans finish.
func (c *Catalog) Wait() {
	c.wg.Wait()
}

func (c *Catalog) setHub(h *stream.Hub) {
	c.mu.Lock()
	c.hub = h
	c.prepared = nil
	c.mu.Unlock()
}

// claimHub returns the prepared hub, or publishes a new one.
func (c *Catalog) claimHub() *stream.Hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	hub := c.prepared
	c.prepared = nil
	if hub == nil {
		hub = stream.NewHub()
		c.hub = hub
	}
	return hub
}

// awaitHub returns the running scan's hub. While the key is held by this
// process but no hub is published yet, it polls for up to hubWait.
func (c *Catalog) awaitHub(ctx context.Context) *stream.Hub {
	if hub := c.activeHub(); hub != nil || !c.guard.HeldLocally(cachestore.KeyModules) {
		return hub
	}
	deadline := time.NewTimer(hubWait)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return c.activeHub()
		case <-tick.C:
			if hub := c.activeHub(); hub != nil {
				return hub
			}
			if !c.guard.HeldLocally(cachestore.KeyModules) {
				return nil
			}
		}
	}
}

func (c *Catalog) activeHub() *stream.Hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hub == nil || c.hub.Closed() {
		return nil
	}
	return c.hub
}

func replay(ctx context.Context, em stream.Emitter, snap Snapshot) error {
	if err := em.Emit(ctx, stream.ProgressEvent("Loaded module catalog from cache", snap.UniqueCount, snap.UniqueCount)); err != nil {
		return err
	}
	sum := Summary{UniqueCount: snap.UniqueCount, Cached: snap.UniqueCount}
	for _, f := range snap.Modules {
		if f.Description != "" {
			sum.Described++
		}
		if err := em.Emit(ctx, stream.ItemEvent(f.Name, f)); err != nil {
			return err
		}
	}
	return em.Emit(ctx, stream.CompleteEvent(sum))
}

// tee forwards to every emitter and ignores their failures, so one
// departed listener does not starve the others.
type tee []stream.Emitter

func (t tee) Emit(ctx context.Context, ev stream.Event) error {
	for _, e := range t {
		_ = e.Emit(ctx, ev)
	}
	return nil
}
