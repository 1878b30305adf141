// Package modules builds the Lmod module catalog. A scan lists every family
// cheaply, emits it at once, then fetches descriptions in parallel and
// streams them as updates.
package modules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/3leaps/hpcdash/pkg/cachestore"
	"github.com/3leaps/hpcdash/pkg/gateway"
	"github.com/3leaps/hpcdash/pkg/stream"
)

const (
	DefaultWorkers       = 20
	DefaultProgressEvery = 10
)

// ErrNoFamilies is returned when the listing parses to nothing.
var ErrNoFamilies = errors.New("module listing contained no families")

// State is the enumerator's position in a scan.
type State int32

const (
	StateIdle State = iota
	StateListingFamilies
	StateFamiliesListed
	StateFetchingDetails
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListingFamilies:
		return "listing_families"
	case StateFamiliesListed:
		return "families_listed"
	case StateFetchingDetails:
		return "fetching_details"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Summary is the payload of the complete event.
type Summary struct {
	ScanID      string        `json:"scan_id,omitempty"`
	UniqueCount int           `json:"unique_count"`
	Described   int           `json:"described"`
	Cached      int           `json:"cached"`
	Fetched     int           `json:"fetched"`
	Failed      int           `json:"failed"`
	Pruned      int           `json:"pruned,omitempty"`
	Duration    time.Duration `json:"-"`
	DurationMS  int64         `json:"duration_ms"`
}

// DescriptionPatch is the item_update payload.
type DescriptionPatch struct {
	Description string `json:"description"`
}

// Enumerator runs catalog scans. One Enumerator may run many scans, but
// callers serialize them (the single-flight guard does this).
type Enumerator struct {
	Source       Source
	Cache        *cachestore.Cache
	Descriptions *cachestore.Collection[string]
	Categorizer  *Categorizer

	// Workers caps concurrent detail queries. Zero means DefaultWorkers.
	Workers int

	// ProgressEvery emits a progress event after this many completed detail
	// queries. Zero means DefaultProgressEvery.
	ProgressEvery int

	// Limiter throttles detail queries. Nil means unthrottled.
	Limiter *rate.Limiter

	// PruneDescriptions drops cached descriptions for families missing from
	// the latest listing.
	PruneDescriptions bool

	Logger *zap.Logger

	// OnComplete is called after a successful scan.
	OnComplete func(Summary)

	state atomic.Int32
}

// State returns the current scan state.
func (e *Enumerator) State() State { return State(e.state.Load()) }

func (e *Enumerator) setState(s State) { e.state.Store(int32(s)) }

func (e *Enumerator) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Run performs one scan, emitting events to em. Emitter failures never stop
// the scan; the cache is written even if nobody is listening.
func (e *Enumerator) Run(ctx context.Context, scanID string, em stream.Emitter) (Snapshot, Summary, error) {
	start := time.Now()
	log := e.logger().With(zap.String("scan_id", scanID))
	out := &safeEmitter{next: em, logger: log}

	e.setState(StateListingFamilies)
	out.emit(ctx, stream.ProgressEvent("Listing module families", 0, 0))

	text, err := e.Source.ListFamilies(ctx)
	if err != nil {
		return e.fail(ctx, out, log, gateway.Reason(err), err)
	}
	families := ParseSpiderListing(text)
	if len(families) == 0 {
		return e.fail(ctx, out, log, ErrNoFamilies.Error(), ErrNoFamilies)
	}
	for i := range families {
		families[i].Category = e.categorize(families[i].Name)
	}
	out.emit(ctx, stream.ProgressEvent(fmt.Sprintf("Found %d module families", len(families)), len(families), 0))

	e.setState(StateFamiliesListed)
	for _, f := range families {
		out.emit(ctx, stream.ItemEvent(f.Name, f))
	}

	e.setState(StateFetchingDetails)
	cached, err := e.Descriptions.All()
	if err != nil {
		log.Warn("Description cache unreadable, fetching all", zap.Error(err))
		cached = map[string]cachestore.Item[string]{}
	}

	sum := Summary{ScanID: scanID, UniqueCount: len(families)}
	descriptions := make(map[string]string, len(families))
	var todo []string
	for _, f := range families {
		if it, ok := cached[f.Name]; ok {
			descriptions[f.Name] = it.Value
			sum.Cached++
			if it.Value != "" {
				out.emit(ctx, stream.ItemUpdateEvent(f.Name, DescriptionPatch{Description: it.Value}))
			}
			continue
		}
		todo = append(todo, f.Name)
	}

	fetched, failed := e.fetchDetails(ctx, todo, out, log)
	for name, d := range fetched {
		descriptions[name] = d
	}
	sum.Fetched = len(fetched)
	sum.Failed = failed

	if _, err := e.Descriptions.Merge(fetched); err != nil {
		log.Warn("Failed to persist module descriptions", zap.Error(err))
	}
	if e.PruneDescriptions {
		present := make(map[string]struct{}, len(families))
		for _, f := range families {
			present[f.Name] = struct{}{}
		}
		n, err := e.Descriptions.Prune(func(id string) bool {
			_, ok := present[id]
			return ok
		})
		if err != nil {
			log.Warn("Failed to prune module descriptions", zap.Error(err))
		}
		sum.Pruned = n
	}

	for i := range families {
		families[i].Description = descriptions[families[i].Name]
		if families[i].Description != "" {
			sum.Described++
		}
	}
	snap := BuildSnapshot(families)
	if err := e.Cache.Write(cachestore.KeyModules, snap); err != nil {
		log.Warn("Failed to write module catalog cache", zap.Error(err))
	}

	sum.Duration = time.Since(start)
	sum.DurationMS = sum.Duration.Milliseconds()
	e.setState(StateComplete)
	out.emit(ctx, stream.CompleteEvent(sum))

	log.Info("Module scan complete",
		zap.Int("families", sum.UniqueCount),
		zap.Int("fetched", sum.Fetched),
		zap.Int("failed", sum.Failed),
		zap.Duration("duration", sum.Duration))
	if e.OnComplete != nil {
		e.OnComplete(sum)
	}
	return snap, sum, nil
}

func (e *Enumerator) fail(ctx context.Context, out *safeEmitter, log *zap.Logger, msg string, err error) (Snapshot, Summary, error) {
	e.setState(StateError)
	log.Warn("Module scan failed", zap.Error(err))
	out.emit(ctx, stream.ErrorEvent(msg))
	return Snapshot{}, Summary{}, err
}

func (e *Enumerator) categorize(name string) string {
	if e.Categorizer == nil {
		return CategoryMisc
	}
	return e.Categorizer.Categorize(name)
}

// fetchDetails queries descriptions with bounded concurrency. Failed or
// timed out families are counted and skipped.
func (e *Enumerator) fetchDetails(ctx context.Context, names []string, out *safeEmitter, log *zap.Logger) (map[string]string, int) {
	workers := e.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	every := e.ProgressEvery
	if every <= 0 {
		every = DefaultProgressEvery
	}

	var (
		mu        sync.Mutex
		fetched   = make(map[string]string, len(names))
		completed int
		failed    int
	)
	total := len(names)

	var g errgroup.Group
	g.SetLimit(workers)
	for _, name := range names {
		g.Go(func() error {
			var (
				desc string
				err  error
			)
			if e.Limiter != nil {
				err = e.Limiter.Wait(ctx)
			}
			if err == nil {
				desc, err = e.Source.Describe(ctx, name)
			}

			mu.Lock()
			defer mu.Unlock()
			completed++
			if err != nil {
				failed++
				log.Debug("Module detail skipped", zap.String("family", name), zap.Error(err))
			} else {
				fetched[name] = desc
				if desc != "" {
					out.emit(ctx, stream.ItemUpdateEvent(name, DescriptionPatch{Description: desc}))
				}
			}
			if completed%every == 0 || completed == total {
				out.emit(ctx, stream.ProgressEvent("Fetching module details", total, completed))
			}
			return nil
		})
	}
	_ = g.Wait()
	return fetched, failed
}

// safeEmitter logs the first emit failure and then stops forwarding, so a
// departed listener never aborts the scan.
type safeEmitter struct {
	next   stream.Emitter
	logger *zap.Logger
	failed atomic.Bool
}

func (s *safeEmitter) emit(ctx context.Context, ev stream.Event) {
	if s.next == nil || s.failed.Load() {
		return
	}
	if err := s.next.Emit(ctx, ev); err != nil {
		if s.failed.CompareAndSwap(false, true) {
			s.logger.Debug("Scan listener gone, continuing without it", zap.Error(err))
		}
	}
}
