package slurm

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/hpcdash/pkg/cachestore"
	"github.com/3leaps/hpcdash/pkg/gateway"
)

// DefaultSaveEvery is how many new seff reports the preload collects
// before writing the cache.
const DefaultSaveEvery = 10

// ErrNoSeffOutput is returned for a cached report with no output.
var ErrNoSeffOutput = errors.New("no output from seff")

// SeffEntry is the cached outcome of one seff run. Failures are cached as
// well and are only retried on a forced refresh.
type SeffEntry struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (e SeffEntry) result() (Efficiency, error) {
	if e.Error != "" {
		return Efficiency{}, errors.New(e.Error)
	}
	if strings.TrimSpace(e.Output) == "" {
		return Efficiency{}, ErrNoSeffOutput
	}
	return ParseSeff(e.Output), nil
}

// Reports serves seff reports from a permanent per-job cache.
type Reports struct {
	Client    *Client
	Cache     *cachestore.Collection[SeffEntry]
	Limiter   *rate.Limiter
	SaveEvery int
	Logger    *zap.Logger
}

func (r *Reports) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Get returns the report for jobID. A cached entry, success or failure, is
// returned as is unless force is set.
func (r *Reports) Get(ctx context.Context, jobID string, force bool) (Efficiency, error) {
	if !force {
		if it, ok := r.Cache.Get(jobID); ok {
			return it.Value.result()
		}
	}
	entry, _ := r.fetch(ctx, jobID)
	if err := r.Cache.Put(jobID, entry); err != nil {
		r.logger().Warn("Failed to save seff cache", zap.String("job_id", jobID), zap.Error(err))
	}
	return entry.result()
}

func (r *Reports) fetch(ctx context.Context, jobID string) (SeffEntry, error) {
	out, err := r.Client.Seff(ctx, jobID)
	if err != nil {
		return SeffEntry{Error: gateway.Reason(err)}, err
	}
	return SeffEntry{Output: out}, nil
}

// PreloadStats summarizes one preload pass.
type PreloadStats struct {
	Jobs   int `json:"jobs"`
	Cached int `json:"cached"`
	New    int `json:"new"`
	Failed int `json:"failed"`
}

// Preload fetches reports for every job in user's history that is not yet
// cached. Progress is saved every SaveEvery reports so an interrupted
// preload keeps what it fetched. A missing seff binary stops the preload
// without caching anything.
func (r *Reports) Preload(ctx context.Context, user string) (PreloadStats, error) {
	var stats PreloadStats
	jobs, err := r.Client.History(ctx, user)
	if err != nil {
		return stats, err
	}
	stats.Jobs = len(jobs)

	existing, err := r.Cache.All()
	if err != nil {
		return stats, err
	}

	every := r.SaveEvery
	if every <= 0 {
		every = DefaultSaveEvery
	}
	pending := map[string]SeffEntry{}
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if _, err := r.Cache.Merge(pending); err != nil {
			r.logger().Warn("Failed to save seff cache", zap.Error(err))
			return
		}
		pending = map[string]SeffEntry{}
		r.logger().Info("Seff preload progress",
			zap.Int("new", stats.New),
			zap.Int("cached", stats.Cached),
			zap.Int("failed", stats.Failed),
			zap.Int("jobs", stats.Jobs))
	}
	defer flush()

	for _, j := range jobs {
		if j.ID == "" {
			continue
		}
		if _, ok := existing[j.ID]; ok {
			stats.Cached++
			continue
		}
		if r.Limiter != nil {
			if err := r.Limiter.Wait(ctx); err != nil {
				return stats, err
			}
		}

		entry, err := r.fetch(ctx, j.ID)
		if gateway.IsKind(err, gateway.KindBinaryNotFound) {
			return stats, err
		}
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err != nil {
			stats.Failed++
		} else {
			stats.New++
		}
		pending[j.ID] = entry
		existing[j.ID] = cachestore.Item[SeffEntry]{Value: entry}
		if len(pending) >= every {
			flush()
		}
	}
	return stats, nil
}
