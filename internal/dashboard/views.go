package dashboard

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/hpcdash/internal/errors"
	"github.com/3leaps/hpcdash/pkg/cachestore"
	"github.com/3leaps/hpcdash/pkg/modules"
	"github.com/3leaps/hpcdash/pkg/projects"
	"github.com/3leaps/hpcdash/pkg/quota"
	"github.com/3leaps/hpcdash/pkg/refresh"
	"github.com/3leaps/hpcdash/pkg/runregistry"
	"github.com/3leaps/hpcdash/pkg/slurm"
)

// View is a cached payload as served to readers. Data is the zero value
// and Error carries a placeholder when nothing usable is cached.
type View[T any] struct {
	Data       T      `json:"data"`
	IsStale    bool   `json:"is_stale"`
	AgeSeconds int64  `json:"age_seconds"`
	Refreshing bool   `json:"refreshing"`
	Error      string `json:"error,omitempty"`
}

// read decodes key and, when the entry is stale or missing, triggers a
// background refresh. It never waits on the refresh.
func read[T any](ctx context.Context, d *Dashboard, key string) View[T] {
	var out View[T]
	v := d.Cache.Lookup(key, &out.Data)
	out.IsStale = v.Stale
	out.AgeSeconds = v.AgeSeconds()

	if v.Stale {
		outcome, err := d.Scheduler.Trigger(ctx, key, false)
		if err != nil {
			d.logger.Debug("No refresh task for key", zap.String("key", key), zap.Error(err))
		}
		out.Refreshing = outcome == refresh.Started || outcome == refresh.AlreadyInProgress
	}
	if !v.Present {
		out.Error = d.unavailable(key, v.Err, out.Refreshing)
	}
	return out
}

func (d *Dashboard) unavailable(key string, err error, refreshing bool) string {
	if rec := d.Scheduler.LastRun(key); rec != nil && rec.State == runregistry.RunStateFailed && rec.Error != "" {
		return "data unavailable: " + rec.Error
	}
	if refreshing {
		return "data unavailable: refresh in progress"
	}
	if errors.Is(err, cachestore.ErrEmpty) {
		return "data unavailable: not yet collected"
	}
	return apperrors.Placeholder(err)
}

// PartitionsPage is the partitions view with its derived summary.
type PartitionsPage struct {
	Partitions []slurm.Partition                 `json:"partitions"`
	Summary    *slurm.Summary                    `json:"summary,omitempty"`
	Reference  map[string][]slurm.ReferenceEntry `json:"reference"`
}

// Partitions reads cached partitions and cluster load. Either may be
// missing; the summary carries load only when it is cached.
func (d *Dashboard) Partitions(ctx context.Context) View[PartitionsPage] {
	parts := read[[]slurm.Partition](ctx, d, cachestore.KeyPartitions)
	load := read[*slurm.Load](ctx, d, cachestore.KeyLoad)

	meta := d.Metadata.Get()
	return View[PartitionsPage]{
		Data: PartitionsPage{
			Partitions: parts.Data,
			Summary:    slurm.Summarize(parts.Data, load.Data),
			Reference:  slurm.Reference(parts.Data, meta),
		},
		IsStale:    parts.IsStale,
		AgeSeconds: parts.AgeSeconds,
		Refreshing: parts.Refreshing || load.Refreshing,
		Error:      parts.Error,
	}
}

func (d *Dashboard) Quota(ctx context.Context) View[quota.Report] {
	return read[quota.Report](ctx, d, cachestore.KeyQuota)
}

// Projects reads the projects cache. With force the cache is cleared and a
// rescan started.
func (d *Dashboard) Projects(ctx context.Context, force bool) View[projects.Snapshot] {
	if force {
		if _, err := d.Scheduler.Trigger(ctx, cachestore.KeyProjects, true); err != nil {
			d.logger.Warn("Projects refresh failed to start", zap.Error(err))
		}
	}
	return read[projects.Snapshot](ctx, d, cachestore.KeyProjects)
}

// Modules reads the catalog. Loading is set when nothing is cached and a
// scan is running.
type ModulesPage struct {
	modules.Snapshot
	Loading bool `json:"loading"`
}

func (d *Dashboard) Modules(ctx context.Context) View[ModulesPage] {
	v := read[modules.Snapshot](ctx, d, cachestore.KeyModules)
	return View[ModulesPage]{
		Data: ModulesPage{
			Snapshot: v.Data,
			Loading:  v.Error != "" && (v.Refreshing || d.Catalog.InProgress()),
		},
		IsStale:    v.IsStale,
		AgeSeconds: v.AgeSeconds,
		Refreshing: v.Refreshing,
		Error:      v.Error,
	}
}

// QueueStatus queries squeue live for the configured user.
func (d *Dashboard) QueueStatus(ctx context.Context) (slurm.Queue, error) {
	return d.Slurm.Queue(ctx, d.cfg.Jobs.User)
}

// History queries sacct live and returns one page. perPage <= 0 uses the
// configured page size.
func (d *Dashboard) History(ctx context.Context, page, perPage int) (slurm.HistoryPage, error) {
	if perPage <= 0 {
		perPage = d.cfg.Jobs.PerPage
	}
	jobs, err := d.Slurm.History(ctx, d.cfg.Jobs.User)
	if err != nil {
		return slurm.Paginate(nil, page, perPage), err
	}
	return slurm.Paginate(jobs, page, perPage), nil
}

// Efficiency returns the cached seff report for jobID, fetching it on a
// miss or when force is set.
func (d *Dashboard) Efficiency(ctx context.Context, jobID string, force bool) (slurm.Efficiency, error) {
	return d.Reports.Get(ctx, jobID, force)
}

// Refresh triggers the task for key.
func (d *Dashboard) Refresh(ctx context.Context, key string, force bool) (refresh.Outcome, error) {
	return d.Scheduler.Trigger(ctx, key, force)
}

// RefreshStatus is the state of one refreshable key.
type RefreshStatus struct {
	Key        string                 `json:"key"`
	InProgress bool                   `json:"in_progress"`
	LastRun    *runregistry.RunRecord `json:"last_run"`
}

func (d *Dashboard) RefreshStatus(key string) (RefreshStatus, error) {
	if !d.hasTask(key) {
		return RefreshStatus{}, refresh.ErrUnknownTask
	}
	return RefreshStatus{
		Key:        key,
		InProgress: d.Scheduler.InProgress(key),
		LastRun:    d.Scheduler.LastRun(key),
	}, nil
}

// CacheView returns the raw cached payload for key without triggering a
// refresh.
func (d *Dashboard) CacheView(key string) View[any] {
	var out View[any]
	v := d.Cache.Lookup(key, &out.Data)
	out.IsStale = v.Stale
	out.AgeSeconds = v.AgeSeconds()
	out.Refreshing = d.hasTask(key) && d.Scheduler.InProgress(key)
	if !v.Present {
		out.Error = d.unavailable(key, v.Err, out.Refreshing)
	}
	return out
}

// KeyStatus describes one cache key for `cache status`.
type KeyStatus struct {
	Key        string                 `json:"key"`
	Present    bool                   `json:"present"`
	IsStale    bool                   `json:"is_stale"`
	AgeSeconds int64                  `json:"age_seconds"`
	MaxAge     int64                  `json:"max_age_seconds"`
	InProgress bool                   `json:"in_progress"`
	LastRun    *runregistry.RunRecord `json:"last_run,omitempty"`
}

// Status reports every registered key in name order.
func (d *Dashboard) Status() []KeyStatus {
	keys := d.Scheduler.Keys()
	sort.Strings(keys)
	out := make([]KeyStatus, 0, len(keys))
	for _, key := range keys {
		v := d.Cache.Lookup(key, nil)
		out = append(out, KeyStatus{
			Key:        key,
			Present:    v.Present,
			IsStale:    v.Stale,
			AgeSeconds: v.AgeSeconds(),
			MaxAge:     int64(d.Cache.Policy(key).MaxAge.Seconds()),
			InProgress: d.Scheduler.InProgress(key),
			LastRun:    d.Scheduler.LastRun(key),
		})
	}
	return out
}

// Clear removes the cached entry for key. Descriptions are cleared along
// with the catalog.
func (d *Dashboard) Clear(key string) error {
	if !d.hasTask(key) && key != cachestore.KeyDescriptions {
		return refresh.ErrUnknownTask
	}
	if err := d.Cache.Invalidate(key); err != nil {
		return err
	}
	if key == cachestore.KeyModules {
		return d.Cache.Invalidate(cachestore.KeyDescriptions)
	}
	return nil
}

func (d *Dashboard) hasTask(key string) bool {
	for _, k := range d.Scheduler.Keys() {
		if k == key {
			return true
		}
	}
	return false
}
