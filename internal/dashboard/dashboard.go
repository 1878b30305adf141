// Package dashboard wires the cache, refresh scheduler, single-flight guard
// and data sources into the read accessors served by the web layer and the
// CLI.
package dashboard

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/hpcdash/internal/config"
	"github.com/3leaps/hpcdash/internal/observability"
	"github.com/3leaps/hpcdash/pkg/cachestore"
	"github.com/3leaps/hpcdash/pkg/clock"
	"github.com/3leaps/hpcdash/pkg/flight"
	"github.com/3leaps/hpcdash/pkg/gateway"
	"github.com/3leaps/hpcdash/pkg/modules"
	"github.com/3leaps/hpcdash/pkg/projects"
	"github.com/3leaps/hpcdash/pkg/quota"
	"github.com/3leaps/hpcdash/pkg/refresh"
	"github.com/3leaps/hpcdash/pkg/runregistry"
	"github.com/3leaps/hpcdash/pkg/slurm"
)

// Refresh task timeouts.
const (
	ModulesTimeout  = 30 * time.Minute
	ProjectsTimeout = 15 * time.Minute
	PreloadTimeout  = time.Hour
)

// Options configures New. Config is required; everything else defaults to
// the production implementation.
type Options struct {
	Config  *config.Config
	Runner  gateway.Runner
	Store   cachestore.Store
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// RefreshRunner runs scheduler tasks. Tests pass refresh.SyncRunner.
	RefreshRunner refresh.Runner
}

// Dashboard is the composition root. It is safe for concurrent use.
type Dashboard struct {
	cfg     *config.Config
	logger  *zap.Logger
	clock   clock.Clock
	metrics *observability.Metrics

	Runner            gateway.Runner
	Cache             *cachestore.Cache
	Guard             *flight.Guard
	Tracker           *runregistry.Tracker
	Scheduler         *refresh.Scheduler
	Catalog           *modules.Catalog
	Categorizer       *modules.Categorizer
	Slurm             *slurm.Client
	Reports           *slurm.Reports
	Metadata          *slurm.MetadataStore
	ProjectsCollector *projects.Collector
}

// New builds a Dashboard and registers every refresh task. Nothing runs
// until Start.
func New(opts Options) (*Dashboard, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("dashboard: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := clock.OrReal(opts.Clock)
	m := opts.Metrics

	runner := opts.Runner
	if runner == nil {
		runner = gateway.New(gateway.WithObserver(m.ObserveGateway))
	}
	store := opts.Store
	if store == nil {
		store = cachestore.NewFileStore(cfg.Cache.Dir)
	}

	cache := cachestore.New(store,
		cachestore.WithClock(clk),
		cachestore.WithPolicies(cachestore.DefaultPolicies().WithOverrides(cfg.Cache.TTL)),
		cachestore.WithLogger(logger.Named("cache")),
		cachestore.WithObserver(m.ObserveCache),
	)
	guard := flight.New(flight.Options{
		LockDir:    cfg.Cache.LockDir,
		Persistent: []string{cachestore.KeyModules, cachestore.KeyQuota, cachestore.KeyLoad, cachestore.KeyProjects},
		Ceiling:    cfg.Cache.LockCeiling,
		Clock:      clk,
		Logger:     logger.Named("flight"),
		OnAbandon:  m.ObserveAbandon,
	})
	tracker := runregistry.NewTracker(runregistry.NewStore(cfg.Cache.RunsDir), clk, logger.Named("runs"))
	sched := refresh.New(refresh.Options{
		Cache:   cache,
		Guard:   guard,
		Runner:  opts.RefreshRunner,
		Tracker: tracker,
		Logger:  logger.Named("refresh"),
		OnRun:   m.ObserveRefresh,
	})

	d := &Dashboard{
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		metrics:   m,
		Runner:    runner,
		Cache:     cache,
		Guard:     guard,
		Tracker:   tracker,
		Scheduler: sched,
	}
	d.buildSources()
	if err := d.registerTasks(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dashboard) buildSources() {
	cfg := d.cfg

	d.Categorizer, _ = modules.LoadCategorizer(cfg.Modules.CategoriesFile, d.logger.Named("modules"))
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.Modules.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Modules.RateLimit), max(cfg.Modules.Burst, 1))
	}
	enum := &modules.Enumerator{
		Source: &modules.LmodSource{
			Runner: &gateway.ModuleRunner{
				Runner:     d.Runner,
				Shells:     cfg.Binaries.Shell,
				InitScript: cfg.Modules.InitScript,
				Timeout:    cfg.Modules.ListTimeout,
			},
			DetailTimeout: cfg.Modules.DetailTimeout,
		},
		Cache:             d.Cache,
		Descriptions:      cachestore.NewCollection[string](d.Cache, cachestore.KeyDescriptions),
		Categorizer:       d.Categorizer,
		Workers:           cfg.Modules.Workers,
		ProgressEvery:     cfg.Modules.ProgressEvery,
		Limiter:           limiter,
		PruneDescriptions: cfg.Modules.PruneDescriptions,
		Logger:            d.logger.Named("modules"),
		OnComplete:        d.metrics.ObserveScan,
	}
	d.Catalog = modules.NewCatalog(enum, d.Cache, d.Guard, d.logger.Named("modules"))

	bins := slurm.DefaultBinaries()
	bins.Sinfo = orDefault(cfg.Binaries.Sinfo, bins.Sinfo)
	bins.Squeue = orDefault(cfg.Binaries.Squeue, bins.Squeue)
	bins.Sacct = orDefault(cfg.Binaries.Sacct, bins.Sacct)
	bins.Seff = orDefault(cfg.Binaries.Seff, bins.Seff)
	d.Slurm = &slurm.Client{
		Runner:      d.Runner,
		Binaries:    bins,
		Clock:       d.clock,
		Timeout:     cfg.Slurm.Timeout,
		SeffTimeout: cfg.Jobs.SeffTimeout,
		HistoryDays: cfg.Jobs.HistoryDays,
	}
	preload := rate.NewLimiter(rate.Inf, 1)
	if cfg.Jobs.PreloadRate > 0 {
		preload = rate.NewLimiter(rate.Limit(cfg.Jobs.PreloadRate), 1)
	}
	d.Reports = &slurm.Reports{
		Client:    d.Slurm,
		Cache:     cachestore.NewCollection[slurm.SeffEntry](d.Cache, cachestore.KeySeff),
		Limiter:   preload,
		SaveEvery: cfg.Jobs.SaveEvery,
		Logger:    d.logger.Named("seff"),
	}
	d.Metadata, _ = slurm.LoadMetadata(cfg.Slurm.PartitionFile, d.logger.Named("slurm"))

	d.ProjectsCollector = &projects.Collector{
		Scanner: &projects.Scanner{
			Checker: &projects.Checker{
				Runner:     d.Runner,
				Candidates: cfg.Binaries.StatusChecker,
				Timeout:    cfg.Projects.CheckerTimeout,
			},
			Git:     &projects.Git{Runner: d.Runner, Candidates: cfg.Binaries.Git},
			Workers: cfg.Projects.Workers,
			Logger:  d.logger.Named("projects"),
		},
		Cache:  d.Cache,
		Logger: d.logger.Named("projects"),
	}
}

func (d *Dashboard) registerTasks() error {
	cfg := d.cfg
	scripts := d.logger.Named("scripts")

	tasks := []refresh.Task{
		{
			Key:     cachestore.KeyModules,
			Trigger: refresh.OnStartup,
			Mode:    refresh.Always,
			Timeout: ModulesTimeout,
			Prepare: d.Catalog.Prepare,
			Run: func(ctx context.Context) error {
				_, _, err := d.Catalog.Scan(ctx, nil)
				return err
			},
		},
		{
			Key:     cachestore.KeyQuota,
			Trigger: refresh.OnStartup,
			Mode:    refresh.Always,
			Timeout: cfg.Scripts.Timeout,
			Run: refresh.ScriptTask(d.Cache, d.Runner, cachestore.KeyQuota, refresh.Script{
				Name:       cfg.Scripts.QuotaScript,
				Dir:        cfg.Scripts.Dir,
				OutputFile: cfg.Scripts.QuotaOutput,
				WorkDir:    cfg.Scripts.WorkDir,
				Shells:     cfg.Binaries.Shell,
				Timeout:    cfg.Scripts.Timeout,
				Parse:      func(out string) (any, error) { return quota.Parse(out) },
			}, scripts),
		},
		{
			Key:     cachestore.KeyPartitions,
			Trigger: refresh.OnStartup,
			Mode:    refresh.IfStale,
			Timeout: 2 * slurm.DefaultTimeout,
			Run: func(ctx context.Context) error {
				parts, err := d.Slurm.Partitions(ctx, d.Metadata.Get())
				if err != nil {
					return err
				}
				return d.Cache.Write(cachestore.KeyPartitions, parts)
			},
		},
		{
			Key:     cachestore.KeyLoad,
			Trigger: refresh.OnStartup,
			Mode:    refresh.IfStale,
			Timeout: cfg.Scripts.Timeout,
			Run: refresh.ScriptTask(d.Cache, d.Runner, cachestore.KeyLoad, refresh.Script{
				Name:       cfg.Scripts.LoadScript,
				Dir:        cfg.Scripts.Dir,
				OutputFile: cfg.Scripts.LoadOutput,
				WorkDir:    cfg.Scripts.WorkDir,
				Shells:     cfg.Binaries.Shell,
				Timeout:    cfg.Scripts.Timeout,
				Parse: func(out string) (any, error) {
					if l := slurm.ParseLoad(out); l != nil {
						return l, nil
					}
					return nil, fmt.Errorf("no load figures in %s output", cfg.Scripts.LoadScript)
				},
			}, scripts),
		},
		{
			Key:     cachestore.KeyProjects,
			Trigger: refresh.OnStartup,
			Mode:    refresh.IfStale,
			Timeout: ProjectsTimeout,
			Run:     d.ProjectsCollector.Task(cfg.ProjectDirectories),
		},
		{
			Key:     cachestore.KeySeff,
			Trigger: d.preloadTrigger(),
			Mode:    refresh.Always,
			Timeout: PreloadTimeout,
			Run: func(ctx context.Context) error {
				stats, err := d.Reports.Preload(ctx, cfg.Jobs.User)
				d.logger.Info("Seff preload finished",
					zap.Int("jobs", stats.Jobs),
					zap.Int("new", stats.New),
					zap.Int("failed", stats.Failed))
				return err
			},
		},
	}
	for _, t := range tasks {
		if err := d.Scheduler.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dashboard) preloadTrigger() refresh.Trigger {
	if d.cfg.Jobs.SeffPreload && d.cfg.Jobs.User != "" {
		return refresh.OnStartup
	}
	return refresh.OnDemand
}

// Start launches startup refreshes and file watchers. Watchers stop with
// ctx.
func (d *Dashboard) Start(ctx context.Context) map[string]refresh.Outcome {
	if f := d.cfg.Modules.CategoriesFile; f != "" {
		go d.watch(ctx, f, d.Categorizer.Watch)
	}
	if f := d.cfg.Slurm.PartitionFile; f != "" {
		go d.watch(ctx, f, d.Metadata.Watch)
	}
	outcomes := d.Scheduler.Start(ctx)
	d.logger.Info("Startup refresh scheduled", zap.Any("outcomes", outcomes))
	return outcomes
}

func (d *Dashboard) watch(ctx context.Context, path string, fn func(context.Context, string) error) {
	if err := fn(ctx, path); err != nil && ctx.Err() == nil {
		d.logger.Warn("File watch stopped", zap.String("path", filepath.Clean(path)), zap.Error(err))
	}
}

// Wait blocks until background refreshes and scans finish.
func (d *Dashboard) Wait() {
	d.Scheduler.Wait()
	d.Catalog.Wait()
}

// Config returns the configuration the dashboard was built with.
func (d *Dashboard) Config() *config.Config { return d.cfg }

func orDefault(v, def []string) []string {
	if len(v) > 0 {
		return v
	}
	return def
}
