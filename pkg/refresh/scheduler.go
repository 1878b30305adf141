// Package refresh schedules background cache refreshes.
//
// Tasks are declared once with a trigger and a staleness mode. At startup
// every OnStartup task runs once; afterwards any task can be triggered on
// demand. Concurrent refreshes of one key are prevented by the single-flight
// guard, so a late trigger is told the refresh is already in progress.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/hpcdash/pkg/cachestore"
	"github.com/3leaps/hpcdash/pkg/flight"
	"github.com/3leaps/hpcdash/pkg/runregistry"
)

// DefaultTimeout bounds a task that declares none.
const DefaultTimeout = 10 * time.Minute

var (
	ErrUnknownTask   = errors.New("unknown refresh task")
	ErrDuplicateTask = errors.New("refresh task already registered")
)

// Trigger says when a task runs on its own.
type Trigger int

const (
	// OnDemand tasks run only when triggered.
	OnDemand Trigger = iota
	// OnStartup tasks also run once when the scheduler starts.
	OnStartup
)

func (t Trigger) String() string {
	if t == OnStartup {
		return "on_startup"
	}
	return "on_demand"
}

// Mode says whether a startup run checks staleness first.
type Mode int

const (
	IfStale Mode = iota
	Always
)

// Outcome is the answer to a refresh request.
type Outcome string

const (
	Started           Outcome = "started"
	AlreadyInProgress Outcome = "already_in_progress"
	Fresh             Outcome = "fresh"
)

// Task repopulates one cache key. Run must be idempotent.
type Task struct {
	Key     string
	Trigger Trigger
	Mode    Mode
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// Prepare runs synchronously once the key is claimed, before Run is
	// handed to the runner.
	Prepare func()
}

// Options configures a Scheduler. Cache and Guard are required.
type Options struct {
	Cache   *cachestore.Cache
	Guard   *flight.Guard
	Runner  Runner
	Tracker *runregistry.Tracker
	Logger  *zap.Logger

	// OnRun is called after every task run with outcome "success" or
	// "failed".
	OnRun func(key, outcome string, d time.Duration)
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cache   *cachestore.Cache
	guard   *flight.Guard
	runner  Runner
	tracker *runregistry.Tracker
	logger  *zap.Logger
	onRun   func(key, outcome string, d time.Duration)

	mu    sync.RWMutex
	tasks map[string]Task
	order []string
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		cache:   opts.Cache,
		guard:   opts.Guard,
		runner:  opts.Runner,
		tracker: opts.Tracker,
		logger:  opts.Logger,
		onRun:   opts.OnRun,
		tasks:   map[string]Task{},
	}
	if s.runner == nil {
		s.runner = &AsyncRunner{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Register adds a task. Keys are unique.
func (s *Scheduler) Register(t Task) error {
	if t.Key == "" || t.Run == nil {
		return fmt.Errorf("refresh task requires a key and a run function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.Key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Key)
	}
	s.tasks[t.Key] = t
	s.order = append(s.order, t.Key)
	return nil
}

// Keys returns registered task keys in registration order.
func (s *Scheduler) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func (s *Scheduler) task(key string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[key]
	return t, ok
}

// Start runs every OnStartup task once, off the caller's path. Always tasks
// run unconditionally; IfStale tasks only when their cache is missing or
// stale.
func (s *Scheduler) Start(ctx context.Context) map[string]Outcome {
	out := map[string]Outcome{}
	for _, key := range s.Keys() {
		t, _ := s.task(key)
		if t.Trigger != OnStartup {
			continue
		}
		if t.Mode == IfStale && !s.cache.Expired(key) {
			out[key] = Fresh
			if s.tracker != nil {
				s.tracker.Skip(key, OnStartup.String())
			}
			s.logger.Debug("Cache fresh, skipping startup refresh", zap.String("key", key))
			continue
		}
		out[key] = s.launch(ctx, t, false, OnStartup)
	}
	return out
}

// Trigger requests a refresh of key. Unless force is set, a fresh cache
// returns Fresh without running anything. A forced refresh clears the cache
// before repopulating it.
func (s *Scheduler) Trigger(ctx context.Context, key string, force bool) (Outcome, error) {
	t, ok := s.task(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, key)
	}
	if !force && !s.cache.Expired(key) {
		return Fresh, nil
	}
	return s.launch(ctx, t, force, OnDemand), nil
}

// InProgress reports whether key is being refreshed.
func (s *Scheduler) InProgress(key string) bool {
	return s.guard.IsHeld(key)
}

// LastRun returns the latest recorded run for key, or nil.
func (s *Scheduler) LastRun(key string) *runregistry.RunRecord {
	if s.tracker == nil {
		return nil
	}
	return s.tracker.Last(key)
}

// Wait blocks until launched tasks finish.
func (s *Scheduler) Wait() {
	s.runner.Wait()
}

func (s *Scheduler) launch(ctx context.Context, t Task, force bool, trigger Trigger) Outcome {
	if !s.guard.TryAcquire(t.Key) {
		s.logger.Debug("Refresh already in progress", zap.String("key", t.Key))
		return AlreadyInProgress
	}
	if force {
		if err := s.cache.Invalidate(t.Key); err != nil {
			s.logger.Warn("Failed to clear cache before refresh", zap.String("key", t.Key), zap.Error(err))
		}
	}

	if t.Prepare != nil {
		t.Prepare()
	}

	// Refreshes outlive the request that triggered them.
	runCtx := context.WithoutCancel(ctx)
	s.runner.Go(func() {
		defer s.guard.Release(t.Key)
		s.execute(runCtx, t, trigger)
	})
	return Started
}

func (s *Scheduler) execute(ctx context.Context, t Task, trigger Trigger) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rec *runregistry.RunRecord
	if s.tracker != nil {
		rec = s.tracker.Begin(t.Key, trigger.String())
	}

	start := time.Now()
	err := runTask(ctx, t)
	d := time.Since(start)

	if s.tracker != nil {
		s.tracker.Finish(rec, err)
	}

	outcome := "success"
	if err != nil {
		outcome = "failed"
		s.logger.Warn("Background refresh failed, keeping previous cache",
			zap.String("key", t.Key),
			zap.String("trigger", trigger.String()),
			zap.Duration("duration", d),
			zap.Error(err))
	} else {
		s.logger.Info("Background refresh complete",
			zap.String("key", t.Key),
			zap.String("trigger", trigger.String()),
			zap.Duration("duration", d))
	}
	if s.onRun != nil {
		s.onRun(t.Key, outcome, d)
	}
}

func runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh %s panicked: %v", t.Key, r)
		}
	}()
	return t.Run(ctx)
}
