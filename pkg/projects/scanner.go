// Package projects summarizes the git repositories under the user's
// project directories: version-control state, reproducibility indicators
// and disk footprint.
package projects

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/hpcdash/pkg/cachestore"
)

const DefaultScanWorkers = 4

// ErrNoProjects is returned when a scan finds nothing and every root failed.
var ErrNoProjects = errors.New("no projects found")

// Scanner builds Project records for repositories under a set of roots.
type Scanner struct {
	Checker *Checker
	Git     *Git
	Workers int
	Logger  *zap.Logger
}

// Scan discovers repositories with git-status-checker, or a directory walk
// when the checker reports nothing, and inspects each one. The returned
// warning is non-empty when some roots failed but projects were found.
func (s *Scanner) Scan(ctx context.Context, roots []string) ([]Project, string, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var errs []string
	statuses := map[string]RepoStatus{}
	var repos []string
	if s.Checker != nil {
		report, err := s.Checker.Check(ctx, roots)
		if err != nil {
			logger.Warn("git-status-checker failed, walking directories", zap.Error(err))
			errs = append(errs, err.Error())
		}
		for _, r := range report.Repositories {
			statuses[r.Path] = r
			repos = append(repos, r.Path)
		}
	}
	if len(repos) == 0 {
		repos = FindRepos(roots, logger)
	}

	workers := s.Workers
	if workers <= 0 {
		workers = DefaultScanWorkers
	}
	var (
		mu       sync.Mutex
		projects = make([]Project, 0, len(repos))
	)
	var g errgroup.Group
	g.SetLimit(workers)
	for _, repo := range repos {
		g.Go(func() error {
			p, err := s.inspect(ctx, repo, statuses)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("Project inspection failed", zap.String("path", repo), zap.Error(err))
				errs = append(errs, fmt.Sprintf("%s: %v", repo, err))
				return nil
			}
			projects = append(projects, p)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	SortProjects(projects)
	if len(errs) == 0 {
		return projects, "", nil
	}
	if len(projects) == 0 {
		if len(errs) > 3 {
			errs = errs[:3]
		}
		return projects, "", fmt.Errorf("%w: %s", ErrNoProjects, strings.Join(errs, "; "))
	}
	return projects, fmt.Sprintf("Some directories had errors: %d errors, %d projects found", len(errs), len(projects)), nil
}

func (s *Scanner) inspect(ctx context.Context, repo string, statuses map[string]RepoStatus) (Project, error) {
	var info GitInfo
	if st, ok := statuses[repo]; ok {
		info = st.gitInfo()
		s.Git.describe(ctx, repo, &info)
	} else {
		var err error
		if info, err = s.Git.Info(ctx, repo); err != nil {
			return Project{}, err
		}
	}
	return Project{
		Name:            filepath.Base(repo),
		Path:            repo,
		Git:             info,
		Reproducibility: s.Git.CheckHealth(ctx, repo),
		DriftFootprint:  s.Git.Footprint(ctx, repo),
	}, nil
}

// SortProjects orders projects by case-insensitive name.
func SortProjects(ps []Project) {
	sort.SliceStable(ps, func(i, j int) bool {
		return strings.ToLower(ps[i].Name) < strings.ToLower(ps[j].Name)
	})
}

// Collector keeps the projects snapshot in the cache, scanning only roots
// the snapshot does not cover yet.
type Collector struct {
	Scanner *Scanner
	Cache   *cachestore.Cache
	Logger  *zap.Logger
}

// Collect returns projects for roots. With useCache, a fresh snapshot that
// covers a subset of roots is extended by scanning the new roots only; a
// stale snapshot or one covering other roots triggers a full scan.
func (c *Collector) Collect(ctx context.Context, roots []string, useCache bool) (Snapshot, string, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dirs := normalizeRoots(roots)

	if useCache {
		var cached Snapshot
		v := c.Cache.Lookup(cachestore.KeyProjects, &cached)
		if v.Present && !v.Stale && subset(cached.Directories, dirs) {
			added := difference(dirs, cached.Directories)
			if len(added) == 0 {
				return cached, "", nil
			}
			logger.Info("Scanning new project directories", zap.Strings("dirs", added))
			found, warn, err := c.Scanner.Scan(ctx, added)
			if err != nil && len(found) == 0 {
				return cached, "", err
			}
			merged := mergeByPath(cached.Projects, found)
			snap := Snapshot{Directories: dirs, Projects: merged}
			if werr := c.Cache.Write(cachestore.KeyProjects, snap); werr != nil {
				logger.Warn("Failed to write projects cache", zap.Error(werr))
			}
			return snap, warn, nil
		}
	}

	found, warn, err := c.Scanner.Scan(ctx, dirs)
	if err != nil {
		return Snapshot{Directories: dirs, Projects: []Project{}}, "", err
	}
	snap := Snapshot{Directories: dirs, Projects: found}
	if len(found) > 0 {
		if werr := c.Cache.Write(cachestore.KeyProjects, snap); werr != nil {
			logger.Warn("Failed to write projects cache", zap.Error(werr))
		}
	}
	return snap, warn, nil
}

// Task adapts Collect to a refresh task body.
func (c *Collector) Task(roots func() []string) func(context.Context) error {
	return func(ctx context.Context) error {
		_, warn, err := c.Collect(ctx, roots(), true)
		if warn != "" && c.Logger != nil {
			c.Logger.Warn(warn)
		}
		return err
	}
}

func normalizeRoots(roots []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range roots {
		r = ExpandPath(r)
		if r == "" {
			continue
		}
		r = filepath.Clean(r)
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

func subset(a, b []string) bool {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	for _, s := range a {
		if !in[s] {
			return false
		}
	}
	return true
}

func difference(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	var out []string
	for _, s := range a {
		if !in[s] {
			out = append(out, s)
		}
	}
	return out
}

func mergeByPath(existing, found []Project) []Project {
	byPath := make(map[string]int, len(existing))
	out := make([]Project, len(existing))
	copy(out, existing)
	for i, p := range out {
		byPath[p.Path] = i
	}
	for _, p := range found {
		if i, ok := byPath[p.Path]; ok {
			out[i] = p
			continue
		}
		byPath[p.Path] = len(out)
		out = append(out, p)
	}
	SortProjects(out)
	return out
}
