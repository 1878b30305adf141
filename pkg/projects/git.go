package projects

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/hpcdash/pkg/gateway"
)

// DefaultGitTimeout bounds each git invocation.
const DefaultGitTimeout = 10 * time.Second

var DefaultGitCandidates = []string{"/usr/bin/git", "/usr/local/bin/git", "/bin/git"}

// ErrNotRepository is returned for a directory without .git.
var ErrNotRepository = errors.New("not a git repository")

// Git runs read-only git queries inside a repository.
type Git struct {
	Runner     gateway.Runner
	Candidates []string
	Timeout    time.Duration
}

func (g *Git) run(ctx context.Context, repo string, args ...string) (string, error) {
	cands := g.Candidates
	if len(cands) == 0 {
		cands = DefaultGitCandidates
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultGitTimeout
	}
	res, err := g.Runner.Run(ctx, gateway.Command{
		Name:       "git",
		Candidates: cands,
		Args:       args,
		Timeout:    timeout,
		Env:        homeEnv(),
		Dir:        repo,
		AllowEmpty: true,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Info collects repository state with plain git commands. Individual
// queries that fail leave their fields at the zero value.
func (g *Git) Info(ctx context.Context, repo string) (GitInfo, error) {
	if _, err := os.Stat(filepath.Join(repo, ".git")); err != nil {
		return GitInfo{}, ErrNotRepository
	}
	info := GitInfo{Path: repo, Name: filepath.Base(repo), UpToDate: true, LocalChanges: []string{}}

	if out, err := g.run(ctx, repo, "status", "--porcelain"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			if strings.TrimSpace(line) != "" {
				info.LocalChanges = append(info.LocalChanges, line)
			}
		}
		info.Dirty = len(info.LocalChanges) > 0
	}
	g.describe(ctx, repo, &info)

	if info.Branch != "" && info.Remote != "" {
		out, err := g.run(ctx, repo, "rev-list", "--left-right", "--count", "origin/"+info.Branch+"...HEAD")
		if f := strings.Fields(out); err == nil && len(f) == 2 {
			behind, err1 := strconv.Atoi(f[0])
			ahead, err2 := strconv.Atoi(f[1])
			if err1 == nil && err2 == nil {
				info.Behind = behind > 0
				info.Ahead = ahead > 0
				info.UpToDate = behind == 0 && ahead == 0 && !info.Dirty
			}
		}
	}
	return info, nil
}

// describe fills branch, last commit and remote.
func (g *Git) describe(ctx context.Context, repo string, info *GitInfo) {
	if out, err := g.run(ctx, repo, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		info.Branch = out
	}
	if out, err := g.run(ctx, repo, "log", "-1", "--format=%H|%an|%ae|%ad|%s", "--date=iso"); err == nil && out != "" {
		if parts := strings.SplitN(out, "|", 5); len(parts) >= 4 {
			hash := parts[0]
			if len(hash) > 8 {
				hash = hash[:8]
			}
			info.LastCommit = hash
			info.LastCommitAuthor = parts[1]
			info.LastCommitDate = parts[3]
		}
	}
	if out, err := g.run(ctx, repo, "remote", "get-url", "origin"); err == nil {
		info.Remote = out
	}
}

// LastCommitTime returns the committer time of HEAD, optionally limited to
// paths.
func (g *Git) LastCommitTime(ctx context.Context, repo string, paths ...string) (time.Time, bool) {
	args := []string{"log", "-1", "--format=%ct"}
	if len(paths) > 0 {
		args = append(append(args, "--"), paths...)
	}
	out, err := g.run(ctx, repo, args...)
	if err != nil || out == "" {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

// TrackedFiles lists files known to git.
func (g *Git) TrackedFiles(ctx context.Context, repo string) ([]string, error) {
	out, err := g.run(ctx, repo, "ls-files")
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(out), nil
}

// UntrackedFiles lists untracked paths, recursing into untracked
// directories.
func (g *Git) UntrackedFiles(ctx context.Context, repo string) ([]string, error) {
	out, err := g.run(ctx, repo, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range nonEmptyLines(out) {
		if p, ok := strings.CutPrefix(line, "?? "); ok {
			files = append(files, strings.TrimSpace(p))
		}
	}
	return files, nil
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func homeEnv() []string {
	var env []string
	for _, k := range []string{"HOME", "USER"} {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}
