package projects

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

var environmentFiles = []string{
	"requirements.txt",
	"environment.yml",
	"conda-environment.yml",
	"Pipfile",
	"pyproject.toml",
	"setup.py",
	"renv.lock",
	"DESCRIPTION",
	"Cargo.toml",
	"package.json",
	"go.mod",
}

var workflowPatterns = []string{
	".github/workflows/*.{yml,yaml}",
	".gitlab-ci.yml",
	".circleci/*.{yml,yaml}",
	".travis.yml",
}

var commonFiles = []string{"README.md", "LICENSE", ".gitignore"}

// CheckHealth inspects repo for reproducibility indicators. Staleness is
// omitted when git has no commit for the tree.
func (g *Git) CheckHealth(ctx context.Context, repo string) Health {
	h := Health{
		EnvironmentFiles:   []FileInfo{},
		WorkflowConfigs:    []FileInfo{},
		MissingCommonFiles: []string{},
	}
	for _, name := range environmentFiles {
		if fi, ok := statFile(repo, name); ok {
			h.EnvironmentFiles = append(h.EnvironmentFiles, fi)
		}
	}

	fsys := os.DirFS(repo)
	var workflows []string
	for _, pattern := range workflowPatterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			continue
		}
		workflows = append(workflows, matches...)
	}
	sort.Strings(workflows)
	for _, rel := range workflows {
		if fi, ok := statFile(repo, rel); ok {
			h.WorkflowConfigs = append(h.WorkflowConfigs, fi)
		}
	}

	for _, name := range commonFiles {
		if _, err := os.Stat(filepath.Join(repo, name)); err != nil {
			h.MissingCommonFiles = append(h.MissingCommonFiles, name)
		}
	}

	h.Staleness = g.staleness(ctx, repo)
	return h
}

func (g *Git) staleness(ctx context.Context, repo string) *Staleness {
	commit, ok := g.LastCommitTime(ctx, repo, ".")
	if !ok {
		return nil
	}
	tracked, err := g.TrackedFiles(ctx, repo)
	if err != nil {
		return nil
	}
	s := &Staleness{LastCommit: commit, FilesModifiedAfterCommit: []StaleFile{}}
	for _, rel := range tracked {
		info, err := os.Stat(filepath.Join(repo, rel))
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().After(commit) {
			s.FilesModifiedAfterCommit = append(s.FilesModifiedAfterCommit, StaleFile{Path: rel, Modified: info.ModTime()})
		}
	}
	s.Count = len(s.FilesModifiedAfterCommit)
	return s
}

func statFile(repo, rel string) (FileInfo, bool) {
	info, err := os.Stat(filepath.Join(repo, rel))
	if err != nil || info.IsDir() {
		return FileInfo{}, false
	}
	return FileInfo{
		Name:     filepath.Base(rel),
		Path:     filepath.ToSlash(rel),
		Modified: info.ModTime(),
		Size:     info.Size(),
	}, true
}
