package projects

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

func isRepo(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

// FindRepos walks each root for git repositories. Hidden directories are
// skipped and a repository's subdirectories are not searched.
func FindRepos(roots []string, logger *zap.Logger) []string {
	if logger == nil {
		logger = zap.NewNop()
	}
	var repos []string
	seen := map[string]bool{}
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			repos = append(repos, p)
		}
	}

	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			logger.Warn("Project directory not found", zap.String("dir", root))
			continue
		}
		if isRepo(root) {
			add(root)
			continue
		}
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				logger.Debug("Skipping unreadable path", zap.String("path", path), zap.Error(err))
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.IsDir() || path == root {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			if isRepo(path) {
				add(path)
				return fs.SkipDir
			}
			return nil
		})
	}
	return repos
}
