package projects

import (
	"context"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	largeFileThreshold = 1 << 20
	maxLargeFiles      = 10
)

// Footprint measures repo on disk and compares its newest file against the
// last commit.
func (g *Git) Footprint(ctx context.Context, repo string) Footprint {
	var fp Footprint
	var newest time.Time

	_ = filepath.WalkDir(repo, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != repo {
				return fs.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		fp.DirectorySize += info.Size()
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	fp.GitSize = dirSize(filepath.Join(repo, ".git"))
	fp.DirectorySizeHuman = humanize.Bytes(uint64(fp.DirectorySize))
	fp.GitSizeHuman = humanize.Bytes(uint64(fp.GitSize))

	if !newest.IsZero() {
		fp.LastModified = &newest
	}
	if commit, ok := g.LastCommitTime(ctx, repo); ok {
		fp.LastCommit = &commit
		if fp.LastModified != nil {
			days := math.Round(fp.LastModified.Sub(commit).Hours()/24*10) / 10
			fp.DriftDays = &days
		}
	}
	fp.LargeUntrackedFiles = g.largeUntracked(ctx, repo)
	return fp
}

func (g *Git) largeUntracked(ctx context.Context, repo string) []LargeFile {
	out := []LargeFile{}
	files, err := g.UntrackedFiles(ctx, repo)
	if err != nil {
		return out
	}
	for _, rel := range files {
		info, err := os.Stat(filepath.Join(repo, rel))
		if err != nil || info.IsDir() || info.Size() <= largeFileThreshold {
			continue
		}
		out = append(out, LargeFile{
			Path:      rel,
			Size:      info.Size(),
			SizeMB:    math.Round(float64(info.Size())/(1<<20)*100) / 100,
			SizeHuman: humanize.Bytes(uint64(info.Size())),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Size > out[j].Size })
	if len(out) > maxLargeFiles {
		out = out[:maxLargeFiles]
	}
	return out
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
