package projects

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/hpcdash/pkg/cachestore"
	"github.com/3leaps/hpcdash/pkg/gateway/gatewaytest"
)

func mkRepo(t *testing.T, dir string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	return dir
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestFindRepos(t *testing.T) {
	root := t.TempDir()
	a := mkRepo(t, filepath.Join(root, "a"))
	mkRepo(t, filepath.Join(root, "a", "vendored"))
	c := mkRepo(t, filepath.Join(root, "b", "c"))
	mkRepo(t, filepath.Join(root, ".hidden", "d"))

	assert.Equal(t, []string{a, c}, FindRepos([]string{root, filepath.Join(root, "missing")}, nil))
	assert.Equal(t, []string{a}, FindRepos([]string{a}, nil))
}

func TestGitInfo(t *testing.T) {
	repo := mkRepo(t, t.TempDir())
	fake := gatewaytest.New().
		On("git", "").
		On("git", " M main.go\n?? notes.txt\n", "status", "--porcelain").
		On("git", "main\n", "rev-parse", "--abbrev-ref", "HEAD").
		On("git", "0123456789abcdef|Alice|alice@example.org|2026-03-01 10:00:00 +0000|Initial", "log", "-1", "--format=%H|%an|%ae|%ad|%s", "--date=iso").
		On("git", "git@example.org:alice/repo.git", "remote", "get-url", "origin").
		On("git", "0\t2\n", "rev-list", "--left-right", "--count", "origin/main...HEAD")
	g := &Git{Runner: fake}

	info, err := g.Info(context.Background(), repo)
	require.NoError(t, err)
	assert.True(t, info.Dirty)
	assert.Equal(t, []string{" M main.go", "?? notes.txt"}, info.LocalChanges)
	assert.Equal(t, "main", info.Branch)
	assert.Equal(t, "01234567", info.LastCommit)
	assert.Equal(t, "Alice", info.LastCommitAuthor)
	assert.Equal(t, "2026-03-01 10:00:00 +0000", info.LastCommitDate)
	assert.Equal(t, "git@example.org:alice/repo.git", info.Remote)
	assert.True(t, info.Ahead)
	assert.False(t, info.Behind)
	assert.False(t, info.UpToDate)
	assert.Equal(t, repo, fake.Calls()[0].Dir)

	_, err = g.Info(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestChecker(t *testing.T) {
	ctx := context.Background()

	missing := &Checker{Runner: gatewaytest.New()}
	report, err := missing.Check(ctx, []string{"/p"})
	require.NoError(t, err)
	assert.Empty(t, report.Repositories)

	payload := `{"repositories":[{"path":"/p/x","local_changes":["M a"],"ahead":2,"behind":false,"up_to_date":false}],"total":1,"outdated":1}`
	fake := gatewaytest.New().On("git-status-checker", payload)
	report, err = (&Checker{Runner: fake}).Check(ctx, []string{"/p"})
	require.NoError(t, err)
	require.Len(t, report.Repositories, 1)
	assert.True(t, bool(report.Repositories[0].Ahead))
	assert.Equal(t, 1, report.Outdated)
	assert.Equal(t, []string{"--json", "--recursive", "--check-fetch", "--ignore-untracked", "/p"}, fake.Calls()[0].Args)
	assert.Equal(t, []int{1, 127}, fake.Calls()[0].OKExitCodes)

	info := report.Repositories[0].gitInfo()
	assert.Equal(t, "x", info.Name)
	assert.True(t, info.Dirty)
	assert.False(t, info.UpToDate)

	bad := gatewaytest.New().On("git-status-checker", "not json")
	_, err = (&Checker{Runner: bad}).Check(ctx, []string{"/p"})
	assert.ErrorContains(t, err, "JSON parse error")
}

func TestCheckHealth(t *testing.T) {
	repo := mkRepo(t, t.TempDir())
	writeFile(t, filepath.Join(repo, "requirements.txt"), 10)
	writeFile(t, filepath.Join(repo, "go.mod"), 10)
	writeFile(t, filepath.Join(repo, ".github", "workflows", "ci.yml"), 5)
	writeFile(t, filepath.Join(repo, ".github", "workflows", "notes.txt"), 5)
	writeFile(t, filepath.Join(repo, ".travis.yml"), 5)
	writeFile(t, filepath.Join(repo, "README.md"), 5)

	g := &Git{Runner: gatewaytest.New().On("git", "")}
	h := g.CheckHealth(context.Background(), repo)

	names := func(fs []FileInfo) []string {
		var out []string
		for _, f := range fs {
			out = append(out, f.Path)
		}
		return out
	}
	assert.Equal(t, []string{"requirements.txt", "go.mod"}, names(h.EnvironmentFiles))
	assert.Equal(t, []string{".github/workflows/ci.yml", ".travis.yml"}, names(h.WorkflowConfigs))
	assert.Equal(t, []string{"LICENSE", ".gitignore"}, h.MissingCommonFiles)
	assert.Nil(t, h.Staleness)
}

func TestStaleness(t *testing.T) {
	repo := mkRepo(t, t.TempDir())
	writeFile(t, filepath.Join(repo, "new.py"), 1)
	fake := gatewaytest.New().
		On("git", "").
		On("git", "1000000000\n", "log", "-1", "--format=%ct", "--", ".").
		On("git", "new.py\ngone.py\n", "ls-files")

	s := (&Git{Runner: fake}).staleness(context.Background(), repo)
	require.NotNil(t, s)
	assert.Equal(t, 1, s.Count)
	assert.Equal(t, "new.py", s.FilesModifiedAfterCommit[0].Path)
}

func TestFootprint(t *testing.T) {
	repo := mkRepo(t, t.TempDir())
	writeFile(t, filepath.Join(repo, ".git", "objects", "pack"), 100)
	writeFile(t, filepath.Join(repo, "src", "main.go"), 50)
	writeFile(t, filepath.Join(repo, "big.bin"), 3<<20)
	writeFile(t, filepath.Join(repo, "bigger.bin"), 5<<20)
	fake := gatewaytest.New().
		On("git", "").
		On("git", "1000000000", "log", "-1", "--format=%ct").
		On("git", "?? big.bin\n?? bigger.bin\n?? src/main.go\n", "status", "--porcelain", "--untracked-files=all")

	fp := (&Git{Runner: fake}).Footprint(context.Background(), repo)
	assert.Equal(t, int64(50+3<<20+5<<20), fp.DirectorySize)
	assert.Equal(t, int64(100), fp.GitSize)
	assert.Equal(t, "100 B", fp.GitSizeHuman)
	require.NotNil(t, fp.LastCommit)
	require.NotNil(t, fp.DriftDays)
	assert.Greater(t, *fp.DriftDays, 0.0)

	require.Len(t, fp.LargeUntrackedFiles, 2)
	assert.Equal(t, "bigger.bin", fp.LargeUntrackedFiles[0].Path)
	assert.Equal(t, 5.0, fp.LargeUntrackedFiles[0].SizeMB)
	assert.Equal(t, 3.0, fp.LargeUntrackedFiles[1].SizeMB)
}

func TestCollectorScansOnlyNewRoots(t *testing.T) {
	ctx := context.Background()
	rootA, rootB := t.TempDir(), t.TempDir()
	alpha := mkRepo(t, filepath.Join(rootA, "Alpha"))
	mkRepo(t, filepath.Join(rootB, "beta"))

	cache := cachestore.New(cachestore.NewMemoryStore())
	col := &Collector{
		Scanner: &Scanner{Git: &Git{Runner: gatewaytest.New().On("git", "")}},
		Cache:   cache,
	}

	snap, warn, err := col.Collect(ctx, []string{rootA}, true)
	require.NoError(t, err)
	assert.Empty(t, warn)
	require.Len(t, snap.Projects, 1)

	// A cached project survives because only rootB is rescanned.
	require.NoError(t, os.RemoveAll(alpha))
	snap, _, err = col.Collect(ctx, []string{rootB, rootA}, true)
	require.NoError(t, err)
	require.Len(t, snap.Projects, 2)
	assert.Equal(t, "Alpha", snap.Projects[0].Name)
	assert.Equal(t, "beta", snap.Projects[1].Name)

	var cached Snapshot
	require.True(t, cache.Lookup(cachestore.KeyProjects, &cached).Present)
	assert.Len(t, cached.Directories, 2)

	snap, _, err = col.Collect(ctx, []string{rootA, rootB}, false)
	require.NoError(t, err)
	require.Len(t, snap.Projects, 1)
	assert.Equal(t, "beta", snap.Projects[0].Name)
}

func TestScanUsesCheckerRepositories(t *testing.T) {
	fake := gatewaytest.New().On("git-status-checker", `{"repositories":[{"path":"/nonexistent/repo"}]}`)
	s := &Scanner{Checker: &Checker{Runner: fake}, Git: &Git{Runner: fake}}

	projects, _, err := s.Scan(context.Background(), []string{"/nonexistent"})
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "repo", projects[0].Name)
	assert.Empty(t, projects[0].Reproducibility.EnvironmentFiles)
}
