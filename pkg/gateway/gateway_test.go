package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestResolve_PicksFirstExecutable(t *testing.T) {
	dir := t.TempDir()
	notExec := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(notExec, []byte("x"), 0o644))
	exe := writeScript(t, dir, "exe", "exit 0")

	got, ok := Resolve([]string{filepath.Join(dir, "missing"), notExec, dir, exe})
	require.True(t, ok)
	assert.Equal(t, exe, got)

	_, ok = Resolve([]string{filepath.Join(dir, "missing")})
	assert.False(t, ok)
}

func TestRun_BinaryNotFound(t *testing.T) {
	_, err := New().Run(context.Background(), Command{Name: "sinfo", Candidates: []string{"/nonexistent/sinfo"}})
	require.Error(t, err)
	assert.Equal(t, KindBinaryNotFound, KindOf(err))
	assert.Contains(t, Reason(err), "not found")
}

func TestRun_Success(t *testing.T) {
	exe := writeScript(t, t.TempDir(), "ok", `echo "hello $1"`)

	res, err := New().Run(context.Background(), Command{Name: "ok", Candidates: []string{exe}, Args: []string{"world"}})
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", res.Stdout)
	assert.Equal(t, exe, res.Path)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRun_ScrubbedEnvironment(t *testing.T) {
	t.Setenv("HPCDASH_SECRET", "leak")
	exe := writeScript(t, t.TempDir(), "env", `echo "$PATH|$HPCDASH_SECRET|$EXTRA"`)

	res, err := New().Run(context.Background(), Command{Name: "env", Candidates: []string{exe}, Env: []string{"EXTRA=1"}})
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin:/bin||1", strings.TrimSpace(res.Stdout))
}

func TestRun_CommandFailedCarriesStderr(t *testing.T) {
	exe := writeScript(t, t.TempDir(), "fail", "echo partial\necho 'slurm_load_partitions: Unable to contact' >&2\nexit 3")

	res, err := New().Run(context.Background(), Command{Name: "sinfo", Candidates: []string{exe}})
	require.Error(t, err)
	assert.Equal(t, KindCommandFailed, KindOf(err))
	assert.Equal(t, 3, res.ExitCode)

	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "slurm_load_partitions: Unable to contact", ce.Detail)
	assert.Equal(t, 3, ce.ExitCode)
}

func TestRun_OKExitCodes(t *testing.T) {
	exe := writeScript(t, t.TempDir(), "outdated", `echo '{"total":1}'; exit 1`)

	res, err := New().Run(context.Background(), Command{Name: "gsc", Candidates: []string{exe}, OKExitCodes: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stdout, "total")
}

func TestRun_Timeout(t *testing.T) {
	exe := writeScript(t, t.TempDir(), "slow", "sleep 5")

	start := time.Now()
	_, err := New().Run(context.Background(), Command{Name: "slow", Candidates: []string{exe}, Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRun_StderrFallback(t *testing.T) {
	exe := writeScript(t, t.TempDir(), "module", "echo 'GCC/11.3.0' >&2")

	res, err := New().Run(context.Background(), Command{Name: "module", Candidates: []string{exe}, StderrFallback: true})
	require.NoError(t, err)
	assert.Equal(t, "GCC/11.3.0\n", res.Stdout)

	_, err = New().Run(context.Background(), Command{Name: "module", Candidates: []string{exe}})
	require.Error(t, err)
	assert.Equal(t, KindEmptyOutput, KindOf(err))
}

func TestRun_EmptyOutput(t *testing.T) {
	exe := writeScript(t, t.TempDir(), "quiet", "exit 0")

	_, err := New().Run(context.Background(), Command{Name: "quiet", Candidates: []string{exe}})
	assert.Equal(t, KindEmptyOutput, KindOf(err))

	_, err = New().Run(context.Background(), Command{Name: "quiet", Candidates: []string{exe}, AllowEmpty: true})
	assert.NoError(t, err)
}

func TestRun_ObserverSeesOutcome(t *testing.T) {
	var outcomes []string
	g := New(WithObserver(func(name, outcome string, d time.Duration) {
		outcomes = append(outcomes, name+":"+outcome)
	}))

	_, _ = g.Run(context.Background(), Command{Name: "seff", Candidates: []string{"/nonexistent"}})
	assert.Equal(t, []string{"seff:binary_not_found"}, outcomes)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "GCC", shellQuote("GCC"))
	assert.Equal(t, "rc/3DSlicer", shellQuote("rc/3DSlicer"))
	assert.Equal(t, "'a b'", shellQuote("a b"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "''", shellQuote(""))
}
