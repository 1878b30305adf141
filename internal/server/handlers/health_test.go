package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTool(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return path
}

// servingManager registers the checkers the serve command installs.
func servingManager(t *testing.T, cacheDir string, tools []Tool) *HealthManager {
	t.Helper()
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("cache", DirChecker{Dir: cacheDir})
	m.RegisterChecker("locks", DirChecker{Dir: filepath.Join(cacheDir, "locks")})
	m.RegisterChecker("binaries", ToolChecker{Tools: tools})
	return m
}

func getHealth(t *testing.T, handler http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthHandler_AllChecksPass(t *testing.T) {
	binDir := t.TempDir()
	tools := []Tool{
		{Name: "sinfo", Candidates: []string{writeTool(t, binDir, "sinfo")}},
		{Name: "squeue", Candidates: []string{filepath.Join(binDir, "missing"), writeTool(t, binDir, "squeue")}},
	}
	m := servingManager(t, t.TempDir(), tools)

	rec := getHealth(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, map[string]string{
		"cache":    StatusHealthy,
		"locks":    StatusHealthy,
		"binaries": StatusHealthy,
	}, resp.Checks)
}

func TestHealthHandler_MissingToolIsDegraded(t *testing.T) {
	binDir := t.TempDir()
	tools := []Tool{
		{Name: "sinfo", Candidates: []string{writeTool(t, binDir, "sinfo")}},
		{Name: "sacct", Candidates: []string{filepath.Join(binDir, "sacct")}},
	}
	m := servingManager(t, t.TempDir(), tools)

	rec := getHealth(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, StatusDegraded, resp.Checks["binaries"])
	assert.Equal(t, StatusHealthy, resp.Checks["cache"])

	// Degraded still serves traffic.
	assert.Equal(t, http.StatusOK, getHealth(t, m.ReadinessHandler, "/health/ready").Code)
}

func TestHealthHandler_CacheNotADirectoryIsUnhealthy(t *testing.T) {
	root := t.TempDir()
	cacheDir := filepath.Join(root, "cache")
	require.NoError(t, os.WriteFile(cacheDir, []byte("x"), 0o644))
	m := servingManager(t, cacheDir, nil)

	rec := getHealth(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)
	assert.Equal(t, "service unhealthy", resp.Error.Message)

	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "checks in error details")
	assert.Equal(t, StatusUnhealthy, checks["cache"])
	assert.Equal(t, StatusHealthy, checks["binaries"])

	ready := getHealth(t, m.ReadinessHandler, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, ready.Code)
	assert.Contains(t, ready.Body.String(), "service not ready")
}

type slowChecker struct{}

func (slowChecker) CheckHealth(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Minute):
		return nil
	}
}

func TestHealthHandler_TimeoutIsDegraded(t *testing.T) {
	m := NewHealthManager("dev")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	m.RegisterChecker("sinfo", slowChecker{})

	checks := m.runChecks(ctx)
	assert.Equal(t, StatusTimeout, checks["sinfo"])
	assert.Equal(t, StatusDegraded, m.determineOverallStatus(checks))
}

func TestDetermineOverallStatus(t *testing.T) {
	m := NewHealthManager("dev")
	tests := []struct {
		name   string
		checks map[string]string
		want   string
	}{
		{"no checks", nil, StatusHealthy},
		{"all healthy", map[string]string{"cache": StatusHealthy, "locks": StatusHealthy}, StatusHealthy},
		{"timeout", map[string]string{"cache": StatusHealthy, "binaries": StatusTimeout}, StatusDegraded},
		{"degraded", map[string]string{"binaries": StatusDegraded}, StatusDegraded},
		{"unhealthy wins", map[string]string{"binaries": StatusDegraded, "cache": StatusUnhealthy}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.determineOverallStatus(tt.checks))
		})
	}
}

func TestDirChecker(t *testing.T) {
	root := t.TempDir()

	t.Run("missing directory is healthy", func(t *testing.T) {
		assert.NoError(t, DirChecker{Dir: filepath.Join(root, "not-yet")}.CheckHealth(context.Background()))
	})

	t.Run("writable directory leaves nothing behind", func(t *testing.T) {
		dir := filepath.Join(root, "cache")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, DirChecker{Dir: dir}.CheckHealth(context.Background()))
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("file in place of directory", func(t *testing.T) {
		path := filepath.Join(root, "locks")
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		err := DirChecker{Dir: path}.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is not a directory")
		assert.NotErrorIs(t, err, ErrDegraded)
	})
}

func TestToolChecker(t *testing.T) {
	binDir := t.TempDir()
	sinfo := writeTool(t, binDir, "sinfo")
	notExec := filepath.Join(binDir, "seff")
	require.NoError(t, os.WriteFile(notExec, nil, 0o644))

	err := ToolChecker{Tools: []Tool{
		{Name: "sinfo", Candidates: []string{sinfo}},
		{Name: "seff", Candidates: []string{notExec}},
		{Name: "git-status-checker", Candidates: []string{filepath.Join(binDir, "nope")}},
	}}.CheckHealth(context.Background())
	require.ErrorIs(t, err, ErrDegraded)
	assert.Contains(t, err.Error(), "seff, git-status-checker")
	assert.NotContains(t, err.Error(), "sinfo")
}

func TestHealthManagerGlobal(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()

	globalHealthManager = nil
	assert.Nil(t, GetHealthManager())

	m := InitHealthManager("test-version")
	require.NotNil(t, m)
	assert.Same(t, m, GetHealthManager())
	m.RegisterChecker("cache", DirChecker{Dir: t.TempDir()})

	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  string
	}{
		{"health", HealthHandler, StatusHealthy},
		{"live", LivenessHandler, "alive"},
		{"ready", ReadinessHandler, "ready"},
		{"startup", StartupHandler, "started"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := getHealth(t, tt.handler, "/health/"+tt.name)
			require.Equal(t, http.StatusOK, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, "test-version", resp.Version)
		})
	}
}

func TestHealthHandlers_WhenNotInitialized(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()
	globalHealthManager = nil

	for name, handler := range map[string]http.HandlerFunc{
		"health":  HealthHandler,
		"live":    LivenessHandler,
		"ready":   ReadinessHandler,
		"startup": StartupHandler,
	} {
		t.Run(name, func(t *testing.T) {
			rec := getHealth(t, handler, "/health/"+name)
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.Contains(t, rec.Body.String(), "health manager not initialized")
		})
	}
}
