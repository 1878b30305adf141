package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/3leaps/hpcdash/internal/dashboard"
	"github.com/3leaps/hpcdash/pkg/runregistry"
)

func TestCacheState(t *testing.T) {
	tests := []struct {
		name   string
		status dashboard.KeyStatus
		want   string
	}{
		{"missing", dashboard.KeyStatus{}, "missing"},
		{"fresh", dashboard.KeyStatus{Present: true}, "fresh"},
		{"stale", dashboard.KeyStatus{Present: true, IsStale: true}, "stale"},
		{"refreshing wins", dashboard.KeyStatus{Present: true, IsStale: true, InProgress: true}, "refreshing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cacheState(tt.status))
		})
	}
}

func TestFormatMaxAge(t *testing.T) {
	assert.Equal(t, "never", formatMaxAge(0))
	assert.Equal(t, "1h0m0s", formatMaxAge(3600))
	assert.Equal(t, "5m0s", formatMaxAge(300))
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "-", formatAge(dashboard.KeyStatus{}, now))
	assert.Equal(t, "2 minutes ago", formatAge(dashboard.KeyStatus{Present: true, AgeSeconds: 120}, now))
}

func TestFormatLastRun(t *testing.T) {
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	ended := now.Add(-time.Hour)

	assert.Equal(t, "-", formatLastRun(dashboard.KeyStatus{}, now))
	assert.Equal(t, "running", formatLastRun(dashboard.KeyStatus{
		LastRun: &runregistry.RunRecord{State: runregistry.RunStateRunning},
	}, now))
	assert.Equal(t, "failed 1 hour ago: exit status 2", formatLastRun(dashboard.KeyStatus{
		LastRun: &runregistry.RunRecord{State: runregistry.RunStateFailed, EndedAt: &ended, Error: "exit status 2"},
	}, now))
}

func TestCacheStatusRecord(t *testing.T) {
	rec := cacheStatusRecord(dashboard.KeyStatus{
		Key:        "disk_quota",
		Present:    true,
		IsStale:    true,
		AgeSeconds: 400,
		MaxAge:     300,
		LastRun:    &runregistry.RunRecord{State: runregistry.RunStateFailed, Error: "quota script timed out"},
	}, "mtime")

	assert.Equal(t, "disk_quota", rec.Key)
	assert.True(t, rec.Stale)
	assert.Equal(t, int64(300), rec.MaxAgeSeconds)
	assert.Equal(t, "mtime", rec.Source)
	assert.Equal(t, "failed", rec.LastRunState)
	assert.Equal(t, "quota script timed out", rec.LastRunError)
	assert.Nil(t, rec.Timestamp)
}
