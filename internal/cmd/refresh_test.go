package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/3leaps/hpcdash/pkg/refresh"
	"github.com/3leaps/hpcdash/pkg/runregistry"
)

func TestRefreshRecord(t *testing.T) {
	failed := &runregistry.RunRecord{State: runregistry.RunStateFailed, Error: "sinfo command timed out"}

	t.Run("fresh ignores older runs", func(t *testing.T) {
		rec := refreshRecord("partitions", refresh.Fresh, failed)
		assert.Equal(t, "fresh", rec.Status)
		assert.Empty(t, rec.Error)
	})

	t.Run("started reports run result", func(t *testing.T) {
		rec := refreshRecord("partitions", refresh.Started, failed)
		assert.Equal(t, "failed", rec.Status)
		assert.Equal(t, "sinfo command timed out", rec.Error)
	})

	t.Run("no run recorded", func(t *testing.T) {
		rec := refreshRecord("modules", refresh.AlreadyInProgress, nil)
		assert.Equal(t, "already_in_progress", rec.Status)
	})

	t.Run("success", func(t *testing.T) {
		rec := refreshRecord("disk_quota", refresh.Started, &runregistry.RunRecord{State: runregistry.RunStateSuccess})
		assert.Equal(t, "success", rec.Status)
	})
}
