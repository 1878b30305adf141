package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/hpcdash/pkg/slurm"
)

func TestPrintQueue(t *testing.T) {
	var buf bytes.Buffer
	printQueue(&buf, slurm.Queue{
		Jobs: []slurm.QueuedJob{
			{ID: "101", Name: "train", State: "RUNNING", Partition: "gpu", TimeUsed: "1:02:03", TimeLimit: "1 day"},
			{ID: "102", Name: "eval", State: "PENDING", Partition: "cpu", TimeUsed: "0:00", TimeLimit: "2 hours"},
		},
		Running: 1,
		Pending: 1,
	})

	out := buf.String()
	assert.Contains(t, out, "JOBID")
	assert.Contains(t, out, "train")
	assert.Contains(t, out, "PENDING")
	assert.Contains(t, out, "1 running, 1 pending")
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	printHistory(&buf, slurm.HistoryPage{
		Jobs: []slurm.HistoryJob{
			{ID: "99", Name: "sim", State: "COMPLETED", Partition: "cpu", Elapsed: "00:10:00", CPUEfficiency: 87.5, MemoryMB: 512},
		},
		Total:      11,
		Page:       2,
		PerPage:    10,
		TotalPages: 2,
	})

	out := buf.String()
	assert.Contains(t, out, "87.5%")
	assert.Contains(t, out, "512.0")
	assert.Contains(t, out, "page 2 of 2 (11 jobs)")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, slurm.Queue{Jobs: []slurm.QueuedJob{}, Running: 3}))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, float64(3), got["running"])
	assert.Equal(t, []any{}, got["jobs"])
}
