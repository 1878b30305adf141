package slurm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sinfoSample = `PARTITION          AVAIL  TIMELIMIT   NODES(A/I/O/T)  NODELIST
interactive           up    2:00:00       71/24/4/99  c[0136-0149,0151-0235]
express*              up    2:00:00       10/30/0/40  c[0001-0040]
long                  up 6-06:00:00        8/0/0/8    c[0300-0307]
amd                   up 2-02:00:00        0/0/0/0    n/a
garbage line
`

func TestParseSinfo(t *testing.T) {
	meta := Metadata{
		"express":     {Category: "General", NodesPerResearcher: "4", PriorityTier: "1"},
		"interactive": {Category: "General"},
	}
	parts, err := ParseSinfo(sinfoSample, meta)
	require.NoError(t, err)
	require.Len(t, parts, 4)

	assert.Equal(t, "express*", parts[0].Name)
	assert.Equal(t, 75.0, parts[0].AvailabilityPct)
	assert.Equal(t, "General", parts[0].Category)

	assert.Equal(t, "interactive", parts[1].Name)
	assert.Equal(t, 24.2, parts[1].AvailabilityPct)
	assert.Equal(t, 4, parts[1].Other)
	assert.Equal(t, "c[0136-0149,0151-0235]", parts[1].NodeList)

	// zero availability ties sort by name
	assert.Equal(t, "amd", parts[2].Name)
	assert.Equal(t, "long", parts[3].Name)
	assert.Equal(t, CategoryOther, parts[3].Category)
}

func TestParseSinfoEmpty(t *testing.T) {
	_, err := ParseSinfo("PARTITION AVAIL\n", nil)
	assert.ErrorIs(t, err, ErrNoPartitions)
	_, err = ParseSinfo("", nil)
	assert.ErrorIs(t, err, ErrNoPartitions)
}

func TestSummarizeAndReference(t *testing.T) {
	meta := Metadata{
		"express": {Category: "General", NodesPerResearcher: "4", PriorityTier: "1"},
		"long":    {Category: "Long", NodesPerResearcher: "2", PriorityTier: "3"},
		"amd":     {Category: "General", NodesPerResearcher: "all", PriorityTier: "2"},
	}
	parts, err := ParseSinfo(sinfoSample, meta)
	require.NoError(t, err)

	assert.Nil(t, Summarize(nil, nil))
	load := ParseLoad("Running/Pending jobs: 12/3\n")
	s := Summarize(parts, load)
	assert.Equal(t, 4, s.TotalPartitions)
	assert.Equal(t, 147, s.TotalNodes)
	assert.Equal(t, 54, s.AvailableNodes)
	assert.Equal(t, 89, s.AllocatedNodes)

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_partitions":4,"total_nodes":147,"available_nodes":54,"allocated_nodes":89,"running_jobs":12,"pending_jobs":3}`, string(b))

	ref := Reference(parts, meta)
	require.Len(t, ref["General"], 2)
	assert.Equal(t, "amd", ref["General"][0].Name)
	assert.Equal(t, "express", ref["General"][1].Name)
	assert.Equal(t, 40, ref["General"][1].Nodes)
	assert.Equal(t, "4", ref["General"][1].NodesPerResearcher)
	assert.Equal(t, []ReferenceEntry{{Name: "long", Nodes: 8, NodesPerResearcher: "2", PriorityTier: "3"}}, ref["Long"])
	_, ok := ref[CategoryOther]
	assert.False(t, ok)
}

func TestParseLoad(t *testing.T) {
	content := `
Allocated nodes: 120
Idle nodes: 30
Total CPU cores: 4800
Allocated cores: 3600
Idle cores: 1200
Running/Pending jobs: 410/95
% of used cores: 75.0%
% of used nodes: 80.0%
Idle nodes: not-a-number
`
	l := ParseLoad(content)
	require.NotNil(t, l)
	assert.Equal(t, 120, *l.AllocatedNodes)
	assert.Equal(t, 30, *l.IdleNodes)
	assert.Equal(t, 4800, *l.TotalCores)
	assert.Equal(t, 3600, *l.AllocatedCores)
	assert.Equal(t, 1200, *l.IdleCores)
	assert.Equal(t, 410, *l.RunningJobs)
	assert.Equal(t, 95, *l.PendingJobs)
	assert.Equal(t, 75.0, *l.CoresPct)
	assert.Equal(t, 80.0, *l.NodesPct)

	assert.Nil(t, ParseLoad(""))
	assert.Nil(t, ParseLoad("nothing useful here\n"))
}

func TestParseSqueue(t *testing.T) {
	out := `JOBID   NAME     STATE     PARTITION  TIME   TIME_LIMIT  USER
1001    train    RUNNING   gpu        1:02   4:00:00     alice
1002    prep     PENDING   express    0:00   2:00:00     alice
1003    post     R         express    0:10   2:00:00     alice
1004    short
1005    eval     COMPLETING express   0:01   2:00:00     alice
`
	q := ParseSqueue(out)
	require.Len(t, q.Jobs, 4)
	assert.Equal(t, 2, q.Running)
	assert.Equal(t, 1, q.Pending)
	assert.Equal(t, QueuedJob{ID: "1001", Name: "train", State: "RUNNING", Partition: "gpu", TimeUsed: "1:02", TimeLimit: "4:00:00"}, q.Jobs[0])

	empty := ParseSqueue("JOBID NAME STATE\n")
	assert.NotNil(t, empty.Jobs)
	assert.Empty(t, empty.Jobs)
}

func TestParseSacct(t *testing.T) {
	out := "" +
		"100|old|COMPLETED|express|2026-01-02T10:00:00|2026-01-02T11:00:00|01:00:00|00:30:00|2|2048M|2|02:00:00\n" +
		"200|new|FAILED|gpu|2026-02-01T08:00:00|2026-02-01T08:10:00|00:10:00|00:05:00.250|1|1.5G|1|00:10:00\n" +
		"300|pending|PENDING|gpu|Unknown|Unknown|00:00:00|00:00:00|4||4|00:00:00\n" +
		"short|line\n" +
		"400|multi|COMPLETED|long|2026-01-15T00:00:00|2026-01-16T01:00:00|1-01:00:00|2-02:00:00|4|512K|4|4-04:00:00\n"

	jobs := ParseSacct(out)
	require.Len(t, jobs, 4)
	assert.Equal(t, []string{"200", "400", "100", "300"}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID, jobs[3].ID})

	assert.Equal(t, 50.0, jobs[0].CPUEfficiency)
	assert.Equal(t, 1536.0, jobs[0].MemoryMB)
	assert.Equal(t, int64(600), jobs[0].ElapsedSeconds)

	assert.Equal(t, int64(90000), jobs[1].ElapsedSeconds)
	assert.Equal(t, 50.0, jobs[1].CPUEfficiency)
	assert.Equal(t, 0.5, jobs[1].MemoryMB)

	assert.Equal(t, 25.0, jobs[2].CPUEfficiency)
	assert.Equal(t, 2048.0, jobs[2].MemoryMB)

	assert.Zero(t, jobs[3].StartTimestamp)
	assert.Zero(t, jobs[3].CPUEfficiency)
}

func TestPaginate(t *testing.T) {
	jobs := make([]HistoryJob, 23)
	for i := range jobs {
		jobs[i].ID = string(rune('a' + i))
	}
	p := Paginate(jobs, 3, 10)
	assert.Equal(t, 23, p.Total)
	assert.Equal(t, 3, p.TotalPages)
	assert.Len(t, p.Jobs, 3)
	assert.Equal(t, "u", p.Jobs[0].ID)

	assert.Empty(t, Paginate(jobs, 4, 10).Jobs)
	assert.Equal(t, 1, Paginate(jobs, 0, 0).Page)
	assert.Equal(t, 0, Paginate(nil, 1, 10).TotalPages)
}

func TestParseSeff(t *testing.T) {
	out := `Job ID: 4242
Cluster: hpc
User/Group: alice/lab
State: COMPLETED (exit code 0)
Nodes: 2
Cores per node: 16
CPU Utilized: 10:00:00
CPU Efficiency: 62.50% of 16:00:00 core-walltime
Job Wall-clock time: 00:30:00
Memory Utilized: 3.20 GB
Memory Efficiency: 20.00% of 16.00 GB
`
	e := ParseSeff(out)
	assert.Equal(t, out, e.RawOutput)
	assert.Equal(t, EfficiencyMetrics{
		CPUEfficiency:    "62.50% of 16:00:00 core-walltime",
		MemoryEfficiency: "20.00% of 16.00 GB",
		CPUUtilized:      "10:00:00",
		MemoryUtilized:   "3.20 GB",
		WallClockTime:    "00:30:00",
		State:            "COMPLETED (exit code 0)",
		Nodes:            "2",
		CoresPerNode:     "16",
	}, e.Parsed)
}

func TestParseSeconds(t *testing.T) {
	cases := map[string]int64{
		"01:02:03":    3723,
		"1-00:00:01":  86401,
		"05:30":       330,
		"05:30.999":   330,
		"42":          42,
		"":            0,
		"N/A":         0,
		"bogus":       0,
		"1:2:3:4":     0,
		"x-01:00:00":  0,
		"10-10:10:10": 900610,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseSeconds(in), in)
	}
}

func TestFormatTimeLimit(t *testing.T) {
	cases := map[string]string{
		"2:00:00":    "2 hours",
		"2-02:00:00": "2 days, 2 hours",
		"6-00:00:00": "6 days",
		"0-05:00:00": "5 hours",
		"48:00:00":   "2 days",
		"50:00:00":   "2 days, 2 hours",
		"30:00":      "30 minutes",
		"infinite":   "infinite",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatTimeLimit(in), in)
	}
}

func TestMetadataFiles(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "partition_metadata.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"gpu":{"category":"GPU","nodes_per_researcher":2,"priority_tier":"high"}}`), 0o644))
	store, err := LoadMetadata(jsonPath, nil)
	require.NoError(t, err)
	m, ok := store.Get().Lookup("gpu*")
	require.True(t, ok)
	assert.Equal(t, Text("2"), m.NodesPerResearcher)
	assert.Equal(t, Text("high"), m.PriorityTier)

	yamlPath := filepath.Join(dir, "partition_metadata.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("long:\n  category: Long\n  nodes_per_researcher: 1\n  priority_tier: 3\n"), 0o644))
	require.NoError(t, store.Reload(yamlPath))
	assert.Equal(t, "Long", store.Get().Category("long"))
	assert.Equal(t, CategoryOther, store.Get().Category("gpu"))

	missing, err := LoadMetadata(filepath.Join(dir, "nope.json"), nil)
	assert.Error(t, err)
	assert.Empty(t, missing.Get())
}

func TestMetadataValidation(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("gpu:\n  category: GPU\n  nodes_per_researcher: 2\n"), 0o644))
	store, err := LoadMetadata(good, nil)
	require.NoError(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"cpu":{"category":"CPU","nodes":4}}`), 0o644))
	err = store.Reload(bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidMetadata)
	assert.Equal(t, "GPU", store.Get().Category("gpu"), "rejected file keeps current metadata")
	assert.Equal(t, CategoryOther, store.Get().Category("cpu"))

	assert.NoError(t, ValidateMetadata(map[string]any{}))
	assert.ErrorIs(t, ValidateMetadata([]any{"gpu"}), ErrInvalidMetadata)
}
