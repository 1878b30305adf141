package slurm

import (
	"bufio"
	"sort"
	"strconv"
	"strings"
)

// HistoryFormat is the sacct column set ParseSacct expects, in order.
const HistoryFormat = "--format=JobID,JobName,State,Partition,Start,End,Elapsed,TotalCPU,ReqCPUS,MaxRSS,AllocCPUS,CPUTime"

const historyFields = 12

// HistoryJob is one finished or running allocation from sacct.
type HistoryJob struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	State          string  `json:"state"`
	Partition      string  `json:"partition"`
	Start          string  `json:"start"`
	StartTimestamp float64 `json:"start_timestamp"`
	End            string  `json:"end"`
	Elapsed        string  `json:"elapsed"`
	ElapsedSeconds int64   `json:"elapsed_seconds"`
	ReqCPUs        string  `json:"req_cpus"`
	AllocCPUs      string  `json:"alloc_cpus"`
	MaxRSS         string  `json:"max_rss"`
	CPUEfficiency  float64 `json:"cpu_efficiency"`
	MemoryMB       float64 `json:"memory_mb"`
}

// ParseSacct parses `sacct --parsable2 --noheader` output. CPU efficiency
// is TotalCPU / (Elapsed * AllocCPUS). Jobs are sorted most recent start
// first; unreadable starts sort last.
func ParseSacct(output string) []HistoryJob {
	jobs := []HistoryJob{}
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		f := strings.Split(line, "|")
		if len(f) < historyFields {
			continue
		}

		j := HistoryJob{
			ID:        f[0],
			Name:      f[1],
			State:     f[2],
			Partition: f[3],
			Start:     f[4],
			End:       f[5],
			Elapsed:   f[6],
			ReqCPUs:   f[8],
			MaxRSS:    f[9],
			AllocCPUs: f[10],
		}
		j.ElapsedSeconds = ParseSeconds(f[6])
		if t, ok := parseStart(f[4]); ok {
			j.StartTimestamp = float64(t.Unix())
		}

		alloc, err := strconv.Atoi(f[10])
		if err != nil || alloc <= 0 {
			alloc = 1
		}
		if j.ElapsedSeconds > 0 {
			j.CPUEfficiency = round1(float64(ParseSeconds(f[7])) / float64(j.ElapsedSeconds*int64(alloc)) * 100)
		}
		j.MemoryMB = round1(memoryMB(f[9]))
		jobs = append(jobs, j)
	}

	sort.SliceStable(jobs, func(a, b int) bool {
		return jobs[a].StartTimestamp > jobs[b].StartTimestamp
	})
	return jobs
}

// memoryMB converts a MaxRSS value with a K, M or G suffix to megabytes.
func memoryMB(rss string) float64 {
	if len(rss) < 2 {
		return 0
	}
	v, err := strconv.ParseFloat(rss[:len(rss)-1], 64)
	if err != nil {
		return 0
	}
	switch rss[len(rss)-1] {
	case 'M':
		return v
	case 'G':
		return v * 1024
	case 'K':
		return v / 1024
	}
	return 0
}

// HistoryPage is one page of job history.
type HistoryPage struct {
	Jobs       []HistoryJob `json:"jobs"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	PerPage    int          `json:"per_page"`
	TotalPages int          `json:"total_pages"`
}

// Paginate returns page (1-based) of jobs. Out of range pages are empty.
func Paginate(jobs []HistoryJob, page, perPage int) HistoryPage {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	p := HistoryPage{Jobs: []HistoryJob{}, Total: len(jobs), Page: page, PerPage: perPage}
	p.TotalPages = (len(jobs) + perPage - 1) / perPage
	offset := (page - 1) * perPage
	if offset >= len(jobs) {
		return p
	}
	end := min(offset+perPage, len(jobs))
	p.Jobs = jobs[offset:end]
	return p
}
