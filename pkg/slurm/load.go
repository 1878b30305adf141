package slurm

import (
	"strconv"
	"strings"
)

// Load is the cluster-wide utilisation reported by the slurm-load script.
type Load struct {
	AllocatedNodes *int     `json:"allocated_nodes,omitempty"`
	IdleNodes      *int     `json:"idle_nodes,omitempty"`
	TotalCores     *int     `json:"total_cores,omitempty"`
	AllocatedCores *int     `json:"allocated_cores,omitempty"`
	IdleCores      *int     `json:"idle_cores,omitempty"`
	RunningJobs    *int     `json:"running_jobs,omitempty"`
	PendingJobs    *int     `json:"pending_jobs,omitempty"`
	CoresPct       *float64 `json:"cores_pct,omitempty"`
	NodesPct       *float64 `json:"nodes_pct,omitempty"`
}

// ParseLoad reads "Label: value" lines. It returns nil when no known line
// is present. Lines with unreadable values are skipped.
func ParseLoad(content string) *Load {
	var l Load
	found := false
	for _, line := range strings.Split(content, "\n") {
		label, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		var dst **int
		switch {
		case strings.Contains(label, "Allocated nodes"):
			dst = &l.AllocatedNodes
		case strings.Contains(label, "Idle nodes"):
			dst = &l.IdleNodes
		case strings.Contains(label, "Total CPU cores"):
			dst = &l.TotalCores
		case strings.Contains(label, "Allocated cores"):
			dst = &l.AllocatedCores
		case strings.Contains(label, "Idle cores"):
			dst = &l.IdleCores
		case strings.Contains(label, "Running/Pending jobs"):
			run, pend, ok := strings.Cut(value, "/")
			r, err1 := strconv.Atoi(strings.TrimSpace(run))
			p, err2 := strconv.Atoi(strings.TrimSpace(pend))
			if ok && err1 == nil && err2 == nil {
				l.RunningJobs, l.PendingJobs = &r, &p
				found = true
			}
			continue
		case strings.Contains(label, "% of used cores"):
			if f, ok := parsePct(value); ok {
				l.CoresPct = &f
				found = true
			}
			continue
		case strings.Contains(label, "% of used nodes"):
			if f, ok := parsePct(value); ok {
				l.NodesPct = &f
				found = true
			}
			continue
		default:
			continue
		}

		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		*dst = &n
		found = true
	}
	if !found {
		return nil
	}
	return &l
}

func parsePct(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
	return f, err == nil
}
