package slurm

import "strings"

// Efficiency is a parsed seff report.
type Efficiency struct {
	RawOutput string            `json:"raw_output"`
	Parsed    EfficiencyMetrics `json:"parsed"`
}

// EfficiencyMetrics holds the seff lines the dashboard shows. Values are
// kept as printed by seff.
type EfficiencyMetrics struct {
	CPUEfficiency    string `json:"cpu_efficiency,omitempty"`
	MemoryEfficiency string `json:"memory_efficiency,omitempty"`
	CPUUtilized      string `json:"cpu_utilized,omitempty"`
	MemoryUtilized   string `json:"memory_utilized,omitempty"`
	WallClockTime    string `json:"wall_clock_time,omitempty"`
	State            string `json:"state,omitempty"`
	Nodes            string `json:"nodes,omitempty"`
	CoresPerNode     string `json:"cores_per_node,omitempty"`
}

// ParseSeff extracts key metrics from seff output. The first matching line
// wins for each metric.
func ParseSeff(output string) Efficiency {
	e := Efficiency{RawOutput: output}
	m := &e.Parsed
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		var dst *string
		switch {
		case strings.Contains(key, "CPU Efficiency"):
			dst = &m.CPUEfficiency
		case strings.Contains(key, "Memory Efficiency"):
			dst = &m.MemoryEfficiency
		case strings.Contains(key, "CPU Utilized"):
			dst = &m.CPUUtilized
		case strings.Contains(key, "Memory Utilized"):
			dst = &m.MemoryUtilized
		case strings.Contains(key, "Job Wall-clock time"):
			dst = &m.WallClockTime
		case strings.Contains(key, "State"):
			dst = &m.State
		case strings.Contains(key, "Cores per node"):
			dst = &m.CoresPerNode
		case strings.Contains(key, "Nodes"):
			dst = &m.Nodes
		default:
			continue
		}
		if *dst == "" {
			*dst = value
		}
	}
	return e
}
