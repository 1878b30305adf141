package slurm

import (
	"errors"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrNoPartitions is returned when sinfo output holds no partition rows.
var ErrNoPartitions = errors.New("no partition data found in sinfo output")

// Partition is one row of `sinfo -s`.
type Partition struct {
	Name            string  `json:"name"`
	Avail           string  `json:"avail"`
	TimeLimit       string  `json:"timelimit"`
	Allocated       int     `json:"allocated"`
	Idle            int     `json:"idle"`
	Other           int     `json:"other"`
	Total           int     `json:"total"`
	NodeList        string  `json:"nodelist"`
	AvailabilityPct float64 `json:"availability_pct"`
	Category        string  `json:"category"`
}

// PARTITION AVAIL TIMELIMIT NODES(A/I/O/T) NODELIST
var sinfoRow = regexp.MustCompile(`^(\S+)\s+(\S+)\s+(\S+)\s+(\d+)/(\d+)/(\d+)/(\d+)\s+(.+)$`)

// ParseSinfo parses `sinfo -s` output. The first line is a header. Rows
// are sorted by availability (idle/total) descending, then name.
func ParseSinfo(output string, meta Metadata) ([]Partition, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 2 {
		return nil, ErrNoPartitions
	}

	var parts []Partition
	for _, line := range lines[1:] {
		m := sinfoRow.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		p := Partition{
			Name:      m[1],
			Avail:     m[2],
			TimeLimit: m[3],
			Allocated: atoi(m[4]),
			Idle:      atoi(m[5]),
			Other:     atoi(m[6]),
			Total:     atoi(m[7]),
			NodeList:  strings.TrimSpace(m[8]),
			Category:  meta.Category(m[1]),
		}
		if p.Total > 0 {
			p.AvailabilityPct = round1(float64(p.Idle) / float64(p.Total) * 100)
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return nil, ErrNoPartitions
	}

	sort.SliceStable(parts, func(i, j int) bool {
		if parts[i].AvailabilityPct != parts[j].AvailabilityPct {
			return parts[i].AvailabilityPct > parts[j].AvailabilityPct
		}
		return parts[i].Name < parts[j].Name
	})
	return parts, nil
}

// Summary aggregates partitions, plus cluster load when available.
type Summary struct {
	TotalPartitions int `json:"total_partitions"`
	TotalNodes      int `json:"total_nodes"`
	AvailableNodes  int `json:"available_nodes"`
	AllocatedNodes  int `json:"allocated_nodes"`
	*Load
}

// Summarize returns nil for an empty partition list.
func Summarize(parts []Partition, load *Load) *Summary {
	if len(parts) == 0 {
		return nil
	}
	s := &Summary{TotalPartitions: len(parts), Load: load}
	for _, p := range parts {
		s.TotalNodes += p.Total
		s.AvailableNodes += p.Idle
		s.AllocatedNodes += p.Allocated
	}
	return s
}

// ReferenceEntry is one partition in the reference table.
type ReferenceEntry struct {
	Name               string `json:"name"`
	Nodes              int    `json:"nodes"`
	NodesPerResearcher string `json:"nodes_per_researcher"`
	PriorityTier       string `json:"priority_tier"`
}

// Reference groups partitions that have metadata by category, sorted by
// name within each category.
func Reference(parts []Partition, meta Metadata) map[string][]ReferenceEntry {
	out := map[string][]ReferenceEntry{}
	for _, p := range parts {
		m, ok := meta.Lookup(p.Name)
		if !ok {
			continue
		}
		out[m.Category] = append(out[m.Category], ReferenceEntry{
			Name:               strings.TrimRight(p.Name, "*"),
			Nodes:              p.Total,
			NodesPerResearcher: string(m.NodesPerResearcher),
			PriorityTier:       string(m.PriorityTier),
		})
	}
	for _, entries := range out {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	}
	return out
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
