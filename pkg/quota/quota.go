// Package quota parses the site disk quota report.
//
// The report is produced by a shell script and looks like
//
//	--- Disk Quota Report ---
//	/gpfs/user/alice + /home/alice : 131.95GB of 5368.71GB
//	/gpfs/scratch/alice            :   1.39GB - Please keep scratch clean!
//
// possibly with ANSI colour codes.
package quota

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoQuota is returned when the report has no home or scratch line.
var ErrNoQuota = errors.New("no quota lines in report")

// Usage is one filesystem's quota line. Percentage is nil when the report
// gives no total (scratch).
type Usage struct {
	Path       string   `json:"path"`
	Quota      string   `json:"quota"`
	UsedGB     float64  `json:"used_gb"`
	TotalGB    float64  `json:"total_gb"`
	Percentage *float64 `json:"percentage"`
	Message    string   `json:"message,omitempty"`
}

// Report holds the parsed home and scratch usage.
type Report struct {
	Home    *Usage `json:"home,omitempty"`
	Scratch *Usage `json:"scratch,omitempty"`
}

var ansi = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	return ansi.ReplaceAllString(s, "")
}

// Parse reads a quota report. Later lines for the same filesystem replace
// earlier ones.
func Parse(report string) (Report, error) {
	var r Report
	for _, line := range strings.Split(report, "\n") {
		line = StripANSI(strings.TrimSpace(line))
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "---") || strings.Contains(line, "Disk Quota Report") {
			continue
		}
		path, info, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		path, info = strings.TrimSpace(path), strings.TrimSpace(info)

		switch {
		case strings.Contains(line, "/gpfs/user") || strings.Contains(line, "/home"):
			r.Home = parseHome(path, info)
		case strings.Contains(line, "/gpfs/scratch"):
			r.Scratch = parseScratch(path, info)
		}
	}
	if r.Home == nil && r.Scratch == nil {
		return r, ErrNoQuota
	}
	return r, nil
}

func parseHome(path, info string) *Usage {
	u := &Usage{Path: path, Quota: info}
	if used, total, ok := strings.Cut(info, " of "); ok {
		u.UsedGB = SizeGB(used)
		if f := strings.Fields(total); len(f) > 0 {
			u.TotalGB = SizeGB(f[0])
		}
	}
	pct := 0.0
	if u.TotalGB > 0 {
		pct = math.Round(u.UsedGB/u.TotalGB*1000) / 10
	}
	u.Percentage = &pct
	return u
}

func parseScratch(path, info string) *Usage {
	used, msg, _ := strings.Cut(info, "-")
	return &Usage{
		Path:    path,
		Quota:   info,
		UsedGB:  SizeGB(used),
		Message: strings.TrimSpace(msg),
	}
}

// SizeGB converts "1.5TB", "131.95GB" or "512MB" to gigabytes. Other units
// are zero.
func SizeGB(s string) float64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	units := []struct {
		suffix string
		scale  float64
	}{
		{"TB", 1024},
		{"GB", 1},
		{"MB", 1.0 / 1024},
	}
	for _, u := range units {
		if num, ok := strings.CutSuffix(s, u.suffix); ok {
			v, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
			if err != nil {
				return 0
			}
			return v * u.scale
		}
	}
	return 0
}
