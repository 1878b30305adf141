package slurm

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// startLayout is the sacct Start/End format: local time, no zone.
const startLayout = "2006-01-02T15:04:05"

// ParseSeconds converts a SLURM duration ([DD-]HH:MM:SS, MM:SS or
// MM:SS.mmm) to whole seconds. Unparsable values are zero.
func ParseSeconds(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "N/A" {
		return 0
	}

	var days int64
	if d, rest, ok := strings.Cut(s, "-"); ok {
		n, err := strconv.ParseInt(d, 10, 64)
		if err != nil {
			return 0
		}
		days, s = n, rest
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0
	}
	// Fractional seconds only appear in the last field.
	last := parts[len(parts)-1]
	if i := strings.IndexByte(last, '.'); i >= 0 {
		parts[len(parts)-1] = last[:i]
	}

	nums := make([]int64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return 0
		}
		nums[i] = n
	}

	var h, m, sec int64
	switch len(nums) {
	case 3:
		h, m, sec = nums[0], nums[1], nums[2]
	case 2:
		m, sec = nums[0], nums[1]
	case 1:
		sec = nums[0]
	}
	return days*86400 + h*3600 + m*60 + sec
}

// FormatTimeLimit renders a partition time limit as "N days, M hours".
// Values it cannot read (e.g. "infinite") are returned unchanged.
func FormatTimeLimit(limit string) string {
	limit = strings.TrimSpace(limit)
	days := 0
	rest := limit
	hasDays := false
	if d, r, ok := strings.Cut(limit, "-"); ok {
		n, err := strconv.Atoi(d)
		if err != nil {
			return limit
		}
		days, rest, hasDays = n, r, true
	}

	parts := strings.Split(rest, ":")
	first, err := strconv.Atoi(parts[0])
	if err != nil {
		return limit
	}
	if !hasDays && len(parts) == 2 {
		return fmt.Sprintf("%d minutes", first)
	}

	hours := first
	if !hasDays {
		days, hours = hours/24, hours%24
	}
	switch {
	case days > 0 && hours > 0:
		return fmt.Sprintf("%d days, %d hours", days, hours)
	case days > 0:
		return fmt.Sprintf("%d days", days)
	default:
		return fmt.Sprintf("%d hours", hours)
	}
}

// parseStart reads a sacct timestamp. Unknown, None and N/A are not times.
func parseStart(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "N/A" || s == "Unknown" || s == "None" {
		return time.Time{}, false
	}
	if strings.Contains(s, "T") {
		s = strings.TrimSuffix(s, "+00:00")
		t, err := time.ParseInLocation(startLayout, s, time.Local)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
