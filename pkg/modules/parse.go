package modules

import (
	"sort"
	"strings"
)

// Family is one module family and its versions.
type Family struct {
	Name        string   `json:"name"`
	Versions    []string `json:"versions"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
}

// ParseSpiderListing groups `module -t spider` output by family.
//
// An entry ending in "/" is a namespace and contributes no version. An entry
// with more than two path segments belongs to the family named by all but
// its last segment (rc/3DSlicer/5.2.2 -> rc/3DSlicer); otherwise the first
// segment is the family. Versions keep the full entry and are sorted
// naturally. Families are returned sorted by name.
//
// Lines with inner whitespace are Lmod banners or warnings, never module
// names, and are skipped.
func ParseSpiderListing(text string) []Family {
	grouped := map[string][]string{}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.ContainsAny(line, " \t") {
			continue
		}

		switch {
		case strings.HasSuffix(line, "/"):
			base := strings.TrimRight(line, "/")
			if base == "" {
				continue
			}
			if _, ok := grouped[base]; !ok {
				grouped[base] = nil
			}
		case strings.Contains(line, "/"):
			parts := strings.Split(line, "/")
			base := parts[0]
			if len(parts) > 2 {
				base = strings.Join(parts[:len(parts)-1], "/")
			}
			grouped[base] = append(grouped[base], line)
		default:
			if _, ok := grouped[line]; !ok {
				grouped[line] = nil
			}
		}
	}

	families := make([]Family, 0, len(grouped))
	for name, versions := range grouped {
		vs := dedupe(versions)
		NaturalSort(vs)
		families = append(families, Family{Name: name, Versions: vs})
	}
	sort.Slice(families, func(i, j int) bool { return families[i].Name < families[j].Name })
	return families
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ParseDescription extracts the Description section from
// `module --redirect spider <name>` output. The section ends at a blank
// line, a dashed rule, or the next "Header:" line.
func ParseDescription(text string) string {
	var (
		parts []string
		in    bool
	)
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if !in {
			if rest, ok := strings.CutPrefix(line, "Description:"); ok {
				in = true
				if rest = strings.TrimSpace(rest); rest != "" {
					parts = append(parts, rest)
				}
			}
			continue
		}
		if line == "" || isRule(line) || isHeader(line) {
			break
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, " ")
}

func isRule(line string) bool {
	return strings.Trim(line, "-") == "" && len(line) >= 3
}

func isHeader(line string) bool {
	switch {
	case strings.HasPrefix(line, "Versions:"),
		strings.HasPrefix(line, "Dependencies:"),
		strings.HasPrefix(line, "Other possible modules matches:"):
		return true
	}
	return strings.HasSuffix(line, ":") && !strings.Contains(line, " ")
}
