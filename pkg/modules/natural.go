package modules

import (
	"sort"
	"strings"
)

// NaturalLess orders strings so that runs of digits compare numerically:
// "Armadillo/9.2" sorts before "Armadillo/11.4.3".
func NaturalLess(a, b string) bool {
	for a != "" && b != "" {
		ca, ra := nextRun(a)
		cb, rb := nextRun(b)

		if isDigit(ca[0]) && isDigit(cb[0]) {
			ta := strings.TrimLeft(ca, "0")
			tb := strings.TrimLeft(cb, "0")
			if len(ta) != len(tb) {
				return len(ta) < len(tb)
			}
			if ta != tb {
				return ta < tb
			}
			if len(ca) != len(cb) {
				return len(ca) < len(cb)
			}
		} else if ca != cb {
			la, lb := strings.ToLower(ca), strings.ToLower(cb)
			if la != lb {
				return la < lb
			}
			return ca < cb
		}
		a, b = ra, rb
	}
	return a == "" && b != ""
}

// NaturalSort sorts s in place using NaturalLess.
func NaturalSort(s []string) {
	sort.SliceStable(s, func(i, j int) bool { return NaturalLess(s[i], s[j]) })
}

// nextRun splits s after its leading run of digits or non-digits.
func nextRun(s string) (string, string) {
	digit := isDigit(s[0])
	i := 1
	for i < len(s) && isDigit(s[i]) == digit {
		i++
	}
	return s[:i], s[i:]
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
