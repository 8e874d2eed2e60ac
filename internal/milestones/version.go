package milestones

import (
	"strconv"
	"strings"
)

// ParseVersion reads a "major.minor" version key.
func ParseVersion(v string) (major, minor int, ok bool) {
	head, tail, found := strings.Cut(strings.TrimSpace(v), ".")
	if !found {
		return 0, 0, false
	}
	major, err := strconv.Atoi(head)
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(tail)
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// Compare orders versions numerically. A malformed side makes the pair
// unordered and Compare returns 0.
func Compare(a, b string) int {
	amaj, amin, aok := ParseVersion(a)
	bmaj, bmin, bok := ParseVersion(b)
	if !aok || !bok {
		return 0
	}
	switch {
	case amaj != bmaj:
		return cmpInt(amaj, bmaj)
	default:
		return cmpInt(amin, bmin)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// NextVersion returns the immediate numeric successor of version among
// known, ignoring hotfix and malformed versions.
func (b Builder) NextVersion(version string, known []string) (string, bool) {
	if _, _, ok := ParseVersion(version); !ok {
		return "", false
	}
	best := ""
	for _, k := range known {
		if b.IsHotfix(k) {
			continue
		}
		if _, _, ok := ParseVersion(k); !ok {
			continue
		}
		if Compare(k, version) <= 0 {
			continue
		}
		if best == "" || Compare(k, best) < 0 {
			best = k
		}
	}
	return best, best != ""
}
