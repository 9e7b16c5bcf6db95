package eligibility

import (
	"sort"
	"strings"
)

type set map[string]struct{}

func newSet(values []string, norm func(string) string) set {
	s := make(set, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		s[norm(v)] = struct{}{}
	}
	return s
}

func (s set) has(v string) bool {
	_, ok := s[v]
	return ok
}

func (s set) intersects(other set) bool {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for v := range small {
		if large.has(v) {
			return true
		}
	}
	return false
}

func (s set) subsetOf(other set) bool {
	for v := range s {
		if !other.has(v) {
			return false
		}
	}
	return true
}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// orderedMembers normalizes values, dropping blanks and duplicates while keeping input order.
func orderedMembers(values []string, norm func(string) string) []string {
	seen := make(set, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		v = norm(v)
		if seen.has(v) {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
