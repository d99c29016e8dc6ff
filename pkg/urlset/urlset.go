// Package urlset is a small string set used for the url bookkeeping of a run.
package urlset

import (
	"slices"
)

type Set map[string]struct{}

func New(urls ...string) Set {
	s := make(Set, len(urls))
	for _, u := range urls {
		s.Add(u)
	}
	return s
}

// Add inserts u, empty strings are ignored.
func (s Set) Add(u string) {
	if u == "" {
		return
	}
	s[u] = struct{}{}
}

func (s Set) Remove(u string) {
	delete(s, u)
}

func (s Set) Has(u string) bool {
	_, ok := s[u]
	return ok
}

func (s Set) Len() int {
	return len(s)
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for u := range s {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for u := range s {
		out[u] = struct{}{}
	}
	return out
}

// Intersect returns the members present in both sets, sorted.
func (s Set) Intersect(other Set) []string {
	var out []string
	for u := range s {
		if other.Has(u) {
			out = append(out, u)
		}
	}
	slices.Sort(out)
	return out
}
