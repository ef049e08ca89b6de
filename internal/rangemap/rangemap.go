// Package rangemap implements an ordered, non-overlapping range map keyed
// by [Min, Max) address intervals. IOVec's address_state, its expected
// post-execution state, and pointer-member-location tracking are all
// stored this way, matching the rangemap_t used throughout se_io_vec.c.
//
// No third-party ordered-range-map library appears anywhere in the
// example pack or stdlib; this is a small generic container built on a
// sorted slice with binary-search insert, which is the idiomatic choice
// absent a fitting dependency (see DESIGN.md).
package rangemap

import "sort"

// Range is a half-open interval [Min, Max).
type Range struct {
	Min uintptr
	Max uintptr
}

// Contains reports whether addr falls within the range.
func (r Range) Contains(addr uintptr) bool {
	return addr >= r.Min && addr < r.Max
}

// Len returns the number of bytes the range spans.
func (r Range) Len() uintptr {
	if r.Max <= r.Min {
		return 0
	}
	return r.Max - r.Min
}

// binding pairs a Range with its bound value, mirroring one triple
// (start, end, value) in the original's on-wire rangemap encoding.
type binding[V any] struct {
	r Range
	v V
}

// Map is an ordered collection of non-overlapping ranges, each bound to a
// value of type V. Entries are kept sorted by Range.Min so lookups can
// binary-search.
type Map[V any] struct {
	entries []binding[V]
}

// New returns an empty Map.
func New[V any]() *Map[V] {
	return &Map[V]{}
}

// Bind associates r with v, inserting in sorted order. Bind does not
// merge or validate overlap with existing entries; callers (IOVec
// construction, taint marking) are expected to maintain non-overlap
// themselves, exactly as the original's callers do.
func (m *Map[V]) Bind(r Range, v V) {
	idx := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].r.Min >= r.Min
	})
	m.entries = append(m.entries, binding[V]{})
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = binding[V]{r: r, v: v}
}

// Lookup returns the value bound to the range containing addr, if any.
func (m *Map[V]) Lookup(addr uintptr) (V, bool) {
	var zero V
	idx := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].r.Max > addr
	})
	if idx < len(m.entries) && m.entries[idx].r.Contains(addr) {
		return m.entries[idx].v, true
	}
	return zero, false
}

// Len returns the number of bound ranges.
func (m *Map[V]) Len() int {
	return len(m.entries)
}

// At returns the i'th range/value pair in sorted order, for iteration
// during wire encoding and pretty-printing.
func (m *Map[V]) At(i int) (Range, V) {
	e := m.entries[i]
	return e.r, e.v
}

// Each calls fn for every bound range, in sorted order.
func (m *Map[V]) Each(fn func(r Range, v V)) {
	for _, e := range m.entries {
		fn(e.r, e.v)
	}
}

// Copy returns a deep-enough copy of m; V is copied by value, matching
// the original's deep_copy_rangemap used by translate_io_vec_to_host.
func (m *Map[V]) Copy() *Map[V] {
	out := &Map[V]{entries: make([]binding[V], len(m.entries))}
	copy(out.entries, m.entries)
	return out
}

// Clear empties the map in place.
func (m *Map[V]) Clear() {
	m.entries = m.entries[:0]
}
