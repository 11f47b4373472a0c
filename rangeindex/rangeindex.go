// Package rangeindex provides an ordered container keyed by half-open
// address intervals, with point-lookup semantics: looking up a single
// address returns the unique stored range that contains it.
package rangeindex

import (
	"golang.org/x/exp/slices"
)

// Range is a half-open interval [Start, End) of 64-bit addresses.
// A point-valued Range has Start == End and represents a single address
// for lookup purposes; it is never stored as a key itself.
type Range struct {
	Start uint64
	End   uint64
}

// Point returns a Range usable as a lookup key for a single address.
func Point(addr uint64) Range {
	return Range{Start: addr, End: addr}
}

// Contains reports whether addr falls within [r.Start, r.End).
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Len returns End - Start.
func (r Range) Len() uint64 {
	return r.End - r.Start
}

// Index is an ordered map from disjoint Ranges to values of type V.
// Entries are kept sorted ascending by Start. The zero value is an
// empty, usable Index.
type Index[V any] struct {
	entries []entry[V]
}

type entry[V any] struct {
	r Range
	v V
}

// Len returns the number of stored ranges.
func (idx *Index[V]) Len() int {
	return len(idx.entries)
}

// search returns the index of the greatest entry with Start <= addr,
// or -1 if every entry starts after addr.
func (idx *Index[V]) search(addr uint64) int {
	i, found := slices.BinarySearchFunc(idx.entries, addr, func(e entry[V], addr uint64) int {
		switch {
		case e.r.Start < addr:
			return -1
		case e.r.Start > addr:
			return 1
		default:
			return 0
		}
	})
	if found {
		return i
	}
	return i - 1
}

// Find returns the stored range containing addr, its value, and true,
// or the zero Range/value and false if no stored range contains addr.
func (idx *Index[V]) Find(addr uint64) (Range, V, bool) {
	i := idx.search(addr)
	if i < 0 || i >= len(idx.entries) || !idx.entries[i].r.Contains(addr) {
		var zero V
		return Range{}, zero, false
	}
	return idx.entries[i].r, idx.entries[i].v, true
}

// overlappingFrom returns the index of a stored entry that overlaps r,
// if any, given i = idx.search(r.Start). Since stored ranges are sorted
// and pairwise non-overlapping, if any entry overlaps r then either the
// entry at or before r.Start (i itself) or the very next one does; when
// r spans several entries, the first overlapping one is returned.
func (idx *Index[V]) overlappingFrom(i int, r Range) (int, bool) {
	if i >= 0 && i < len(idx.entries) && idx.entries[i].r.End > r.Start {
		return i, true
	}
	j := i + 1
	if j >= 0 && j < len(idx.entries) && idx.entries[j].r.Start < r.End {
		return j, true
	}
	return -1, false
}

// overlapping returns the index of the stored entry that overlaps r, if
// any.
func (idx *Index[V]) overlapping(r Range) (int, bool) {
	return idx.overlappingFrom(idx.search(r.Start), r)
}

// Get returns the stored range and value overlapping r, if any (used by
// callers that already hold a candidate range and want to inspect
// whatever it collides with, e.g. the C3 collision check).
func (idx *Index[V]) Get(r Range) (Range, V, bool) {
	i, ok := idx.overlapping(r)
	if !ok {
		var zero V
		return Range{}, zero, false
	}
	return idx.entries[i].r, idx.entries[i].v, true
}

// InsertIfAbsent inserts r->v unless r overlaps an already-stored range,
// in which case it leaves the index unchanged and returns false.
func (idx *Index[V]) InsertIfAbsent(r Range, v V) bool {
	i := idx.search(r.Start)
	if _, ok := idx.overlappingFrom(i, r); ok {
		return false
	}
	idx.entries = slices.Insert(idx.entries, i+1, entry[V]{r: r, v: v})
	return true
}

// Replace removes every range overlapping r (if any) and inserts r->v
// in their place. Used by C3's collision policy, which decides externally
// whether a replacement is warranted.
func (idx *Index[V]) Replace(r Range, v V) {
	for {
		j, ok := idx.overlapping(r)
		if !ok {
			break
		}
		idx.entries = slices.Delete(idx.entries, j, j+1)
	}
	i := idx.search(r.Start)
	idx.entries = slices.Insert(idx.entries, i+1, entry[V]{r: r, v: v})
}

// Delete removes the range starting at r.Start, if present.
func (idx *Index[V]) Delete(r Range) bool {
	i := idx.search(r.Start)
	if i < 0 || i >= len(idx.entries) || idx.entries[i].r.Start != r.Start {
		return false
	}
	idx.entries = slices.Delete(idx.entries, i, i+1)
	return true
}

// Ascend calls fn for every stored range in ascending order of Start,
// stopping early if fn returns false.
func (idx *Index[V]) Ascend(fn func(Range, V) bool) {
	for _, e := range idx.entries {
		if !fn(e.r, e.v) {
			return
		}
	}
}

// Reset builds the index from a fresh set of non-overlapping ranges,
// which must already be sorted ascending by Start. Used by
// construction passes (e.g. C3's gap-filling rewrite) that build a
// whole new range set at once rather than incrementally.
func (idx *Index[V]) Reset(rs []Range, vs []V) {
	idx.entries = idx.entries[:0]
	for i := range rs {
		idx.entries = append(idx.entries, entry[V]{r: rs[i], v: vs[i]})
	}
}
