package profile

import "sort"

// Mode selects whether the aggregator also records call-graph edges.
type Mode int

const (
	// Flat counts only the leaf (instruction-pointer) frame of each
	// sample.
	Flat Mode = iota
	// CallGraph additionally walks each sample's callchain and
	// records caller-to-callee branch weights.
	CallGraph
)

// Symbol is the resolved name bound to a range in the aggregator's
// shared symbol table.
type Symbol struct {
	Name string
}

// EntryData is the per-address tally for one code address within a
// memory object: how many samples landed on it, and the weighted
// outgoing call-graph edges observed from it.
type EntryData struct {
	Count    uint64
	Branches map[uint64]uint64
}

func newEntryData(count uint64) *EntryData {
	return &EntryData{Count: count, Branches: map[uint64]uint64{}}
}

func (e *EntryData) addCount(n uint64) {
	e.Count += n
}

func (e *EntryData) appendBranch(address uint64, count uint64) {
	e.Branches[address] += count
}

// MemoryObjectData is the mutable state owned by one mapped memory
// object: the file it was mapped from, its page offset (recorded but
// never consulted — see DESIGN.md), and every entry sampled within it.
// It is always referenced by pointer; once entries start accumulating
// it is never copied.
type MemoryObjectData struct {
	FileName   string
	PageOffset uint64
	Entries    map[uint64]*EntryData
}

func newMemoryObjectData(fileName string, pageOffset uint64) *MemoryObjectData {
	return &MemoryObjectData{
		FileName:   fileName,
		PageOffset: pageOffset,
		Entries:    map[uint64]*EntryData{},
	}
}

func (m *MemoryObjectData) appendEntry(address, count uint64) *EntryData {
	e, ok := m.Entries[address]
	if !ok {
		e = newEntryData(count)
		m.Entries[address] = e
		return e
	}
	e.addCount(count)
	return e
}

func (m *MemoryObjectData) appendBranch(from, to, count uint64) {
	m.appendEntry(from, 0).appendBranch(to, count)
}

// sortedEntryAddresses returns this object's sampled addresses in
// ascending order, the form the resolver's query interface requires.
func (m *MemoryObjectData) sortedEntryAddresses() []uint64 {
	addrs := make([]uint64, 0, len(m.Entries))
	for a := range m.Entries {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}
