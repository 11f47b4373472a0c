// Package profile streams perf-event-style records into an in-memory
// profile: a map of loaded memory objects, per-address sample counts
// and call-graph edges within each, and a symbol table built by
// resolving every sampled address against the objects' backing files.
package profile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/arthurfait/perfgrind/elfmeta"
	"github.com/arthurfait/perfgrind/rangeindex"
	"github.com/arthurfait/perfgrind/resolver"
)

// Range is re-exported from rangeindex for callers that want to walk
// MemoryObjects()/Symbols() without importing it directly.
type Range = rangeindex.Range

// Options configures an Aggregator's construction.
type Options struct {
	// DebugRoot is threaded down through each memory object's
	// resolver to elfmeta, for locating .gnu_debuglink companions.
	// Defaults to elfmeta.DefaultDebugRoot.
	DebugRoot string
	// Elf configures every resolver's underlying elfmeta.Reader.
	Elf elfmeta.Options
}

// Aggregator is the whole ingestion pipeline: event-stream decoding,
// memory-object and entry/branch bookkeeping, and the post-ingestion
// symbol resolution and branch fixup passes. The zero value is not
// usable; construct with New.
type Aggregator struct {
	logger  log.Logger
	metrics *Metrics
	opts    Options

	memoryObjects rangeindex.Index[*MemoryObjectData]
	symbols       rangeindex.Index[Symbol]

	mmapEventCount   uint64
	goodSamplesCount uint64
	badSamplesCount  uint64
}

// New builds an empty Aggregator ready to Load an event stream.
func New(logger log.Logger, metrics *Metrics, opts Options) *Aggregator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Aggregator{logger: logger, metrics: metrics, opts: opts}
}

// MmapEventCount returns the number of PERF_RECORD_MMAP records seen,
// regardless of whether each one's insert succeeded.
func (a *Aggregator) MmapEventCount() uint64 { return a.mmapEventCount }

// GoodSamplesCount returns the number of valid SAMPLE records
// processed.
func (a *Aggregator) GoodSamplesCount() uint64 { return a.goodSamplesCount }

// BadSamplesCount returns the number of invalid or unattributable
// SAMPLE records.
func (a *Aggregator) BadSamplesCount() uint64 { return a.badSamplesCount }

// MemoryObjects returns the aggregator's memory-object map. Callers
// must not mutate it while a Load is in flight.
func (a *Aggregator) MemoryObjects() *rangeindex.Index[*MemoryObjectData] {
	return &a.memoryObjects
}

// Symbols returns the shared symbol table built by the most recent
// Load call.
func (a *Aggregator) Symbols() *rangeindex.Index[Symbol] {
	return &a.symbols
}

// Load reads records from r until EOF or a read error, classifying
// and accumulating each one, then runs end-of-stream housekeeping,
// symbol-table construction, and branch fixup regardless of how the
// read loop ended. It returns nil on clean EOF; any other outcome
// (stream truncation, an unknown-record skip failure, or ctx being
// done between records) is returned wrapped, but every memory object,
// entry, and branch accumulated before that point is still present in
// the result.
func (a *Aggregator) Load(ctx context.Context, r io.Reader, mode Mode) error {
	br := bufio.NewReader(r)
	loopErr := a.readLoop(ctx, br, mode)

	a.dropEmptyMemoryObjects()
	a.buildSymbols()
	a.fixupBranches()

	return loopErr
}

func (a *Aggregator) readLoop(ctx context.Context, br *bufio.Reader, mode Mode) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("profile: ingestion cancelled: %w", err)
		}

		hdr, err := readRecordHeader(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("profile: read record header: %w", err)
		}

		payloadSize := int(hdr.Size) - recordHeaderSize
		if payloadSize < 0 {
			return fmt.Errorf("profile: record declares size %d shorter than its header", hdr.Size)
		}

		switch hdr.Type {
		case perfRecordMmap:
			rec, err := readMmapPayload(br, payloadSize)
			if err != nil {
				return fmt.Errorf("profile: read mmap record: %w", err)
			}
			a.processMmapEvent(rec)
		case perfRecordSample:
			rec, err := readSamplePayload(br, payloadSize)
			if err != nil {
				return fmt.Errorf("profile: read sample record: %w", err)
			}
			a.processSampleEvent(rec, mode)
		default:
			if _, err := io.CopyN(io.Discard, br, int64(payloadSize)); err != nil {
				return fmt.Errorf("profile: skip unknown record type %d: %w", hdr.Type, err)
			}
			level.Debug(a.logger).Log("msg", "skip unknown record type", "type", hdr.Type, "size", hdr.Size)
		}
	}
}

func (a *Aggregator) processMmapEvent(rec mmapRecord) {
	r := Range{Start: rec.Address, End: rec.Address + rec.Length}
	if !a.memoryObjects.InsertIfAbsent(r, newMemoryObjectData(rec.FileName, rec.PageOffset)) {
		existing, existingFile, _ := a.findObjectFile(rec.Address)
		level.Debug(a.logger).Log(
			"msg", "duplicate mmap for already-mapped range",
			"rejected_start", rec.Address, "rejected_end", rec.Address+rec.Length, "rejected_file", rec.FileName,
			"existing_start", existing.Start, "existing_end", existing.End, "existing_file", existingFile,
		)
	}
	a.mmapEventCount++
}

func (a *Aggregator) findObjectFile(addr uint64) (Range, string, bool) {
	r, obj, ok := a.memoryObjects.Find(addr)
	if !ok {
		return Range{}, "", false
	}
	return r, obj.FileName, true
}

func (a *Aggregator) processSampleEvent(rec sampleRecord, mode Mode) {
	if !validSample(rec) {
		a.badSamplesCount++
		a.metrics.sample("bad")
		return
	}

	_, obj, ok := a.memoryObjects.Find(rec.IP)
	if !ok {
		a.badSamplesCount++
		a.metrics.sample("bad")
		return
	}

	obj.appendEntry(rec.IP, 1)
	a.goodSamplesCount++
	a.metrics.sample("good")

	if mode != CallGraph {
		return
	}
	a.walkCallchain(rec)
}

func validSample(rec sampleRecord) bool {
	return len(rec.Callchain) >= 2 &&
		rec.Callchain[0] == PerfContextUser &&
		len(rec.Callchain) <= PerfMaxStackDepth
}

// walkCallchain implements the skipFrame/callTo state machine:
// callchain[1] is skipped (it is always rec.IP), each remaining entry
// is either a context marker (toggling skipFrame), a repeat of the
// current callTo (dropped), or a real caller address that gets a
// branch edge recorded to the current callee before becoming the new
// callTo.
func (a *Aggregator) walkCallchain(rec sampleRecord) {
	skipFrame := false
	callTo := rec.IP

	for i := 2; i < len(rec.Callchain); i++ {
		callFrom := rec.Callchain[i]
		if callFrom > PerfContextMax {
			skipFrame = callFrom != PerfContextUser
			continue
		}
		if skipFrame || callFrom == callTo {
			continue
		}

		_, obj, ok := a.memoryObjects.Find(callFrom)
		if !ok {
			continue
		}
		obj.appendBranch(callFrom, callTo, 1)
		callTo = callFrom
	}
}

func (a *Aggregator) dropEmptyMemoryObjects() {
	var empty []Range
	a.memoryObjects.Ascend(func(r Range, obj *MemoryObjectData) bool {
		if len(obj.Entries) == 0 {
			empty = append(empty, r)
		}
		return true
	})
	for _, r := range empty {
		a.memoryObjects.Delete(r)
		a.metrics.droppedMemoryObject()
	}
}

func (a *Aggregator) buildSymbols() {
	a.memoryObjects.Ascend(func(r Range, obj *MemoryObjectData) bool {
		res := resolver.New(a.logger, obj.FileName, r.Len(), resolver.Options{
			DebugRoot: a.opts.DebugRoot,
			Elf:       a.opts.Elf,
			Recorder:  a.metrics,
		})
		for _, sym := range res.Resolve(obj.sortedEntryAddresses(), r.Start) {
			a.symbols.Replace(sym.Range, Symbol{Name: sym.Name})
		}
		return true
	})
}

func (a *Aggregator) fixupBranches() {
	a.memoryObjects.Ascend(func(_ Range, obj *MemoryObjectData) bool {
		for _, e := range obj.Entries {
			if len(e.Branches) == 0 {
				continue
			}
			fixed := make(map[uint64]uint64, len(e.Branches))
			for target, count := range e.Branches {
				if r, _, ok := a.symbols.Find(target); ok {
					fixed[r.Start] += count
				} else {
					fixed[target] += count
				}
			}
			e.Branches = fixed
		}
		return true
	})
}
