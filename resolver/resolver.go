// Package resolver builds a per-object symbol table from elfmeta's
// raw extraction and answers address-to-symbol queries, relocating
// for both prelinking and ASLR. See SPEC_FULL.md §4.3.
package resolver

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/arthurfait/perfgrind/elfmeta"
	"github.com/arthurfait/perfgrind/rangeindex"
)

// Range is re-exported from rangeindex so callers of this package
// rarely need to import it directly.
type Range = rangeindex.Range

// Symbol is one entry of a resolved symbol table: a half-open address
// range bound to a name. Nameless raw/synthetic symbols have already
// been given their "func_<hex>" name by the time a Symbol is produced.
type Symbol struct {
	Range Range
	Name  string
}

// symData is what the Resolver's internal range index stores once
// gap-filling has run: just the name (possibly empty, meaning
// synthetic — named lazily at query time).
type symData struct {
	name string
}

// Recorder receives the metrics a Resolver can account for on its
// caller's behalf: the ELF-extraction error class that led to a
// synthetic or partial symbol table, and whether each query-time
// lookup found a containing symbol. A nil Recorder (the zero value of
// Options) disables metrics entirely.
type Recorder interface {
	ElfError(kind string)
	Lookup(resolved bool)
}

// Options configures a Resolver's construction.
type Options struct {
	// DebugRoot is prefixed to a binary's path to locate its
	// .gnu_debuglink companion. Defaults to elfmeta.DefaultDebugRoot.
	DebugRoot string
	// Elf configures the underlying elfmeta.Reader (e.g. demangling).
	Elf elfmeta.Options
	// Recorder, if non-nil, is notified of ELF-extraction error
	// classes and lookup outcomes.
	Recorder Recorder
}

// Resolver is the symbol table for one memory object: the function
// symbols extracted from its ELF file (or, failing that, a single
// synthetic symbol spanning the whole object), gap-filled so no hole of
// 4 bytes or more is left in [loadBase, loadBase+objectSize); holes of
// 1 to 3 bytes stay unresolved.
type Resolver struct {
	// baseAddress is the load base this symbol table was built
	// against — the resolver's own notion of "address zero" for
	// relocation purposes. Query-time addresses are adjusted against
	// the caller's actual (possibly ASLR-shifted) load base.
	baseAddress uint64
	objectSize  uint64
	symbols     rangeindex.Index[symData]
	logger      log.Logger
	recorder    Recorder
}

// New builds a Resolver for the ELF file at path, mapped with extent
// objectSize. It never fails: any error opening or parsing the file,
// or the absence of every symbol source, yields a Resolver whose
// symbol table is entirely synthetic (see SPEC_FULL.md §4.3, "Synthetic
// resolver"). Every file handle opened during construction is closed
// before New returns.
func New(logger log.Logger, path string, objectSize uint64, opts Options) *Resolver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	debugRoot := opts.DebugRoot
	if debugRoot == "" {
		debugRoot = elfmeta.DefaultDebugRoot
	}

	var (
		loadBase     uint64
		originalBase uint64
		funcSyms     []elfmeta.FuncSymbol
	)

	opened := true
	r, err := elfmeta.Open(logger, path, opts.Elf)
	if err != nil {
		opened = false
		level.Debug(logger).Log("msg", "open binary for symbol resolution", "file", path, "err", err)
		if opts.Recorder != nil {
			opts.Recorder.ElfError("open")
		}
	} else {
		loadBase = r.LoadBase()
		originalBase = loadBase
		if ob, ok := r.OriginalBaseAddress(); ok {
			originalBase = ob
		}

		syms, symErr := r.Symbols()
		switch {
		case symErr == nil:
			funcSyms = syms
		case errors.Is(symErr, elfmeta.ErrNoSymbols):
			// The main object has no .symtab: per §4.3 step 2, the
			// debug-link file's .symtab is tried unconditionally next,
			// and only if that also fails to load do we fall back to
			// the main object's .dynsym.
			if debugPath, ok := r.DebugFilePath(debugRoot); ok {
				funcSyms = loadDebugSymbols(logger, debugPath, opts.Elf)
			}
			if len(funcSyms) == 0 {
				if dynSyms, dynErr := r.DynSymbols(); dynErr == nil {
					funcSyms = dynSyms
				}
			}
		default:
			level.Debug(logger).Log("msg", "read symtab", "file", path, "err", symErr)
		}
		r.Close()
	}

	if opened && len(funcSyms) == 0 && opts.Recorder != nil {
		opts.Recorder.ElfError("no_symbols")
	}

	raw := buildRawSymbols(funcSyms, loadBase, originalBase)
	final := fillGaps(raw, loadBase, objectSize, filepath.Base(path))

	return &Resolver{
		baseAddress: loadBase,
		objectSize:  objectSize,
		symbols:     final,
		logger:      logger,
		recorder:    opts.Recorder,
	}
}

// loadDebugSymbols opens the separate debug-info file and retries
// only the main symbol table against it, per §4.3 step 2: the
// debug-link fallback is only ever tried against .symtab, never
// .dynsym.
func loadDebugSymbols(logger log.Logger, debugPath string, elfOpts elfmeta.Options) []elfmeta.FuncSymbol {
	dr, err := elfmeta.Open(logger, debugPath, elfOpts)
	if err != nil {
		level.Debug(logger).Log("msg", "open debug-link file", "file", debugPath, "err", err)
		return nil
	}
	defer dr.Close()
	syms, err := dr.Symbols()
	if err != nil {
		level.Debug(logger).Log("msg", "read symtab from debug-link file", "file", debugPath, "err", err)
		return nil
	}
	return syms
}

// rawSymbol is a function symbol relocated to loadBase, prior to
// gap-filling, with the fields needed for the §4.3 collision policy.
type rawSymbol struct {
	size    uint64
	name    string
	binding byte
}

func buildRawSymbols(funcSyms []elfmeta.FuncSymbol, loadBase, originalBase uint64) *rangeindex.Index[rawSymbol] {
	idx := &rangeindex.Index[rawSymbol]{}
	for _, fs := range funcSyms {
		symStart := fs.Value - originalBase + loadBase
		symEnd := symStart + max(fs.Size, 1)
		r := Range{Start: symStart, End: symEnd}
		candidate := rawSymbol{size: fs.Size, name: fs.Name, binding: byte(fs.Binding)}

		_, existing, exists := idx.Get(r)
		if !exists {
			idx.Replace(r, candidate)
			continue
		}
		better := (existing.size == 0 && candidate.size != 0) || candidate.binding > existing.binding
		if better {
			idx.Replace(r, candidate)
		}
	}
	return idx
}

// fillGaps runs the §4.3 gap-filling pass: it walks raw in address
// order, inserts nameless synthetic symbols over gaps of 4 bytes or
// more, and extends zero-sized assembly labels to the start of the
// next symbol (or to the end of the object, if last), renaming them
// "name@basename" to disambiguate labels coming from distinct
// objects.
func fillGaps(raw *rangeindex.Index[rawSymbol], loadBase, objectSize uint64, baseName string) rangeindex.Index[symData] {
	type item struct {
		r Range
		d rawSymbol
	}
	items := make([]item, 0, raw.Len())
	raw.Ascend(func(r Range, d rawSymbol) bool {
		items = append(items, item{r, d})
		return true
	})

	ranges := make([]Range, 0, len(items)+2)
	vals := make([]symData, 0, len(items)+2)
	prevEnd := loadBase

	for i, it := range items {
		if it.r.Start-prevEnd >= 4 {
			ranges = append(ranges, Range{Start: prevEnd, End: it.r.Start})
			vals = append(vals, symData{name: ""})
		}

		if it.d.size == 0 {
			var newEnd uint64
			if i+1 < len(items) {
				newEnd = items[i+1].r.Start
			} else {
				newEnd = loadBase + objectSize
			}
			name := it.d.name
			if name != "" {
				name = name + "@" + baseName
			}
			ranges = append(ranges, Range{Start: it.r.Start, End: newEnd})
			vals = append(vals, symData{name: name})
			prevEnd = newEnd
		} else {
			ranges = append(ranges, it.r)
			vals = append(vals, symData{name: it.d.name})
			prevEnd = it.r.End
		}
	}

	if loadBase+objectSize-prevEnd >= 4 {
		ranges = append(ranges, Range{Start: prevEnd, End: loadBase + objectSize})
		vals = append(vals, symData{name: ""})
	}

	var idx rangeindex.Index[symData]
	idx.Reset(ranges, vals)
	return idx
}

// Resolve answers one or more address-to-symbol queries. addrs must
// be sorted ascending; loadBase is the actual address this object was
// mapped at (which may differ from the load base the Resolver was
// built against, if ASLR moved it). Addresses that fall within an
// already-emitted symbol's range are skipped (deduplicated), matching
// §4.3's query interface. Addresses with no containing symbol are
// logged at debug level and dropped.
func (res *Resolver) Resolve(addrs []uint64, loadBase uint64) []Symbol {
	adjust := loadBase - res.baseAddress
	var out []Symbol
	i := 0
	for i < len(addrs) {
		addr := addrs[i]
		lookup := addr - adjust
		r, d, ok := res.symbols.Find(lookup)
		if res.recorder != nil {
			res.recorder.Lookup(ok)
		}
		if !ok {
			level.Debug(res.logger).Log("msg", "unresolved address", "addr", fmt.Sprintf("%x", lookup), "loadBase", loadBase)
			i++
			continue
		}
		name := d.name
		if name == "" {
			name = fmt.Sprintf("func_%x", r.Start)
		}
		out = append(out, Symbol{
			Range: Range{Start: r.Start + adjust, End: r.End + adjust},
			Name:  name,
		})
		for i < len(addrs) && addrs[i]-adjust < r.End {
			i++
		}
	}
	return out
}

// BaseAddress returns the load base this Resolver was constructed
// against (the value §4.3 calls resolverBaseAddress).
func (res *Resolver) BaseAddress() uint64 {
	return res.baseAddress
}
