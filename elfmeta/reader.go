// Package elfmeta is a read-only parser over the ELF object format. It
// opens one executable or shared object at a time, locates the
// sections an address resolver needs (symbol tables, debug-link,
// prelink-undo, debug-info), and extracts function symbols and the
// load base. It does not build a symbol table itself — that is the
// resolver package's job, layered on top.
package elfmeta

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ianlancetaylor/demangle"
)

// ErrNoSymbols is returned by Symbols/DynSymbols when the requested
// section is absent or contains no function symbols. It is never
// fatal to callers; see the package doc and resolver.New.
var ErrNoSymbols = errors.New("elfmeta: no symbols in section")

// DefaultDebugRoot is the system-level debug file root prefixed to a
// binary's absolute path to locate its separate debug-info companion,
// per the .gnu_debuglink convention this package implements a
// deliberately simplified version of (see Reader.DebugFilePath).
const DefaultDebugRoot = "/usr/lib/debug"

// FuncSymbol is one STT_FUNC symbol extracted from a symbol section,
// with its raw (unrelocated) link-time value.
type FuncSymbol struct {
	Value   uint64 // st_value, as recorded in the object file
	Size    uint64 // st_size; 0 denotes an assembly label
	Name    string
	Binding elf.SymBind
}

// Options configures symbol-name demangling. The zero value performs
// no demangling, which is correct for binaries with no mangled names
// (e.g. plain C) and harmless (a no-op) for everything else.
type Options struct {
	DemangleOptions []demangle.Option
}

// Reader holds the parsed metadata of a single opened ELF file. Its
// file descriptor and any resources tied to it must not outlive the
// call that constructed it — callers must Close it before returning,
// on every path, including error paths (see resolver.New).
type Reader struct {
	path    string
	file    *elf.File
	closer  io.Closer
	logger  log.Logger
	options Options
}

// Open opens path read-only and parses its ELF headers and section
// table. The returned Reader must be Closed by the caller.
func Open(logger log.Logger, path string, options Options) (*Reader, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfmeta: open %s: %w", path, err)
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("elfmeta: parse %s: %w", path, err)
	}
	return &Reader{
		path:    path,
		file:    ef,
		closer:  f,
		logger:  logger,
		options: options,
	}, nil
}

// Close releases the underlying file descriptor and ELF handle. It is
// safe to call more than once.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// Path returns the path this Reader was opened against.
func (r *Reader) Path() string {
	return r.path
}

// LoadBase returns the virtual address of the first PT_LOAD program
// header, i.e. the address symbol st_value fields are expressed
// against at link time.
func (r *Reader) LoadBase() uint64 {
	for _, p := range r.file.Progs {
		if p.Type == elf.PT_LOAD {
			return p.Vaddr
		}
	}
	return 0
}

// HasDebugLink reports whether a .gnu_debuglink section is present.
func (r *Reader) HasDebugLink() bool {
	return r.file.Section(".gnu_debuglink") != nil
}

// HasDebugInfo reports whether a .debug_info section is present. The
// section is only located, never parsed — DWARF source-line resolution
// is out of scope.
func (r *Reader) HasDebugInfo() bool {
	return r.file.Section(".debug_info") != nil
}

// HasSymTab reports whether the file carries a full (non-dynamic)
// symbol table.
func (r *Reader) HasSymTab() bool {
	return r.file.Section(".symtab") != nil
}

// DebugFilePath computes the companion debug-file path for this
// binary under debugRoot, following the spec's deliberately
// simplified reading of the debug-link convention: the link section's
// CRC and declared basename are ignored, and the path is always
// "{debugRoot}{absolute path to this binary}.debug". It returns ok =
// false if this Reader has no .gnu_debuglink section at all.
func (r *Reader) DebugFilePath(debugRoot string) (file string, ok bool) {
	if !r.HasDebugLink() {
		return "", false
	}
	if debugRoot == "" {
		debugRoot = DefaultDebugRoot
	}
	return path.Join(debugRoot, r.path) + ".debug", true
}

// OriginalBaseAddress decodes the .gnu.prelink_undo section, if
// present, and returns the virtual address of its first PT_LOAD
// program header: the load base the binary had before prelinking
// rewrote it. ok is false (with a nil error) if the section is
// absent. A malformed or truncated section is diagnosed at debug
// level and treated the same as absent, never returned as an error to
// the caller — per the spec, no binary-metadata failure is fatal to
// profile production.
func (r *Reader) OriginalBaseAddress() (addr uint64, ok bool) {
	sec := r.file.Section(".gnu.prelink_undo")
	if sec == nil {
		return 0, false
	}
	data, err := sec.Data()
	if err != nil {
		level.Debug(r.logger).Log("msg", "read .gnu.prelink_undo", "file", r.path, "err", err)
		return 0, false
	}
	addr, err = decodePrelinkUndoBase(data)
	if err != nil {
		level.Debug(r.logger).Log("msg", "decode .gnu.prelink_undo", "file", r.path, "err", err)
		return 0, false
	}
	return addr, true
}

// decodePrelinkUndoBase parses the ELF header and program headers
// embedded at the start of a .gnu.prelink_undo payload (the file's
// own identification bytes declare class and byte order) and returns
// the virtual address of the first PT_LOAD segment.
func decodePrelinkUndoBase(data []byte) (uint64, error) {
	if len(data) < 16 {
		return 0, fmt.Errorf("elfmeta: prelink-undo blob too short (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return 0, fmt.Errorf("elfmeta: prelink-undo blob missing ELF magic")
	}
	var order binary.ByteOrder
	switch data[5] {
	case 1:
		order = binary.LittleEndian
	case 2:
		order = binary.BigEndian
	default:
		return 0, fmt.Errorf("elfmeta: prelink-undo blob has unknown data encoding %d", data[5])
	}

	switch data[4] {
	case 1: // ELFCLASS32
		var hdr elf.Header32
		if err := binary.Read(bytes.NewReader(data), order, &hdr); err != nil {
			return 0, fmt.Errorf("elfmeta: decode 32-bit prelink-undo header: %w", err)
		}
		phEnd := uint64(hdr.Phoff) + uint64(hdr.Phnum)*uint64(hdr.Phentsize)
		if phEnd > uint64(len(data)) {
			return 0, fmt.Errorf("elfmeta: prelink-undo program headers truncated")
		}
		r := bytes.NewReader(data[hdr.Phoff:phEnd])
		for i := 0; i < int(hdr.Phnum); i++ {
			var ph elf.Prog32
			if err := binary.Read(r, order, &ph); err != nil {
				return 0, fmt.Errorf("elfmeta: decode 32-bit prelink-undo phdr %d: %w", i, err)
			}
			if elf.ProgType(ph.Type) == elf.PT_LOAD {
				return uint64(ph.Vaddr), nil
			}
		}
	case 2: // ELFCLASS64
		var hdr elf.Header64
		if err := binary.Read(bytes.NewReader(data), order, &hdr); err != nil {
			return 0, fmt.Errorf("elfmeta: decode 64-bit prelink-undo header: %w", err)
		}
		phEnd := uint64(hdr.Phoff) + uint64(hdr.Phnum)*uint64(hdr.Phentsize)
		if phEnd > uint64(len(data)) {
			return 0, fmt.Errorf("elfmeta: prelink-undo program headers truncated")
		}
		r := bytes.NewReader(data[hdr.Phoff:phEnd])
		for i := 0; i < int(hdr.Phnum); i++ {
			var ph elf.Prog64
			if err := binary.Read(r, order, &ph); err != nil {
				return 0, fmt.Errorf("elfmeta: decode 64-bit prelink-undo phdr %d: %w", i, err)
			}
			if elf.ProgType(ph.Type) == elf.PT_LOAD {
				return ph.Vaddr, nil
			}
		}
	default:
		return 0, fmt.Errorf("elfmeta: prelink-undo blob has unknown class %d", data[4])
	}
	return 0, fmt.Errorf("elfmeta: prelink-undo blob has no PT_LOAD segment")
}

// Symbols returns the STT_FUNC symbols with a defined section index
// from .symtab, demangled per Options. It returns ErrNoSymbols
// (wrapped) if the file has no symbol table or it contains no
// function symbols.
func (r *Reader) Symbols() ([]FuncSymbol, error) {
	syms, err := r.file.Symbols()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: .symtab: %v", ErrNoSymbols, r.path, err)
	}
	return r.filterFuncSymbols(syms)
}

// DynSymbols returns the STT_FUNC symbols with a defined section
// index from .dynsym, the fallback source used when .symtab is
// absent.
func (r *Reader) DynSymbols() ([]FuncSymbol, error) {
	syms, err := r.file.DynamicSymbols()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: .dynsym: %v", ErrNoSymbols, r.path, err)
	}
	return r.filterFuncSymbols(syms)
}

func (r *Reader) filterFuncSymbols(syms []elf.Symbol) ([]FuncSymbol, error) {
	out := make([]FuncSymbol, 0, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Section == elf.SHN_UNDEF {
			continue
		}
		name := s.Name
		if len(r.options.DemangleOptions) > 0 {
			name = demangle.Filter(name, r.options.DemangleOptions...)
		}
		out = append(out, FuncSymbol{
			Value:   s.Value,
			Size:    s.Size,
			Name:    name,
			Binding: elf.ST_BIND(s.Info),
		})
	}
	if len(out) == 0 {
		return nil, ErrNoSymbols
	}
	return out, nil
}
