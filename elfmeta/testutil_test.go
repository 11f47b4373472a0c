package elfmeta

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// symSpec describes one symbol to embed in a synthetic ELF fixture.
type symSpec struct {
	name  string
	value uint64
	size  uint64
	bind  elf.SymBind
	typ   elf.SymType
	undef bool // true => SHN_UNDEF, excluded by filterFuncSymbols
}

// buildELF64 assembles a minimal, valid little-endian ELF64
// executable with one PT_LOAD segment at loadBase and a .symtab (or
// .dynsym, if dynamic is true) built from syms. It is deliberately
// hand-rolled with encoding/binary rather than any object-file writer
// library, mirroring how elfmeta itself reads raw ELF structures.
func buildELF64(loadBase uint64, syms []symSpec, dynamic bool, withPrelinkUndo *uint64, withDebugLink bool) []byte {
	const (
		ehSize  = 64
		phSize  = 56
		shSize  = 64
		symSize = 24
	)

	symSectionName := ".symtab"
	strSectionName := ".strtab"
	if dynamic {
		symSectionName = ".dynsym"
		strSectionName = ".dynstr"
	}

	// String table for symbol names: offset 0 is the empty string.
	strtab := []byte{0}
	nameOff := make([]uint32, len(syms))
	for i, s := range syms {
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, []byte(s.name)...)
		strtab = append(strtab, 0)
	}

	// Symbol table: index 0 is the reserved null symbol.
	symtab := make([]byte, symSize) // null symbol
	for i, s := range syms {
		shndx := uint16(1)
		if s.undef {
			shndx = uint16(elf.SHN_UNDEF)
		}
		buf := make([]byte, symSize)
		binary.LittleEndian.PutUint32(buf[0:4], nameOff[i])
		buf[4] = elf.ST_INFO(s.bind, s.typ)
		buf[5] = 0
		binary.LittleEndian.PutUint16(buf[6:8], shndx)
		binary.LittleEndian.PutUint64(buf[8:16], s.value)
		binary.LittleEndian.PutUint64(buf[16:24], s.size)
		symtab = append(symtab, buf...)
	}

	var prelinkUndo []byte
	if withPrelinkUndo != nil {
		prelinkUndo = buildPrelinkUndoELF64(*withPrelinkUndo)
	}
	var debugLink []byte
	if withDebugLink {
		debugLink = append([]byte("fixture.debug"), 0, 0, 0, 0)
	}

	type sec struct {
		name string
		typ  elf.SectionType
		link uint32
		data []byte
	}
	secs := []sec{
		{"", elf.SHT_NULL, 0, nil},
		{symSectionName, elf.SHT_SYMTAB, 2, symtab},
		{strSectionName, elf.SHT_STRTAB, 0, strtab},
	}
	if dynamic {
		secs[1].typ = elf.SHT_DYNSYM
	}
	if prelinkUndo != nil {
		secs = append(secs, sec{".gnu.prelink_undo", elf.SHT_PROGBITS, 0, prelinkUndo})
	}
	if debugLink != nil {
		secs = append(secs, sec{".gnu_debuglink", elf.SHT_PROGBITS, 0, debugLink})
	}
	secs = append(secs, sec{".shstrtab", elf.SHT_STRTAB, 0, nil}) // data filled below

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	shNameOff := make([]uint32, len(secs))
	for i, s := range secs {
		if s.name == "" {
			continue
		}
		shNameOff[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(s.name)
		shstrtab.WriteByte(0)
	}
	secs[len(secs)-1].data = shstrtab.Bytes()

	dataStart := uint64(ehSize + phSize)
	offsets := make([]uint64, len(secs))
	var body bytes.Buffer
	for i, s := range secs {
		if len(s.data) == 0 {
			offsets[i] = 0
			continue
		}
		offsets[i] = dataStart + uint64(body.Len())
		body.Write(s.data)
	}
	shOff := dataStart + uint64(body.Len())

	var out bytes.Buffer

	ehdr := elf.Header64{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0},
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     loadBase,
		Phoff:     ehSize,
		Shoff:     shOff,
		Ehsize:    ehSize,
		Phentsize: phSize,
		Phnum:     1,
		Shentsize: shSize,
		Shnum:     uint16(len(secs)),
		Shstrndx:  uint16(len(secs) - 1),
	}
	binary.Write(&out, binary.LittleEndian, &ehdr)

	phdr := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_X | elf.PF_R),
		Off:    0,
		Vaddr:  loadBase,
		Paddr:  loadBase,
		Filesz: 0x1000,
		Memsz:  0x1000,
		Align:  0x1000,
	}
	binary.Write(&out, binary.LittleEndian, &phdr)

	out.Write(body.Bytes())

	for i, s := range secs {
		link := s.link
		shdr := elf.Section64{
			Name:      shNameOff[i],
			Type:      uint32(s.typ),
			Link:      link,
			Off:       offsets[i],
			Size:      uint64(len(s.data)),
			Addralign: 1,
		}
		if s.typ == elf.SHT_SYMTAB || s.typ == elf.SHT_DYNSYM {
			shdr.Entsize = symSize
		}
		binary.Write(&out, binary.LittleEndian, &shdr)
	}

	return out.Bytes()
}

// buildPrelinkUndoELF64 builds the raw bytes of a minimal ELF64
// header plus a single PT_LOAD program header, as would be embedded
// in a .gnu.prelink_undo section, declaring originalBase as the
// pre-prelink load address.
func buildPrelinkUndoELF64(originalBase uint64) []byte {
	const ehSize = 64
	var out bytes.Buffer
	ehdr := elf.Header64{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0},
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     ehSize,
		Ehsize:    ehSize,
		Phentsize: 56,
		Phnum:     1,
	}
	binary.Write(&out, binary.LittleEndian, &ehdr)
	phdr := elf.Prog64{
		Type:  uint32(elf.PT_LOAD),
		Vaddr: originalBase,
	}
	binary.Write(&out, binary.LittleEndian, &phdr)
	return out.Bytes()
}
