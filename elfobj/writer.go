package elfobj

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
)

// writerState enforces the ordered ExtendStrings, BuildSections,
// BuildRelocations, Bytes sequence, so a caller that builds relocations
// before sections (or writes twice) gets a typed error instead of a
// malformed object.
type writerState int

const (
	stateInit writerState = iota
	stateStringsExtended
	stateSectionsBuilt
	stateRelocsBuilt
	stateWritten
)

// OutputSection is one section Writer will append to the copied-through
// input object, already serialised to its final bytes.
type OutputSection struct {
	Name  string
	Type  uint32
	Flags uint64
	Link  uint32
	Info  uint32
	Align uint64
	Data  []byte
}

// OutputSymbol is one symbol-table entry to append: the `<basename>_fae_frames`
// OBJECT/GLOBAL symbol and the NOTYPE GLOBAL aliases for each .text.*
// section faeutil recovers a begin address for.
type OutputSymbol struct {
	Name  string
	Info  byte
	Other byte
	Shndx uint16
	Value uint32
	Size  uint32
}

// OutputReloc is one Elf32_Rela entry Writer attaches to a `.rela<Section>`
// section (`.rela.fae_info` for Section ".fae_info") once it knows the
// final symbol table layout.
type OutputReloc struct {
	Section string // target section this relocation applies against
	Offset  uint32
	Symbol  uint32
	Kind    uint32
	Addend  int32
}

// Writer builds an ELF32 relocatable object by copying an input Object's
// sections through unchanged and appending the new ones faegen produces
// (.fae_entries, .fae_info, .rela.fae_info), laid out as
// [ELF header][existing sections][new sections][extended .symtab]
// [extended .strtab][.rela.* sections][extended .shstrtab]
// [section header table].
type Writer struct {
	state writerState

	base *Object

	strtab  *stringTable
	shstrtb *stringTable

	newSections []OutputSection
	newSymbols  []OutputSymbol
	newRelocs   []OutputReloc

	// baseOrder is the copied-through section names in the fixed order
	// they get appended in build() — sorted once here since iterating
	// base.Sections (a map) directly would make section indices (and
	// thus every st_shndx/r_info that names one) nondeterministic run to
	// run.
	baseOrder []string
	// sectionIndex maps every section name (copied-through or newly
	// built) to its final 1-based index in the output object, so callers
	// building OutputSymbol/OutputReloc values know which shndx or
	// target section a name resolves to before the object is serialised.
	sectionIndex map[string]int
}

// NewWriter starts a Writer over base's already-decoded input sections,
// which are copied through byte-for-byte.
func NewWriter(base *Object) *Writer {
	w := &Writer{
		state:        stateInit,
		base:         base,
		strtab:       newStringTable(),
		shstrtb:      newStringTable(),
		sectionIndex: make(map[string]int),
	}
	for name := range base.Sections {
		if name == "" || name == ".symtab" || name == ".strtab" || name == ".shstrtab" {
			continue
		}
		w.baseOrder = append(w.baseOrder, name)
	}
	sort.Strings(w.baseOrder)
	for i, name := range w.baseOrder {
		w.sectionIndex[name] = i + 1 // index 0 is the null section
	}
	return w
}

// SectionIndex returns name's final index in the output object. Valid for
// copied-through sections immediately, and for newly built sections once
// BuildSections has run.
func (w *Writer) SectionIndex(name string) (int, bool) {
	idx, ok := w.sectionIndex[name]
	return idx, ok
}

func (w *Writer) requireState(want writerState, call string) error {
	if w.state != want {
		return &Error{Kind: KindInvariantViolated, Detail: fmt.Sprintf("%s called in state %d, want %d", call, w.state, want)}
	}
	return nil
}

// ExtendStrings reserves string-table offsets for the new symbol and
// section names the caller is about to build, returning each name's offset
// into the (eventually extended) .strtab. Must be called exactly once,
// before BuildSections.
func (w *Writer) ExtendStrings(names []string) (map[string]uint32, error) {
	if err := w.requireState(stateInit, "ExtendStrings"); err != nil {
		return nil, err
	}
	offsets := make(map[string]uint32, len(names))
	for _, n := range names {
		offsets[n] = w.strtab.add(n)
	}
	w.state = stateStringsExtended
	return offsets, nil
}

// BuildSections appends the caller's new sections (already-encoded bytes
// for .fae_entries/.fae_info) to the output object. Must follow
// ExtendStrings.
func (w *Writer) BuildSections(sections []OutputSection) error {
	if err := w.requireState(stateStringsExtended, "BuildSections"); err != nil {
		return err
	}
	w.newSections = append(w.newSections, sections...)
	next := len(w.baseOrder) + 1
	for i, s := range sections {
		w.sectionIndex[s.Name] = next + i
	}
	w.state = stateSectionsBuilt
	return nil
}

// BuildSymbols appends the `<basename>_fae_frames` object symbol and the
// `.text.*` begin-address aliases. Must follow BuildSections.
func (w *Writer) BuildSymbols(symbols []OutputSymbol) error {
	if err := w.requireState(stateSectionsBuilt, "BuildSymbols"); err != nil {
		return err
	}
	w.newSymbols = append(w.newSymbols, symbols...)
	return nil
}

// BuildRelocations appends the R_AVR_32 relocations for .fae_info's begin/
// lsda_offset fields, recovered via reloc.Tracker against the input
// object's own .rela.eh_frame entries. Must follow BuildSections (the
// target section index it refers to must already exist).
func (w *Writer) BuildRelocations(relocs []OutputReloc) error {
	if w.state != stateSectionsBuilt {
		return &Error{Kind: KindInvariantViolated, Detail: fmt.Sprintf("BuildRelocations called in state %d, want %d", w.state, stateSectionsBuilt)}
	}
	w.newRelocs = append(w.newRelocs, relocs...)
	w.state = stateRelocsBuilt
	return nil
}

// Bytes finalises the object into ELF32 bytes. Valid only after
// BuildRelocations (call it with an empty slice if an object emits none).
func (w *Writer) Bytes() ([]byte, error) {
	if err := w.requireState(stateRelocsBuilt, "Bytes"); err != nil {
		return nil, err
	}
	b, err := w.build()
	if err != nil {
		return nil, err
	}
	w.state = stateWritten
	return b, nil
}

// Flush finalises the object via Bytes (so it fails if Bytes or Flush has
// already run) and writes it to path, taking an advisory exclusive lock via golang.org/x/sys/unix.Flock around
// a temp-file-then-rename sequence so two concurrent faegen invocations
// targeting the same output path don't interleave writes.
func (w *Writer) Flush(path string) error {
	var data []byte
	if w.state == stateWritten {
		return &Error{Kind: KindInvariantViolated, Detail: "Flush called twice"}
	}
	b, err := w.Bytes()
	if err != nil {
		return err
	}
	data = b

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".faeutil-tmp-*")
	if err != nil {
		return fmt.Errorf("elfobj: create temp file in %q: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := unix.Flock(int(tmp.Fd()), unix.LOCK_EX); err != nil {
		tmp.Close()
		return fmt.Errorf("elfobj: flock %q: %w", tmpPath, err)
	}
	if _, err := tmp.Write(data); err != nil {
		unix.Flock(int(tmp.Fd()), unix.LOCK_UN)
		tmp.Close()
		return fmt.Errorf("elfobj: write %q: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		unix.Flock(int(tmp.Fd()), unix.LOCK_UN)
		tmp.Close()
		return fmt.Errorf("elfobj: sync %q: %w", tmpPath, err)
	}
	unix.Flock(int(tmp.Fd()), unix.LOCK_UN)
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("elfobj: close %q: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("elfobj: rename %q to %q: %w", tmpPath, path, err)
	}
	return nil
}

// remapIndex translates an input-object section index into the output
// object's section numbering. Index 0 and indices naming sections that do
// not survive into the output map to 0.
func (w *Writer) remapIndex(orig uint32) uint32 {
	name, ok := w.base.SectionByIndex[int(orig)]
	if !ok {
		return 0
	}
	idx, ok := w.sectionIndex[name]
	if !ok {
		return 0
	}
	return uint32(idx)
}

// stringTable is a simple append-only string table with the leading NUL
// entry ELF section/string tables require at offset 0.
type stringTable struct {
	buf     []byte
	offsets map[string]uint32
}

func newStringTable() *stringTable {
	return &stringTable{buf: []byte{0}, offsets: map[string]uint32{"": 0}}
}

func (t *stringTable) add(s string) uint32 {
	if off, ok := t.offsets[s]; ok {
		return off
	}
	off := uint32(len(t.buf))
	t.buf = append(t.buf, []byte(s)...)
	t.buf = append(t.buf, 0)
	t.offsets[s] = off
	return off
}

const (
	ehdrSize = 52
	shdrSize = 40
	symSize  = 16
	relaSize = 12

	etRel       = 1
	evCurrent   = 1
	elfClass32  = 1
	elfData2LSB = 1

	shtNull     = 0
	shtSymtab   = 2
	shtStrtab   = 3
	shtRela     = 4
)

type section struct {
	name     string
	shType   uint32
	flags    uint64
	addr     uint64
	offset   uint32
	size     uint32
	link     uint32
	info     uint32
	align    uint64
	entsize  uint32
	data     []byte
}

// build lays out [ELF header][existing sections copied through]
// [new sections][extended .symtab][extended .strtab][.rela.* sections]
// [extended .shstrtab][section header table] and serialises every field
// explicitly in little-endian order.
func (w *Writer) build() ([]byte, error) {
	var secs []section

	// The extended .symtab and .strtab land immediately after the last new
	// section; registering their final indices up front lets copied-through
	// sections' sh_link/sh_info be remapped in the same pass that copies
	// them.
	symtabIdx := len(w.baseOrder) + 1 + len(w.newSections)
	w.sectionIndex[".symtab"] = symtabIdx
	w.sectionIndex[".strtab"] = symtabIdx + 1

	// Section 0 is always the null section per the ELF spec.
	secs = append(secs, section{name: ""})

	for _, name := range w.baseOrder {
		s := w.base.Sections[name]
		sec := section{
			name:   name,
			shType: uint32(s.Type),
			flags:  uint64(s.Flags),
			addr:   s.Addr,
			size:   uint32(len(s.Data)),
			link:   w.remapIndex(s.Link),
			info:   s.Info,
			align:  1,
			data:   s.Data,
		}
		// An input rela section's sh_info names its target section, whose
		// index has changed in the output; scalar sh_info values (symtab
		// local counts etc.) pass through untouched.
		if sec.shType == shtRela {
			sec.info = w.remapIndex(s.Info)
			sec.entsize = relaSize
			sec.align = 4
		}
		secs = append(secs, sec)
	}

	for _, ns := range w.newSections {
		align := ns.Align
		if align == 0 {
			align = 1
		}
		secs = append(secs, section{
			name:   ns.Name,
			shType: ns.Type,
			flags:  ns.Flags,
			size:   uint32(len(ns.Data)),
			link:   ns.Link,
			info:   ns.Info,
			align:  align,
			data:   ns.Data,
		})
	}

	// Build the extended symbol table: input symbols first (preserving
	// their indices, so copied-through relocations stay valid), then the
	// new ones this object contributes. sh_info is the index of the first
	// non-local symbol; input objects keep locals contiguous at the front
	// and every appended symbol is global.
	symtabW := newByteWriter()
	symtabW.writeSym(0, 0, 0, 0, 0, 0) // null symbol
	localCount := uint32(1)
	counting := true
	for _, sym := range w.base.Symbols {
		nameOff := w.strtab.add(sym.Name)
		remapped := sym.Shndx
		if name, ok := w.base.SectionByIndex[sym.Shndx]; ok && sym.Shndx > 0 && sym.Shndx < 0xff00 {
			if idx, found := w.sectionIndex[name]; found {
				remapped = idx
			}
		}
		symtabW.writeSym(nameOff, sym.Info, sym.Other, uint16(remapped), uint32(sym.Value), uint32(sym.Size))
		if counting && sym.Info>>4 == 0 {
			localCount++
		} else {
			counting = false
		}
	}
	for _, sym := range w.newSymbols {
		symtabW.writeSym(w.strtab.add(sym.Name), sym.Info, sym.Other, sym.Shndx, sym.Value, sym.Size)
	}

	// Relocation sections: one .rela<target> (e.g. .rela.fae_info) per
	// distinct target section name referenced by w.newRelocs.
	relaBySection := make(map[string][]OutputReloc)
	var relaOrder []string
	for _, r := range w.newRelocs {
		if _, ok := relaBySection[r.Section]; !ok {
			relaOrder = append(relaOrder, r.Section)
		}
		relaBySection[r.Section] = append(relaBySection[r.Section], r)
	}

	if symtabIdx != len(secs) {
		return nil, &Error{Kind: KindInvariantViolated, Detail: fmt.Sprintf("symtab index drifted: %d != %d", symtabIdx, len(secs))}
	}
	secs = append(secs, section{name: ".symtab", shType: shtSymtab, align: 4, entsize: symSize, data: symtabW.buf, info: localCount, link: uint32(symtabIdx + 1)})
	secs = append(secs, section{name: ".strtab", shType: shtStrtab, align: 1, data: w.strtab.buf})

	for _, target := range relaOrder {
		targetIdx, ok := w.sectionIndex[target]
		if !ok {
			return nil, &Error{Kind: KindInvariantViolated, Detail: fmt.Sprintf("relocation target section %q does not exist", target)}
		}
		rw := newByteWriter()
		for _, r := range relaBySection[target] {
			rw.writeRela(r.Offset, r.Symbol, r.Kind, r.Addend)
		}
		secs = append(secs, section{
			name:   ".rela" + target,
			shType: shtRela,
			align:  4,
			entsize: relaSize,
			link:   uint32(symtabIdx),
			info:   uint32(targetIdx),
			data:   rw.buf,
		})
	}

	shstrtabIdx := len(secs)
	for i := range secs {
		secs[i].size = uint32(len(secs[i].data))
	}
	nameOffsets := make([]uint32, len(secs))
	for i, s := range secs {
		nameOffsets[i] = w.shstrtb.add(s.name)
	}
	shstrtabName := w.shstrtb.add(".shstrtab")
	secs = append(secs, section{name: ".shstrtab", shType: shtStrtab, align: 1, data: w.shstrtb.buf, size: uint32(len(w.shstrtb.buf))})
	nameOffsets = append(nameOffsets, shstrtabName)

	// Recompute offsets now that the string tables are frozen.
	cur := uint32(ehdrSize)
	offsets := make([]uint32, len(secs))
	for i, s := range secs {
		if s.shType == shtNull {
			offsets[i] = 0
			continue
		}
		if s.align > 1 {
			pad := (uint32(s.align) - cur%uint32(s.align)) % uint32(s.align)
			cur += pad
		}
		offsets[i] = cur
		cur += uint32(len(s.data))
	}
	shoff := cur

	out := newByteWriter()
	out.writeEhdr(etRel, uint32(EM_AVR), shoff, uint16(len(secs)), uint16(shstrtabIdx))
	for i, s := range secs {
		if s.shType == shtNull {
			continue
		}
		pad := int(offsets[i]) - len(out.buf)
		for p := 0; p < pad; p++ {
			out.buf = append(out.buf, 0)
		}
		out.buf = append(out.buf, s.data...)
	}
	for i, s := range secs {
		out.writeShdr(nameOffsets[i], s.shType, s.flags, s.addr, offsets[i], uint32(len(s.data)), s.link, s.info, s.align, s.entsize)
	}

	return out.buf, nil
}

type byteWriter struct{ buf []byte }

func newByteWriter() *byteWriter { return &byteWriter{} }

func (w *byteWriter) put32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); w.buf = append(w.buf, b[:]...) }
func (w *byteWriter) put16(v uint16) { var b [2]byte; binary.LittleEndian.PutUint16(b[:], v); w.buf = append(w.buf, b[:]...) }

func (w *byteWriter) writeEhdr(etype uint16, machine uint32, shoff uint32, shnum, shstrndx uint16) {
	ident := [16]byte{0x7f, 'E', 'L', 'F', elfClass32, elfData2LSB, evCurrent}
	w.buf = append(w.buf, ident[:]...)
	w.put16(etype)
	w.put16(uint16(machine))
	w.put32(evCurrent)
	w.put32(0) // e_entry
	w.put32(0) // e_phoff
	w.put32(shoff)
	w.put32(0) // e_flags
	w.put16(ehdrSize)
	w.put16(0) // e_phentsize
	w.put16(0) // e_phnum
	w.put16(shdrSize)
	w.put16(shnum)
	w.put16(shstrndx)
}

func (w *byteWriter) writeShdr(name uint32, shtype uint32, flags uint64, addr uint64, off, size, link, info uint32, align uint64, entsize uint32) {
	w.put32(name)
	w.put32(shtype)
	w.put32(uint32(flags))
	w.put32(uint32(addr))
	w.put32(off)
	w.put32(size)
	w.put32(link)
	w.put32(info)
	w.put32(uint32(align))
	w.put32(entsize)
}

func (w *byteWriter) writeSym(name uint32, info, other byte, shndx uint16, value, size uint32) {
	w.put32(name)
	w.put32(value)
	w.put32(size)
	w.buf = append(w.buf, info, other)
	w.put16(shndx)
}

func (w *byteWriter) writeRela(offset, symbol, kind uint32, addend int32) {
	w.put32(offset)
	w.put32((symbol << 8) | (kind & 0xff))
	w.put32(uint32(addend))
}
