// Package elfobj is the ELF32 container layer: Open reads an input
// relocatable object via debug/elf, and Writer builds an output
// relocatable object field-by-field, since debug/elf has no writing
// support and knows nothing about EM_AVR relocations.
package elfobj

import (
	"debug/elf"
	"fmt"
)

// EM_AVR is the e_machine value for Atmel AVR 8-bit microcontrollers; not
// exported by debug/elf, which only knows machines the Go toolchain targets.
const EM_AVR = 0x53

// Section is one named, already-loaded section from an input object: the
// subset of debug/elf.Section this package actually consumes.
type Section struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Addr  uint64
	Data  []byte
	Info  uint32
	Link  uint32
}

// Symbol mirrors debug/elf.Symbol's fields this package round-trips.
type Symbol struct {
	Name  string
	Info  byte
	Other byte
	Shndx int
	Value uint64
	Size  uint64
}

// Object is an input ELF32 relocatable object, decoded into the sections
// faeutil's pipeline reads: .eh_frame, .rela.eh_frame, .symtab, .strtab,
// .shstrtab, and optionally .gcc_except_table/.rela.gcc_except_table.
type Object struct {
	Path     string
	Machine  elf.Machine
	Sections map[string]Section
	Symbols  []Symbol
	EhFrame  []byte
	HasLSDA  bool
	LSDAName string
	LSDAData []byte

	// SectionByIndex maps an ELF section header index (the numeric
	// st_shndx a symbol carries) to its name. Used to recover which
	// .text.* section an STT_SECTION relocation targets, since debug/elf
	// only exposes a symbol's section as a bare number.
	SectionByIndex map[int]string
}

// Open reads path as an ELF32 relocatable object and pulls out the sections
// the faeutil pipeline needs.
func Open(path string) (*Object, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfobj: open %q: %w", path, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("elfobj: %q is not ELFCLASS32", path)
	}

	obj := &Object{
		Path:           path,
		Machine:        f.Machine,
		Sections:       make(map[string]Section, len(f.Sections)),
		SectionByIndex: make(map[int]string, len(f.Sections)),
	}

	for i, s := range f.Sections {
		data, err := s.Data()
		if err != nil && s.Type != elf.SHT_NOBITS {
			return nil, fmt.Errorf("elfobj: read section %q: %w", s.Name, err)
		}
		obj.Sections[s.Name] = Section{
			Name:  s.Name,
			Type:  s.Type,
			Flags: s.Flags,
			Addr:  s.Addr,
			Data:  data,
			Info:  s.Info,
			Link:  s.Link,
		}
		obj.SectionByIndex[i] = s.Name
	}

	if s, ok := obj.Sections[".eh_frame"]; ok {
		obj.EhFrame = s.Data
	}
	if s, ok := obj.Sections[".gcc_except_table"]; ok {
		obj.HasLSDA = true
		obj.LSDAName = ".gcc_except_table"
		obj.LSDAData = s.Data
	}

	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, fmt.Errorf("elfobj: read symbols: %w", err)
	}
	for _, sym := range syms {
		obj.Symbols = append(obj.Symbols, Symbol{
			Name:  sym.Name,
			Info:  sym.Info,
			Other: sym.Other,
			Shndx: int(sym.Section),
			Value: sym.Value,
			Size:  sym.Size,
		})
	}

	return obj, nil
}

// Relocations decodes a .rela.<name> section's raw bytes into (offset,
// info, addend) triples. debug/elf does not expose AVR relocation decoding
// (EM_AVR isn't one of its known machines), so this package does the
// ELF32_Rela layout itself: three little-endian uint32/int32 fields.
func (o *Object) Relocations(sectionName string) ([]RelaEntry, error) {
	s, ok := o.Sections[".rela."+sectionName]
	if !ok {
		return nil, nil
	}
	const entSize = 12
	if len(s.Data)%entSize != 0 {
		return nil, fmt.Errorf("elfobj: %q size %d not a multiple of %d", s.Name, len(s.Data), entSize)
	}
	n := len(s.Data) / entSize
	out := make([]RelaEntry, 0, n)
	for i := 0; i < n; i++ {
		b := s.Data[i*entSize:]
		out = append(out, RelaEntry{
			Offset: leU32(b[0:4]),
			Info:   leU32(b[4:8]),
			Addend: int32(leU32(b[8:12])),
		})
	}
	return out, nil
}

// RelaEntry is one raw Elf32_Rela record.
type RelaEntry struct {
	Offset uint32
	Info   uint32
	Addend int32
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
