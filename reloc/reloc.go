// Package reloc tracks encoded-pointer relocations: it indexes an input
// section's relocation records by the byte offset they apply to, so that,
// after CFI parsing, the offset at which each encoded pointer was read can
// be looked up to recover the symbol the compiler emitted there, and it
// knows how to describe the AVR relocation kinds.
package reloc

import "fmt"

// Kind is an ELF32 AVR relocation type (R_AVR_*). The full enumeration is
// carried, not just the four this tool emits, so String can name any
// relocation kind found in a hand-edited or unusual input object.
type Kind uint32

const (
	None         Kind = 0
	R32          Kind = 1
	R7PCRel      Kind = 2
	R13PCRel     Kind = 3
	R16          Kind = 4
	R16PM        Kind = 5
	Lo8Ldi       Kind = 6
	Hi8Ldi       Kind = 7
	Hh8Ldi       Kind = 8
	Lo8LdiNeg    Kind = 9
	Hi8LdiNeg    Kind = 10
	Hh8LdiNeg    Kind = 11
	Lo8LdiPM     Kind = 12
	Hi8LdiPM     Kind = 13
	Hh8LdiPM     Kind = 14
	Lo8LdiPMNeg  Kind = 15
	Hi8LdiPMNeg  Kind = 16
	Hh8LdiPMNeg  Kind = 17
	Call         Kind = 18
	Ldi          Kind = 19
	R6           Kind = 20
	R6Adiw       Kind = 21
	Ms8Ldi       Kind = 22
	Ms8LdiNeg    Kind = 23
	Lo8LdiGS     Kind = 24
	Hi8LdiGS     Kind = 25
	R8           Kind = 26
	R8Lo8        Kind = 27
	R8Hi8        Kind = 28
	R8Hlo8       Kind = 29
	Diff8        Kind = 30
	Diff16       Kind = 31
	Diff32       Kind = 32
	LdsSts16     Kind = 33
	Port6        Kind = 34
	Port5        Kind = 35
	R32PCRel     Kind = 36
)

var names = map[Kind]string{
	None: "R_AVR_NONE", R32: "R_AVR_32", R7PCRel: "R_AVR_7_PCREL",
	R13PCRel: "R_AVR_13_PCREL", R16: "R_AVR_16", R16PM: "R_AVR_16_PM",
	Lo8Ldi: "R_AVR_LO8_LDI", Hi8Ldi: "R_AVR_HI8_LDI", Hh8Ldi: "R_AVR_HH8_LDI",
	Lo8LdiNeg: "R_AVR_LO8_LDI_NEG", Hi8LdiNeg: "R_AVR_HI8_LDI_NEG", Hh8LdiNeg: "R_AVR_HH8_LDI_NEG",
	Lo8LdiPM: "R_AVR_LO8_LDI_PM", Hi8LdiPM: "R_AVR_HI8_LDI_PM", Hh8LdiPM: "R_AVR_HH8_LDI_PM",
	Lo8LdiPMNeg: "R_AVR_LO8_LDI_PM_NEG", Hi8LdiPMNeg: "R_AVR_HI8_LDI_PM_NEG", Hh8LdiPMNeg: "R_AVR_HH8_LDI_PM_NEG",
	Call: "R_AVR_CALL", Ldi: "R_AVR_LDI", R6: "R_AVR_6", R6Adiw: "R_AVR_6_ADIW",
	Ms8Ldi: "R_AVR_MS8_LDI", Ms8LdiNeg: "R_AVR_MS8_LDI_NEG",
	Lo8LdiGS: "R_AVR_LO8_LDI_GS", Hi8LdiGS: "R_AVR_HI8_LDI_GS",
	R8: "R_AVR_8", R8Lo8: "R_AVR_8_LO8", R8Hi8: "R_AVR_8_HI8", R8Hlo8: "R_AVR_8_HLO8",
	Diff8: "R_AVR_DIFF8", Diff16: "R_AVR_DIFF16", Diff32: "R_AVR_DIFF32",
	LdsSts16: "R_AVR_LDS_STS_16", Port6: "R_AVR_PORT6", Port5: "R_AVR_PORT5",
	R32PCRel: "R_AVR_32_PCREL",
}

// String names the relocation kind, or "R_AVR_unknown(n)" for a value
// outside the documented AVR enum.
func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("R_AVR_unknown(%d)", uint32(k))
}

// Record is a single ELF32 RELA entry: (offset, symbol, kind, addend).
type Record struct {
	Offset     uint32
	SymbolIdx  uint32
	Kind       Kind
	Addend     int32
}

// RSym extracts the symbol table index from a packed ELF32 r_info field.
func RSym(info uint32) uint32 { return info >> 8 }

// RType extracts the relocation kind from a packed ELF32 r_info field.
func RType(info uint32) Kind { return Kind(info & 0xff) }

// RInfo packs a symbol index and relocation kind into an ELF32 r_info
// field.
func RInfo(sym uint32, kind Kind) uint32 { return (sym << 8) | uint32(kind)&0xff }

// Tracker indexes an input section's relocation table by byte offset, so
// the offset at which an encoded pointer was read during CFI parsing
// (dwarfptr.Ref.Offset) can be resolved to its relocation. At most one
// reference exists per offset in a given section.
type Tracker struct {
	bySymbolOffset map[uint32]Record
}

// NewTracker builds a Tracker from a section's raw RELA records (as read
// from e.g. .rela.eh_frame), indexed by the byte offset they apply to.
func NewTracker(records []Record) *Tracker {
	t := &Tracker{bySymbolOffset: make(map[uint32]Record, len(records))}
	for _, rec := range records {
		t.bySymbolOffset[rec.Offset] = rec
	}
	return t
}

// Lookup returns the relocation record recorded at the given file offset,
// if any. Callers use this to recover the symbol a compiler emitted for a
// pointer this tool decoded at that offset.
func (t *Tracker) Lookup(offset int) (Record, bool) {
	rec, ok := t.bySymbolOffset[uint32(offset)]
	return rec, ok
}
