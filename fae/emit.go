package fae

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/DolphinGui/faeutil/elfobj"
	"github.com/DolphinGui/faeutil/reloc"
)

// stbGlobal/sttObject/sttNotype mirror the ELF32 st_info nibble layout
// (bind<<4 | type) faegen's new symbols use: the `<basename>_fae_frames`
// data symbol is STB_GLOBAL/STT_OBJECT, the per-.text.* begin-address
// aliases are STB_GLOBAL/STT_NOTYPE.
const (
	stbGlobal = 1
	sttObject = 1
	sttNotype = 0
)

func symInfo(bind, typ byte) byte { return bind<<4 | typ }

// EmitInput is everything Emit needs beyond the already-encoded program
// bytes and info entries: the source object (for section copy-through and
// relocation recovery) and the basename used to derive the
// `<basename>_fae_frames` symbol.
type EmitInput struct {
	Source   *elfobj.Object
	Basename string
	Program  []byte      // concatenated, deduplicated pop/skip bytes (fae.Encode's first return)
	Entries  []InfoEntry // fae.Encode's second return
	// TextSections maps each .text.<function> section name (already
	// present in Source) to the NOTYPE GLOBAL begin-address alias
	// symbol faegen attaches to it, so a linker script or the runtime
	// unwinder can resolve a PC back to its enclosing translation unit.
	TextSections []string
	// EntrySymbols names, per entry in Entries (same length and order),
	// the .text.<function> section each entry's Begin field is relative
	// to — recovered by matching the FDE's original pc_begin relocation
	// against in.Source's own .rela.eh_frame via reloc.Tracker, upstream
	// of Emit. An empty string at index i means that entry's pc_begin
	// was already an absolute constant in the input (no relocation to
	// recover), so its InfoEntry.Begin field is emitted without one.
	EntrySymbols []string
	// LSDASymbols names, per entry in Entries (same length and order),
	// the symbol each entry's LSDAOffset field is relative to — recovered
	// the same way as EntrySymbols, but by tracking the FDE's original
	// LSDA pointer relocation instead of its pc_begin relocation, so the
	// field binds to the LSDA symbol rather than to this object's own
	// frame-info symbol. An empty string at index i means
	// no such relocation was found upstream, so LSDAOffset is emitted as
	// a plain constant.
	LSDASymbols []string
	// SuppressRelocations skips .rela.fae_info entirely, leaving Begin/
	// LSDAOffset as the plain absolute values fae.Encode already decoded.
	// For single-translation-unit builds that never run a link step.
	SuppressRelocations bool
}

// Emit builds the output object's new sections, symbols, and relocations
// via elfobj.Writer: .fae_entries carries the raw program bytes,
// .fae_info carries the InfoEntry array (sh_type = InfoSectionType), and
// .rela.fae_info carries one R_AVR_32 relocation per entry's begin field
// (targeting a `<text-section>_fae_begin` alias symbol, per EntrySymbols)
// and, when present, one more for its lsda_offset field (targeting a
// `<lsda-section>_fae_begin` alias symbol, per LSDASymbols).
func Emit(in EmitInput) (*elfobj.Writer, error) {
	frameSymbol := in.Basename + "_fae_frames"

	names := make([]string, 0, 2+len(in.TextSections))
	names = append(names, frameSymbol, ".fae_entries", ".fae_info", ".rela.fae_info")
	names = append(names, in.TextSections...)

	w := elfobj.NewWriter(in.Source)
	if _, err := w.ExtendStrings(names); err != nil {
		return nil, fmt.Errorf("fae: emit %s: %w", in.Basename, err)
	}

	infoBytes := EncodeInfoSection(in.Entries)

	if err := w.BuildSections([]elfobj.OutputSection{
		{Name: ".fae_entries", Type: 1 /* SHT_PROGBITS */, Flags: 0x2 /* SHF_ALLOC */, Align: 2, Data: in.Program},
		{Name: ".fae_info", Type: InfoSectionType, Flags: 0x200000 /* SHF_GNU_RETAIN */, Align: 4, Data: infoBytes},
	}); err != nil {
		return nil, fmt.Errorf("fae: emit %s: %w", in.Basename, err)
	}

	entriesIdx, ok := w.SectionIndex(".fae_entries")
	if !ok {
		return nil, &Error{Kind: KindInvariantViolated, Detail: ".fae_entries section missing after BuildSections"}
	}

	symbols := []elfobj.OutputSymbol{
		{Name: frameSymbol, Info: symInfo(stbGlobal, sttObject), Shndx: uint16(entriesIdx), Size: uint32(len(in.Program))},
	}
	for _, name := range in.TextSections {
		idx, ok := w.SectionIndex(name)
		if !ok {
			return nil, &Error{Kind: KindInvariantViolated, Detail: fmt.Sprintf("text section %q not present in source object", name)}
		}
		symbols = append(symbols, elfobj.OutputSymbol{
			Name:  name + "_fae_begin",
			Info:  symInfo(stbGlobal, sttNotype),
			Shndx: uint16(idx),
		})
	}
	if err := w.BuildSymbols(symbols); err != nil {
		return nil, fmt.Errorf("fae: emit %s: %w", in.Basename, err)
	}

	// symbolIndex resolves a symbol name to its final index: base-object
	// symbols keep their original position (null symbol at 0, then
	// in.Source.Symbols in order); the new ones Writer.build appends
	// after them in the order passed to BuildSymbols.
	symbolIndex := make(map[string]uint32, len(symbols))
	base := uint32(1 + len(in.Source.Symbols))
	for i, s := range symbols {
		symbolIndex[s.Name] = base + uint32(i)
	}

	var relocs []elfobj.OutputReloc
	for i, e := range in.Entries {
		if in.SuppressRelocations {
			break
		}
		recordOff := uint32(10 + i*infoEntrySize) // 10-byte header precedes the entry array
		if i < len(in.EntrySymbols) && in.EntrySymbols[i] != "" {
			symName := in.EntrySymbols[i] + "_fae_begin"
			symIdx, ok := symbolIndex[symName]
			if !ok {
				return nil, &Error{Kind: KindInvariantViolated, Detail: fmt.Sprintf("entry %d references unknown text section %q", i, in.EntrySymbols[i])}
			}
			relocs = append(relocs, elfobj.OutputReloc{
				Section: ".fae_info",
				Offset:  recordOff + 8, // Begin field (3rd u32: offset, length, begin)
				Symbol:  symIdx,
				Kind:    uint32(reloc.R32),
				Addend:  int32(e.Begin),
			})
		}
		if i < len(in.LSDASymbols) && in.LSDASymbols[i] != "" {
			symName := in.LSDASymbols[i] + "_fae_begin"
			symIdx, ok := symbolIndex[symName]
			if !ok {
				return nil, &Error{Kind: KindInvariantViolated, Detail: fmt.Sprintf("entry %d references unknown LSDA section %q", i, in.LSDASymbols[i])}
			}
			relocs = append(relocs, elfobj.OutputReloc{
				Section: ".fae_info",
				Offset:  recordOff + 16, // LSDAOffset field (5th u32)
				Symbol:  symIdx,
				Kind:    uint32(reloc.R32),
				Addend:  int32(e.LSDAOffset),
			})
		}
	}
	if err := w.BuildRelocations(relocs); err != nil {
		return nil, fmt.Errorf("fae: emit %s: %w", in.Basename, err)
	}

	return w, nil
}

// OutputPath derives the sibling <input>.fae.o path faegen writes next
// to its input object.
func OutputPath(inputPath string) string {
	dir := filepath.Dir(inputPath)
	base := filepath.Base(inputPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, base+".fae.o")
}
