package fae

import (
	"sort"

	"github.com/DolphinGui/faeutil/cfi"
)

// NoInstructions is the Offset value meaning "leaf function, nothing to
// restore".
const NoInstructions = 0xFFFFFFFF

// DefaultReturnAddressSize is 2 bytes, the AVR norm; parts with more than
// 128KB of flash push 3-byte return addresses.
const DefaultReturnAddressSize = 2

// InfoEntry is one 24-byte record of .fae_info. Begin, Range, and
// LSDAOffset hold the raw decoded pointer values from the input CFI; the
// relocations that bind Begin/LSDAOffset to symbols are attached later,
// during emission, using the offsets recorded on the corresponding
// cfi.Frame's dwarfptr.Ref.
type InfoEntry struct {
	Offset     uint32
	Length     uint32
	Begin      uint32
	Range      uint32
	LSDAOffset uint32
	CFAReg     uint32
}

type regOffset struct {
	reg    uint64
	target int64
}

// buildProgram compiles one rule into a pop/skip byte program. A nil,
// nil result means the frame needs no restoration
// (empty cfa_offset or no saved registers) — the caller records
// NoInstructions for it instead of emitting and deduplicating an empty
// program.
func buildProgram(rule cfi.Rule, returnAddressSize int) ([]byte, error) {
	if rule.CFAOffset == 0 {
		return nil, nil
	}

	// Each register's target is the mirror image of its offset from the
	// CFA: a register saved at cfa_offset-2 sits two bytes below the CFA,
	// so it is popped when the walk's countdown (sp) reaches 2 — i.e.
	// target = -offset_from_cfa. Deeper (more negative) offsets are
	// popped first as sp counts down from frame-size-minus-return-address
	// toward zero.
	var offsets []regOffset
	for reg, off := range rule.RegisterOffsets {
		if reg >= 32 {
			continue
		}
		offsets = append(offsets, regOffset{reg: reg, target: -off})
	}
	if len(offsets) == 0 {
		return nil, nil
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i].target < offsets[j].target })

	sp := -rule.CFAOffset - int64(returnAddressSize)
	var out []byte
	for sp > 0 {
		if len(offsets) == 0 {
			k := sp
			if k > MaxSkip {
				k = MaxSkip
			}
			out = append(out, EncodeSkip(uint8(k)))
			sp -= k
			continue
		}
		top := offsets[len(offsets)-1]
		if top.target == sp {
			idx, err := DenseIndex(top.reg)
			if err != nil {
				return nil, &Error{Kind: KindUnsupportedRegister, Value: top.reg}
			}
			out = append(out, EncodePop(idx))
			offsets = offsets[:len(offsets)-1]
			sp--
			continue
		}
		k := sp - top.target
		if k > MaxSkip {
			k = MaxSkip
		}
		out = append(out, EncodeSkip(uint8(k)))
		sp -= k
	}

	out = append(out, EncodeSkip(0))
	if len(out)%2 != 0 {
		out = append(out, EncodeSkip(0))
	}
	return out, nil
}

// Encode compiles every frame's rule into a program, deduplicating
// identical programs, and returns the concatenated .fae_entries bytes
// plus one InfoEntry per input frame in input order.
func Encode(frames []cfi.Frame, returnAddressSize int) ([]byte, []InfoEntry, error) {
	idx := newDedupIndex()
	var entries []byte
	infos := make([]InfoEntry, len(frames))

	for i, f := range frames {
		info := InfoEntry{
			Begin:  uint32(f.PCBegin.Value),
			Range:  uint32(f.PCRange.Value),
			CFAReg: uint32(f.Rule.CFARegister),
		}
		if f.HasLSDA {
			info.LSDAOffset = uint32(f.LSDA.Value)
		}

		program, err := buildProgram(f.Rule, returnAddressSize)
		if err != nil {
			return nil, nil, err
		}
		if program == nil {
			info.Offset = NoInstructions
			info.Length = 0
			infos[i] = info
			continue
		}

		if e, ok := idx.lookup(f.Rule); ok {
			info.Offset = e.offset
			info.Length = e.length
			infos[i] = info
			continue
		}

		offset := uint32(len(entries))
		entries = append(entries, program...)
		length := uint32(len(program))
		idx.insert(f.Rule, offset, length)

		info.Offset = offset
		info.Length = length
		infos[i] = info
	}

	return entries, infos, nil
}
