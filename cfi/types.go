package cfi

import "github.com/DolphinGui/faeutil/dwarfptr"

// CIE is a parsed Common Information Entry: the shared defaults one or
// more FDEs build their unwinding rule on top of.
type CIE struct {
	Offset              int
	Version             byte
	Augmentation        string
	CodeAlignmentFactor uint64
	DataAlignmentFactor int64
	ReturnRegister      uint64

	HasPersonality      bool
	PersonalityEncoding byte
	PersonalityRoutine  dwarfptr.Ref

	HasLSDA      bool
	LSDAEncoding byte

	FDEPointerEncoding byte

	InitialInstructions []byte
}

// FDE is a parsed Frame Description Entry, still referring to its CIE by
// file offset rather than holding a shared reference to it.
type FDE struct {
	CIEOffset    int
	PCBegin      dwarfptr.Ref
	PCRange      dwarfptr.Ref
	HasLSDA      bool
	LSDA         dwarfptr.Ref
	Instructions []byte
}

// Rule is the unwinding rule produced for one frame: where the canonical
// frame address lives, and where each saved callee register was stashed
// relative to it.
type Rule struct {
	CFARegister     uint64
	CFAOffset       int64
	RegisterOffsets map[uint64]int64
}

// Equal compares two rules structurally: CFA register, CFA offset, and
// the full register-offset map must all match.
func (r Rule) Equal(other Rule) bool {
	if r.CFARegister != other.CFARegister || r.CFAOffset != other.CFAOffset {
		return false
	}
	if len(r.RegisterOffsets) != len(other.RegisterOffsets) {
		return false
	}
	for reg, off := range r.RegisterOffsets {
		if o, ok := other.RegisterOffsets[reg]; !ok || o != off {
			return false
		}
	}
	return true
}

// Frame is one FDE's decoded range plus the rule the interpreter derived
// for it.
type Frame struct {
	PCBegin dwarfptr.Ref
	PCRange dwarfptr.Ref
	HasLSDA bool
	LSDA    dwarfptr.Ref
	Rule    Rule
}

// ReturnAddressRegister is the DWARF pseudo-register carrying the
// function's return address in register_offsets.
const ReturnAddressRegister = 36

// CalleeSaved is the AVR callee-saved register set: r2-r17, r28 (Ylo), r29
// (Yhi). Any other register number below 32 appearing in an offset rule
// is rejected.
var CalleeSaved = map[uint64]bool{
	2: true, 3: true, 4: true, 5: true, 6: true, 7: true, 8: true, 9: true,
	10: true, 11: true, 12: true, 13: true, 14: true, 15: true, 16: true, 17: true,
	28: true, 29: true,
}
