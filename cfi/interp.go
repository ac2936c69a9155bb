package cfi

import (
	"github.com/DolphinGui/faeutil/cursor"
	"github.com/DolphinGui/faeutil/dwarfptr"
)

// Options tunes interpretation of opcodes whose DWARF-conformance is
// disputed rather than standard.
type Options struct {
	// AllowGNUWindowSave recognises both the canonical single-byte
	// DW_CFA_GNU_window_save (0x2D) and the three-byte sequence beginning
	// 0xA4 some AVR toolchains emit instead. Turning it off makes the
	// interpreter reject 0xA4 as an unknown instruction instead of
	// guessing at its meaning.
	AllowGNUWindowSave bool
}

// DefaultOptions accepts both window-save forms, matching observed
// GCC-AVR output.
var DefaultOptions = Options{AllowGNUWindowSave: true}

// Interpret evaluates a CIE's initial instructions followed by an FDE's
// instructions against the same state (the CIE establishes defaults, the
// FDE refines them), then validates the resulting register set.
func Interpret(cieInstructions, fdeInstructions []byte, dataAlignment int64, ptrEnc byte, bases dwarfptr.Bases, opts Options) (Rule, error) {
	rule := Rule{RegisterOffsets: make(map[uint64]int64)}

	if err := run(cieInstructions, &rule, dataAlignment, ptrEnc, bases, opts); err != nil {
		return Rule{}, err
	}
	if err := run(fdeInstructions, &rule, dataAlignment, ptrEnc, bases, opts); err != nil {
		return Rule{}, err
	}
	if err := validate(rule); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

func validate(rule Rule) error {
	for reg := range rule.RegisterOffsets {
		if reg == ReturnAddressRegister {
			continue
		}
		if reg >= 32 || !CalleeSaved[reg] {
			return &Error{Kind: KindUnsupportedRegister, Register: reg}
		}
	}
	return nil
}

// Extended (top-two-bits-zero) opcodes this interpreter implements.
const (
	opNop              = 0x00
	opSetLoc           = 0x01
	opAdvanceLoc1      = 0x02
	opAdvanceLoc2      = 0x03
	opAdvanceLoc4      = 0x04
	opDefCfa           = 0x0c
	opDefCfaRegister   = 0x0d
	opDefCfaOffset     = 0x0e
	opGNUWindowSave    = 0x2d
	opGNUWindowSaveAlt = 0xa4
)

// Opcode-form masks for the top-two-bit instructions.
const (
	formAdvanceLoc = 0x40
	formOffset     = 0x80
	formRestore    = 0xc0
	formMask       = 0xc0
	operandMask    = 0x3f
)

func run(instructions []byte, rule *Rule, dataAlignment int64, ptrEnc byte, bases dwarfptr.Bases, opts Options) error {
	r := cursor.NewReader("cfa", instructions)
	for !r.Done() {
		opOffset := r.Pos()
		op, err := r.U8()
		if err != nil {
			return err
		}

		if op == opGNUWindowSaveAlt {
			if !opts.AllowGNUWindowSave {
				return &Error{Kind: KindUnknownCfiInstruction, Opcode: op, Offset: opOffset}
			}
			// Three-byte form: opcode plus two bytes this tool does not
			// interpret further.
			if _, err := r.Bytes(2); err != nil {
				return err
			}
			rule.RegisterOffsets[ReturnAddressRegister] = -1
			continue
		}

		switch op & formMask {
		case formAdvanceLoc:
			// delta lives in the opcode's low six bits; no state change.
			continue
		case formOffset:
			reg := uint64(op & operandMask)
			n, err := r.ULEB128()
			if err != nil {
				return err
			}
			rule.RegisterOffsets[reg] = int64(n) * dataAlignment
			continue
		case formRestore:
			return &Error{Kind: KindUnknownCfiInstruction, Opcode: op, Offset: opOffset}
		}

		switch op {
		case opNop:
		case opSetLoc:
			if _, err := dwarfptr.Decode(r, ptrEnc, bases); err != nil {
				return err
			}
		case opAdvanceLoc1:
			if _, err := r.U8(); err != nil {
				return err
			}
		case opAdvanceLoc2:
			if _, err := r.U16(); err != nil {
				return err
			}
		case opAdvanceLoc4:
			if _, err := r.U32(); err != nil {
				return err
			}
		case opDefCfa:
			reg, err := r.ULEB128()
			if err != nil {
				return err
			}
			off, err := r.ULEB128()
			if err != nil {
				return err
			}
			rule.CFARegister = reg
			rule.CFAOffset = int64(off)
		case opDefCfaRegister:
			reg, err := r.ULEB128()
			if err != nil {
				return err
			}
			rule.CFARegister = reg
		case opDefCfaOffset:
			off, err := r.ULEB128()
			if err != nil {
				return err
			}
			rule.CFAOffset = int64(off) * dataAlignment
		case opGNUWindowSave:
			if !opts.AllowGNUWindowSave {
				return &Error{Kind: KindUnknownCfiInstruction, Opcode: op, Offset: opOffset}
			}
			rule.RegisterOffsets[ReturnAddressRegister] = -1
		default:
			return &Error{Kind: KindUnknownCfiInstruction, Opcode: op, Offset: opOffset}
		}
	}
	return nil
}
