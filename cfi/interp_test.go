package cfi

import (
	"errors"
	"testing"

	"github.com/DolphinGui/faeutil/dwarfptr"
)

func TestInterpretFramePointerFrame(t *testing.T) {
	// def_cfa 32 2 ; offset r29, n=1 ; offset r28, n=2 ;
	// def_cfa_offset 4 ; def_cfa_register 28
	fdeInstr := []byte{
		0x0c, 0x20, 0x02,
		0x80 | 29, 0x01,
		0x80 | 28, 0x02,
		0x0e, 0x04,
		0x0d, 0x1c,
	}
	rule, err := Interpret(nil, fdeInstr, -1, dwarfptr.AbsPtr, dwarfptr.Bases{}, DefaultOptions)
	if err != nil {
		t.Fatal(err)
	}
	if rule.CFARegister != 28 {
		t.Fatalf("CFARegister = %d, want 28", rule.CFARegister)
	}
	if rule.CFAOffset != -4 {
		t.Fatalf("CFAOffset = %d, want -4", rule.CFAOffset)
	}
	if rule.RegisterOffsets[29] != -1 || rule.RegisterOffsets[28] != -2 {
		t.Fatalf("RegisterOffsets = %+v, want {28:-2, 29:-1}", rule.RegisterOffsets)
	}
}

func TestInterpretRejectsNonCalleeSaved(t *testing.T) {
	// offset r25 (caller-saved), n=1
	fdeInstr := []byte{0x80 | 25, 0x01}
	_, err := Interpret(nil, fdeInstr, -1, dwarfptr.AbsPtr, dwarfptr.Bases{}, DefaultOptions)
	if !errors.Is(err, ErrUnsupportedRegister) {
		t.Fatalf("got %v, want ErrUnsupportedRegister", err)
	}
}

func TestInterpretUnknownOpcode(t *testing.T) {
	_, err := Interpret(nil, []byte{0x15}, -1, dwarfptr.AbsPtr, dwarfptr.Bases{}, DefaultOptions)
	if !errors.Is(err, ErrUnknownCfiInstruction) {
		t.Fatalf("got %v, want ErrUnknownCfiInstruction", err)
	}
}

func TestInterpretGNUWindowSaveCanonical(t *testing.T) {
	rule, err := Interpret(nil, []byte{0x2d}, -1, dwarfptr.AbsPtr, dwarfptr.Bases{}, DefaultOptions)
	if err != nil {
		t.Fatal(err)
	}
	if rule.RegisterOffsets[ReturnAddressRegister] != -1 {
		t.Fatalf("return-address offset = %d, want -1", rule.RegisterOffsets[ReturnAddressRegister])
	}
}

func TestInterpretGNUWindowSaveThreeByteForm(t *testing.T) {
	rule, err := Interpret(nil, []byte{0xa4, 0x00, 0x00}, -1, dwarfptr.AbsPtr, dwarfptr.Bases{}, DefaultOptions)
	if err != nil {
		t.Fatal(err)
	}
	if rule.RegisterOffsets[ReturnAddressRegister] != -1 {
		t.Fatalf("return-address offset = %d, want -1", rule.RegisterOffsets[ReturnAddressRegister])
	}
}

func TestInterpretRestoreUnsupported(t *testing.T) {
	_, err := Interpret(nil, []byte{0xc0 | 3}, -1, dwarfptr.AbsPtr, dwarfptr.Bases{}, DefaultOptions)
	if !errors.Is(err, ErrUnknownCfiInstruction) {
		t.Fatalf("got %v, want ErrUnknownCfiInstruction", err)
	}
}
