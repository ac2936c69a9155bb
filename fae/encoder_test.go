package fae

import (
	"bytes"
	"testing"

	"github.com/DolphinGui/faeutil/cfi"
)

func leafFrame() cfi.Frame {
	return cfi.Frame{Rule: cfi.Rule{CFARegister: 32, CFAOffset: 0, RegisterOffsets: map[uint64]int64{}}}
}

func TestEncodeLeafFunction(t *testing.T) {
	entries, infos, err := Encode([]cfi.Frame{leafFrame()}, DefaultReturnAddressSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %d bytes, want 0", len(entries))
	}
	if infos[0].Offset != NoInstructions || infos[0].Length != 0 {
		t.Fatalf("info = %+v, want offset=NoInstructions length=0", infos[0])
	}
}

func framePointerFrame() cfi.Frame {
	return cfi.Frame{Rule: cfi.Rule{
		CFARegister:     28,
		CFAOffset:       -4,
		RegisterOffsets: map[uint64]int64{28: -2, 29: -1},
	}}
}

func TestEncodeFramePointerFrame(t *testing.T) {
	entries, infos, err := Encode([]cfi.Frame{framePointerFrame()}, DefaultReturnAddressSize)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{EncodePop(16), EncodePop(17), EncodeSkip(0), EncodeSkip(0)}
	if !bytes.Equal(entries, want) {
		t.Fatalf("entries = %#v, want %#v", entries, want)
	}
	if infos[0].Offset != 0 || infos[0].Length != 4 || infos[0].CFAReg != 28 {
		t.Fatalf("info = %+v", infos[0])
	}
}

func TestEncodeDeduplicatesIdenticalRules(t *testing.T) {
	frames := []cfi.Frame{framePointerFrame(), framePointerFrame()}
	entries, infos, err := Encode(frames, DefaultReturnAddressSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("entries = %d bytes, want 4 (one copy of the program)", len(entries))
	}
	if infos[0].Offset != infos[1].Offset || infos[0].Length != infos[1].Length {
		t.Fatalf("expected both frames to share one program, got %+v and %+v", infos[0], infos[1])
	}
}

func TestEncodeDistinctRulesYieldDistinctPrograms(t *testing.T) {
	other := framePointerFrame()
	other.Rule.RegisterOffsets = map[uint64]int64{28: -2}
	frames := []cfi.Frame{framePointerFrame(), other}
	_, infos, err := Encode(frames, DefaultReturnAddressSize)
	if err != nil {
		t.Fatal(err)
	}
	if infos[0].Offset == infos[1].Offset && infos[0].Length == infos[1].Length {
		t.Fatalf("distinct rules produced identical (offset,length): %+v vs %+v", infos[0], infos[1])
	}
}

// TestEncodeSkipsAroundAPop exercises the skip opcode: a register saved
// deeper than the top-of-stack requires a skip before the pop and another
// to burn the remaining frame bytes after it.
func TestEncodeSkipsAroundAPop(t *testing.T) {
	frame := cfi.Frame{Rule: cfi.Rule{
		CFARegister:     32,
		CFAOffset:       -8,
		RegisterOffsets: map[uint64]int64{16: -5},
	}}
	entries, infos, err := Encode([]cfi.Frame{frame}, DefaultReturnAddressSize)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{EncodeSkip(1), EncodePop(14), EncodeSkip(4), EncodeSkip(0)}
	if !bytes.Equal(entries, want) {
		t.Fatalf("entries = %#v, want %#v", entries, want)
	}
	if infos[0].Length != 4 {
		t.Fatalf("length = %d, want 4", infos[0].Length)
	}
}
