package fae

import "testing"

func TestDenseIndexRoundTrip(t *testing.T) {
	for _, reg := range []uint64{2, 9, 17, 28, 29} {
		idx, err := DenseIndex(reg)
		if err != nil {
			t.Fatalf("DenseIndex(%d): %v", reg, err)
		}
		back, err := DenseRegister(idx)
		if err != nil {
			t.Fatalf("DenseRegister(%d): %v", idx, err)
		}
		if back != reg {
			t.Errorf("round trip r%d -> %d -> r%d", reg, idx, back)
		}
	}
}

func TestDenseIndexRejectsCallerSaved(t *testing.T) {
	for _, reg := range []uint64{0, 1, 18, 25, 30, 31, 32, 36} {
		if _, err := DenseIndex(reg); err == nil {
			t.Errorf("DenseIndex(%d) succeeded, want error", reg)
		}
	}
}

func TestDecodeProgramStopsAtTerminator(t *testing.T) {
	program := []byte{EncodeSkip(1), EncodePop(14), EncodeSkip(4), EncodeSkip(0)}
	ops, err := DecodeProgram(program)
	if err != nil {
		t.Fatal(err)
	}
	want := []ProgramOp{
		{Op: "skip", Bytes: 1},
		{Op: "pop", Reg: 16},
		{Op: "skip", Bytes: 4},
	}
	if len(ops) != len(want) {
		t.Fatalf("got %d ops, want %d: %+v", len(ops), len(want), ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("op %d = %+v, want %+v", i, ops[i], want[i])
		}
	}
}

func TestDecodeProgramRejectsBadDenseIndex(t *testing.T) {
	if _, err := DecodeProgram([]byte{0x80 | 18}); err == nil {
		t.Fatal("expected error for dense index 18")
	}
}
