package dwarfptr

import (
	"errors"
	"testing"

	"github.com/DolphinGui/faeutil/cursor"
)

func TestDecodeAbsData4(t *testing.T) {
	r := cursor.NewReader(".eh_frame", []byte{0x78, 0x56, 0x34, 0x12})
	ref, err := Decode(r, AbsPtr, Bases{})
	if err != nil {
		t.Fatal(err)
	}
	if ref.Value != 0x12345678 {
		t.Fatalf("got %#x, want %#x", ref.Value, 0x12345678)
	}
	if ref.Offset != 0 {
		t.Fatalf("offset = %d, want 0", ref.Offset)
	}
}

func TestDecodeSData2Signed(t *testing.T) {
	r := cursor.NewReader(".eh_frame", []byte{0xfe, 0xff})
	ref, err := Decode(r, SData2, Bases{})
	if err != nil {
		t.Fatal(err)
	}
	if ref.Value != -2 {
		t.Fatalf("got %d, want -2", ref.Value)
	}
}

func TestDecodePCRel(t *testing.T) {
	// skip one byte so the pcrel base isn't trivially zero.
	r := cursor.NewReader(".eh_frame", []byte{0x00, 0x10, 0x00, 0x00, 0x00})
	if _, err := r.U8(); err != nil {
		t.Fatal(err)
	}
	ref, err := Decode(r, SData4|BasePCRel, Bases{Section: 0x8000})
	if err != nil {
		t.Fatal(err)
	}
	// base = Section(0x8000) + offset(1) ; value = 0x10
	if ref.Value != 0x8000+1+0x10 {
		t.Fatalf("got %#x, want %#x", ref.Value, 0x8000+1+0x10)
	}
}

func TestUnknownEncoding(t *testing.T) {
	r := cursor.NewReader(".eh_frame", []byte{0x00})
	_, err := Decode(r, 0x07, Bases{})
	if !errors.Is(err, ErrUnknownEncoding) {
		t.Fatalf("got %v, want ErrUnknownEncoding", err)
	}
}

func TestDecodeLengthIgnoresBase(t *testing.T) {
	r := cursor.NewReader(".eh_frame", []byte{0x20, 0x00, 0x00, 0x00})
	ref, err := DecodeLength(r, UData4|BasePCRel)
	if err != nil {
		t.Fatal(err)
	}
	if ref.Value != 0x20 {
		t.Fatalf("got %#x, want 0x20", ref.Value)
	}
}
