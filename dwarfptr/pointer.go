// Package dwarfptr decodes DWARF/eh_frame "encoding byte + value" pointers:
// a low nibble selecting representation (absptr, udataN, sdataN, uleb,
// sleb) and a high nibble selecting a base to add (pcrel, textrel,
// datarel, funcrel).
package dwarfptr

import (
	"errors"
	"fmt"

	"github.com/DolphinGui/faeutil/cursor"
)

// Encoding byte low-nibble representations.
const (
	AbsPtr  = 0x00
	ULEB128 = 0x01
	UData2  = 0x02
	UData4  = 0x03
	UData8  = 0x04
	SLEB128 = 0x09
	SData2  = 0x0a
	SData4  = 0x0b
	SData8  = 0x0c
)

// Encoding byte high-nibble bases.
const (
	BaseAbs     = 0x00
	BasePCRel   = 0x10
	BaseTextRel = 0x20
	BaseDataRel = 0x30
	BaseFuncRel = 0x40
)

// Omit is the legal "no pointer present" encoding — e.g. "no LSDA".
const Omit = 0xFF

// ErrUnknownEncoding is the sentinel for an unrecognised low-nibble form.
var ErrUnknownEncoding = errors.New("dwarfptr: unknown dwarf pointer encoding")

// Error wraps an unrecognised encoding byte.
type Error struct {
	Encoding byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("dwarfptr: unknown dwarf pointer encoding %#x", e.Encoding)
}

func (e *Error) Is(target error) bool { return target == ErrUnknownEncoding }

// Bases supplies the caller-provided bases a pcrel/textrel/datarel/funcrel
// encoding adds to the decoded offset.
type Bases struct {
	// Section is added for pcrel, together with the reader's current file
	// offset, which Decode adds itself; Section is just the section's base
	// load address (0 for a relocatable object, where the linker resolves
	// it later).
	Section int64
	Text    int64
	Data    int64
	Func    int64
}

// Ref pairs a decoded pointer value with the absolute byte offset at
// which it was read. Holding the offset lets a later pass replace the
// placeholder with a relocated symbol reference.
type Ref struct {
	Value  int64
	Offset int
}

// Decode reads a pointer encoded with enc from r, honoring bases for the
// base-selecting high nibble. The encoding byte 0xFF ("omit") must be
// special-cased by the caller before calling Decode — Decode rejects it as
// an unknown encoding.
func Decode(r *cursor.Reader, enc byte, bases Bases) (Ref, error) {
	offset := r.Pos()

	var base int64
	switch enc & 0x70 {
	case BaseAbs:
		// no base
	case BasePCRel:
		base = bases.Section + int64(offset)
	case BaseTextRel:
		base = bases.Text
	case BaseDataRel:
		base = bases.Data
	case BaseFuncRel:
		base = bases.Func
	default:
		return Ref{}, &Error{Encoding: enc}
	}

	var value int64
	switch enc & 0x0f {
	case AbsPtr, UData4:
		v, err := r.U32()
		if err != nil {
			return Ref{}, err
		}
		value = int64(v)
	case UData2:
		v, err := r.U16()
		if err != nil {
			return Ref{}, err
		}
		value = int64(v)
	case UData8:
		v, err := r.U64()
		if err != nil {
			return Ref{}, err
		}
		value = int64(v)
	case ULEB128:
		v, err := r.ULEB128()
		if err != nil {
			return Ref{}, err
		}
		value = int64(v)
	case SData2:
		v, err := r.S16()
		if err != nil {
			return Ref{}, err
		}
		value = int64(v)
	case SData4:
		v, err := r.S32()
		if err != nil {
			return Ref{}, err
		}
		value = int64(v)
	case SData8:
		v, err := r.S64()
		if err != nil {
			return Ref{}, err
		}
		value = v
	case SLEB128:
		v, err := r.SLEB128()
		if err != nil {
			return Ref{}, err
		}
		value = v
	default:
		return Ref{}, &Error{Encoding: enc}
	}

	return Ref{Value: base + value, Offset: offset}, nil
}

// DecodeLength reads a length-style pointer (e.g. an FDE's address_range):
// same low-nibble width as enc, but with the base flags cleared — a range
// is an unsigned length, not a pointer.
func DecodeLength(r *cursor.Reader, enc byte) (Ref, error) {
	return Decode(r, AbsPtr|(enc&0x0f), Bases{})
}
