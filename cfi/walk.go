// Package cfi parses DWARF call frame information: a CIE/FDE walker over
// .eh_frame and an interpreter for the call-frame instruction subset an
// AVR compiler emits. Together they turn a raw .eh_frame byte stream into
// a slice of Frame, each carrying the unwinding Rule an AVR personality
// routine needs.
package cfi

import (
	"strings"

	"github.com/DolphinGui/faeutil/cursor"
	"github.com/DolphinGui/faeutil/dwarfptr"
)

// extendedLengthMarker is the 32-bit length value that introduces a
// 64-bit length field. AVR compilers never emit it, but the syntax is
// cheap to accept.
const extendedLengthMarker = 0xFFFFFFFF

// Walk parses every CIE and FDE record in an .eh_frame-shaped buffer,
// returning one Frame per successfully interpreted FDE. A malformed
// record is reported in the returned FrameError slice and does not
// prevent parsing the rest of the section.
func Walk(r *cursor.Reader, bases dwarfptr.Bases, opts Options) ([]Frame, []FrameError) {
	cies := make(map[int]*CIE)
	var frames []Frame
	var errs []FrameError

	for !r.Done() {
		recordOffset := r.Pos()

		length, err := r.U32()
		if err != nil {
			errs = append(errs, FrameError{Offset: recordOffset, Err: err})
			break
		}
		if length == 0 {
			break
		}

		recordLen := uint64(length)
		if length == extendedLengthMarker {
			recordLen, err = r.U64()
			if err != nil {
				errs = append(errs, FrameError{Offset: recordOffset, Err: err})
				break
			}
		}

		idFieldOffset := r.Pos()
		sub, err := r.Subspan(int(recordLen))
		if err != nil {
			errs = append(errs, FrameError{Offset: recordOffset, Err: err})
			break
		}

		id, err := sub.U32()
		if err != nil {
			errs = append(errs, FrameError{Offset: recordOffset, Err: err})
			continue
		}

		if id == 0 {
			cie, err := parseCIE(sub, recordOffset, bases)
			if err != nil {
				errs = append(errs, FrameError{Offset: recordOffset, Err: err})
				continue
			}
			cies[recordOffset] = cie
			continue
		}

		cieOffset := idFieldOffset - int(id)
		cie, ok := cies[cieOffset]
		if !ok {
			errs = append(errs, FrameError{Offset: recordOffset, Err: &Error{Kind: KindInconsistentCie, Offset: cieOffset}})
			continue
		}

		frame, err := parseFDE(sub, cie, bases, opts)
		if err != nil {
			errs = append(errs, FrameError{Offset: recordOffset, Err: err})
			continue
		}
		frames = append(frames, frame)
	}

	return frames, errs
}

func parseCIE(sub *cursor.Reader, offset int, bases dwarfptr.Bases) (*CIE, error) {
	version, err := sub.U8()
	if err != nil {
		return nil, err
	}
	if version != 1 && version != 3 {
		return nil, &Error{Kind: KindUnsupportedCieVersion, Offset: offset}
	}

	augBytes, err := sub.CString()
	if err != nil {
		return nil, err
	}
	aug := string(augBytes)

	codeAlign, err := sub.ULEB128()
	if err != nil {
		return nil, err
	}
	dataAlign, err := sub.SLEB128()
	if err != nil {
		return nil, err
	}

	var returnReg uint64
	if version == 1 {
		b, err := sub.U8()
		if err != nil {
			return nil, err
		}
		returnReg = uint64(b)
	} else {
		returnReg, err = sub.ULEB128()
		if err != nil {
			return nil, err
		}
	}

	cie := &CIE{
		Offset:              offset,
		Version:             version,
		Augmentation:        aug,
		CodeAlignmentFactor: codeAlign,
		DataAlignmentFactor: dataAlign,
		ReturnRegister:      returnReg,
		FDEPointerEncoding:  dwarfptr.AbsPtr,
		LSDAEncoding:        dwarfptr.Omit,
	}

	if strings.HasPrefix(aug, "z") {
		augLen, err := sub.ULEB128()
		if err != nil {
			return nil, err
		}
		augData, err := sub.Subspan(int(augLen))
		if err != nil {
			return nil, err
		}
		for _, c := range aug[1:] {
			switch c {
			case 'L':
				enc, err := augData.U8()
				if err != nil {
					return nil, err
				}
				cie.HasLSDA = true
				cie.LSDAEncoding = enc
			case 'P':
				enc, err := augData.U8()
				if err != nil {
					return nil, err
				}
				ref, err := dwarfptr.Decode(augData, enc, bases)
				if err != nil {
					return nil, err
				}
				cie.HasPersonality = true
				cie.PersonalityEncoding = enc
				cie.PersonalityRoutine = ref
			case 'R':
				enc, err := augData.U8()
				if err != nil {
					return nil, err
				}
				cie.FDEPointerEncoding = enc
			default:
				return nil, &Error{Kind: KindInvalidAugmentation, Offset: offset, Char: byte(c)}
			}
		}
	} else if aug != "" {
		return nil, &Error{Kind: KindInvalidAugmentation, Offset: offset, Char: aug[0]}
	}

	instr, err := sub.Bytes(sub.Remaining())
	if err != nil {
		return nil, err
	}
	cie.InitialInstructions = instr
	return cie, nil
}

func parseFDE(sub *cursor.Reader, cie *CIE, bases dwarfptr.Bases, opts Options) (Frame, error) {
	pcBegin, err := dwarfptr.Decode(sub, cie.FDEPointerEncoding, bases)
	if err != nil {
		return Frame{}, err
	}
	pcRange, err := dwarfptr.DecodeLength(sub, cie.FDEPointerEncoding)
	if err != nil {
		return Frame{}, err
	}

	var lsda dwarfptr.Ref
	hasLSDA := false
	if strings.HasPrefix(cie.Augmentation, "z") {
		augLen, err := sub.ULEB128()
		if err != nil {
			return Frame{}, err
		}
		augData, err := sub.Subspan(int(augLen))
		if err != nil {
			return Frame{}, err
		}
		if cie.HasLSDA && cie.LSDAEncoding != dwarfptr.Omit {
			lsda, err = dwarfptr.Decode(augData, cie.LSDAEncoding, bases)
			if err != nil {
				return Frame{}, err
			}
			hasLSDA = true
		}
	}

	instr, err := sub.Bytes(sub.Remaining())
	if err != nil {
		return Frame{}, err
	}

	rule, err := Interpret(cie.InitialInstructions, instr, cie.DataAlignmentFactor, cie.FDEPointerEncoding, bases, opts)
	if err != nil {
		return Frame{}, err
	}

	return Frame{PCBegin: pcBegin, PCRange: pcRange, HasLSDA: hasLSDA, LSDA: lsda, Rule: rule}, nil
}
