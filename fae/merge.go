package fae

import (
	"sort"

	"github.com/DolphinGui/faeutil/cursor"
)

// ObjectTable is one input object's already-decoded FAE data, as read
// back by DecodeInfoSection plus the raw .fae_entries bytes: the unit
// Merge combines across translation units.
type ObjectTable struct {
	// Symbol names the per-translation-unit frames object
	// (<basename>_fae_frames) this object's instruction bytes are
	// relocated against once merged.
	Symbol       string
	Entries      []InfoEntry
	Instructions []byte
}

// MergedEntry pairs a global TableEntry with the object symbol its
// pc_begin still needs to be relocated against with R_AVR_16; attaching
// the actual ELF relocation record is the caller's job once it knows the
// output object's symbol table layout.
type MergedEntry struct {
	Entry       TableEntry
	BeginSymbol string
}

// noData is TableEntry.Data's sentinel for "this entry has no
// instructions" (a leaf function) — the 16-bit analogue of
// InfoEntry.Offset's NoInstructions, since Data is only 16 bits wide.
const noData = 0xFFFF

// Merge combines N objects' decoded tables into one PC-sorted global
// table: computing cumulative instruction-byte offsets so each object's
// local Offset becomes a position in the single combined instruction
// stream, then sorting entries by pc_begin.
func Merge(objects []ObjectTable) ([]byte, []MergedEntry, error) {
	var allInstructions []byte
	var merged []MergedEntry

	for _, obj := range objects {
		base := uint32(len(allInstructions))
		allInstructions = append(allInstructions, obj.Instructions...)

		for _, e := range obj.Entries {
			if e.Range > 0xFFFF {
				return nil, nil, &Error{Kind: KindRangeOverflow, Value: uint64(e.Range)}
			}

			var data uint32
			if e.Offset == NoInstructions {
				data = noData
			} else {
				data = base + e.Offset
				if data > 0xFFFF {
					return nil, nil, &Error{Kind: KindRangeOverflow, Value: uint64(data)}
				}
			}

			pcBegin := uint16(e.Begin)
			pcEnd := pcBegin + uint16(e.Range)

			merged = append(merged, MergedEntry{
				Entry: TableEntry{
					PCBegin:  pcBegin,
					PCEnd:    pcEnd,
					Data:     uint16(data),
					FrameReg: uint8(e.CFAReg),
					Length:   uint8(e.Length),
					LSDA:     uint16(e.LSDAOffset),
				},
				BeginSymbol: obj.Symbol,
			})
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Entry.PCBegin < merged[j].Entry.PCBegin
	})

	return allInstructions, merged, nil
}

// EncodeObjectTable serialises an ObjectTable into the opaque blob faemap's
// Cache stores, so a later run can skip re-opening and re-decoding an
// unchanged input object entirely.
func EncodeObjectTable(t ObjectTable) []byte {
	w := cursor.NewWriter()
	w.WriteU16(uint16(len(t.Symbol)))
	w.WriteBytes([]byte(t.Symbol))
	info := EncodeInfoSection(t.Entries)
	w.WriteU32(uint32(len(info)))
	w.WriteBytes(info)
	w.WriteU32(uint32(len(t.Instructions)))
	w.WriteBytes(t.Instructions)
	return w.Bytes()
}

// DecodeObjectTable is the inverse of EncodeObjectTable.
func DecodeObjectTable(blob []byte) (ObjectTable, error) {
	r := cursor.NewReader("fae-cache-blob", blob)
	symLen, err := r.U16()
	if err != nil {
		return ObjectTable{}, err
	}
	symBytes, err := r.Bytes(int(symLen))
	if err != nil {
		return ObjectTable{}, err
	}
	infoLen, err := r.U32()
	if err != nil {
		return ObjectTable{}, err
	}
	infoBytes, err := r.Bytes(int(infoLen))
	if err != nil {
		return ObjectTable{}, err
	}
	entries, err := DecodeInfoSection(infoBytes)
	if err != nil {
		return ObjectTable{}, err
	}
	instrLen, err := r.U32()
	if err != nil {
		return ObjectTable{}, err
	}
	instr, err := r.Bytes(int(instrLen))
	if err != nil {
		return ObjectTable{}, err
	}
	return ObjectTable{
		Symbol:       string(symBytes),
		Entries:      entries,
		Instructions: append([]byte(nil), instr...),
	}, nil
}
