package fae

import (
	"github.com/DolphinGui/faeutil/cursor"
)

// InfoSectionType is the custom sh_type for .fae_info, chosen from the
// OS-application-specific range and coordinated with the runtime
// unwinder.
const InfoSectionType = 0x81100000

// headerMagic is the 8-byte magic at the start of both .fae_info and the
// merged FAE table.
var headerMagic = [8]byte{'a', 'v', 'r', 'c', '+', '+', '0', 0}

// infoEntrySize is the on-disk size of one InfoEntry: six little-endian
// uint32 fields.
const infoEntrySize = 24

// EncodeInfoSection serialises the 10-byte header (magic + length) and
// the info-entry array into .fae_info's bytes, zero-padded to the
// section's 4-byte alignment. The header's length field counts entry
// bytes only, so the decoder never reads into the pad.
func EncodeInfoSection(entries []InfoEntry) []byte {
	w := cursor.NewWriter()
	w.WriteBytes(headerMagic[:])
	w.WriteU16(uint16(len(entries) * infoEntrySize))
	for _, e := range entries {
		w.WriteU32(e.Offset)
		w.WriteU32(e.Length)
		w.WriteU32(e.Begin)
		w.WriteU32(e.Range)
		w.WriteU32(e.LSDAOffset)
		w.WriteU32(e.CFAReg)
	}
	for w.BytesWritten()%4 != 0 {
		w.WriteU8(0)
	}
	return w.Bytes()
}

// DecodeInfoSection is the inverse of EncodeInfoSection: it validates the
// magic, reads the length, and decodes length/24 fixed records.
func DecodeInfoSection(data []byte) ([]InfoEntry, error) {
	r := cursor.NewReader(".fae_info", data)
	magic, err := r.Bytes(8)
	if err != nil {
		return nil, err
	}
	for i, b := range headerMagic {
		if magic[i] != b {
			return nil, &Error{Kind: KindBadMagic, Detail: string(magic)}
		}
	}
	length, err := r.U16()
	if err != nil {
		return nil, err
	}
	count := int(length) / infoEntrySize
	entries := make([]InfoEntry, 0, count)
	for i := 0; i < count; i++ {
		var e InfoEntry
		if e.Offset, err = r.U32(); err != nil {
			return nil, err
		}
		if e.Length, err = r.U32(); err != nil {
			return nil, err
		}
		if e.Begin, err = r.U32(); err != nil {
			return nil, err
		}
		if e.Range, err = r.U32(); err != nil {
			return nil, err
		}
		if e.LSDAOffset, err = r.U32(); err != nil {
			return nil, err
		}
		if e.CFAReg, err = r.U32(); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// TableEntry is one 10-byte record of the linker-merged global FAE table,
// 16-bit PC fields since the AVR program counter is 16 bits.
type TableEntry struct {
	PCBegin  uint16
	PCEnd    uint16
	Data     uint16
	FrameReg uint8
	Length   uint8
	LSDA     uint16
}

const tableEntrySize = 10

// EncodeTable serialises the header plus sorted table entries.
func EncodeTable(entries []TableEntry) []byte {
	w := cursor.NewWriter()
	w.WriteBytes(headerMagic[:])
	w.WriteU16(uint16(len(entries) * tableEntrySize))
	for _, e := range entries {
		w.WriteU16(e.PCBegin)
		w.WriteU16(e.PCEnd)
		w.WriteU16(e.Data)
		w.WriteU8(e.FrameReg)
		w.WriteU8(e.Length)
		w.WriteU16(e.LSDA)
	}
	return w.Bytes()
}

// DecodeTable is the inverse of EncodeTable.
func DecodeTable(data []byte) ([]TableEntry, error) {
	r := cursor.NewReader(".fae_table", data)
	magic, err := r.Bytes(8)
	if err != nil {
		return nil, err
	}
	for i, b := range headerMagic {
		if magic[i] != b {
			return nil, &Error{Kind: KindBadMagic, Detail: string(magic)}
		}
	}
	length, err := r.U16()
	if err != nil {
		return nil, err
	}
	count := int(length) / tableEntrySize
	entries := make([]TableEntry, 0, count)
	for i := 0; i < count; i++ {
		var e TableEntry
		if e.PCBegin, err = r.U16(); err != nil {
			return nil, err
		}
		if e.PCEnd, err = r.U16(); err != nil {
			return nil, err
		}
		if e.Data, err = r.U16(); err != nil {
			return nil, err
		}
		b0, err := r.U8()
		if err != nil {
			return nil, err
		}
		e.FrameReg = b0
		b1, err := r.U8()
		if err != nil {
			return nil, err
		}
		e.Length = b1
		if e.LSDA, err = r.U16(); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
