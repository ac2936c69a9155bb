package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/DolphinGui/faeutil/elfobj"
	"github.com/DolphinGui/faeutil/fae"
	"github.com/DolphinGui/faeutil/internal/httpapi"
)

// writeObject builds a valid ELF32 object out of pre-existing sections via
// elfobj.Writer's copy-through path, standing in for a real faegen/faemap
// output object.
func writeObject(t *testing.T, name string, sections map[string]elfobj.Section) string {
	t.Helper()
	obj := &elfobj.Object{Path: name, Sections: sections}
	w := elfobj.NewWriter(obj)
	if _, err := w.ExtendStrings(nil); err != nil {
		t.Fatal(err)
	}
	if err := w.BuildSections(nil); err != nil {
		t.Fatal(err)
	}
	if err := w.BuildSymbols(nil); err != nil {
		t.Fatal(err)
	}
	if err := w.BuildRelocations(nil); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := w.Flush(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDecodePrefersMergedTableOverInfoSection(t *testing.T) {
	entries := []fae.TableEntry{
		{PCBegin: 0x100, PCEnd: 0x110, FrameReg: 28, Length: 2, LSDA: 0x20},
	}
	path := writeObject(t, "__faemap.o", map[string]elfobj.Section{
		".fae_table": {Name: ".fae_table", Type: fae.InfoSectionType, Data: fae.EncodeTable(entries)},
		".fae_info": {Name: ".fae_info", Type: fae.InfoSectionType, Data: fae.EncodeInfoSection([]fae.InfoEntry{
			{Offset: fae.NoInstructions, Begin: 0x900, Range: 0x10},
		})},
	})

	frames, err := decode(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].PCBegin != 0x100 {
		t.Errorf("PCBegin = %#x, want 0x100 (merged table should win over .fae_info)", frames[0].PCBegin)
	}
	if frames[0].LSDAOffset != 0x20 {
		t.Errorf("LSDAOffset = %#x, want 0x20", frames[0].LSDAOffset)
	}
	if !frames[0].HasInstructions {
		t.Error("HasInstructions = false, want true (Length > 0)")
	}
}

func TestDecodeFallsBackToInfoSection(t *testing.T) {
	path := writeObject(t, "leaf.fae.o", map[string]elfobj.Section{
		".fae_info": {Name: ".fae_info", Type: fae.InfoSectionType, Data: fae.EncodeInfoSection([]fae.InfoEntry{
			{Offset: fae.NoInstructions, Begin: 0x300, Range: 0x10, CFAReg: 32},
		})},
	})

	frames, err := decode(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].PCBegin != 0x300 || frames[0].PCEnd != 0x310 {
		t.Errorf("frame = %+v, want pc_begin=0x300 pc_end=0x310", frames[0])
	}
	if frames[0].HasInstructions {
		t.Error("HasInstructions = true, want false (leaf function)")
	}
}

func TestDecodeAttachesInstructionStream(t *testing.T) {
	program := []byte{fae.EncodePop(16), fae.EncodePop(17), fae.EncodeSkip(0), fae.EncodeSkip(0)}
	path := writeObject(t, "frame.fae.o", map[string]elfobj.Section{
		".fae_entries": {Name: ".fae_entries", Type: 1, Data: program},
		".fae_info": {Name: ".fae_info", Type: fae.InfoSectionType, Data: fae.EncodeInfoSection([]fae.InfoEntry{
			{Offset: 0, Length: 4, Begin: 0x100, Range: 0x10, CFAReg: 28},
		})},
	})

	frames, err := decode(path)
	if err != nil {
		t.Fatal(err)
	}
	ops := frames[0].Instructions
	if len(ops) != 2 {
		t.Fatalf("got %d ops, want 2 (terminator excluded): %+v", len(ops), ops)
	}
	if ops[0].Op != "pop" || ops[0].Reg != 28 || ops[1].Reg != 29 {
		t.Errorf("ops = %+v, want pop r28 then pop r29", ops)
	}
}

func TestDecodeRejectsObjectWithNeitherSection(t *testing.T) {
	path := writeObject(t, "plain.o", map[string]elfobj.Section{})
	if _, err := decode(path); err == nil {
		t.Fatal("expected error for object with no .fae_table or .fae_info")
	}
}

func TestRunRejectsMissingArgument(t *testing.T) {
	if err := run(nil); err == nil {
		t.Fatal("expected error with no input path")
	}
}

func TestRunPrintsDecodedFrames(t *testing.T) {
	path := writeObject(t, "leaf.fae.o", map[string]elfobj.Section{
		".fae_info": {Name: ".fae_info", Type: fae.InfoSectionType, Data: fae.EncodeInfoSection([]fae.InfoEntry{
			{Offset: fae.NoInstructions, Begin: 0x300, Range: 0x10, CFAReg: 32},
		})},
	})

	if err := run([]string{path}); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestPrintFramesFormatsEntries(t *testing.T) {
	var buf bytes.Buffer
	w, err := os.CreateTemp(t.TempDir(), "print-frames")
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	frames := []httpapi.Frame{
		{Index: 0, PCBegin: 0x100, PCEnd: 0x110, CFARegister: 28, HasInstructions: true, InstructionsOff: 4},
		{Index: 1, PCBegin: 0x200, PCEnd: 0x210, CFARegister: 32},
	}
	printFrames(w, "leaf.fae.o", frames)

	if _, err := w.Seek(0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := buf.ReadFrom(w); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("leaf.fae.o: 2 frame(s)")) {
		t.Errorf("missing header line, got:\n%s", out)
	}
	if !bytes.Contains([]byte(out), []byte("instr=0x4")) {
		t.Errorf("missing instructions offset for frame 0, got:\n%s", out)
	}
	if !bytes.Contains([]byte(out), []byte("instr=-")) {
		t.Errorf("missing leaf placeholder for frame 1, got:\n%s", out)
	}
}
