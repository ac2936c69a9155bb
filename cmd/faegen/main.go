// Command faegen reads an AVR relocatable object's .eh_frame section and
// writes a sibling <input>.fae.o carrying the compiled FAE frame tables.
//
// Usage:
//
//	faegen [-config faeutil.yaml] <input.o>
package main

import (
	"debug/elf"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/DolphinGui/faeutil/cfi"
	"github.com/DolphinGui/faeutil/cursor"
	"github.com/DolphinGui/faeutil/dwarfptr"
	"github.com/DolphinGui/faeutil/elfobj"
	"github.com/DolphinGui/faeutil/fae"
	"github.com/DolphinGui/faeutil/internal/config"
	"github.com/DolphinGui/faeutil/reloc"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("faegen failed", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("faegen", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to faeutil.yaml (optional)")
	logLevel := fs.String("log-level", "info", "log level: debug | info | warn | error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: faegen [-config path] <input.o>")
	}
	inputPath := fs.Arg(0)

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	obj, err := elfobj.Open(inputPath)
	if err != nil {
		return err
	}
	if obj.Machine != elf.Machine(elfobj.EM_AVR) {
		slog.Warn("input object's e_machine is not EM_AVR", "path", inputPath, "machine", obj.Machine)
	}

	tracker, err := buildTracker(obj)
	if err != nil {
		return err
	}

	reader := cursor.NewReader(".eh_frame", obj.EhFrame)
	frames, frameErrs := cfi.Walk(reader, dwarfptr.Bases{}, cfi.DefaultOptions)
	for _, fe := range frameErrs {
		slog.Warn("skipping malformed CFI record", "offset", fe.Offset, "err", fe.Err)
	}
	if len(frames) == 0 {
		return fmt.Errorf("faegen: %s: no usable CFI frames in .eh_frame", inputPath)
	}

	entrySymbols, lsdaSymbols, textSections := resolveSymbols(obj, tracker, frames)

	program, entries, err := fae.Encode(frames, cfg.ReturnAddressSize)
	if err != nil {
		return fmt.Errorf("faegen: %s: %w", inputPath, err)
	}

	w, err := fae.Emit(fae.EmitInput{
		Source:              obj,
		Basename:            basename(inputPath),
		Program:             program,
		Entries:             entries,
		TextSections:        textSections,
		EntrySymbols:        entrySymbols,
		LSDASymbols:         lsdaSymbols,
		SuppressRelocations: !cfg.EmitRelocations,
	})
	if err != nil {
		return fmt.Errorf("faegen: %s: %w", inputPath, err)
	}

	outPath := fae.OutputPath(inputPath)
	if err := w.Flush(outPath); err != nil {
		return fmt.Errorf("faegen: write %s: %w", outPath, err)
	}
	slog.Info("wrote frame object", "input", inputPath, "output", outPath, "frames", len(frames))
	return nil
}

// buildTracker decodes .rela.eh_frame (if present; a statically-linked or
// already-resolved input may have none) into a reloc.Tracker.
func buildTracker(obj *elfobj.Object) (*reloc.Tracker, error) {
	raw, err := obj.Relocations("eh_frame")
	if err != nil {
		return nil, fmt.Errorf("faegen: %s: %w", obj.Path, err)
	}
	records := make([]reloc.Record, 0, len(raw))
	for _, r := range raw {
		records = append(records, reloc.Record{
			Offset:    r.Offset,
			SymbolIdx: reloc.RSym(r.Info),
			Kind:      reloc.RType(r.Info),
			Addend:    r.Addend,
		})
	}
	return reloc.NewTracker(records), nil
}

// resolveSymbols recovers, per frame, the .text.<function> section its
// pc_begin relocation targeted and (when the frame carries an LSDA
// pointer) the section its LSDA relocation targeted — each empty if the
// corresponding field was an absolute constant with no relocation at that
// offset — plus the sorted set of distinct section names referenced by
// either, for fae.EmitInput.TextSections. Both resolutions go through
// sectionForOffset exactly the same way: a pc_begin/LSDA relocation's
// symbol is rediscovered via reloc.Tracker against the original
// .rela.eh_frame, then resolved back to a section name via Shndx.
func resolveSymbols(obj *elfobj.Object, tracker *reloc.Tracker, frames []cfi.Frame) ([]string, []string, []string) {
	entrySymbols := make([]string, len(frames))
	lsdaSymbols := make([]string, len(frames))
	seen := make(map[string]bool)
	for i, f := range frames {
		name := sectionForOffset(obj, tracker, f.PCBegin.Offset)
		entrySymbols[i] = name
		if name != "" {
			seen[name] = true
		}
		if f.HasLSDA {
			lsdaName := sectionForOffset(obj, tracker, f.LSDA.Offset)
			lsdaSymbols[i] = lsdaName
			if lsdaName != "" {
				seen[lsdaName] = true
			}
		}
	}
	textSections := make([]string, 0, len(seen))
	for name := range seen {
		textSections = append(textSections, name)
	}
	sort.Strings(textSections)
	return entrySymbols, lsdaSymbols, textSections
}

// sectionForOffset looks up the relocation recorded at offset and resolves
// its symbol back to a section name via Shndx, since an STT_SECTION
// relocation (the common case for a pc_begin pointing at a local static
// function) carries an empty symbol Name.
func sectionForOffset(obj *elfobj.Object, tracker *reloc.Tracker, offset int) string {
	rec, ok := tracker.Lookup(offset)
	if !ok || rec.SymbolIdx == 0 {
		return ""
	}
	idx := int(rec.SymbolIdx) - 1 // ELF symtab index 0 (STN_UNDEF) isn't in obj.Symbols
	if idx < 0 || idx >= len(obj.Symbols) {
		return ""
	}
	return obj.SectionByIndex[obj.Symbols[idx].Shndx]
}

func basename(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
