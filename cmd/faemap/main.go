// Command faemap merges the per-translation-unit FAE frame tables from
// one or more already-faegen'd objects into a single PC-sorted
// __faemap.o, optionally backed by an incremental sqlite cache so an
// unchanged input object is never re-opened.
//
// Usage:
//
//	faemap [-config faeutil.yaml] [-o __faemap.o] <in1.o> [in2.o ...]
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/DolphinGui/faeutil/elfobj"
	"github.com/DolphinGui/faeutil/fae"
	"github.com/DolphinGui/faeutil/internal/config"
	"github.com/DolphinGui/faeutil/reloc"
)

const (
	stbGlobal = 1
	sttObject = 1
	sttNotype = 0
)

func symInfo(bind, typ byte) byte { return bind<<4 | typ }

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("faemap failed", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("faemap", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to faeutil.yaml (optional)")
	outPath := fs.String("o", "__faemap.o", "merged output object path")
	noCache := fs.Bool("no-cache", false, "ignore the configured merge cache and re-parse every input")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: faemap [-config path] [-o out.o] <in1.o> [in2.o ...]")
	}
	inputs := fs.Args()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	var cache *fae.Cache
	if cfg.MergeCache != "" && !*noCache {
		cache, err = fae.OpenCache(cfg.MergeCache)
		if err != nil {
			return err
		}
		defer cache.Close()
	}

	tables := make([]fae.ObjectTable, 0, len(inputs))
	for _, path := range inputs {
		table, err := loadObjectTable(path, cache)
		if err != nil {
			return fmt.Errorf("faemap: %s: %w", path, err)
		}
		tables = append(tables, table)
	}

	instructions, merged, err := fae.Merge(tables)
	if err != nil {
		return fmt.Errorf("faemap: merge: %w", err)
	}

	w, err := buildMergedObject(instructions, merged)
	if err != nil {
		return fmt.Errorf("faemap: %w", err)
	}
	if err := w.Flush(*outPath); err != nil {
		return fmt.Errorf("faemap: write %s: %w", *outPath, err)
	}
	slog.Info("wrote merged frame table", "output", *outPath, "objects", len(tables), "entries", len(merged))
	return nil
}

// loadObjectTable reads path's .fae_entries/.fae_info sections into an
// fae.ObjectTable, consulting cache first when one is configured: a
// (path, mtime, size) hit skips opening the ELF object entirely.
func loadObjectTable(path string, cache *fae.Cache) (fae.ObjectTable, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return fae.ObjectTable{}, err
	}
	mtime := fi.ModTime().Unix()
	size := fi.Size()

	if cache != nil {
		if blob, ok, err := cache.Lookup(path, mtime, size); err != nil {
			return fae.ObjectTable{}, err
		} else if ok {
			return fae.DecodeObjectTable(blob)
		}
	}

	obj, err := elfobj.Open(path)
	if err != nil {
		return fae.ObjectTable{}, err
	}
	infoSec, ok := obj.Sections[".fae_info"]
	if !ok {
		return fae.ObjectTable{}, fmt.Errorf("no .fae_info section (not a faegen output object)")
	}
	entries, err := fae.DecodeInfoSection(infoSec.Data)
	if err != nil {
		return fae.ObjectTable{}, err
	}
	var instructions []byte
	if entriesSec, ok := obj.Sections[".fae_entries"]; ok {
		instructions = entriesSec.Data
	}

	table := fae.ObjectTable{
		Symbol:       symbolName(path),
		Entries:      entries,
		Instructions: instructions,
	}

	if cache != nil {
		if err := cache.Store(path, mtime, size, fae.EncodeObjectTable(table)); err != nil {
			return fae.ObjectTable{}, err
		}
	}
	return table, nil
}

// symbolName follows faegen's <basename>_fae_frames naming convention
// (fae.Emit), stripping both the path and its .fae.o/.o suffix.
func symbolName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.TrimSuffix(base, ".fae")
	return base + "_fae_frames"
}

// buildMergedObject writes __faemap.o's .fae_entries (concatenated
// instruction bytes) and .fae_table (the PC-sorted TableEntry array)
// sections, with one R_AVR_16 relocation per entry binding its pc_begin
// field to the UNDEF symbol naming the per-translation-unit object that
// still defines it, and one R_AVR_DIFF16 at its data field relative to
// the __fae_table_start symbol, both left for the final link step to
// resolve.
func buildMergedObject(instructions []byte, merged []fae.MergedEntry) (*elfobj.Writer, error) {
	entries := make([]fae.TableEntry, len(merged))
	beginSymbols := make(map[string]bool)
	for i, m := range merged {
		entries[i] = m.Entry
		if m.BeginSymbol != "" {
			beginSymbols[m.BeginSymbol] = true
		}
	}
	tableBytes := fae.EncodeTable(entries)

	names := []string{"__faemap_table", "__fae_table_start", ".fae_entries", ".fae_table", ".rela.fae_table"}
	sortedSymbols := make([]string, 0, len(beginSymbols))
	for name := range beginSymbols {
		sortedSymbols = append(sortedSymbols, name)
	}
	sort.Strings(sortedSymbols)
	names = append(names, sortedSymbols...)

	base := &elfobj.Object{Sections: map[string]elfobj.Section{}, SectionByIndex: map[int]string{}}
	w := elfobj.NewWriter(base)
	if _, err := w.ExtendStrings(names); err != nil {
		return nil, err
	}
	if err := w.BuildSections([]elfobj.OutputSection{
		{Name: ".fae_entries", Type: 1 /* SHT_PROGBITS */, Flags: 0x2 /* SHF_ALLOC */, Align: 2, Data: instructions},
		{Name: ".fae_table", Type: fae.InfoSectionType, Flags: 0x2, Align: 4, Data: tableBytes},
	}); err != nil {
		return nil, err
	}

	tableIdx, ok := w.SectionIndex(".fae_table")
	if !ok {
		return nil, fmt.Errorf(".fae_table section missing after BuildSections")
	}
	entriesIdx, ok := w.SectionIndex(".fae_entries")
	if !ok {
		return nil, fmt.Errorf(".fae_entries section missing after BuildSections")
	}

	symbols := []elfobj.OutputSymbol{
		{Name: "__faemap_table", Info: symInfo(stbGlobal, sttObject), Shndx: uint16(tableIdx), Size: uint32(len(tableBytes))},
		{Name: "__fae_table_start", Info: symInfo(stbGlobal, sttNotype), Shndx: uint16(entriesIdx)},
	}
	for _, name := range sortedSymbols {
		symbols = append(symbols, elfobj.OutputSymbol{Name: name, Info: symInfo(stbGlobal, sttNotype), Shndx: 0})
	}
	if err := w.BuildSymbols(symbols); err != nil {
		return nil, err
	}

	symbolIndex := make(map[string]uint32, len(symbols))
	const base1 = uint32(1) // base.Symbols is empty: null symbol only precedes the new ones
	for i, s := range symbols {
		symbolIndex[s.Name] = base1 + uint32(i)
	}

	const tableHeaderSize = 10
	const tableEntrySize = 10
	var relocs []elfobj.OutputReloc
	for i, m := range merged {
		entryOff := uint32(tableHeaderSize + i*tableEntrySize)
		if m.BeginSymbol != "" {
			relocs = append(relocs, elfobj.OutputReloc{
				Section: ".fae_table",
				Offset:  entryOff, // PCBegin is the entry's first field
				Symbol:  symbolIndex[m.BeginSymbol],
				Kind:    uint32(reloc.R16),
				Addend:  int32(m.Entry.PCBegin),
			})
		}
		if m.Entry.Data != 0xFFFF {
			relocs = append(relocs, elfobj.OutputReloc{
				Section: ".fae_table",
				Offset:  entryOff + 4, // Data is the entry's third u16
				Symbol:  symbolIndex["__fae_table_start"],
				Kind:    uint32(reloc.Diff16),
				Addend:  int32(m.Entry.Data),
			})
		}
	}
	if err := w.BuildRelocations(relocs); err != nil {
		return nil, err
	}

	return w, nil
}
