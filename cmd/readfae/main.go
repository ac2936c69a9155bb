// Command readfae decodes and prints a faegen or faemap output object's
// frame table, and optionally serves it over the diagnostic HTTP API in
// internal/httpapi with -serve.
//
// Usage:
//
//	readfae <in.o>
//	readfae -serve :8080 <in.o>
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DolphinGui/faeutil/elfobj"
	"github.com/DolphinGui/faeutil/fae"
	"github.com/DolphinGui/faeutil/internal/httpapi"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("readfae failed", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("readfae", flag.ContinueOnError)
	serveAddr := fs.String("serve", "", "serve the decoded table over HTTP at this address instead of exiting (e.g. :8080)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: readfae [-serve addr] <in.o>")
	}
	path := fs.Arg(0)

	frames, err := decode(path)
	if err != nil {
		return fmt.Errorf("readfae: %s: %w", path, err)
	}

	printFrames(os.Stdout, path, frames)

	if *serveAddr == "" {
		return nil
	}
	return serve(*serveAddr, path, frames)
}

// decode reads in.o and returns its frame table, preferring the merged
// .fae_table form (faemap output) and falling back to the per-object
// .fae_info form (faegen output). When .fae_entries is present each
// frame also gets its decoded pop/skip instruction stream.
func decode(path string) ([]httpapi.Frame, error) {
	obj, err := elfobj.Open(path)
	if err != nil {
		return nil, err
	}

	var program []byte
	if sec, ok := obj.Sections[".fae_entries"]; ok {
		program = sec.Data
	}

	if sec, ok := obj.Sections[".fae_table"]; ok {
		entries, err := fae.DecodeTable(sec.Data)
		if err != nil {
			return nil, err
		}
		frames := make([]httpapi.Frame, len(entries))
		for i, e := range entries {
			frames[i] = httpapi.Frame{
				Index:           i,
				PCBegin:         uint32(e.PCBegin),
				PCEnd:           uint32(e.PCEnd),
				CFARegister:     uint32(e.FrameReg),
				LSDAOffset:      uint32(e.LSDA),
				InstructionsOff: uint32(e.Data),
				HasInstructions: e.Length > 0,
			}
			if e.Length > 0 {
				frames[i].Instructions = decodeOps(program, uint32(e.Data), uint32(e.Length))
			}
		}
		return frames, nil
	}

	sec, ok := obj.Sections[".fae_info"]
	if !ok {
		return nil, fmt.Errorf("no .fae_table or .fae_info section (not a faeutil output object)")
	}
	entries, err := fae.DecodeInfoSection(sec.Data)
	if err != nil {
		return nil, err
	}
	frames := make([]httpapi.Frame, len(entries))
	for i, e := range entries {
		frames[i] = httpapi.Frame{
			Index:           i,
			PCBegin:         e.Begin,
			PCEnd:           e.Begin + e.Range,
			CFARegister:     e.CFAReg,
			LSDAOffset:      e.LSDAOffset,
			InstructionsOff: e.Offset,
			HasInstructions: e.Offset != fae.NoInstructions,
		}
		if e.Offset != fae.NoInstructions {
			frames[i].Instructions = decodeOps(program, e.Offset, e.Length)
		}
	}
	return frames, nil
}

// decodeOps slices one frame's bytes out of the .fae_entries blob and
// decodes them. A frame whose bounds fall outside the blob, or whose
// bytes don't decode, just gets no instruction list rather than failing
// the whole dump.
func decodeOps(program []byte, offset, length uint32) []fae.ProgramOp {
	end := uint64(offset) + uint64(length)
	if program == nil || end > uint64(len(program)) {
		return nil
	}
	ops, err := fae.DecodeProgram(program[offset:end])
	if err != nil {
		slog.Warn("undecodable frame instructions", "offset", offset, "err", err)
		return nil
	}
	return ops
}

func printFrames(w *os.File, source string, frames []httpapi.Frame) {
	fmt.Fprintf(w, "%s: %d frame(s)\n", source, len(frames))
	for _, f := range frames {
		instr := "-"
		if f.HasInstructions {
			instr = fmt.Sprintf("%#x", f.InstructionsOff)
		}
		fmt.Fprintf(w, "  [%4d] pc %#06x-%#06x  cfa_reg=%-2d  lsda=%#06x  instr=%s\n",
			f.Index, f.PCBegin, f.PCEnd, f.CFARegister, f.LSDAOffset, instr)
	}
}

func serve(addr, source string, frames []httpapi.Frame) error {
	router := httpapi.NewRouter(httpapi.NewServer(source, frames))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("readfae HTTP API listening", "addr", addr, "source", source)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "err", err)
	}
	return nil
}
