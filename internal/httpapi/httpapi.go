// Package httpapi is readfae's diagnostic HTTP API: a read-only view over
// one decoded FAE frame table, for a developer to poke at without
// re-running readfae's text dump. No authentication; this is a localhost
// developer tool analogous to net/http/pprof's default exposure.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/DolphinGui/faeutil/fae"
)

// Frame is one decoded FAE entry, flattened from either the per-object
// .fae_info form (InfoEntry) or the merged .fae_table form (TableEntry)
// into a single JSON-friendly shape. Instructions is only populated on
// the single-frame endpoint; the list endpoint omits it.
type Frame struct {
	Index           int             `json:"index"`
	PCBegin         uint32          `json:"pc_begin"`
	PCEnd           uint32          `json:"pc_end"`
	CFARegister     uint32          `json:"cfa_register"`
	LSDAOffset      uint32          `json:"lsda_offset,omitempty"`
	InstructionsOff uint32          `json:"instructions_offset"`
	HasInstructions bool            `json:"has_instructions"`
	Instructions    []fae.ProgramOp `json:"instructions,omitempty"`
}

// Server holds the decoded frame table the API serves. It is immutable
// for the server's lifetime: readfae decodes once at startup and serves
// that snapshot.
type Server struct {
	source string
	frames []Frame
}

// NewServer wraps an already-decoded frame table. source names the input
// object path, reported by /healthz for operator sanity-checking.
func NewServer(source string, frames []Frame) *Server {
	return &Server{source: source, frames: frames}
}

// NewRouter builds the chi.Router exposing GET /healthz, GET /frames, and
// GET /frames/{index}.
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Get("/frames", srv.handleListFrames)
	r.Get("/frames/{index}", srv.handleGetFrame)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealthz responds to GET /healthz with the source object path and
// frame count, so a caller can confirm which object is currently loaded.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"source": s.source,
		"frames": len(s.frames),
	})
}

// handleListFrames responds to GET /frames with the full decoded table,
// without each frame's instruction stream.
func (s *Server) handleListFrames(w http.ResponseWriter, r *http.Request) {
	frames := make([]Frame, len(s.frames))
	for i, f := range s.frames {
		f.Instructions = nil
		frames[i] = f
	}
	writeJSON(w, http.StatusOK, frames)
}

// handleGetFrame responds to GET /frames/{index} with a single entry, or
// 404 if index is out of range.
func (s *Server) handleGetFrame(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || idx < 0 || idx >= len(s.frames) {
		writeError(w, http.StatusNotFound, "no frame at that index")
		return
	}
	writeJSON(w, http.StatusOK, s.frames[idx])
}
