package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DolphinGui/faeutil/fae"
)

func newTestServer(frames []Frame) http.Handler {
	return NewRouter(NewServer("leaf.fae.o", frames))
}

func TestHandleHealthzReturns200(t *testing.T) {
	h := newTestServer([]Frame{{Index: 0, PCBegin: 0x100, PCEnd: 0x110}})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["source"] != "leaf.fae.o" {
		t.Errorf("source = %v, want leaf.fae.o", body["source"])
	}
}

func TestHandleListFramesReturnsArray(t *testing.T) {
	h := newTestServer([]Frame{
		{Index: 0, PCBegin: 0x100, PCEnd: 0x110, CFARegister: 28},
		{Index: 1, PCBegin: 0x200, PCEnd: 0x210, CFARegister: 32, HasInstructions: true, InstructionsOff: 4},
	})
	req := httptest.NewRequest(http.MethodGet, "/frames", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var frames []Frame
	if err := json.NewDecoder(rec.Body).Decode(&frames); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[1].PCBegin != 0x200 {
		t.Errorf("frames[1].PCBegin = %#x, want 0x200", frames[1].PCBegin)
	}
}

func TestHandleListFramesEmptyReturnsEmptyArray(t *testing.T) {
	h := newTestServer(nil)
	req := httptest.NewRequest(http.MethodGet, "/frames", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var frames []Frame
	if err := json.NewDecoder(rec.Body).Decode(&frames); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if frames == nil {
		t.Fatal("expected [], got null")
	}
	if len(frames) != 0 {
		t.Errorf("expected empty array, got %v", frames)
	}
}

func TestHandleListFramesOmitsInstructions(t *testing.T) {
	h := newTestServer([]Frame{
		{Index: 0, PCBegin: 0x100, PCEnd: 0x110, HasInstructions: true,
			Instructions: []fae.ProgramOp{{Op: "pop", Reg: 28}}},
	})
	req := httptest.NewRequest(http.MethodGet, "/frames", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	var frames []Frame
	if err := json.NewDecoder(rec.Body).Decode(&frames); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(frames[0].Instructions) != 0 {
		t.Errorf("list endpoint leaked instruction stream: %+v", frames[0].Instructions)
	}
}

func TestHandleGetFrameIncludesInstructions(t *testing.T) {
	h := newTestServer([]Frame{
		{Index: 0, PCBegin: 0x100, PCEnd: 0x110, HasInstructions: true,
			Instructions: []fae.ProgramOp{{Op: "pop", Reg: 28}, {Op: "skip", Bytes: 2}}},
	})
	req := httptest.NewRequest(http.MethodGet, "/frames/0", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	var frame Frame
	if err := json.NewDecoder(rec.Body).Decode(&frame); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(frame.Instructions) != 2 || frame.Instructions[0].Op != "pop" {
		t.Errorf("instructions = %+v, want [pop r28, skip 2]", frame.Instructions)
	}
}

func TestHandleGetFrameReturnsEntry(t *testing.T) {
	h := newTestServer([]Frame{
		{Index: 0, PCBegin: 0x100, PCEnd: 0x110},
		{Index: 1, PCBegin: 0x200, PCEnd: 0x210, LSDAOffset: 0x40},
	})
	req := httptest.NewRequest(http.MethodGet, "/frames/1", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var frame Frame
	if err := json.NewDecoder(rec.Body).Decode(&frame); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if frame.LSDAOffset != 0x40 {
		t.Errorf("frame.LSDAOffset = %#x, want 0x40", frame.LSDAOffset)
	}
}

func TestHandleGetFrameOutOfRangeReturns404(t *testing.T) {
	h := newTestServer([]Frame{{Index: 0, PCBegin: 0x100, PCEnd: 0x110}})
	req := httptest.NewRequest(http.MethodGet, "/frames/5", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGetFrameNonNumericReturns404(t *testing.T) {
	h := newTestServer([]Frame{{Index: 0, PCBegin: 0x100, PCEnd: 0x110}})
	req := httptest.NewRequest(http.MethodGet, "/frames/abc", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
