package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProbeHeadPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "500")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.Header().Set("Content-Type", "application/pdf; charset=binary")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	info, err := Probe(context.Background(), srv.Client(), srv.URL+"/file", nil)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.Size != 500 {
		t.Errorf("Size = %d, want 500", info.Size)
	}
	if !info.SupportsRanges {
		t.Error("SupportsRanges = false, want true")
	}
	if info.Filename != "report.pdf" {
		t.Errorf("Filename = %q, want report.pdf", info.Filename)
	}
	if info.ContentType != "application/pdf" {
		t.Errorf("ContentType = %q, want application/pdf", info.ContentType)
	}
}

func TestProbeFallsBackToRangeGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Range", "bytes 0-0/2048")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0})
	}))
	defer srv.Close()

	info, err := Probe(context.Background(), srv.Client(), srv.URL+"/a/b%20c.bin", nil)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.Size != 2048 {
		t.Errorf("Size = %d, want 2048", info.Size)
	}
	if !info.SupportsRanges {
		t.Error("SupportsRanges = false, want true after 206")
	}
	if info.Filename != "b c.bin" {
		t.Errorf("Filename = %q, want %q", info.Filename, "b c.bin")
	}
}

func TestProbeUnknownSizeFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	info, err := Probe(context.Background(), srv.Client(), srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.SizeKnown() {
		t.Errorf("Size = %d, want unknown", info.Size)
	}
	if info.Filename == "" {
		t.Error("Filename should fall back to a deterministic name, got empty")
	}
}

func TestInvalidURL(t *testing.T) {
	if _, err := Probe(context.Background(), http.DefaultClient, "not-a-url", nil); err == nil {
		t.Fatal("expected error for invalid URL")
	}
	if _, err := Probe(context.Background(), http.DefaultClient, "ftp://example.com/f", nil); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
