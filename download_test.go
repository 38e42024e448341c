package turbodl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeCaps is a fixed-answer stand-in for capability.OSCapabilities so
// these tests never touch statfs or /proc/meminfo.
type fakeCaps struct {
	ramBacked bool
	freeBytes uint64
	totalMem  uint64
}

func (f fakeCaps) IsRAMBacked(string) bool           { return f.ramBacked }
func (f fakeCaps) FreeBytes(string) (uint64, error)  { return f.freeBytes, nil }
func (f fakeCaps) TotalMemoryBytes() (uint64, error) { return f.totalMem, nil }

func defaultFakeCaps() fakeCaps {
	return fakeCaps{ramBacked: false, freeBytes: 100 * (1 << 30), totalMem: 8 * (1 << 30)}
}

// rangeServer serves body out of memory, honoring Range headers and
// reporting Accept-Ranges/Content-Length like a real static file host.
func rangeServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		start, end := mustParseRange(t, rangeHeader, len(body))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method != http.MethodHead {
			w.Write(body[start : end+1])
		}
	}))
}

func mustParseRange(t *testing.T, header string, size int) (int, int) {
	t.Helper()
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(header, "-", 2)
	start, err := strconv.Atoi(parts[0])
	if err != nil {
		t.Fatalf("bad range header %q: %v", header, err)
	}
	end := size - 1
	if len(parts) == 2 && parts[1] != "" {
		end, err = strconv.Atoi(parts[1])
		if err != nil {
			t.Fatalf("bad range header %q: %v", header, err)
		}
	}
	return start, end
}

// unknownSizeServer serves body in full on every request, never advertising
// Content-Length or Accept-Ranges, mimicking a server (or a probe that only
// gets an HTTP/1.0-style streamed response) that leaves the total size
// unknown.
func unknownSizeServer(body []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			w.Write(body)
		}
	}))
}

func sha256HexOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TestDownloadEndToEndSmallFile exercises the full Probe -> Plan -> Fetch
// -> Finalize sequence for a file small enough to use a single worker.
func TestDownloadEndToEndSmallFile(t *testing.T) {
	body := []byte("the quick brown fox jumps over the lazy dog")
	srv := rangeServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	opts := DefaultOptions()
	opts.ShowProgress = false
	finalPath, err := download(context.Background(), srv.URL, dest, opts, defaultFakeCaps())
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if finalPath != dest {
		t.Fatalf("finalPath = %q, want %q", finalPath, dest)
	}
	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("content mismatch: got %d bytes, want %d", len(got), len(body))
	}
}

// TestDownloadEndToEndMultiWorker forces a larger, range-supporting payload
// through multiple concurrent workers and checks the reassembled bytes are
// byte-for-byte correct (property: chunk partition covers the file exactly
// once, with no gaps or overlaps surviving into the final file).
func TestDownloadEndToEndMultiWorker(t *testing.T) {
	body := make([]byte, 5*1024*1024+37)
	for i := range body {
		body[i] = byte(i % 251)
	}
	srv := rangeServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "big.bin")

	opts := DefaultOptions()
	opts.ShowProgress = false
	opts.MaxConnections = "4"
	finalPath, err := download(context.Background(), srv.URL, dest, opts, defaultFakeCaps())
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != len(body) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(body))
	}
	if sha256HexOf(got) != sha256HexOf(body) {
		t.Fatal("reassembled content does not match source")
	}
}

// TestDownloadEndToEndRAMBuffer forces the buffered path (worker.BufferSink
// + writer.Drain) rather than direct positional writes, covering the other
// half of the sink selection in runTransfer.
func TestDownloadEndToEndRAMBuffer(t *testing.T) {
	body := make([]byte, 2*1024*1024+11)
	for i := range body {
		body[i] = byte(i % 199)
	}
	srv := rangeServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "ram.bin")

	opts := DefaultOptions()
	opts.ShowProgress = false
	opts.MaxConnections = "3"
	opts.UseRAMBuffer = RAMBufferOn
	finalPath, err := download(context.Background(), srv.URL, dest, opts, defaultFakeCaps())
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if sha256HexOf(got) != sha256HexOf(body) {
		t.Fatal("reassembled content does not match source")
	}
}

// TestDownloadEndToEndUnknownSize exercises the path where the probe finds
// neither Content-Length nor Content-Range: the plan must still fetch and
// write the whole body by streaming to EOF, rather than short-circuiting to
// a zero-byte "done" chunk (property 1: completeness even without a known
// total).
func TestDownloadEndToEndUnknownSize(t *testing.T) {
	body := make([]byte, 300*1024+7)
	for i := range body {
		body[i] = byte(i % 233)
	}
	srv := unknownSizeServer(body)
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "unknown.bin")

	opts := DefaultOptions()
	opts.ShowProgress = false
	finalPath, err := download(context.Background(), srv.URL, dest, opts, defaultFakeCaps())
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != len(body) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(body))
	}
	if sha256HexOf(got) != sha256HexOf(body) {
		t.Fatal("downloaded content does not match source for an unknown-size response")
	}
}

// TestDownloadHashMismatchLeavesNoFinalFile covers the caller-facing side
// of property 7: a wrong expected_hash must surface KindHashMismatch and
// leave no file at the destination.
func TestDownloadHashMismatchLeavesNoFinalFile(t *testing.T) {
	body := []byte("payload contents")
	srv := rangeServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "verified.bin")

	opts := DefaultOptions()
	opts.ShowProgress = false
	opts.ExpectedHash = sha256HexOf([]byte("not the payload"))
	opts.HashType = "sha256"

	_, err := download(context.Background(), srv.URL, dest, opts, defaultFakeCaps())
	if err == nil {
		t.Fatal("expected an error on hash mismatch")
	}
	var de *DownloadError
	if !asDownloadError(err, &de) {
		t.Fatalf("error is not a *DownloadError: %v", err)
	}
	if de.Kind != KindHashMismatch {
		t.Fatalf("Kind = %v, want KindHashMismatch", de.Kind)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatal("destination must not exist after a hash mismatch")
	}
}

// TestDownloadInvalidURLClassification checks that a malformed URL never
// reaches the network layer and is classified as KindInvalidURL.
func TestDownloadInvalidURLClassification(t *testing.T) {
	dir := t.TempDir()
	_, err := download(context.Background(), "not-a-url", filepath.Join(dir, "out.bin"), DefaultOptions(), defaultFakeCaps())
	if err == nil {
		t.Fatal("expected an error for an invalid URL")
	}
	var de *DownloadError
	if !asDownloadError(err, &de) {
		t.Fatalf("error is not a *DownloadError: %v", err)
	}
	if de.Kind != KindInvalidURL {
		t.Fatalf("Kind = %v, want KindInvalidURL", de.Kind)
	}
}

// TestDownloadRemoteErrorClassification checks that a persistent 404
// surfaces as KindRemoteError with the status attached, not a generic
// network failure.
func TestDownloadRemoteErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	_, err := download(context.Background(), srv.URL, filepath.Join(dir, "out.bin"), DefaultOptions(), defaultFakeCaps())
	if err == nil {
		t.Fatal("expected an error for a 404 probe response")
	}
	var de *DownloadError
	if !asDownloadError(err, &de) {
		t.Fatalf("error is not a *DownloadError: %v", err)
	}
	if de.Kind != KindRemoteError || de.Status != http.StatusNotFound {
		t.Fatalf("got Kind=%v Status=%d, want KindRemoteError/404", de.Kind, de.Status)
	}
}

// TestDownloadReportsProgress checks that at least one ProgressEvent
// reaches a caller-supplied sink during a real transfer.
func TestDownloadReportsProgress(t *testing.T) {
	body := make([]byte, 512*1024)
	srv := rangeServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "progress.bin")

	var mu sync.Mutex
	var phases []Phase
	opts := DefaultOptions()
	opts.ShowProgress = true
	opts.Sink = SinkFunc(func(ev ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, ev.Phase)
	})

	if _, err := download(context.Background(), srv.URL, dest, opts, defaultFakeCaps()); err != nil {
		t.Fatalf("download: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	sawProbing, sawFinalizing := false, false
	for _, p := range phases {
		if p == PhaseProbing {
			sawProbing = true
		}
		if p == PhaseFinalizing {
			sawFinalizing = true
		}
	}
	if !sawProbing || !sawFinalizing {
		t.Fatalf("phases = %v, want at least Probing and Finalizing", phases)
	}
}
