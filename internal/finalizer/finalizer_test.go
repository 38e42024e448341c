package finalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestCheckDiskSpaceRejectsBelowMargin(t *testing.T) {
	if err := CheckDiskSpace(SafetyMarginBytes, 1); err == nil {
		t.Fatal("expected an error when free space is only the safety margin")
	}
	if err := CheckDiskSpace(SafetyMarginBytes+1000, 1000); err != nil {
		t.Fatalf("unexpected error with sufficient free space: %v", err)
	}
}

func TestCheckDiskSpaceSkipsUnknownSize(t *testing.T) {
	if err := CheckDiskSpace(0, -1); err != nil {
		t.Fatalf("unexpected error for unknown size: %v", err)
	}
}

func TestVerifyHashMatchAndMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "file.bin", "the quick brown fox")

	ok, err := VerifyHash(path, sha256Hex("the quick brown fox"), SHA256)
	if err != nil {
		t.Fatalf("VerifyHash: %v", err)
	}
	if !ok {
		t.Fatal("expected match")
	}

	ok, err = VerifyHash(path, sha256Hex("something else"), SHA256)
	if err != nil {
		t.Fatalf("VerifyHash: %v", err)
	}
	if ok {
		t.Fatal("expected mismatch")
	}
}

// TestVerifyHashEmptyFile covers S5: hashing a zero-byte file must still
// succeed rather than erroring on an empty read.
func TestVerifyHashEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "empty.bin", "")

	ok, err := VerifyHash(path, sha256Hex(""), SHA256)
	if err != nil {
		t.Fatalf("VerifyHash: %v", err)
	}
	if !ok {
		t.Fatal("expected empty file to match the hash of empty input")
	}
}

// TestResolveFinalPathCollisionResolution covers property 6: with
// overwrite=false, a colliding destination gets _1, then _2, and so on.
func TestResolveFinalPathCollisionResolution(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "foo.bin")
	writeTemp(t, dir, "foo.bin", "existing")

	got, err := ResolveFinalPath(dest, false)
	if err != nil {
		t.Fatalf("ResolveFinalPath: %v", err)
	}
	want := filepath.Join(dir, "foo_1.bin")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	writeTemp(t, dir, "foo_1.bin", "also existing")
	got, err = ResolveFinalPath(dest, false)
	if err != nil {
		t.Fatalf("ResolveFinalPath: %v", err)
	}
	want = filepath.Join(dir, "foo_2.bin")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolveFinalPathNoCollision(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "foo.bin")
	got, err := ResolveFinalPath(dest, false)
	if err != nil {
		t.Fatalf("ResolveFinalPath: %v", err)
	}
	if got != dest {
		t.Fatalf("got %q, want %q", got, dest)
	}
}

// TestFinalizeHashMismatchLeavesNoDestination covers property 7: a hash
// mismatch must delete the sentinel and never produce a file at destPath.
func TestFinalizeHashMismatchLeavesNoDestination(t *testing.T) {
	dir := t.TempDir()
	sentinel := writeTemp(t, dir, "job.turbodownload", "corrupted content")
	dest := filepath.Join(dir, "final.bin")

	_, err := Finalize(sentinel, dest, true, sha256Hex("expected content"), SHA256)
	if err == nil {
		t.Fatal("expected an error on hash mismatch")
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatal("destination file must not exist after a hash mismatch")
	}
	if _, statErr := os.Stat(sentinel); !os.IsNotExist(statErr) {
		t.Fatal("sentinel file should have been removed after a hash mismatch")
	}
}

// TestFinalizeRenamesOnHashMatch covers part of property 5: a verified
// sentinel is renamed into place with overwrite=true and the destination
// holds its content.
func TestFinalizeRenamesOnHashMatch(t *testing.T) {
	dir := t.TempDir()
	sentinel := writeTemp(t, dir, "job.turbodownload", "payload")
	dest := filepath.Join(dir, "final.bin")

	finalPath, err := Finalize(sentinel, dest, true, sha256Hex("payload"), SHA256)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if finalPath != dest {
		t.Fatalf("finalPath = %q, want %q", finalPath, dest)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("dest content = %q, want %q", data, "payload")
	}
}

// TestFinalizeWithoutOverwriteResolvesCollision covers S6: two jobs
// targeting the same destination with overwrite=false must each land on
// distinct final paths rather than one clobbering the other.
func TestFinalizeWithoutOverwriteResolvesCollision(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "shared.bin")
	writeTemp(t, dir, "shared.bin", "first job's output")

	sentinel := writeTemp(t, dir, "second.turbodownload", "second job's output")
	finalPath, err := Finalize(sentinel, dest, false, "", "")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if finalPath == dest {
		t.Fatal("second job must not overwrite the first job's file")
	}
	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "second job's output" {
		t.Fatalf("finalPath content = %q, want %q", data, "second job's output")
	}
	original, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile original: %v", err)
	}
	if string(original) != "first job's output" {
		t.Fatal("first job's file must survive untouched")
	}
}
