// Package finalizer performs the post-transfer steps: pre-flight disk
// space check, hash verification, collision-safe naming, and the atomic
// rename from the sentinel path to the final destination.
//
// Grounded on original_source/turbodl/functions.py:has_available_space
// (disk pre-check with a safety margin) and core.py's post-download
// verify_hash call; the collision-resolution loop (name_1.ext, name_2.ext)
// is grounded on spec.md S6/property 6, which the original leaves to the
// caller.
package finalizer

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
)

// HashType names one of the accepted verification algorithms.
type HashType string

const (
	MD5     HashType = "md5"
	SHA1    HashType = "sha1"
	SHA224  HashType = "sha224"
	SHA256  HashType = "sha256"
	SHA384  HashType = "sha384"
	SHA512  HashType = "sha512"
	Blake2b HashType = "blake2b"
	Blake2s HashType = "blake2s"
)

func newHash(t HashType) (hash.Hash, error) {
	switch t {
	case MD5, "":
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA224:
		return sha256.New224(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	case Blake2b:
		return blake2b.New256(nil)
	case Blake2s:
		return blake2s.New256(nil)
	default:
		return nil, fmt.Errorf("finalizer: unknown hash type %q", t)
	}
}

// SafetyMarginBytes is added to the required size when pre-flight checking
// free space, matching the original's 1 GiB minimum_space default.
const SafetyMarginBytes = 1 << 30

// CheckDiskSpace fails if fewer than requiredSize+SafetyMarginBytes bytes
// are free at path, per the finalizer's pre-flight step (run before the
// sentinel file is even opened, so the failure surfaces before any bytes
// are downloaded).
func CheckDiskSpace(freeBytes uint64, requiredSize int64) error {
	if requiredSize < 0 {
		return nil // unknown size: nothing to pre-check
	}
	required := uint64(requiredSize) + SafetyMarginBytes
	if freeBytes < required {
		return fmt.Errorf("finalizer: insufficient disk space: need %d bytes, have %d free", required, freeBytes)
	}
	return nil
}

// VerifyHash streams path through the named hash algorithm and compares
// case-insensitively against expectedHex. It returns a nil error (and true)
// on match, a nil error (and false) on a clean mismatch, or a non-nil error
// if the file could not be read or hashType is unrecognized.
func VerifyHash(path string, expectedHex string, hashType HashType) (bool, error) {
	h, err := newHash(hashType)
	if err != nil {
		return false, err
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	actual := hex.EncodeToString(h.Sum(nil))
	return strings.EqualFold(actual, expectedHex), nil
}

// ResolveFinalPath decides the destination path per the overwrite policy:
// if overwrite is true, dest is used as-is (the caller removes any existing
// file first via RemoveIfExists); if false, the smallest k>=1 such that
// "<stem>_<k><ext>" does not exist is appended.
func ResolveFinalPath(dest string, overwrite bool) (string, error) {
	if overwrite {
		return dest, nil
	}
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return dest, nil
	} else if err != nil {
		return "", err
	}

	dir := filepath.Dir(dest)
	ext := filepath.Ext(dest)
	stem := strings.TrimSuffix(filepath.Base(dest), ext)

	for k := 1; ; k++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, k, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
}

// RemoveIfExists deletes dest if it exists, used only when overwrite=true
// so the subsequent rename does not fail on a pre-existing file (relevant
// on platforms without atomic rename-over-existing semantics).
func RemoveIfExists(dest string) error {
	err := os.Remove(dest)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Finalize runs the full sequence: optional hash verification (deleting
// the sentinel on mismatch), final-path resolution, and the rename. It
// assumes the output handle has already been closed and flushed by the
// caller.
func Finalize(sentinelPath, destPath string, overwrite bool, expectedHash string, hashType HashType) (string, error) {
	if expectedHash != "" {
		ok, err := VerifyHash(sentinelPath, expectedHash, hashType)
		if err != nil {
			return "", fmt.Errorf("finalizer: hash verification failed: %w", err)
		}
		if !ok {
			os.Remove(sentinelPath)
			return "", fmt.Errorf("finalizer: hash mismatch for %s", sentinelPath)
		}
	}

	if overwrite {
		if err := RemoveIfExists(destPath); err != nil {
			return "", fmt.Errorf("finalizer: could not remove existing %s: %w", destPath, err)
		}
	}
	finalPath, err := ResolveFinalPath(destPath, overwrite)
	if err != nil {
		return "", fmt.Errorf("finalizer: could not resolve final path: %w", err)
	}
	if err := os.Rename(sentinelPath, finalPath); err != nil {
		return "", fmt.Errorf("finalizer: rename failed: %w", err)
	}
	return finalPath, nil
}
