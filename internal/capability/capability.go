// Package capability provides the host-injected checks the design notes
// call out as mockable: whether a path lives on a RAM-backed filesystem
// (drives use_ram_buffer=auto) and how much free space sits at a path
// (drives the finalizer's pre-flight disk check). Both are interfaces so
// tests can substitute fixed answers instead of touching the real
// filesystem, per spec.md's "treat as an injected capability" guidance.
//
// Grounded on original_source/turbodl/functions.go:has_available_space and
// looks_like_a_ram_directory, reimplemented with golang.org/x/sys/unix's
// Statfs instead of shelling out to a partitions listing.
package capability

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// RAMDetector reports whether a path resolves onto a RAM-backed filesystem.
type RAMDetector interface {
	IsRAMBacked(path string) bool
}

// DiskSpaceChecker reports free bytes available at a path.
type DiskSpaceChecker interface {
	FreeBytes(path string) (uint64, error)
}

// MemoryProber reports total installed system RAM, used to size the ring
// buffer's capacity ceiling (20% of system RAM per spec.md's policy).
type MemoryProber interface {
	TotalMemoryBytes() (uint64, error)
}

// tmpfsMagics lists the Linux statfs f_type values for known RAM-backed
// filesystems: tmpfs (whose magic devtmpfs also reports) and ramfs.
var tmpfsMagics = map[int64]bool{
	0x01021994: true, // TMPFS_MAGIC
	0x858458f6: true, // RAMFS_MAGIC
}

// OSCapabilities is the real, statfs(2)-backed implementation used outside
// of tests.
type OSCapabilities struct{}

// IsRAMBacked walks up from path (which may not exist yet) to the nearest
// existing ancestor and statfs's it, matching the filesystem type against
// the known RAM-backed set.
func (OSCapabilities) IsRAMBacked(path string) bool {
	dir := nearestExisting(path)
	if dir == "" {
		return false
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return false
	}
	return tmpfsMagics[int64(st.Type)]
}

// FreeBytes reports free space (in bytes) at the nearest existing ancestor
// of path, mirroring has_available_space's parent-if-missing resolution.
func (OSCapabilities) FreeBytes(path string) (uint64, error) {
	dir := nearestExisting(path)
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

// TotalMemoryBytes reads MemTotal from /proc/meminfo. It is Linux-specific,
// matching the rest of this package's statfs-based checks.
func (OSCapabilities) TotalMemoryBytes() (uint64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("capability: malformed MemTotal line %q", line)
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("capability: MemTotal not found in /proc/meminfo")
}

// nearestExisting walks up from path to the nearest ancestor directory that
// actually exists, since the destination file (and even its parent, for a
// fresh download) may not exist yet at plan time.
func nearestExisting(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	dir := abs
	for {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "/"
		}
		dir = parent
	}
}
