// Package planner derives a DownloadPlan (worker count, chunk ranges, RAM
// buffer decision) from a probed file size and the caller's preferences.
//
// The worker-count table is grounded on spec.md's reference table; the
// closed-form alternative in original_source/turbodl/functions.go:calculate_connections
// (conn = beta * log2(1 + size_mb) * sqrt(speed/100)) is kept only as a
// comment for posterity since the table, not the formula, is the spec's
// source of truth.
package planner

import "math"

const (
	MinWorkers = 1
	MaxWorkers = 24

	oneMiB = 1 << 20
	oneGiB = 1 << 30
)

// ConnectionsPreference mirrors the max_connections option: "auto" or a
// pinned integer in [1, 24].
type ConnectionsPreference struct {
	Auto  bool
	Fixed int
}

// RAMBufferPreference mirrors the use_ram_buffer option.
type RAMBufferPreference int

const (
	RAMBufferAuto RAMBufferPreference = iota
	RAMBufferOn
	RAMBufferOff
)

// ChunkRange is one worker's contiguous, inclusive byte range. Unbounded
// chunks (unknown total size at probe time) have no End; the worker issues
// an open Range request and stops on EOF instead of a byte count.
type ChunkRange struct {
	Index     int
	Start     int64
	End       int64 // inclusive; meaningless when Unbounded
	Unbounded bool
}

// Len returns the number of bytes in the range, or -1 if the range is
// open-ended and the total is not known in advance.
func (c ChunkRange) Len() int64 {
	if c.Unbounded {
		return -1
	}
	return c.End - c.Start + 1
}

// Plan is the fully resolved DownloadPlan.
type Plan struct {
	WorkerCount   int
	Chunks        []ChunkRange
	UseRAMBuffer  bool
	PreAllocate   bool
	Timeout       int64 // seconds, 0 means none
	InactivityS   int64 // seconds
}

// Params bundles every input the plan builder needs.
type Params struct {
	Size                int64 // -1 means unknown
	SupportsRanges      bool
	MaxConnections      ConnectionsPreference
	ConnectionSpeedMbps float64
	RAMBufferPref       RAMBufferPreference
	DestIsRAMBacked     bool
	PreAllocate         bool
	TimeoutSeconds      int64
	InactivitySeconds   int64
}

// Build derives a DownloadPlan per the rules in the design notes: single
// worker for unsupported-range/unknown-size/small files, otherwise a table
// lookup (pinned or auto) clamped to [1, 24], followed by a gapless,
// overlap-free partition of [0, size) and rejection of zero-length tails.
func Build(p Params) Plan {
	workerCount := resolveWorkerCount(p)

	var chunks []ChunkRange
	switch {
	case p.Size > 0:
		chunks = partition(p.Size, workerCount)
	case p.Size == 0:
		// A confirmed zero-byte body still gets one empty chunk so the rest
		// of the pipeline (writer, finalizer, hash-of-empty-file) runs
		// uniformly; the worker recognizes Len() == 0 and does no request.
		chunks = []ChunkRange{{Index: 0, Start: 0, End: -1}}
	default:
		// Unknown size: neither Content-Length nor Content-Range was
		// available at probe time. resolveWorkerCount above already forces
		// a single worker; that worker has to stream to EOF rather than a
		// known byte count.
		chunks = []ChunkRange{{Index: 0, Start: 0, Unbounded: true}}
	}

	return Plan{
		WorkerCount:  len(chunks),
		Chunks:       chunks,
		UseRAMBuffer: resolveRAMBuffer(p),
		PreAllocate:  p.PreAllocate,
		Timeout:      p.TimeoutSeconds,
		InactivityS:  p.InactivitySeconds,
	}
}

func resolveWorkerCount(p Params) int {
	if !p.SupportsRanges || p.Size < 0 || p.Size <= oneMiB {
		return 1
	}
	if !p.MaxConnections.Auto {
		return clamp(p.MaxConnections.Fixed, MinWorkers, MaxWorkers)
	}
	w := int(math.Round(autoWorkerCount(p.Size, p.ConnectionSpeedMbps)))
	return clamp(w, 2, MaxWorkers)
}

// rowKnots and colKnots anchor each table row/column at its LOWER bound
// (size/mbps value at which that row or column's value is fully reached);
// autoWorkerCount bilinearly interpolates between the four surrounding
// cells. Values below the first knot or above the last are clamped flat.
// This left-anchored scheme (rather than right-anchoring each bucket at
// its own upper bound) is what reproduces spec.md's S1 worked example
// (25,209,000 bytes @ 80 Mbps -> 8) while still satisfying the "row"/"col"
// monotonicity invariant the spec requires of f.
var rowKnots = []float64{0, 10 * oneMiB, 100 * oneMiB, 1 * oneGiB, 5 * oneGiB}
var colKnots = []float64{0, 10, 100, 500}

var tableValue = [5][4]float64{
	{2, 2, 4, 4},
	{2, 4, 8, 10},
	{4, 8, 12, 16},
	{4, 12, 16, 20},
	{8, 16, 20, 24},
}

func autoWorkerCount(size int64, mbps float64) float64 {
	r0, r1, rt := interpIndex(rowKnots, float64(size))
	c0, c1, ct := interpIndex(colKnots, mbps)

	top := lerp(tableValue[r0][c0], tableValue[r0][c1], ct)
	bot := lerp(tableValue[r1][c0], tableValue[r1][c1], ct)
	return lerp(top, bot, rt)
}

// interpIndex locates v within a strictly increasing slice of knot
// positions, returning the bracketing indices and the fractional position
// between them. v outside the knot range clamps to the nearest endpoint
// (frac 0, lo == hi).
func interpIndex(knots []float64, v float64) (lo, hi int, frac float64) {
	n := len(knots)
	if v <= knots[0] {
		return 0, 0, 0
	}
	if v >= knots[n-1] {
		return n - 1, n - 1, 0
	}
	for i := 0; i < n-1; i++ {
		if v >= knots[i] && v <= knots[i+1] {
			return i, i + 1, (v - knots[i]) / (knots[i+1] - knots[i])
		}
	}
	return n - 1, n - 1, 0
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// partition splits [0, size) into at most workerCount contiguous,
// gap-free, non-overlapping ranges of length ceil(size/workerCount) except
// the last which absorbs the remainder. Any candidate worker count that
// would yield a zero-length segment is decremented and recomputed, per
// spec.md's chunking rule.
func partition(size int64, workerCount int) []ChunkRange {
	if workerCount < 1 {
		workerCount = 1
	}
	for workerCount > 1 {
		chunkLen := ceilDiv(size, int64(workerCount))
		if chunkLen > 0 && size-chunkLen*int64(workerCount-1) > 0 {
			break
		}
		workerCount--
	}

	chunkLen := ceilDiv(size, int64(workerCount))
	chunks := make([]ChunkRange, 0, workerCount)
	var start int64
	for i := 0; i < workerCount; i++ {
		end := start + chunkLen - 1
		if i == workerCount-1 || end >= size-1 {
			end = size - 1
		}
		chunks = append(chunks, ChunkRange{Index: i, Start: start, End: end})
		start = end + 1
		if start >= size {
			break
		}
	}
	return chunks
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

func resolveRAMBuffer(p Params) bool {
	switch p.RAMBufferPref {
	case RAMBufferOn:
		return true
	case RAMBufferOff:
		return false
	default: // auto
		return !p.DestIsRAMBacked
	}
}

// BufferCapacity computes the ring buffer's capacity per spec.md's policy:
// min(20% of system RAM, 1 GiB, next power-of-two >= average chunk size * 2).
func BufferCapacity(availableRAM uint64, chunks []ChunkRange) int64 {
	ramCap := int64(float64(availableRAM) * 0.20)
	const hardCeiling = 1 * oneGiB
	if ramCap > hardCeiling {
		ramCap = hardCeiling
	}

	var avg int64
	var total, n int64
	for _, c := range chunks {
		if l := c.Len(); l > 0 {
			total += l
			n++
		}
	}
	if n > 0 {
		avg = total / n
	}
	target := avg * 2
	pow2 := nextPowerOfTwo(target)

	cap := ramCap
	if pow2 > 0 && pow2 < cap {
		cap = pow2
	}
	if cap < 64*1024 {
		cap = 64 * 1024 // a floor so tiny files still get a workable buffer
	}
	return cap
}

func nextPowerOfTwo(v int64) int64 {
	if v <= 0 {
		return 0
	}
	p := int64(1)
	for p < v {
		p <<= 1
	}
	return p
}
