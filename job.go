package turbodl

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/turbodl/turbodl/internal/planner"
	"github.com/turbodl/turbodl/internal/ringbuffer"
)

// sentinelSuffix names the temporary file a job writes into before it is
// renamed to its final destination on success. Per the design notes this
// file is deliberately left in place on non-fatal failure — no automatic
// cleanup, no resume manifest — to preserve the ambiguous behavior spec.md
// flags as an open question rather than inventing a policy for it.
const sentinelSuffix = ".turbodownload"

// job is the Controller-owned aggregate for a single Download call: the
// Go realization of section 3's JobState. It holds no package-level
// mutable state; every field lives on this instance and dies with the call.
type job struct {
	plan         planner.Plan
	buffer       *ringbuffer.ChunkBuffer
	destPath     string
	sentinelPath string
	outFile      *os.File

	bytesReceived atomic.Int64
	bytesWritten  atomic.Int64

	errMu       sync.Mutex
	terminalErr error
}

func newJob(destPath string, plan planner.Plan) *job {
	return &job{
		plan:         plan,
		destPath:     destPath,
		sentinelPath: destPath + sentinelSuffix,
	}
}

// setTerminalError records err as the job's terminal error if none has
// been recorded yet. The first non-retryable worker error wins per
// section 4.G's error-aggregation policy; later errors from canceled
// siblings are dropped.
func (j *job) setTerminalError(err error) {
	if err == nil {
		return
	}
	j.errMu.Lock()
	defer j.errMu.Unlock()
	if j.terminalErr == nil {
		j.terminalErr = err
	}
}

func (j *job) terminalError() error {
	j.errMu.Lock()
	defer j.errMu.Unlock()
	return j.terminalErr
}
