// Package worker fetches one planned chunk end-to-end: issuing the ranged
// GET, reading the body in sub-chunks, depositing bytes into the ring
// buffer or writing them positionally, and retrying with backoff on
// transient failure without losing progress already made within the chunk.
//
// Grounded on
// GoParallelDownload/internal/download/downloader.go:downloadPart for the
// state-machine shape (per-part retry loop, resumed Range header on
// retry) and Tanq16-danzo/downloaders/http's chunk-resume-by-offset idiom,
// adapted from writing numbered temp files to writing directly into the
// buffer/output handle per spec.md (no per-chunk part files).
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/turbodl/turbodl/internal/logging"
	"github.com/turbodl/turbodl/internal/planner"
	"github.com/turbodl/turbodl/internal/ringbuffer"
)

// Status is WorkerState's status enum from the data model.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusRetrying
	StatusDone
	StatusFailed
	StatusCanceled
)

const (
	minSubChunk = 64 * 1024
	maxAttempts = 5
)

// backoffBase and backoffCap are vars, not consts, so tests can shrink
// them instead of waiting out real exponential delays.
var (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// Sink is the write destination for a chunk's bytes: either a ring buffer
// deposit or a positional file write, selected once by the caller
// depending on plan.UseRAMBuffer.
type Sink interface {
	// WriteChunk delivers data starting at absolute file offset.
	WriteChunk(offset int64, data []byte) error
}

// BufferSink adapts a ChunkBuffer to Sink.
type BufferSink struct{ Buffer *ringbuffer.ChunkBuffer }

func (s BufferSink) WriteChunk(offset int64, data []byte) error {
	if ok := s.Buffer.Deposit(offset, data); !ok {
		return errors.New("worker: buffer closed during deposit")
	}
	return nil
}

// WriterAtSink adapts an io.WriterAt (an *os.File in production) to Sink
// for unbuffered mode, using positional writes so disjoint-range writes
// from concurrent workers never interleave within the OS write path.
type WriterAtSink struct{ W io.WriterAt }

func (s WriterAtSink) WriteChunk(offset int64, data []byte) error {
	_, err := s.W.WriteAt(data, offset)
	return err
}

// ProgressFunc reports incremental bytes received for a chunk. Called from
// the worker's goroutine; must not block for long.
type ProgressFunc func(n int64)

// State tracks one chunk's live retry state, mirroring §3's WorkerState.
type State struct {
	ChunkIndex            int
	AttemptNumber         int
	BytesCompletedInChunk int64
	Status                Status
}

// Config bundles everything Run needs beyond the chunk itself.
type Config struct {
	Client             *http.Client
	URL                string
	Headers            map[string]string
	Chunk              planner.ChunkRange
	SingleRequest      bool // true when worker_count == 1 (200 is acceptable)
	Sink               Sink
	Progress           ProgressFunc
	InactivityTimeout  time.Duration
	PerChunkTimeout    time.Duration // 0 means unbounded
	Rand               *rand.Rand    // nil uses a package-local source
}

// Run fetches Config.Chunk end to end, retrying transient failures up to
// maxAttempts times with jittered exponential backoff, resuming from
// BytesCompletedInChunk rather than restarting the range on each retry.
// It returns the final State and, on unrecoverable failure, a non-nil
// error (already classified by the caller's error-kind convention where
// possible; Run itself only distinguishes retryable-vs-not via ctx).
func Run(ctx context.Context, cfg Config) (State, error) {
	log := logging.NewJobLogger("worker").With().Int("chunk", cfg.Chunk.Index).Logger()
	st := State{ChunkIndex: cfg.Chunk.Index, Status: StatusRunning}
	total := cfg.Chunk.Len()
	if !cfg.Chunk.Unbounded && total <= 0 {
		st.Status = StatusDone
		return st, nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		st.AttemptNumber = attempt
		if attempt > 1 {
			st.Status = StatusRetrying
		}

		select {
		case <-ctx.Done():
			st.Status = StatusCanceled
			return st, ctx.Err()
		default:
		}

		err := attemptChunk(ctx, cfg, &st)
		if err == nil && !cfg.Chunk.Unbounded && st.BytesCompletedInChunk < total {
			// The body ended cleanly but short of the chunk: a truncated
			// response, retried from where it stopped.
			err = fmt.Errorf("worker: body ended after %d of %d bytes", st.BytesCompletedInChunk, total)
		}
		if err == nil {
			st.Status = StatusDone
			return st, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			st.Status = StatusCanceled
			return st, err
		}
		lastErr = err
		if !cfg.Chunk.Unbounded && st.BytesCompletedInChunk >= total {
			st.Status = StatusDone
			return st, nil
		}
		if attempt == maxAttempts {
			break
		}
		delay := backoffDelay(attempt, cfg.Rand)
		log.Debug().Err(err).Int("attempt", attempt).Dur("backoff", delay).
			Int64("bytesCompleted", st.BytesCompletedInChunk).Msg("chunk attempt failed, retrying")
		if sleepErr := sleepFor(ctx, delay); sleepErr != nil {
			st.Status = StatusCanceled
			return st, sleepErr
		}
	}
	st.Status = StatusFailed
	log.Debug().Err(lastErr).Int("maxAttempts", maxAttempts).Msg("chunk failed permanently")
	return st, fmt.Errorf("worker: chunk %d failed after %d attempts: %w", cfg.Chunk.Index, maxAttempts, lastErr)
}

// attemptChunk issues one ranged request, resuming from st.BytesCompletedInChunk,
// and streams the response into cfg.Sink until the chunk is fully received,
// the connection drops, or ctx is canceled.
func attemptChunk(ctx context.Context, cfg Config, st *State) error {
	start := cfg.Chunk.Start + st.BytesCompletedInChunk

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return err
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	switch {
	case cfg.Chunk.Unbounded:
		// Total is unknown; ask for everything from start onward rather
		// than a closed range. Omit the header entirely on the very first
		// byte so a server with no range support at all still answers 200.
		if start > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
		}
	default:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, cfg.Chunk.End))
	}

	var cancelTimeout context.CancelFunc
	if cfg.PerChunkTimeout > 0 {
		req = req.WithContext(withDeadlineIfUnset(ctx, cfg.PerChunkTimeout, &cancelTimeout))
		if cancelTimeout != nil {
			defer cancelTimeout()
		}
	}

	resp, err := cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case cfg.Chunk.Unbounded:
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			return fmt.Errorf("unexpected status %d for open range bytes=%d-", resp.StatusCode, start)
		}
		if start > 0 && resp.StatusCode != http.StatusPartialContent {
			// Asked to resume past 0 but got a fresh 200: the server isn't
			// honoring the range, so anything read now would duplicate
			// bytes already written. Treat as a failed attempt.
			return fmt.Errorf("server ignored resume range bytes=%d- (got 200, not 206)", start)
		}
	case resp.StatusCode != http.StatusPartialContent:
		if !(cfg.SingleRequest && resp.StatusCode == http.StatusOK && start == cfg.Chunk.Start) {
			return fmt.Errorf("unexpected status %d for range bytes=%d-%d", resp.StatusCode, start, cfg.Chunk.End)
		}
	}

	return streamBody(ctx, cfg, st, resp.Body, start)
}

// streamBody reads resp.Body through a 64KiB buffer, depositing each read into
// cfg.Sink and advancing st.BytesCompletedInChunk, aborting the read if no
// bytes arrive within cfg.InactivityTimeout.
func streamBody(ctx context.Context, cfg Config, st *State, body io.Reader, startOffset int64) error {
	buf := make([]byte, minSubChunk)
	offset := startOffset
	inactivity := cfg.InactivityTimeout
	if inactivity <= 0 {
		inactivity = 120 * time.Second
	}

	readResult := make(chan readOutcome, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		go func() {
			n, err := body.Read(buf)
			readResult <- readOutcome{n: n, err: err}
		}()

		var out readOutcome
		select {
		case out = <-readResult:
		case <-time.After(inactivity):
			return fmt.Errorf("worker: no bytes for %s (inactivity timeout)", inactivity)
		case <-ctx.Done():
			return ctx.Err()
		}

		if out.n > 0 {
			data := make([]byte, out.n)
			copy(data, buf[:out.n])
			if err := cfg.Sink.WriteChunk(offset, data); err != nil {
				return err
			}
			offset += int64(out.n)
			st.BytesCompletedInChunk += int64(out.n)
			if cfg.Progress != nil {
				cfg.Progress(int64(out.n))
			}
		}
		if out.err != nil {
			if out.err == io.EOF {
				return nil
			}
			return out.err
		}
	}
}

type readOutcome struct {
	n   int
	err error
}

func withDeadlineIfUnset(ctx context.Context, d time.Duration, cancel *context.CancelFunc) context.Context {
	if _, ok := ctx.Deadline(); ok {
		return ctx
	}
	c, cf := context.WithTimeout(ctx, d)
	*cancel = cf
	return c
}

// sleepFor sleeps for delay, honoring ctx cancellation.
func sleepFor(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func backoffDelay(attempt int, rng *rand.Rand) time.Duration {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	base := float64(backoffBase) * pow2(attempt-1)
	jittered := base * (1 + rng.Float64()*0.3)
	d := time.Duration(jittered)
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}
