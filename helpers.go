package turbodl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/turbodl/turbodl/internal/probe"
)

// mergeHeaders layers overrides on top of defaults without mutating
// either input map.
func mergeHeaders(defaults, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// resolveDestPath applies the filename-resolution precedence from section
// 6: if outputPath names an existing directory, the probed filename is
// joined onto it; otherwise outputPath is treated as the caller's exact,
// already-decided file path.
func resolveDestPath(outputPath, probedFilename string) (string, error) {
	if outputPath == "" {
		return probedFilename, nil
	}
	if fi, err := os.Stat(outputPath); err == nil && fi.IsDir() {
		return filepath.Join(outputPath, probedFilename), nil
	}
	return outputPath, nil
}

// openSentinel creates the sentinel file (destPath + ".turbodownload"),
// pre-allocating it to size when the plan calls for it, or leaving it
// sparse otherwise so positional writes beyond EOF simply extend it.
func openSentinel(j *job, size int64) error {
	if err := os.MkdirAll(filepath.Dir(j.destPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.sentinelPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if j.plan.PreAllocate && size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return err
		}
	}
	j.outFile = f
	return nil
}

// classifyProbeError maps probe.Probe's errors onto the observable
// failure kinds from section 7.
func classifyProbeError(rawURL string, err error) error {
	if errors.Is(err, probe.ErrInvalidURL) {
		return newErr(KindInvalidURL, false, err)
	}
	var statusErr *probe.StatusError
	if errors.As(err, &statusErr) {
		return remoteErr(statusErr.Status, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return newErr(KindNetworkUnreachable, true, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return newErr(KindNetworkUnreachable, true, err)
	}
	return newErr(KindNetworkUnreachable, true, err)
}

// classifyWorkerError maps a worker/writer failure surfaced through the
// errgroup onto a terminal DownloadError, defaulting to a non-retryable
// KindNetworkUnreachable when the underlying cause isn't otherwise classified.
func classifyWorkerError(err error) error {
	if err == nil {
		return nil
	}
	var de *DownloadError
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, context.Canceled) {
		return newErr(KindInterrupted, false, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newErr(KindJobTimeout, false, err)
	}
	var statusErr *probe.StatusError
	if errors.As(err, &statusErr) {
		return remoteErr(statusErr.Status, err)
	}
	return newErr(KindNetworkUnreachable, false, fmt.Errorf("turbodl: transfer failed: %w", err))
}
