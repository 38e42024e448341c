package turbodl

import (
	"fmt"
	"strconv"

	"github.com/turbodl/turbodl/internal/finalizer"
	"github.com/turbodl/turbodl/internal/planner"
)

// RAMBufferMode mirrors the use_ram_buffer option's three-way choice.
type RAMBufferMode string

const (
	RAMBufferAuto RAMBufferMode = "auto"
	RAMBufferOn   RAMBufferMode = "on"
	RAMBufferOff  RAMBufferMode = "off"
)

// Options is the full set of caller-facing knobs from spec.md section 6.
// Zero-value fields are filled by resolveDefaults; callers normally start
// from DefaultOptions() and override only what they need.
type Options struct {
	// MaxConnections is "auto" or a decimal string in [1, 24].
	MaxConnections string
	// ConnectionSpeedMbps biases the auto worker-count table.
	ConnectionSpeedMbps float64
	PreAllocateSpace    bool
	UseRAMBuffer        RAMBufferMode
	Overwrite           bool
	Headers             map[string]string
	// TimeoutSeconds is the job-level timeout; 0 means none.
	TimeoutSeconds int64
	// InactivityTimeoutSeconds bounds how long a worker waits for bytes
	// on an in-flight request before treating it as a retryable failure.
	InactivityTimeoutSeconds int64
	// ExpectedHash, if non-empty, gates finalization on a hash match.
	ExpectedHash string
	HashType     finalizer.HashType
	ShowProgress bool
	// Sink overrides the default progress consumer. The engine itself has
	// no terminal-rendering sink to fall back to (that lives in
	// internal/consolesink, which imports this package); callers such as
	// the CLI consult ShowProgress themselves to decide whether to install
	// one. Left nil with ShowProgress true, Download still runs, just
	// silently.
	Sink Sink
}

// DefaultOptions returns the option set with every default from spec.md
// section 6 applied.
func DefaultOptions() Options {
	return Options{
		MaxConnections:           "auto",
		ConnectionSpeedMbps:      80,
		PreAllocateSpace:         false,
		UseRAMBuffer:             RAMBufferAuto,
		Overwrite:                true,
		Headers:                  map[string]string{},
		TimeoutSeconds:           0,
		InactivityTimeoutSeconds: 120,
		ExpectedHash:             "",
		HashType:                 finalizer.MD5,
		ShowProgress:             true,
	}
}

// resolveDefaults fills zero-valued fields of a caller-supplied Options
// with DefaultOptions' values, mirroring the __init__ default-filling in
// original_source/turbodl/core.py without requiring every caller to build
// a complete struct literal.
func resolveDefaults(o Options) Options {
	d := DefaultOptions()
	if o.MaxConnections == "" {
		o.MaxConnections = d.MaxConnections
	}
	if o.ConnectionSpeedMbps <= 0 {
		o.ConnectionSpeedMbps = d.ConnectionSpeedMbps
	}
	if o.UseRAMBuffer == "" {
		o.UseRAMBuffer = d.UseRAMBuffer
	}
	if o.Headers == nil {
		o.Headers = map[string]string{}
	}
	if o.InactivityTimeoutSeconds <= 0 {
		o.InactivityTimeoutSeconds = d.InactivityTimeoutSeconds
	}
	if o.HashType == "" {
		o.HashType = d.HashType
	}
	if o.Sink == nil {
		o.Sink = NoopSink{}
	}
	return o
}

// connectionsPreference parses MaxConnections into the planner's typed form.
func connectionsPreference(v string) (planner.ConnectionsPreference, error) {
	if v == "" || v == string(RAMBufferAuto) {
		return planner.ConnectionsPreference{Auto: true}, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return planner.ConnectionsPreference{}, fmt.Errorf("turbodl: invalid max_connections %q: %w", v, err)
	}
	return planner.ConnectionsPreference{Fixed: n}, nil
}

func ramBufferPreference(m RAMBufferMode) planner.RAMBufferPreference {
	switch m {
	case RAMBufferOn:
		return planner.RAMBufferOn
	case RAMBufferOff:
		return planner.RAMBufferOff
	default:
		return planner.RAMBufferAuto
	}
}
