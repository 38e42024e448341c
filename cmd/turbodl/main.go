// Command turbodl is the CLI front-end for the download engine: a thin
// shell that maps flags onto turbodl.Options, wires a console progress
// sink, translates OS signals into context cancellation, and maps the
// engine's error kinds onto the exit-code contract from spec.md section 6.
//
// Grounded on Tanq16-danzo/cmd's per-command cobra.Command construction
// and internal/cli's flag-to-job mapping style, adapted from danzo's
// scheduler-of-many-jobs model to a single positional URL argument.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	turbodl "github.com/turbodl/turbodl"
	"github.com/turbodl/turbodl/internal/consolesink"
	"github.com/turbodl/turbodl/internal/finalizer"
	"github.com/turbodl/turbodl/internal/logging"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		output            string
		maxConnections    string
		speedMbps         float64
		preAllocate       bool
		ramBuffer         string
		noOverwrite       bool
		headerFlags       []string
		timeoutSeconds    int64
		inactivitySeconds int64
		expectedHash      string
		hashType          string
		noProgress        bool
		debug             bool
	)

	cmd := &cobra.Command{
		Use:   "turbodl [URL]",
		Short: "Accelerate an HTTP download with concurrent ranged requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			logging.Init(debug)

			headers, err := parseHeaders(headerFlags)
			if err != nil {
				return err
			}

			opts := turbodl.DefaultOptions()
			opts.MaxConnections = maxConnections
			opts.ConnectionSpeedMbps = speedMbps
			opts.PreAllocateSpace = preAllocate
			opts.UseRAMBuffer = turbodl.RAMBufferMode(ramBuffer)
			opts.Overwrite = !noOverwrite
			opts.Headers = headers
			opts.TimeoutSeconds = timeoutSeconds
			opts.InactivityTimeoutSeconds = inactivitySeconds
			opts.ExpectedHash = expectedHash
			opts.HashType = finalizer.HashType(hashType)
			opts.ShowProgress = !noProgress

			var sink *consolesink.Console
			if opts.ShowProgress {
				sink = consolesink.New(cmd.OutOrStdout())
				opts.Sink = sink
				defer sink.Close()
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				select {
				case <-sigCh:
					log.Warn().Msg("interrupt received, canceling")
					cancel()
				case <-ctx.Done():
				}
			}()
			defer signal.Stop(sigCh)

			finalPath, err := turbodl.Download(ctx, positional[0], output, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), finalPath)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file or directory path")
	cmd.Flags().StringVar(&maxConnections, "connections", "auto", `Number of connections ("auto" or 1-24)`)
	cmd.Flags().Float64Var(&speedMbps, "speed-mbps", 80, "Advertised connection speed in Mbps, biases auto connection count")
	cmd.Flags().BoolVar(&preAllocate, "pre-allocate", false, "Pre-allocate destination file to the full size")
	cmd.Flags().StringVar(&ramBuffer, "ram-buffer", "auto", `Use an in-memory buffer before writing to disk ("auto", "on", "off")`)
	cmd.Flags().BoolVar(&noOverwrite, "no-overwrite", false, "Do not overwrite an existing destination; append _1, _2, ... instead")
	cmd.Flags().StringArrayVar(&headerFlags, "header", nil, "Extra request header as KEY=VALUE (repeatable)")
	cmd.Flags().Int64Var(&timeoutSeconds, "timeout", 0, "Overall job timeout in seconds (0 means none)")
	cmd.Flags().Int64Var(&inactivitySeconds, "inactivity-timeout", 120, "Per-request inactivity timeout in seconds")
	cmd.Flags().StringVar(&expectedHash, "hash", "", "Expected hash to verify the downloaded file against")
	cmd.Flags().StringVar(&hashType, "hash-type", "md5", "Hash algorithm: md5, sha1, sha224, sha256, sha384, sha512, blake2b, blake2s")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress rendering")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	if err := cmd.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return 0
}

func parseHeaders(raw []string) (map[string]string, error) {
	headers := make(map[string]string, len(raw))
	for _, kv := range raw {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid --header %q, expected KEY=VALUE", kv)
		}
		headers[parts[0]] = parts[1]
	}
	return headers, nil
}

// exitCodeFor maps the engine's error kinds onto the exit-code contract
// from spec.md section 6: 0 success, 1 generic failure, 2 hash mismatch,
// 130 interrupted.
func exitCodeFor(err error) int {
	fmt.Fprintln(os.Stderr, "turbodl:", err)
	var de *turbodl.DownloadError
	if errors.As(err, &de) {
		switch de.Kind {
		case turbodl.KindHashMismatch:
			return 2
		case turbodl.KindInterrupted:
			return 130
		}
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	return 1
}
