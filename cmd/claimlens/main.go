package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/claimlens/claimlens/internal/buildinfo"
)

var (
	flagLogLevel string
	flagJSONLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "claimlens",
	Short: "Hospital bill verification backend",
	Long: `claimlens ingests hospital bill PDFs, extracts line items via an
OCR sidecar, and verifies each item against per-hospital tie-up rate
sheets using semantic matching with optional LLM arbitration.

Run 'claimlens serve' to start the API server with its background
workers, or use the bills/catalog subcommands for direct operations.`,
	Version:       buildinfo.Version(),
	SilenceErrors: true,
}

// usageError marks argument/flag mistakes so main can exit 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn",
		"log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false,
		"emit JSON log records")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		var ue usageError
		if errors.As(err, &ue) || isCobraUsageError(err) {
			os.Exit(ExitUsage)
		}
		os.Exit(ExitGeneral)
	}
}

// isCobraUsageError catches the argument validation errors cobra
// produces itself (unknown subcommands, wrong arg counts).
func isCobraUsageError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "accepts ") ||
		strings.HasPrefix(msg, "requires at least")
}
