package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskbridge/taskbridge/internal/telemetry"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	manifestPath string
	jsonOutput   bool
	verboseFlag  bool
	quietFlag    bool

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "tb",
	Short: "Synchronize tasks across backends",
	Long: `tb reconciles tasks across task-management backends.

Backends and sync options are declared in a YAML manifest (default:
taskbridge.yaml in the current directory). Runs are one-way, two-way or
n-way; sync state lives in JSONL logs under the configured state
directory.

Examples:
  tb sync
  tb sync --direction one-way --strategy source-wins
  tb sync --dry-run
  tb status`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		return telemetry.Init(rootCtx, "tb", Version)
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		telemetry.Shutdown(shutdownCtx)
		cancel()
		if rootCancel != nil {
			rootCancel()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		if jsonOutput {
			outputJSON(map[string]string{"version": Version})
			return
		}
		fmt.Printf("tb version %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "config", "c", "", "Manifest path (default: ./taskbridge.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(backendsCmd)
}

func outputJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
