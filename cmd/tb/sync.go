package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskbridge/taskbridge/internal/conflict"
	"github.com/taskbridge/taskbridge/internal/engine"
	"github.com/taskbridge/taskbridge/internal/syncstate"
)

var (
	syncDirection string
	syncStrategy  string
	syncDryRun    bool
	syncNoTags    bool
	syncSections  bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync across the configured backends",
	Long: `Run a sync across the backends declared in the manifest.

Directions:
  one-way   first backend is the source, second the target
  two-way   both backends exchange changes
  n-way     all backends converge on a merged view

Strategies: source-wins, target-wins, last-write-wins, first-write-wins,
merge, manual (library use only).`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		m, err := loadManifest()
		if err != nil {
			return err
		}
		if syncDirection != "" {
			m.Direction = syncDirection
		}
		if syncStrategy != "" {
			m.Strategy = syncStrategy
		}
		if syncDryRun {
			m.DryRun = true
		}
		if syncNoTags {
			m.SyncTags = false
		}
		if syncSections {
			m.Sections = true
		}

		backends, err := m.buildBackends()
		if err != nil {
			return err
		}

		store, err := syncstate.Open(m.State, m.backendIDs())
		if err != nil {
			return err
		}
		defer store.Close()

		cfg := &engine.Config{
			Direction:        engine.Direction(m.Direction),
			ConflictStrategy: conflict.Strategy(m.Strategy),
			SyncTags:         m.SyncTags,
			SyncSections:     m.Sections,
			DryRun:           m.DryRun,
		}
		if verboseFlag && !jsonOutput {
			cfg.Callbacks.OnProgress = func(p engine.Progress) {
				fmt.Printf("  [%3d%%] %s %s\n", p.Percent, p.Phase, p.Message)
			}
		}
		if !quietFlag {
			cfg.Callbacks.OnError = func(e *engine.SyncError) {
				fmt.Fprintf(os.Stderr, "warning: %v\n", e)
			}
		}

		eng, err := engine.New(store, cfg, backends...)
		if err != nil {
			return err
		}

		result := eng.Sync(rootCtx)
		if jsonOutput {
			outputJSON(result)
		} else if !quietFlag {
			printResult(result)
		}
		if !result.Success {
			os.Exit(1)
		}
		return nil
	},
}

func printResult(r *engine.Result) {
	label := "Sync complete"
	if !r.Success {
		label = "Sync finished with errors"
	}
	fmt.Printf("%s (%s, %dms)\n", label, r.Direction, r.DurationMs)
	fmt.Printf("  checked: %d  created: %d  updated: %d  deleted: %d  skipped: %d\n",
		r.Stats.ItemsChecked, r.Stats.ItemsCreated, r.Stats.ItemsUpdated,
		r.Stats.ItemsDeleted, r.Stats.ItemsSkipped)
	if r.Stats.ConflictsDetected > 0 {
		fmt.Printf("  conflicts: %d detected, %d resolved\n",
			r.Stats.ConflictsDetected, r.Stats.ConflictsResolved)
	}
	if r.Stats.TagsCreated > 0 || r.Stats.SectionsCreated > 0 {
		fmt.Printf("  tags created: %d  sections created: %d\n",
			r.Stats.TagsCreated, r.Stats.SectionsCreated)
	}
	for _, e := range r.Errors {
		fmt.Printf("  error: %v\n", e)
	}
}

func init() {
	syncCmd.Flags().StringVar(&syncDirection, "direction", "", "Sync direction: one-way, two-way, n-way (default from manifest)")
	syncCmd.Flags().StringVar(&syncStrategy, "strategy", "", "Conflict strategy (default from manifest)")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Report what would change without writing")
	syncCmd.Flags().BoolVar(&syncNoTags, "no-tags", false, "Skip the tag taxonomy phase")
	syncCmd.Flags().BoolVar(&syncSections, "sections", false, "Also sync section taxonomies")
}
