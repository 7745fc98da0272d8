package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskbridge/taskbridge/internal/backend"
	"github.com/taskbridge/taskbridge/internal/syncstate"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state for the configured backends",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		m, err := loadManifest()
		if err != nil {
			return err
		}
		if len(m.Backends) < 2 {
			return fmt.Errorf("manifest must declare at least 2 backends, got %d", len(m.Backends))
		}

		store, err := syncstate.Open(m.State, m.backendIDs())
		if err != nil {
			return err
		}
		defer store.Close()

		items, err := store.ListSyncItems()
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"state_dir":  store.Dir(),
				"backends":   m.backendIDs(),
				"item_count": len(items),
				"items":      items,
			})
			return nil
		}

		fmt.Printf("State: %s\n", store.Dir())
		fmt.Printf("Backends: %v\n", m.backendIDs())
		fmt.Printf("Tracked items: %d\n", len(items))
		conflicted := 0
		for _, item := range items {
			if item.HasConflicts {
				conflicted++
			}
		}
		if conflicted > 0 {
			fmt.Printf("Items with unresolved conflicts: %d\n", conflicted)
		}
		if verboseFlag {
			for _, item := range items {
				fmt.Printf("  %s\n", item.SyncID)
				for _, b := range item.Backends() {
					fmt.Printf("    %s: %s (synced %s)\n", b, item.BackendIDs[b],
						item.LastSyncTimes[b].Format("2006-01-02 15:04:05"))
				}
			}
		}
		return nil
	},
}

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List registered backend adapter types",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		names := backend.List()
		if jsonOutput {
			outputJSON(map[string]interface{}{"backends": names})
			return
		}
		for _, name := range names {
			fmt.Println(name)
		}
	},
}
