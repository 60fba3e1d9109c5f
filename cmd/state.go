package cmd

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Living-with-machines/alto2txt2fixture/internal/registry"
	"github.com/Living-with-machines/alto2txt2fixture/internal/state"
)

var (
	stateLimit       int
	stateFilterEvent string
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "View the archive event log and identifier registry counts",
	Long: `Queries the DuckDB state database and displays recent archive events plus
the number of registered identifiers per entity type. Use flags to filter
by event type and limit the output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		db := getDB()
		ctx := cmd.Context()

		reg, err := registry.Load(ctx, db, logger)
		if err != nil {
			return fmt.Errorf("load identifier registry: %w", err)
		}
		counts := reg.Counts()
		kinds := make([]string, 0, len(counts))
		for kind := range counts {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)

		bold := color.New(color.Bold)
		bold.Println("Identifier registry:")
		if len(kinds) == 0 {
			fmt.Println("  (empty)")
		}
		for _, kind := range kinds {
			fmt.Printf("  %-14s %d\n", kind, counts[kind])
		}

		events, err := state.RecentEvents(ctx, db, stateFilterEvent, stateLimit)
		if err != nil {
			return fmt.Errorf("query event log: %w", err)
		}

		bold.Printf("\nRecent events (%d):\n", len(events))
		red := color.New(color.FgRed)
		for _, ev := range events {
			line := fmt.Sprintf("  %s  %-13s %-6s %s",
				ev.Timestamp.Format(time.RFC3339), ev.EventType, ev.Collection, filepath.Base(ev.ArchivePath))
			if ev.DurationMs > 0 {
				line += fmt.Sprintf("  (%dms)", ev.DurationMs)
			}
			if ev.Message != "" {
				line += "  " + ev.Message
			}
			if ev.EventType == state.EventError {
				red.Println(line)
			} else {
				fmt.Println(line)
			}
		}
		return nil
	},
}

func init() {
	stateCmd.Flags().IntVarP(&stateLimit, "limit", "n", 50, "Limit the number of log records displayed")
	stateCmd.Flags().StringVarP(&stateFilterEvent, "event", "e", "", "Filter records by event type (e.g., process_end, error, skip)")
}
