package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Living-with-machines/alto2txt2fixture/internal/app"
	"github.com/Living-with-machines/alto2txt2fixture/internal/config"
	"github.com/Living-with-machines/alto2txt2fixture/internal/orchestrator"
)

var (
	forceRun bool
	useTUI   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process every archive under the mountpoint into fixture chunks",
	Long: `Processes all zip archives found in <mountpoint>/<collection>-alto2txt/metadata/
for the configured collections. Each archive is read once, its metadata
normalized into fixture records, and a JSON report written per archive.
Archives already completed in a previous run are skipped unless --force.

With --tui, a live progress view shows per-archive status while the run
executes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		db := getDB()
		cfg := getConfig()

		var summary *orchestrator.Summary
		var runErr error
		if useTUI {
			summary, runErr = runWithTUI(cmd.Context(), cfg, db, logger)
		} else {
			summary, runErr = orchestrator.Run(cmd.Context(), cfg, db, logger, orchestrator.Options{Force: forceRun})
		}

		if summary != nil {
			printSummary(summary)
		}
		if runErr != nil {
			return fmt.Errorf("run failed: %w", runErr)
		}
		return nil
	},
}

// runWithTUI executes the pipeline in a goroutine while the bubbletea
// program renders its progress events. bubbletea owns the terminal and
// swallows ctrl+c while it runs, so quitting the view cancels the run's
// context here, then waits for the pipeline to wind down: in-flight
// archives persist their reports and the registry flushes before we return.
func runWithTUI(ctx context.Context, cfg config.Config, db *sql.DB, logger *slog.Logger) (*orchestrator.Summary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgChan := make(chan tea.Msg, 64)
	model := app.NewModel(msgChan)
	prog := tea.NewProgram(model)

	go func() {
		summary, err := orchestrator.Run(runCtx, cfg, db, logger, orchestrator.Options{
			Force: forceRun,
			Progress: func(ev orchestrator.ProgressEvent) {
				msgChan <- app.FromProgressEvent(ev)
			},
		})
		msgChan <- app.RunFinishedMsg{Summary: summary, Err: err}
	}()

	if _, err := prog.Run(); err != nil {
		cancel()
		fin := drainUntilFinished(msgChan)
		return fin.Summary, fmt.Errorf("progress view failed: %w", err)
	}
	if model.Quitting {
		cancel()
		fin := drainUntilFinished(msgChan)
		return fin.Summary, fin.Err
	}
	return model.Summary, model.RunErr
}

// drainUntilFinished keeps consuming progress messages so the pipeline
// goroutine never blocks on a full channel, returning once its final
// message arrives.
func drainUntilFinished(msgChan <-chan tea.Msg) app.RunFinishedMsg {
	for msg := range msgChan {
		if fin, ok := msg.(app.RunFinishedMsg); ok {
			return fin
		}
	}
	return app.RunFinishedMsg{}
}

func printSummary(s *orchestrator.Summary) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	grey := color.New(color.FgHiBlack)

	bold.Printf("\nRun %s finished in %s\n", s.RunID, s.Elapsed.Round(time.Millisecond))
	fmt.Printf("  archives: %d discovered", s.Discovered)
	green.Printf("  %d succeeded", s.Succeeded)
	if s.Failed > 0 {
		red.Printf("  %d failed", s.Failed)
	}
	if s.Skipped > 0 {
		grey.Printf("  %d skipped", s.Skipped)
	}
	if s.Aborted > 0 {
		grey.Printf("  %d aborted", s.Aborted)
	}
	fmt.Println()

	if len(s.Records) > 0 {
		prefixes := make([]string, 0, len(s.Records))
		for prefix := range s.Records {
			prefixes = append(prefixes, prefix)
		}
		sort.Strings(prefixes)
		fmt.Println("  records:")
		for _, prefix := range prefixes {
			fmt.Printf("    %-14s %d\n", prefix, s.Records[prefix])
		}
	}
	for _, f := range s.Failures {
		red.Printf("  failed: %s: %v\n", f.Path, f.Err)
	}
}

func init() {
	runCmd.Flags().BoolVar(&forceRun, "force", false, "Reprocess archives already completed in previous runs")
	runCmd.Flags().BoolVar(&useTUI, "tui", false, "Show a live progress view while the run executes")
}
