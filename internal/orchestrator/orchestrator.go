// Package orchestrator drives the full run: enumerate archives per
// collection, fan out across a bounded worker pool, and push each archive
// through read -> resolve -> write with report recording around it.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Living-with-machines/alto2txt2fixture/internal/archive"
	"github.com/Living-with-machines/alto2txt2fixture/internal/config"
	"github.com/Living-with-machines/alto2txt2fixture/internal/registry"
	"github.com/Living-with-machines/alto2txt2fixture/internal/report"
	"github.com/Living-with-machines/alto2txt2fixture/internal/resolve"
	"github.com/Living-with-machines/alto2txt2fixture/internal/state"
	"github.com/Living-with-machines/alto2txt2fixture/internal/writer"
)

// Archive status values surfaced to progress observers.
const (
	StatusQueued     = "Queued"
	StatusProcessing = "Processing"
	StatusComplete   = "Complete"
	StatusSkipped    = "Skipped"
	StatusAborted    = "Aborted"
	StatusError      = "Error"
)

// ProgressEvent describes one archive's status change plus overall counts.
type ProgressEvent struct {
	ArchivePath string
	Collection  string
	Status      string
	ErrMsg      string
	Done        int
	Total       int
}

// ProgressFunc receives progress events; may be nil. Called from worker
// goroutines, so implementations must be safe for concurrent use.
type ProgressFunc func(ProgressEvent)

// Options tune one run.
type Options struct {
	// Force reprocesses archives already marked completed in the event log.
	Force bool
	// Progress, when set, observes per-archive status changes.
	Progress ProgressFunc
}

// ArchiveFailure pairs a failed archive with its error for the run summary.
type ArchiveFailure struct {
	Path string
	Err  error
}

// Summary aggregates the outcome of one run.
type Summary struct {
	RunID      string
	Discovered int
	Succeeded  int
	Failed     int
	Skipped    int // completed in a previous run
	Aborted    int // never started because the run was cancelled
	Records    map[string]int64 // fixture records appended per chunk prefix
	Failures   []ArchiveFailure
	Elapsed    time.Duration
}

type workItem struct {
	path       string
	collection string
}

// Run executes the whole pipeline. The returned error is non-nil only for
// run-fatal conditions: the registry or output directories are unusable, or
// no archive in the run could be processed. Per-archive failures are
// reported through the Summary and the report files.
func Run(appCtx context.Context, cfg config.Config, db *sql.DB, logger *slog.Logger, opts Options) (*Summary, error) {
	runStart := time.Now()
	ctx, stop := signal.NotifyContext(appCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	logger = logger.With(slog.String("run_id", runID))
	logger.Info("Starting run.", slog.Any("collections", cfg.Collections), slog.Int("workers", cfg.NumWorkers))

	reg, err := registry.Load(ctx, db, logger)
	if err != nil {
		return nil, fmt.Errorf("identifier registry unavailable: %w", err)
	}
	sink, err := writer.New(cfg.OutputDir, cfg.MaxElementsPerFile, logger)
	if err != nil {
		return nil, err
	}
	recorder, err := report.NewRecorder(cfg.ReportDir, logger)
	if err != nil {
		return nil, err
	}
	resolver := resolve.New(reg, sink, reg.CreatedAt())

	completed := make(map[string]bool)
	if !opts.Force {
		completed, err = state.CompletedArchives(ctx, db, logger)
		if err != nil {
			logger.Error("Failed to load completed archives, proceeding without skip check.", "error", err)
			completed = make(map[string]bool)
		}
	} else {
		logger.Info("Force enabled, skipping completed-archive check.")
	}

	work, err := discoverArchives(cfg, logger)
	if err != nil {
		return nil, err
	}
	for _, w := range work {
		if err := state.LogArchiveEvent(ctx, db, w.path, w.collection, state.EventDiscovered, runID, "", nil); err != nil {
			logger.Warn("Failed to log discovery event.", "archive", w.path, "error", err)
		}
	}

	run := &runState{
		db:        db,
		logger:    logger,
		runID:     runID,
		reg:       reg,
		sink:      sink,
		recorder:  recorder,
		resolver:  resolver,
		completed: completed,
		opts:      opts,
		total:     len(work),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.NumWorkers)
	for _, w := range work {
		g.Go(func() error {
			return run.processArchive(gctx, w)
		})
	}
	fatalErr := g.Wait()

	// Trailing partial chunks and any ids allocated since the last
	// per-archive flush. Attempted even after a fatal error: records whose
	// ids are already persisted must not be dropped while the writer is
	// intact, and a broken writer just fails again here.
	if err := sink.FlushAll(); err != nil {
		fatalErr = errors.Join(fatalErr, err)
	}
	if flushErr := reg.Flush(context.WithoutCancel(ctx)); flushErr != nil {
		fatalErr = errors.Join(fatalErr, fmt.Errorf("final registry flush: %w", flushErr))
	}

	summary := run.summary(runStart)
	logger.Info("Run finished.",
		slog.Int("discovered", summary.Discovered),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("aborted", summary.Aborted),
		slog.Duration("elapsed", summary.Elapsed.Round(time.Millisecond)),
	)

	if fatalErr != nil {
		return summary, fatalErr
	}
	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("run aborted: %w", err)
	}
	if summary.Succeeded == 0 && summary.Skipped == 0 && summary.Failed > 0 {
		return summary, fmt.Errorf("no archive could be processed (%d failed)", summary.Failed)
	}
	return summary, nil
}

// discoverArchives enumerates <mountpoint>/<collection>-alto2txt/metadata/*.zip
// per collection, smallest archives first so short-running work drains early.
func discoverArchives(cfg config.Config, logger *slog.Logger) ([]workItem, error) {
	var work []workItem
	for _, collection := range cfg.Collections {
		dir := filepath.Join(cfg.Mountpoint, collection+"-alto2txt", "metadata")
		paths, err := filepath.Glob(filepath.Join(dir, "*.zip"))
		if err != nil {
			return nil, fmt.Errorf("enumerate archives in %s: %w", dir, err)
		}
		if len(paths) == 0 {
			logger.Error("Collection looks empty in the mountpoint.",
				slog.String("collection", collection), slog.String("dir", dir))
			continue
		}

		sort.Slice(paths, func(i, j int) bool {
			si, sj := fileSize(paths[i]), fileSize(paths[j])
			if si != sj {
				return si < sj
			}
			return paths[i] < paths[j]
		})
		for _, p := range paths {
			work = append(work, workItem{path: p, collection: collection})
		}
		logger.Info("Collection enumerated.", slog.String("collection", collection), slog.Int("archives", len(paths)))
	}
	if len(work) == 0 {
		return nil, fmt.Errorf("no archives discovered under %s for collections %v", cfg.Mountpoint, cfg.Collections)
	}
	return work, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// runState carries the shared pieces of one run between workers.
type runState struct {
	db        *sql.DB
	logger    *slog.Logger
	runID     string
	reg       *registry.Registry
	sink      *writer.Writer
	recorder  *report.Recorder
	resolver  *resolve.Resolver
	completed map[string]bool
	opts      Options
	total     int

	mu        sync.Mutex
	done      int
	succeeded int
	failed    int
	skipped   int
	aborted   int
	failures  []ArchiveFailure
}

func (r *runState) notify(w workItem, status, errMsg string) {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if r.opts.Progress != nil {
		r.opts.Progress(ProgressEvent{
			ArchivePath: w.path,
			Collection:  w.collection,
			Status:      status,
			ErrMsg:      errMsg,
			Done:        done,
			Total:       r.total,
		})
	}
}

func (r *runState) finish(w workItem, status string, failure error) {
	r.mu.Lock()
	r.done++
	switch status {
	case StatusComplete:
		r.succeeded++
	case StatusSkipped:
		r.skipped++
	case StatusAborted:
		r.aborted++
	case StatusError:
		r.failed++
		r.failures = append(r.failures, ArchiveFailure{Path: w.path, Err: failure})
	}
	r.mu.Unlock()

	errMsg := ""
	if failure != nil {
		errMsg = failure.Error()
	}
	r.notify(w, status, errMsg)
}

// processArchive runs the read -> resolve -> write pipeline for one archive,
// recording its report and event-log entries regardless of outcome. Only
// run-fatal errors are returned; archive-level failures are absorbed into
// the summary so the rest of the run continues.
func (r *runState) processArchive(ctx context.Context, w workItem) error {
	logger := r.logger.With(slog.String("archive", w.path), slog.String("collection", w.collection))

	if r.completed[w.path] && !r.opts.Force {
		logger.Info("Skipping archive, already completed in a previous run.")
		if err := state.LogArchiveEvent(ctx, r.db, w.path, w.collection, state.EventSkip, r.runID, "completed in previous run", nil); err != nil {
			logger.Warn("Failed to log skip event.", "error", err)
		}
		r.finish(w, StatusSkipped, nil)
		return nil
	}
	if err := ctx.Err(); err != nil {
		r.finish(w, StatusAborted, nil)
		return nil
	}

	r.notify(w, StatusProcessing, "")
	start := time.Now().UTC()
	rep := &report.Report{
		Path:       w.path,
		Collection: w.collection,
		RunID:      r.runID,
		Start:      start,
	}
	if err := state.LogArchiveEvent(ctx, r.db, w.path, w.collection, state.EventProcessStart, r.runID, "", nil); err != nil {
		logger.Warn("Failed to log start event.", "error", err)
	}

	archErr, fatalErr := r.pipeArchive(ctx, w, rep, logger)

	rep.Finish(time.Now().UTC())
	rep.Success = archErr == nil && fatalErr == nil
	if archErr != nil {
		rep.Error = archErr.Error()
	} else if fatalErr != nil {
		rep.Error = fatalErr.Error()
	}
	// The report persists even for failed archives; partial counts reflect
	// work completed before the failure.
	if err := r.recorder.Write(rep); err != nil {
		logger.Error("Failed to persist archive report.", "error", err)
		fatalErr = errors.Join(fatalErr, err)
	}

	duration := rep.End.Sub(rep.Start)
	eventCtx := context.WithoutCancel(ctx)
	if rep.Success {
		if err := state.LogArchiveEvent(eventCtx, r.db, w.path, w.collection, state.EventProcessEnd, r.runID,
			fmt.Sprintf("contents=%d skipped=%d", rep.Contents, rep.Skipped), &duration); err != nil {
			logger.Warn("Failed to log end event.", "error", err)
		}
	} else {
		if err := state.LogArchiveEvent(eventCtx, r.db, w.path, w.collection, state.EventError, r.runID, rep.Error, &duration); err != nil {
			logger.Warn("Failed to log error event.", "error", err)
		}
	}

	if fatalErr != nil {
		r.finish(w, StatusError, fatalErr)
		return fatalErr
	}
	if archErr != nil {
		logger.Error("Archive failed.", "error", archErr)
		r.finish(w, StatusError, archErr)
		return nil
	}
	logger.Info("Archive complete.",
		slog.Int("contents", rep.Contents),
		slog.Int("skipped", rep.Skipped),
		slog.Duration("elapsed", duration.Round(time.Millisecond)),
	)
	r.finish(w, StatusComplete, nil)
	return nil
}

// pipeArchive streams one archive through the resolver, filling in the
// report's aggregate facts. The first return value is an archive-level
// failure (recoverable); the second is run-fatal (writer or registry).
func (r *runState) pipeArchive(ctx context.Context, w workItem, rep *report.Report, logger *slog.Logger) (archErr, fatalErr error) {
	arch, err := archive.Open(w.path, w.collection, logger)
	if err != nil {
		return err, nil
	}
	defer arch.Close()

	rep.Bytes = arch.SizeRaw
	rep.Size = arch.Size
	rep.Contents = arch.Contents

	readErr := arch.Each(ctx, func(rec archive.ItemRecord) error {
		warnings, err := r.resolver.ResolveItem(rec)
		rep.Warnings = append(rep.Warnings, warnings...)
		return err
	})

	rep.Skipped = arch.Skipped
	rep.PublicationCodes = arch.PublicationCodes
	rep.IssuePaths = arch.IssuePaths
	rep.ItemPaths = arch.ItemPaths

	if readErr != nil {
		if errors.Is(readErr, context.Canceled) || errors.Is(readErr, context.DeadlineExceeded) {
			return readErr, nil
		}
		// Resolver errors mean the shared writer is broken; that is fatal
		// to the whole run, not just this archive.
		return nil, fmt.Errorf("resolve %s: %w", w.path, readErr)
	}

	// Persist ids allocated for this archive before marking it done, so a
	// later crash cannot orphan identifiers referenced by emitted chunks.
	if err := r.reg.Flush(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	return nil, nil
}

func (r *runState) summary(runStart time.Time) *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Summary{
		RunID:      r.runID,
		Discovered: r.total,
		Succeeded:  r.succeeded,
		Failed:     r.failed,
		Skipped:    r.skipped,
		Aborted:    r.aborted,
		Records:    r.sink.Counts(),
		Failures:   append([]ArchiveFailure(nil), r.failures...),
		Elapsed:    time.Since(runStart),
	}
}
