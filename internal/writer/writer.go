// Package writer accumulates fixture records per entity type and flushes
// them to bounded-size, sequentially numbered JSON chunk files.
package writer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/segmentio/encoding/json"

	"github.com/Living-with-machines/alto2txt2fixture/internal/fixture"
)

type batch struct {
	records  []fixture.Record
	nextSeq  int // 1-based chunk number for the next flush
	appended int64
}

// Writer is the single shared sink for all workers. Appends are serialized
// under one mutex so chunk boundaries stay well-defined under parallel
// producers. The element bound is a hard ceiling per chunk file.
type Writer struct {
	dir    string
	max    int
	logger *slog.Logger

	mu      sync.Mutex
	batches map[string]*batch
}

// New creates the output directory and a writer flushing at max records per
// chunk. An unusable output directory is fatal to the run.
func New(dir string, max int, logger *slog.Logger) (*Writer, error) {
	if max < 1 {
		return nil, fmt.Errorf("chunk size must be at least 1, got %d", max)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", dir, err)
	}
	return &Writer{
		dir:     dir,
		max:     max,
		logger:  logger.With(slog.String("component", "writer")),
		batches: make(map[string]*batch),
	}, nil
}

// Append adds one record to the open batch for prefix, flushing the batch
// to its next chunk file when it reaches the configured bound.
func (w *Writer) Append(prefix string, rec fixture.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.batches[prefix]
	if !ok {
		b = &batch{nextSeq: 1}
		w.batches[prefix] = b
	}
	b.records = append(b.records, rec)
	b.appended++

	if len(b.records) >= w.max {
		return w.flushLocked(prefix, b)
	}
	return nil
}

// FlushAll writes every non-empty trailing batch. Must be called at run end.
func (w *Writer) FlushAll() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for prefix, b := range w.batches {
		if len(b.records) == 0 {
			continue
		}
		if err := w.flushLocked(prefix, b); err != nil {
			return err
		}
	}
	return nil
}

// flushLocked writes the current batch as <dir>/<prefix>-<n>.json and opens
// a fresh batch. Caller holds w.mu.
func (w *Writer) flushLocked(prefix string, b *batch) error {
	path := filepath.Join(w.dir, fmt.Sprintf("%s-%d.json", prefix, b.nextSeq))
	data, err := json.Marshal(b.records)
	if err != nil {
		return fmt.Errorf("encode chunk %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write chunk %s: %w", path, err)
	}

	w.logger.Info("Chunk flushed.",
		slog.String("prefix", prefix),
		slog.Int("chunk", b.nextSeq),
		slog.Int("records", len(b.records)),
	)

	b.nextSeq++
	b.records = b.records[:0]
	return nil
}

// Counts returns the total number of records appended per prefix.
func (w *Writer) Counts() map[string]int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	counts := make(map[string]int64, len(w.batches))
	for prefix, b := range w.batches {
		counts[prefix] = b.appended
	}
	return counts
}
