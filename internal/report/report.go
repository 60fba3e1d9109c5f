// Package report persists one JSON processing report per archive, keyed by
// a stable identifier derived from the archive path so re-runs overwrite
// rather than duplicate.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
)

// Report captures everything observed while processing one archive. It is
// written even when processing fails partway, with whatever counts had
// accumulated by then.
type Report struct {
	Path       string `json:"path"`
	Collection string `json:"collection"`
	RunID      string `json:"run_id"`

	Bytes    int64  `json:"bytes"`
	Size     string `json:"size"`
	Contents int    `json:"contents"`
	Skipped  int    `json:"skipped"`

	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Seconds      int64     `json:"seconds"`
	Microseconds int64     `json:"microseconds"`

	PublicationCodes []string `json:"publication_codes"`
	IssuePaths       []string `json:"issue_paths"`
	ItemPaths        []string `json:"item_paths"`

	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
	Success  bool     `json:"success"`
}

// Finish stamps the end time and the elapsed seconds plus sub-second
// remainder in microseconds.
func (r *Report) Finish(end time.Time) {
	r.End = end
	elapsed := end.Sub(r.Start)
	r.Seconds = int64(elapsed / time.Second)
	r.Microseconds = int64((elapsed % time.Second) / time.Microsecond)
}

// ArchiveID derives the stable report key for an archive path: the file stem
// with the "_metadata" suffix trimmed, plus a short hash of the full path so
// same-named archives in different collections cannot collide.
func ArchiveID(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	stem = strings.TrimSuffix(stem, "_metadata")
	sum := sha256.Sum256([]byte(path))
	return fmt.Sprintf("%s-%s", stem, hex.EncodeToString(sum[:4]))
}

// Recorder writes reports into a directory, one file per archive.
type Recorder struct {
	dir    string
	logger *slog.Logger
}

// NewRecorder creates the report directory if needed.
func NewRecorder(dir string, logger *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report directory %s: %w", dir, err)
	}
	return &Recorder{dir: dir, logger: logger.With(slog.String("component", "reporter"))}, nil
}

// Write persists the report to <dir>/<archive-id>.json, overwriting any
// report from an earlier run over the same archive.
func (r *Recorder) Write(rep *Report) error {
	path := filepath.Join(r.dir, ArchiveID(rep.Path)+".json")
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report for %s: %w", rep.Path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	r.logger.Debug("Report written.", slog.String("report", path), slog.Bool("success", rep.Success))
	return nil
}
