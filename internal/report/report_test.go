package report

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestArchiveID(t *testing.T) {
	id := ArchiveID("/data/hmd-alto2txt/metadata/0002647_metadata.zip")
	assert.Contains(t, id, "0002647")
	assert.NotContains(t, id, "_metadata")

	// Stable across calls.
	assert.Equal(t, id, ArchiveID("/data/hmd-alto2txt/metadata/0002647_metadata.zip"))

	// Same file name under a different path gets a different id.
	other := ArchiveID("/data/lwm-alto2txt/metadata/0002647_metadata.zip")
	assert.NotEqual(t, id, other)
}

func TestFinishComputesElapsed(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rep := &Report{Start: start}
	rep.Finish(start.Add(2*time.Second + 345*time.Millisecond))

	assert.Equal(t, int64(2), rep.Seconds)
	assert.Equal(t, int64(345_000), rep.Microseconds)
}

func TestRecorderWriteAndOverwrite(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, testLogger())
	require.NoError(t, err)

	rep := &Report{
		Path:             "/data/hmd-alto2txt/metadata/0002647_metadata.zip",
		Collection:       "hmd",
		RunID:            "run-1",
		Bytes:            1234,
		Size:             "0.0MB",
		Contents:         10,
		Start:            time.Now().UTC(),
		PublicationCodes: []string{"0002647"},
		Success:          true,
	}
	rep.Finish(rep.Start.Add(time.Second))
	require.NoError(t, rec.Write(rep))

	path := filepath.Join(dir, ArchiveID(rep.Path)+".json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "hmd", decoded["collection"])
	assert.Equal(t, float64(10), decoded["contents"])
	assert.Equal(t, true, decoded["success"])
	assert.NotContains(t, decoded, "error", "empty error is omitted")
	assert.NotContains(t, decoded, "warnings", "empty warnings are omitted")

	// A re-run over the same archive overwrites the report in place.
	rep.RunID = "run-2"
	rep.Success = false
	rep.Error = "resolve failed"
	require.NoError(t, rec.Write(rep))

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "run-2", decoded["run_id"])
	assert.Equal(t, "resolve failed", decoded["error"])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
