package writer

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Living-with-machines/alto2txt2fixture/internal/fixture"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(pk int64) fixture.Record {
	return fixture.Record{
		Pk:     pk,
		Model:  "newspapers.item",
		Fields: map[string]any{"item_code": fmt.Sprintf("code-%d", pk)},
	}
}

func readChunk(t *testing.T, path string) []fixture.Record {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var records []fixture.Record
	require.NoError(t, json.Unmarshal(data, &records))
	return records
}

func TestNewRejectsBadBound(t *testing.T) {
	_, err := New(t.TempDir(), 0, testLogger())
	assert.Error(t, err)
}

func TestChunkBoundaries(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, 2, testLogger())
	require.NoError(t, err)

	// One newspaper, two issues, three items: the item stream spills into a
	// second chunk, the others stay within one.
	require.NoError(t, w.Append("Newspaper", record(1)))
	require.NoError(t, w.Append("Issue", record(1)))
	require.NoError(t, w.Append("Issue", record(2)))
	for pk := int64(1); pk <= 3; pk++ {
		require.NoError(t, w.Append("Item", record(pk)))
	}
	require.NoError(t, w.FlushAll())

	assert.Len(t, readChunk(t, filepath.Join(dir, "Newspaper-1.json")), 1)
	assert.Len(t, readChunk(t, filepath.Join(dir, "Issue-1.json")), 2)
	assert.Len(t, readChunk(t, filepath.Join(dir, "Item-1.json")), 2)
	assert.Len(t, readChunk(t, filepath.Join(dir, "Item-2.json")), 1)

	_, err = os.Stat(filepath.Join(dir, "Issue-2.json"))
	assert.True(t, os.IsNotExist(err), "no empty trailing chunk")
}

func TestHardCeilingNeverExceeded(t *testing.T) {
	dir := t.TempDir()
	max := 5
	w, err := New(dir, max, testLogger())
	require.NoError(t, err)

	for pk := int64(1); pk <= 23; pk++ {
		require.NoError(t, w.Append("Item", record(pk)))
	}
	require.NoError(t, w.FlushAll())

	chunks, err := filepath.Glob(filepath.Join(dir, "Item-*.json"))
	require.NoError(t, err)
	require.Len(t, chunks, 5)

	total := 0
	for _, chunk := range chunks {
		records := readChunk(t, chunk)
		assert.LessOrEqual(t, len(records), max, "chunk %s", chunk)
		total += len(records)
	}
	assert.Equal(t, 23, total)
	assert.Len(t, readChunk(t, filepath.Join(dir, "Item-5.json")), 3, "last chunk holds the remainder")
}

func TestSequenceNumbersAreOneBasedAndOrdered(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, 1, testLogger())
	require.NoError(t, err)

	for pk := int64(1); pk <= 3; pk++ {
		require.NoError(t, w.Append("Ingest", record(pk)))
	}
	require.NoError(t, w.FlushAll())

	for seq := 1; seq <= 3; seq++ {
		records := readChunk(t, filepath.Join(dir, fmt.Sprintf("Ingest-%d.json", seq)))
		require.Len(t, records, 1)
		assert.Equal(t, int64(seq), records[0].Pk, "records preserve append order across chunks")
	}
}

func TestCounts(t *testing.T) {
	w, err := New(t.TempDir(), 10, testLogger())
	require.NoError(t, err)

	require.NoError(t, w.Append("Item", record(1)))
	require.NoError(t, w.Append("Item", record(2)))
	require.NoError(t, w.Append("Issue", record(1)))

	counts := w.Counts()
	assert.Equal(t, int64(2), counts["Item"])
	assert.Equal(t, int64(1), counts["Issue"])
}

func TestConcurrentAppends(t *testing.T) {
	dir := t.TempDir()
	max := 7
	w, err := New(dir, max, testLogger())
	require.NoError(t, err)

	const producers = 8
	const perProducer = 25

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				pk := int64(p*perProducer + i + 1)
				assert.NoError(t, w.Append("Item", record(pk)))
			}
		}(p)
	}
	wg.Wait()
	require.NoError(t, w.FlushAll())

	chunks, err := filepath.Glob(filepath.Join(dir, "Item-*.json"))
	require.NoError(t, err)

	seen := make(map[int64]bool)
	for _, chunk := range chunks {
		records := readChunk(t, chunk)
		assert.LessOrEqual(t, len(records), max, "chunk %s exceeds the bound", chunk)
		for _, rec := range records {
			assert.False(t, seen[rec.Pk], "record %d appears in more than one chunk", rec.Pk)
			seen[rec.Pk] = true
		}
	}
	assert.Len(t, seen, producers*perProducer, "every appended record lands in exactly one chunk")
	assert.Equal(t, int64(producers*perProducer), w.Counts()["Item"])
}

func TestFlushAllIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, 10, testLogger())
	require.NoError(t, err)

	require.NoError(t, w.Append("Item", record(1)))
	require.NoError(t, w.FlushAll())
	require.NoError(t, w.FlushAll())

	chunks, err := filepath.Glob(filepath.Join(dir, "Item-*.json"))
	require.NoError(t, err)
	assert.Len(t, chunks, 1, "second flush with nothing buffered writes nothing")
}
