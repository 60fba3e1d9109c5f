package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/Living-with-machines/alto2txt2fixture/internal/fixture"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeItemChunk(t *testing.T, dir string, seq int, records []fixture.Record) {
	t.Helper()
	data, err := json.Marshal(records)
	require.NoError(t, err)
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.json", fixture.Item.Prefix, seq))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func itemRecord(pk int64, code string, digitisationID any) fixture.Record {
	return fixture.Record{
		Pk:    pk,
		Model: fixture.Item.Model,
		Fields: map[string]any{
			"item_code":        code,
			"title":            "An item title",
			"item_type":        "ARTICLE",
			"word_count":       float64(120),
			"input_filename":   code + ".txt",
			"ocr_quality_mean": 0.91,
			"ocr_quality_sd":   0.12,
			"issue_id":         float64(1),
			"digitisation_id":  digitisationID,
			"ingest_id":        float64(1),
			"data_provider_id": float64(1),
		},
	}
}

func TestRunExportsAllChunksInOrder(t *testing.T) {
	dir := t.TempDir()
	writeItemChunk(t, dir, 1, []fixture.Record{
		itemRecord(1, "0002647-18240218-art0001", float64(1)),
		itemRecord(2, "0002647-18240218-art0002", float64(1)),
	})
	writeItemChunk(t, dir, 2, []fixture.Record{
		itemRecord(3, "0002647-18240219-art0001", nil),
	})

	dest := filepath.Join(dir, "items.parquet")
	rows, err := Run(context.Background(), dir, dest, testLogger())
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows)

	fr, err := local.NewLocalFileReader(dest)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(ItemRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	require.Equal(t, int64(3), pr.GetNumRows())
	out := make([]ItemRow, 3)
	require.NoError(t, pr.Read(&out))

	assert.Equal(t, int64(1), out[0].Pk)
	assert.Equal(t, "0002647-18240218-art0001", out[0].ItemCode)
	assert.Equal(t, int64(120), out[0].WordCount)
	assert.Equal(t, 0.91, out[0].OcrQualityMean)
	assert.Equal(t, int64(3), out[2].Pk, "chunk order preserved")
	assert.Equal(t, int64(0), out[2].DigitisationID, "null foreign key exports as zero")
}

func TestRunWithoutChunksFails(t *testing.T) {
	_, err := Run(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "items.parquet"), testLogger())
	assert.Error(t, err)
}

func TestChunkSeq(t *testing.T) {
	assert.Equal(t, 1, chunkSeq("/out/Item-1.json"))
	assert.Equal(t, 12, chunkSeq("/out/Item-12.json"))
	assert.Equal(t, 0, chunkSeq("/out/Item.json"))
}
