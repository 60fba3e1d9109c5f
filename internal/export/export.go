// Package export converts generated Item fixture chunks into a single
// Parquet file for columnar analysis of the item-level metadata.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/segmentio/encoding/json"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/Living-with-machines/alto2txt2fixture/internal/fixture"
)

// ItemRow is the Parquet schema for one item record.
type ItemRow struct {
	Pk             int64   `parquet:"name=pk, type=INT64"`
	ItemCode       string  `parquet:"name=item_code, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Title          string  `parquet:"name=title, type=BYTE_ARRAY, convertedtype=UTF8"`
	ItemType       string  `parquet:"name=item_type, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	WordCount      int64   `parquet:"name=word_count, type=INT64"`
	InputFilename  string  `parquet:"name=input_filename, type=BYTE_ARRAY, convertedtype=UTF8"`
	OcrQualityMean float64 `parquet:"name=ocr_quality_mean, type=DOUBLE"`
	OcrQualitySd   float64 `parquet:"name=ocr_quality_sd, type=DOUBLE"`
	IssueID        int64   `parquet:"name=issue_id, type=INT64"`
	DigitisationID int64   `parquet:"name=digitisation_id, type=INT64"`
	IngestID       int64   `parquet:"name=ingest_id, type=INT64"`
	DataProviderID int64   `parquet:"name=data_provider_id, type=INT64"`
}

// Run reads every Item chunk file under fixtureDir and writes their records
// to a snappy-compressed Parquet file at destPath. Returns the row count.
func Run(ctx context.Context, fixtureDir, destPath string, logger *slog.Logger) (int64, error) {
	chunks, err := filepath.Glob(filepath.Join(fixtureDir, fixture.Item.Prefix+"-*.json"))
	if err != nil {
		return 0, fmt.Errorf("enumerate item chunks in %s: %w", fixtureDir, err)
	}
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no %s chunks found in %s, run the pipeline first", fixture.Item.Prefix, fixtureDir)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunkSeq(chunks[i]) < chunkSeq(chunks[j]) })

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, fmt.Errorf("create export directory: %w", err)
	}
	fw, err := local.NewLocalFileWriter(destPath)
	if err != nil {
		return 0, fmt.Errorf("create parquet file %s: %w", destPath, err)
	}
	defer fw.Close()

	pw, err := writer.NewParquetWriter(fw, new(ItemRow), 4)
	if err != nil {
		return 0, fmt.Errorf("create parquet writer for %s: %w", destPath, err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	var rows int64
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return rows, err
		}
		n, err := exportChunk(pw, chunk)
		if err != nil {
			return rows, err
		}
		rows += n
		logger.Debug("Chunk exported.", slog.String("chunk", chunk), slog.Int64("rows", n))
	}

	if err := pw.WriteStop(); err != nil {
		return rows, fmt.Errorf("finalize parquet file %s: %w", destPath, err)
	}
	logger.Info("Parquet export complete.",
		slog.String("path", destPath),
		slog.Int("chunks", len(chunks)),
		slog.Int64("rows", rows),
	)
	return rows, nil
}

func exportChunk(pw *writer.ParquetWriter, path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read chunk %s: %w", path, err)
	}
	var records []fixture.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, fmt.Errorf("decode chunk %s: %w", path, err)
	}

	var rows int64
	for _, rec := range records {
		row := ItemRow{
			Pk:             rec.Pk,
			ItemCode:       asString(rec.Fields["item_code"]),
			Title:          asString(rec.Fields["title"]),
			ItemType:       asString(rec.Fields["item_type"]),
			WordCount:      asInt64(rec.Fields["word_count"]),
			InputFilename:  asString(rec.Fields["input_filename"]),
			OcrQualityMean: asFloat64(rec.Fields["ocr_quality_mean"]),
			OcrQualitySd:   asFloat64(rec.Fields["ocr_quality_sd"]),
			IssueID:        asInt64(rec.Fields["issue_id"]),
			DigitisationID: asInt64(rec.Fields["digitisation_id"]),
			IngestID:       asInt64(rec.Fields["ingest_id"]),
			DataProviderID: asInt64(rec.Fields["data_provider_id"]),
		}
		if err := pw.Write(row); err != nil {
			return rows, fmt.Errorf("write row %s from %s: %w", row.ItemCode, path, err)
		}
		rows++
	}
	return rows, nil
}

func chunkSeq(path string) int {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	idx := strings.LastIndex(stem, "-")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(stem[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

// JSON decoding yields float64 for numbers and nil for null foreign keys;
// null digitisation ids export as 0.
func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}
