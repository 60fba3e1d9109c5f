package resolve

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Living-with-machines/alto2txt2fixture/internal/archive"
	"github.com/Living-with-machines/alto2txt2fixture/internal/fixture"
	"github.com/Living-with-machines/alto2txt2fixture/internal/registry"
	"github.com/Living-with-machines/alto2txt2fixture/internal/writer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestResolver(t *testing.T) (*Resolver, string) {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg, err := registry.Load(context.Background(), db, testLogger())
	require.NoError(t, err)

	dir := t.TempDir()
	sink, err := writer.New(dir, 1000, testLogger())
	require.NoError(t, err)

	r := New(reg, sink, reg.CreatedAt())
	t.Cleanup(func() { sink.FlushAll() })
	return r, dir
}

func itemRecord(issueDate, itemID string) archive.ItemRecord {
	issueCode := "0002647-" + issueDate
	return archive.ItemRecord{
		Collection:          "hmd",
		PublicationCode:     "0002647",
		PublicationTitle:    "The Morning Chronicle",
		PublicationLocation: "London",
		IssueDate:           "1824-02-18",
		IssueCode:           issueCode,
		InputSubPath:        "0002647/1824/0218",
		ItemID:              itemID,
		ItemCode:            issueCode + "-" + itemID,
		ItemTitle:           "On the subject of machines",
		WordCount:           "120",
		ItemType:            "article",
		OcrQualityMean:      "0.91",
		OcrQualitySd:        "0.12",
		PlainTextFile:       "0002647_18240218_" + itemID + ".txt",
		XMLFlavour:          "alto",
		Software:            "ABBYY FineReader",
		MetsNamespace:       "http://www.loc.gov/METS/",
		AltoNamespace:       "http://www.loc.gov/standards/alto/ns-v1#",
		ToolName:            "alto2txt",
		ToolVersion:         "0.3.1",
	}
}

func readChunk(t *testing.T, dir, name string) []fixture.Record {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	var records []fixture.Record
	require.NoError(t, json.Unmarshal(data, &records))
	return records
}

func TestResolveItemEmitsEachEntityOnce(t *testing.T) {
	r, dir := newTestResolver(t)

	// Three items across two issues of one newspaper.
	for _, rec := range []archive.ItemRecord{
		itemRecord("18240218", "art0001"),
		itemRecord("18240218", "art0002"),
		itemRecord("18240219", "art0001"),
	} {
		warnings, err := r.ResolveItem(rec)
		require.NoError(t, err)
		assert.Empty(t, warnings)
	}
	require.NoError(t, r.sink.FlushAll())

	assert.Len(t, readChunk(t, dir, "DataProvider-1.json"), 1)
	assert.Len(t, readChunk(t, dir, "Digitisation-1.json"), 1)
	assert.Len(t, readChunk(t, dir, "Ingest-1.json"), 1)
	assert.Len(t, readChunk(t, dir, "Newspaper-1.json"), 1)
	assert.Len(t, readChunk(t, dir, "Issue-1.json"), 2)
	assert.Len(t, readChunk(t, dir, "Item-1.json"), 3)
}

func TestResolveItemReferentialIntegrity(t *testing.T) {
	r, dir := newTestResolver(t)

	_, err := r.ResolveItem(itemRecord("18240218", "art0001"))
	require.NoError(t, err)
	require.NoError(t, r.sink.FlushAll())

	newspapers := readChunk(t, dir, "Newspaper-1.json")
	issues := readChunk(t, dir, "Issue-1.json")
	items := readChunk(t, dir, "Item-1.json")
	providers := readChunk(t, dir, "DataProvider-1.json")
	ingests := readChunk(t, dir, "Ingest-1.json")
	digitisations := readChunk(t, dir, "Digitisation-1.json")

	require.Len(t, issues, 1)
	require.Len(t, items, 1)

	assert.Equal(t, float64(newspapers[0].Pk), issues[0].Fields["newspaper_id"])
	assert.Equal(t, float64(issues[0].Pk), items[0].Fields["issue_id"])
	assert.Equal(t, float64(providers[0].Pk), items[0].Fields["data_provider_id"])
	assert.Equal(t, float64(ingests[0].Pk), items[0].Fields["ingest_id"])
	assert.Equal(t, float64(digitisations[0].Pk), items[0].Fields["digitisation_id"])

	assert.Equal(t, "newspapers.item", items[0].Model)
	assert.Equal(t, "ARTICLE", items[0].Fields["item_type"], "item type uppercased")
	assert.Equal(t, float64(120), items[0].Fields["word_count"])
	assert.Equal(t, 0.91, items[0].Fields["ocr_quality_mean"])

	created, ok := items[0].Fields["created_at"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, created)
	assert.NoError(t, err)
	assert.Equal(t, created, items[0].Fields["updated_at"])
}

func TestResolveItemWithoutSoftwareHasNullDigitisation(t *testing.T) {
	r, dir := newTestResolver(t)

	rec := itemRecord("18240218", "art0001")
	rec.Software = ""
	_, err := r.ResolveItem(rec)
	require.NoError(t, err)
	require.NoError(t, r.sink.FlushAll())

	_, statErr := os.Stat(filepath.Join(dir, "Digitisation-1.json"))
	assert.True(t, os.IsNotExist(statErr), "no digitisation entity without software")

	items := readChunk(t, dir, "Item-1.json")
	require.Len(t, items, 1)
	assert.Nil(t, items[0].Fields["digitisation_id"])
}

func TestResolveItemConflictWarnsAndKeepsFirstSeen(t *testing.T) {
	r, dir := newTestResolver(t)

	first := itemRecord("18240218", "art0001")
	_, err := r.ResolveItem(first)
	require.NoError(t, err)

	// Same newspaper key, different title.
	second := itemRecord("18240218", "art0002")
	second.PublicationTitle = "The Evening Chronicle"
	warnings, err := r.ResolveItem(second)
	require.NoError(t, err)
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0], "0002647")

	require.NoError(t, r.sink.FlushAll())
	newspapers := readChunk(t, dir, "Newspaper-1.json")
	require.Len(t, newspapers, 1)
	assert.Equal(t, "The Morning Chronicle", newspapers[0].Fields["title"], "first-seen values win")
}

func TestResolveItemMalformedNumbersDefaultToZero(t *testing.T) {
	r, dir := newTestResolver(t)

	rec := itemRecord("18240218", "art0001")
	rec.WordCount = "not a number"
	rec.OcrQualityMean = ""
	rec.OcrQualitySd = ""
	_, err := r.ResolveItem(rec)
	require.NoError(t, err)
	require.NoError(t, r.sink.FlushAll())

	items := readChunk(t, dir, "Item-1.json")
	require.Len(t, items, 1)
	assert.Equal(t, float64(0), items[0].Fields["word_count"])
	assert.Equal(t, float64(0), items[0].Fields["ocr_quality_mean"])
	assert.Equal(t, float64(0), items[0].Fields["ocr_quality_sd"])
}
