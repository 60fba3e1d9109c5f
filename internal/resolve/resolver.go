// Package resolve turns item metadata records into the full set of related
// fixture records, with foreign keys from the identifier registry and
// per-run deduplication on natural keys.
package resolve

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/Living-with-machines/alto2txt2fixture/internal/archive"
	"github.com/Living-with-machines/alto2txt2fixture/internal/fixture"
	"github.com/Living-with-machines/alto2txt2fixture/internal/registry"
	"github.com/Living-with-machines/alto2txt2fixture/internal/writer"
)

// Item titles longer than this are truncated (database column bound).
const maxTitleRunes = 2_097_151

// Resolver is shared by all archive workers. One mutex covers the whole of
// ResolveItem so that a parent entity's append always lands in the writer
// before any item referencing it, even with concurrent producers.
type Resolver struct {
	reg   *registry.Registry
	sink  *writer.Writer
	stamp string // created_at/updated_at value for every record

	mu   sync.Mutex
	seen map[string]map[string]string // kind -> natural key -> fingerprint
}

// New builds a resolver writing into sink. stamp becomes the created_at and
// updated_at value of every emitted record; callers pass the registry's
// persisted timestamp so repeated runs emit identical bytes.
func New(reg *registry.Registry, sink *writer.Writer, stamp time.Time) *Resolver {
	return &Resolver{
		reg:   reg,
		sink:  sink,
		stamp: stamp.UTC().Format(time.RFC3339),
		seen:  make(map[string]map[string]string),
	}
}

// ResolveItem expands one metadata record into its provider, digitisation,
// ingest, newspaper, issue and item records, emitting each entity at most
// once per run. Returned warnings are resolution conflicts: a natural key
// re-seen with different attributes (first-seen values win).
func (r *Resolver) ResolveItem(rec archive.ItemRecord) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var warnings []string
	collect := func(w string) {
		if w != "" {
			warnings = append(warnings, w)
		}
	}

	meta := fixture.ProviderFor(rec.Collection)
	providerFields := map[string]any{
		"name":        meta.Name,
		"code":        meta.Code,
		"collection":  meta.Collection,
		"source_note": meta.SourceNote,
	}
	if meta.LegacyCode != "" {
		providerFields["legacy_code"] = meta.LegacyCode
	} else {
		providerFields["legacy_code"] = nil
	}
	providerID, warn, err := r.emit(fixture.DataProvider, rec.Collection, providerFields)
	if err != nil {
		return warnings, err
	}
	collect(warn)

	// Records without digitisation software produce no Digitisation entity
	// and a null digitisation_id on the item.
	var digitisationID any
	if rec.Software != "" {
		id, warn, err := r.emit(fixture.Digitisation, rec.Software, map[string]any{
			"xml_flavour":    rec.XMLFlavour,
			"software":       rec.Software,
			"mets_namespace": rec.MetsNamespace,
			"alto_namespace": rec.AltoNamespace,
		})
		if err != nil {
			return warnings, err
		}
		collect(warn)
		digitisationID = id
	}

	ingestKey := rec.ToolName + "-" + rec.ToolVersion
	ingestID, warn, err := r.emit(fixture.Ingest, ingestKey, map[string]any{
		"lwm_tool_name":    rec.ToolName,
		"lwm_tool_version": rec.ToolVersion,
	})
	if err != nil {
		return warnings, err
	}
	collect(warn)

	newspaperID, warn, err := r.emit(fixture.Newspaper, rec.PublicationCode, map[string]any{
		"publication_code": rec.PublicationCode,
		"title":            rec.PublicationTitle,
		"location":         rec.PublicationLocation,
	})
	if err != nil {
		return warnings, err
	}
	collect(warn)

	issueID, warn, err := r.emit(fixture.Issue, rec.IssueCode, map[string]any{
		"issue_code":     rec.IssueCode,
		"issue_date":     rec.IssueDate,
		"input_sub_path": rec.InputSubPath,
		"newspaper_id":   newspaperID,
	})
	if err != nil {
		return warnings, err
	}
	collect(warn)

	_, warn, err = r.emit(fixture.Item, rec.ItemCode, map[string]any{
		"item_code":        rec.ItemCode,
		"title":            truncateRunes(rec.ItemTitle, maxTitleRunes),
		"word_count":       intOrZero(rec.WordCount),
		"item_type":        strings.ToUpper(rec.ItemType),
		"input_filename":   rec.PlainTextFile,
		"ocr_quality_mean": floatOrZero(rec.OcrQualityMean),
		"ocr_quality_sd":   floatOrZero(rec.OcrQualitySd),
		"issue_id":         issueID,
		"digitisation_id":  digitisationID,
		"ingest_id":        ingestID,
		"data_provider_id": providerID,
	})
	if err != nil {
		return warnings, err
	}
	collect(warn)

	return warnings, nil
}

// emit resolves the id for (entity, key) and appends the record to the
// writer unless this run has already emitted that key. A re-seen key with
// different attributes yields a non-empty warning. Caller holds r.mu.
func (r *Resolver) emit(entity fixture.Entity, key string, fields map[string]any) (int64, string, error) {
	id := r.reg.Resolve(entity.Kind, key)

	fp, err := fingerprint(fields)
	if err != nil {
		return 0, "", fmt.Errorf("fingerprint %s %q: %w", entity.Kind, key, err)
	}

	byKey, ok := r.seen[entity.Kind]
	if !ok {
		byKey = make(map[string]string)
		r.seen[entity.Kind] = byKey
	}
	if prev, dup := byKey[key]; dup {
		if prev != fp {
			return id, fmt.Sprintf("%s %q re-seen with different attributes; keeping first-seen values", entity.Kind, key), nil
		}
		return id, "", nil
	}
	byKey[key] = fp

	fields["created_at"] = r.stamp
	fields["updated_at"] = r.stamp
	if err := r.sink.Append(entity.Prefix, fixture.Record{Pk: id, Model: entity.Model, Fields: fields}); err != nil {
		return id, "", err
	}
	return id, "", nil
}

// fingerprint serializes fields deterministically for conflict detection.
// Timestamps are stamped after fingerprinting so they never trigger a
// conflict.
func fingerprint(fields map[string]any) (string, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func intOrZero(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func floatOrZero(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
