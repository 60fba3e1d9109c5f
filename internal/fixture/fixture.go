// Package fixture defines the tagged record shape shared by every emitted
// entity, plus the static metadata describing each entity type.
package fixture

import (
	"strings"
)

// Record is one database-importable fixture entry: a primary key, the model
// the record belongs to, and a mapping of field name to value.
type Record struct {
	Pk     int64          `json:"pk"`
	Model  string         `json:"model"`
	Fields map[string]any `json:"fields"`
}

// Entity describes one of the six entity types the pipeline emits.
type Entity struct {
	// Kind is the registry namespace for identifier allocation.
	Kind string
	// Model is the table identifier stamped onto each record.
	Model string
	// Prefix names the chunk files for this entity type.
	Prefix string
}

var (
	DataProvider = Entity{Kind: "dataprovider", Model: "newspapers.dataprovider", Prefix: "DataProvider"}
	Digitisation = Entity{Kind: "digitisation", Model: "newspapers.digitisation", Prefix: "Digitisation"}
	Ingest       = Entity{Kind: "ingest", Model: "newspapers.ingest", Prefix: "Ingest"}
	Newspaper    = Entity{Kind: "newspaper", Model: "newspapers.newspaper", Prefix: "Newspaper"}
	Issue        = Entity{Kind: "issue", Model: "newspapers.issue", Prefix: "Issue"}
	Item         = Entity{Kind: "item", Model: "newspapers.item", Prefix: "Item"}
)

// All lists the entity types in parent-before-child order.
var All = []Entity{DataProvider, Digitisation, Ingest, Newspaper, Issue, Item}

// ProviderMeta holds the descriptive fields of a known data provider.
type ProviderMeta struct {
	Name       string
	Code       string
	LegacyCode string
	Collection string
	SourceNote string
}

// Known collection sources. Keyed by the legacy alto2txt collection code.
var providerTable = map[string]ProviderMeta{
	"bna": {
		Name:       "FindMyPast",
		Code:       "fmp",
		LegacyCode: "bna",
		Collection: "newspapers",
		SourceNote: "FindMyPast-funded digitised newspapers provided by the British Newspaper Archive",
	},
	"hmd": {
		Name:       "Heritage Made Digital",
		Code:       "bl-hmd",
		LegacyCode: "hmd",
		Collection: "newspapers",
		SourceNote: "British Library-funded digitised newspapers provided by the British Newspaper Archive",
	},
	"jisc": {
		Name:       "Joint Information Systems Committee",
		Code:       "jisc",
		LegacyCode: "jisc",
		Collection: "newspapers",
		SourceNote: "JISC-funded digitised newspapers provided by the British Newspaper Archive",
	},
	"lwm": {
		Name:       "Living with Machines",
		Code:       "bl_lwm",
		LegacyCode: "lwm",
		Collection: "newspapers",
		SourceNote: "Living with Machines-funded digitised newspapers provided by the British Newspaper Archive",
	},
}

// ProviderFor returns the provider metadata for a collection. Unknown
// collections fall back to a minimal record derived from the name itself.
func ProviderFor(collection string) ProviderMeta {
	if meta, ok := providerTable[collection]; ok {
		return meta
	}
	return ProviderMeta{
		Name:       collection,
		Code:       Slugify(collection),
		Collection: "newspapers",
	}
}

// Slugify lowers a name and collapses runs of non-alphanumeric characters
// into single hyphens, suitable for use in URLs and file names.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
