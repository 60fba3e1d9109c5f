package archive

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/araddon/dateparse"
)

// alto2txt metadata XML layout. One document per content item.
type metadataDoc struct {
	Publication publicationElem `xml:"publication"`
	Process     processElem     `xml:"process"`
}

type publicationElem struct {
	ID       string    `xml:"id,attr"`
	Title    string    `xml:"title"`
	Location string    `xml:"location"`
	Issue    issueElem `xml:"issue"`
}

type issueElem struct {
	Date string   `xml:"date"`
	Item itemElem `xml:"item"`
}

type itemElem struct {
	ID             string `xml:"id,attr"`
	Title          string `xml:"title"`
	WordCount      string `xml:"word_count"`
	ItemType       string `xml:"item_type"`
	OcrQualityMean string `xml:"ocr_quality_mean"`
	OcrQualitySd   string `xml:"ocr_quality_sd"`
	PlainTextFile  string `xml:"plain_text_file"`
}

type processElem struct {
	InputSubPath  string      `xml:"input_sub_path"`
	XMLFlavour    string      `xml:"xml_flavour"`
	Software      string      `xml:"software"`
	MetsNamespace string      `xml:"mets_namespace"`
	AltoNamespace string      `xml:"alto_namespace"`
	LwmTool       lwmToolElem `xml:"lwm_tool"`
}

type lwmToolElem struct {
	Name    string `xml:"name"`
	Version string `xml:"version"`
	Source  string `xml:"source"`
}

// ItemRecord is one parsed metadata document, carrying everything the
// resolver needs plus the derived paths used for reporting.
type ItemRecord struct {
	Collection string

	PublicationCode     string
	PublicationTitle    string
	PublicationLocation string

	IssueDate    string // normalized YYYY-MM-DD
	IssueCode    string // <publication_code>-<YYYYMMDD>
	InputSubPath string

	ItemID         string
	ItemCode       string // <issue_code>-<item id>
	ItemTitle      string
	WordCount      string
	ItemType       string
	OcrQualityMean string
	OcrQualitySd   string
	PlainTextFile  string

	XMLFlavour    string
	Software      string
	MetsNamespace string
	AltoNamespace string

	ToolName    string
	ToolVersion string

	// Reporting paths, normalized relative to the collection.
	IssuePath string
	ItemPath  string
}

var publicationCodePattern = regexp.MustCompile(`\d{7}`)

// Legacy NCBL publication aliases whose codes cannot be recovered from the
// input sub path.
var ncblFallbackCodes = map[string]string{
	"NCBL1001": "0000499",
	"NCBL1002": "0000499",
	"NCBL1023": "0000152",
	"NCBL1024": "0000171",
	"NCBL1029": "0000165",
	"NCBL1034": "0000160",
	"NCBL1035": "0000185",
}

// normalizePublicationCode maps a raw publication id to the canonical
// 7-digit code. Short codes are zero-padded; NCBL aliases and other
// non-conforming ids are recovered from a 7-digit run in the input sub
// path, falling back to the fixed alias table where one exists.
func normalizePublicationCode(raw, inputSubPath string) (string, error) {
	code := raw
	if len(code) != 7 {
		if fallback, ok := ncblFallbackCodes[code]; ok {
			if fromPath := codeFromSubPath(inputSubPath); fromPath != "" {
				code = fromPath
			} else {
				code = fallback
			}
		} else if len(code) == 4 || strings.Contains(code, "NCBL") {
			fromPath := codeFromSubPath(inputSubPath)
			if fromPath == "" {
				return "", fmt.Errorf("publication code look-up failed for %q (input_sub_path %q)", raw, inputSubPath)
			}
			code = fromPath
		}
	}

	if code == "" {
		code = codeFromSubPath(inputSubPath)
		if code == "" {
			return "", fmt.Errorf("no publication code in document or input_sub_path %q", inputSubPath)
		}
	}

	if len(code) < 7 {
		code = strings.Repeat("0", 7-len(code)) + code
	}
	if len(code) != 7 {
		return "", fmt.Errorf("publication code %q has wrong length %d", code, len(code))
	}
	return code, nil
}

// codeFromSubPath returns the 7-digit code embedded in an input sub path,
// but only when exactly one candidate appears.
func codeFromSubPath(inputSubPath string) string {
	matches := publicationCodePattern.FindAllString(inputSubPath, -1)
	if len(matches) == 1 {
		return matches[0]
	}
	return ""
}

// normalizeIssueDate parses a possibly messy date string and renders it as
// YYYY-MM-DD. Unparseable dates are an error; an issue without a date
// cannot be keyed.
func normalizeIssueDate(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty issue date")
	}
	t, err := dateparse.ParseAny(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse issue date %q: %w", raw, err)
	}
	return t.Format("2006-01-02"), nil
}

// cleanTitle strips the trailing punctuation alto2txt leaves on some
// publication titles.
func cleanTitle(title string) string {
	s := strings.TrimSpace(title)
	s = strings.TrimSpace(strings.TrimSuffix(s, "."))
	s = strings.TrimSpace(strings.TrimSuffix(s, ":"))
	return s
}

// numberPaths returns the two nesting directories used in normalized issue
// and item paths, derived from the first digits of the publication code.
func numberPaths(publicationCode string) []string {
	stripped := strings.TrimLeft(publicationCode, "0")
	if len(stripped) > 2 {
		stripped = stripped[:2]
	}
	parts := strings.Split(stripped, "")
	if len(parts) == 1 {
		parts = append([]string{"0"}, parts...)
	}
	if len(parts) == 0 {
		parts = []string{"0", "0"}
	}
	return parts
}

func (r *ItemRecord) derivePaths() {
	nested := strings.Join(numberPaths(r.PublicationCode), "/")
	base := fmt.Sprintf("%s/%s/%s", r.Collection, nested, r.PublicationCode)
	r.IssuePath = fmt.Sprintf("%s/issues/%s.json", base, r.IssueCode)
	r.ItemPath = fmt.Sprintf("%s/items.jsonl", base)
}

// fromDoc converts a parsed XML document into an ItemRecord, applying all
// normalization. Returns an error when the document cannot be keyed.
func fromDoc(doc *metadataDoc, collection string) (ItemRecord, error) {
	code, err := normalizePublicationCode(doc.Publication.ID, doc.Process.InputSubPath)
	if err != nil {
		return ItemRecord{}, err
	}
	date, err := normalizeIssueDate(doc.Publication.Issue.Date)
	if err != nil {
		return ItemRecord{}, err
	}
	if doc.Publication.Issue.Item.ID == "" {
		return ItemRecord{}, fmt.Errorf("document for publication %s has no item id", code)
	}

	issueCode := strings.ReplaceAll(code, "-", "") + "-" + strings.ReplaceAll(date, "-", "")
	rec := ItemRecord{
		Collection:          collection,
		PublicationCode:     code,
		PublicationTitle:    cleanTitle(doc.Publication.Title),
		PublicationLocation: doc.Publication.Location,
		IssueDate:           date,
		IssueCode:           issueCode,
		InputSubPath:        doc.Process.InputSubPath,
		ItemID:              doc.Publication.Issue.Item.ID,
		ItemCode:            issueCode + "-" + doc.Publication.Issue.Item.ID,
		ItemTitle:           doc.Publication.Issue.Item.Title,
		WordCount:           doc.Publication.Issue.Item.WordCount,
		ItemType:            doc.Publication.Issue.Item.ItemType,
		OcrQualityMean:      doc.Publication.Issue.Item.OcrQualityMean,
		OcrQualitySd:        doc.Publication.Issue.Item.OcrQualitySd,
		PlainTextFile:       doc.Publication.Issue.Item.PlainTextFile,
		XMLFlavour:          doc.Process.XMLFlavour,
		Software:            doc.Process.Software,
		MetsNamespace:       doc.Process.MetsNamespace,
		AltoNamespace:       doc.Process.AltoNamespace,
		ToolName:            doc.Process.LwmTool.Name,
		ToolVersion:         doc.Process.LwmTool.Version,
	}
	rec.derivePaths()
	return rec, nil
}
