// Package archive reads one alto2txt metadata zip at a time, yielding parsed
// item records plus aggregate facts about the archive for reporting.
package archive

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Living-with-machines/alto2txt2fixture/internal/util"
)

// Archive wraps an open metadata zip. Aggregate fields are populated as the
// record stream is consumed; they are only complete once Each has returned.
type Archive struct {
	Path       string
	Collection string

	// Facts known at open time.
	SizeRaw  int64  // bytes on disk
	Size     string // human-readable
	Contents int    // zip member count

	// Facts accumulated while reading.
	Skipped          int      // malformed members skipped
	PublicationCodes []string // distinct codes in first-seen order
	IssuePaths       []string // distinct normalized issue paths
	ItemPaths        []string // distinct normalized item paths

	reader *zip.ReadCloser
	logger *slog.Logger

	seenCodes      map[string]struct{}
	seenIssuePaths map[string]struct{}
	seenItemPaths  map[string]struct{}
}

// Open stats and opens the archive at path. A zip that cannot be opened is
// an archive-level failure; the caller reports it and moves on.
func Open(path, collection string, logger *slog.Logger) (*Archive, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat archive %s: %w", path, err)
	}
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}

	return &Archive{
		Path:           path,
		Collection:     collection,
		SizeRaw:        info.Size(),
		Size:           util.HumanSize(info.Size()),
		Contents:       len(reader.File),
		reader:         reader,
		logger:         logger.With(slog.String("archive", path)),
		seenCodes:      make(map[string]struct{}),
		seenIssuePaths: make(map[string]struct{}),
		seenItemPaths:  make(map[string]struct{}),
	}, nil
}

// Close releases the underlying zip reader.
func (a *Archive) Close() error {
	return a.reader.Close()
}

// Each streams the archive's parseable item records through fn in member
// order. Malformed or empty members are counted in Skipped and logged, not
// fatal. An error from fn aborts the stream; the stream restarts only from
// scratch via a fresh Open.
func (a *Archive) Each(ctx context.Context, fn func(ItemRecord) error) error {
	for _, member := range a.reader.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if member.FileInfo().IsDir() {
			continue
		}

		rec, ok := a.parseMember(member)
		if !ok {
			a.Skipped++
			continue
		}
		a.observe(rec)
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) parseMember(member *zip.File) (ItemRecord, bool) {
	rc, err := member.Open()
	if err != nil {
		a.logger.Warn("Skipping unreadable archive member.", "member", member.Name, "error", err)
		return ItemRecord{}, false
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		a.logger.Warn("Skipping member, read failed.", "member", member.Name, "error", err)
		return ItemRecord{}, false
	}
	if len(data) == 0 {
		a.logger.Warn("Skipping empty archive member.", "member", member.Name)
		return ItemRecord{}, false
	}

	var doc metadataDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		a.logger.Warn("Skipping member, malformed XML.", "member", member.Name, "error", err)
		return ItemRecord{}, false
	}
	rec, err := fromDoc(&doc, a.Collection)
	if err != nil {
		a.logger.Warn("Skipping member, incomplete metadata.", "member", member.Name, "error", err)
		return ItemRecord{}, false
	}
	return rec, true
}

func (a *Archive) observe(rec ItemRecord) {
	if _, ok := a.seenCodes[rec.PublicationCode]; !ok {
		a.seenCodes[rec.PublicationCode] = struct{}{}
		a.PublicationCodes = append(a.PublicationCodes, rec.PublicationCode)
	}
	if _, ok := a.seenIssuePaths[rec.IssuePath]; !ok {
		a.seenIssuePaths[rec.IssuePath] = struct{}{}
		a.IssuePaths = append(a.IssuePaths, rec.IssuePath)
	}
	if _, ok := a.seenItemPaths[rec.ItemPath]; !ok {
		a.seenItemPaths[rec.ItemPath] = struct{}{}
		a.ItemPaths = append(a.ItemPaths, rec.ItemPath)
	}
}
