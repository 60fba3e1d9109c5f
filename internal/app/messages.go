package app

import (
	"github.com/Living-with-machines/alto2txt2fixture/internal/orchestrator"
)

// ArchiveProgressMsg updates the row for a single archive.
type ArchiveProgressMsg struct {
	ArchivePath string
	Collection  string
	Status      string // orchestrator.Status* values
	ErrMsg      string
	Done        int
	Total       int
}

// RunFinishedMsg signals that the whole run has ended.
type RunFinishedMsg struct {
	Summary *orchestrator.Summary
	Err     error
}

// FromProgressEvent converts an orchestrator callback event into the
// message the model consumes.
func FromProgressEvent(ev orchestrator.ProgressEvent) ArchiveProgressMsg {
	return ArchiveProgressMsg{
		ArchivePath: ev.ArchivePath,
		Collection:  ev.Collection,
		Status:      ev.Status,
		ErrMsg:      ev.ErrMsg,
		Done:        ev.Done,
		Total:       ev.Total,
	}
}
