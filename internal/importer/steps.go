// Package importer imports ECAR files from the local filesystem into the
// content store.
package importer

import (
	"fmt"
	"path"
	"slices"

	"github.com/ahmethakanbesel/ecar-manager/internal/content"
)

type Step string

const (
	StepCopyEcar        Step = "COPY_ECAR"
	StepParseEcar       Step = "PARSE_ECAR"
	StepExtractEcar     Step = "EXTRACT_ECAR"
	StepProcessContents Step = "PROCESS_CONTENTS"
	StepComplete        Step = "COMPLETE"
)

var transitions = map[Step][]Step{
	StepCopyEcar:        {StepParseEcar},
	StepParseEcar:       {StepExtractEcar},
	StepExtractEcar:     {StepProcessContents},
	StepProcessContents: {StepComplete},
}

func (s Step) CanMoveTo(next Step) bool {
	return slices.Contains(transitions[s], next)
}

// inWorker reports whether the step runs in the worker process.
func (s Step) inWorker() bool {
	return s == StepCopyEcar || s == StepParseEcar || s == StepExtractEcar
}

// Progress ranges per step.
const (
	progressCopyEnd    = 25.0
	progressExtractEnd = 90.0
	progressDone       = 100.0
)

// Meta is the import job snapshot. It is persisted as the job's metadata
// and travels with every worker message.
type Meta struct {
	Step           Step    `json:"step"`
	Progress       float64 `json:"progress"`
	EcarSourcePath string  `json:"ecarSourcePath"`
	// EcarFilePath is the store-relative managed copy of the source.
	EcarFilePath string  `json:"ecarFilePath,omitempty"`
	FileSize     int64   `json:"fileSize"`
	ContentID    string  `json:"contentId,omitempty"`
	MimeType     string  `json:"mimeType,omitempty"`
	PkgVersion   float64 `json:"pkgVersion,omitempty"`
	// ChildNodes lists the non-collection descendants of a collection root.
	ChildNodes []string `json:"childNodes,omitempty"`
	// ContentSkipList holds items already available with the same or a
	// newer version; their entries are not extracted again.
	ContentSkipList  []string        `json:"contentSkipList,omitempty"`
	ExtractedEntries map[string]bool `json:"extractedEntries,omitempty"`
	// CreatedFolders are content folders this job created; they are removed
	// when the job is discarded.
	CreatedFolders    []string        `json:"createdFolders,omitempty"`
	UnzippedArtifacts map[string]bool `json:"unzippedArtifacts,omitempty"`
	CorruptContents   []string        `json:"corruptContents,omitempty"`
}

func (m *Meta) skipped(id string) bool {
	return slices.Contains(m.ContentSkipList, id)
}

func (m *Meta) corrupt(id string) bool {
	return slices.Contains(m.CorruptContents, id)
}

func (m *Meta) reset() {
	m.Step = StepCopyEcar
	m.Progress = 0
	m.ContentSkipList = nil
	m.ExtractedEntries = nil
	m.UnzippedArtifacts = nil
	m.CorruptContents = nil
}

func ecarCopyPath(jobID string) string {
	return path.Join("ecars", jobID+".ecar")
}

func manifestPath(contentID string) string {
	return path.Join(content.BaseDir(contentID), content.ManifestFile)
}

func checkTransition(from, to Step) error {
	if !from.CanMoveTo(to) {
		return fmt.Errorf("import: invalid step transition %s -> %s", from, to)
	}
	return nil
}
