// Package download fetches content packages from the remote catalog,
// extracts them through a worker and indexes them in the content store.
package download

import (
	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
	"github.com/ahmethakanbesel/ecar-manager/internal/content"
)

// ItemStep is the position of one package within a download job.
type ItemStep string

const (
	ItemDownload ItemStep = "DOWNLOAD"
	ItemExtract  ItemStep = "EXTRACT"
	ItemIndex    ItemStep = "INDEX"
	ItemComplete ItemStep = "COMPLETE"
	// ItemDelete marks a child dropped from its collection since the stored
	// version. It is demoted to standalone visibility on completion.
	ItemDelete ItemStep = "DELETE"
	ItemFailed ItemStep = "FAILED"
)

// StepExtractDownload is the worker step that unpacks one downloaded ecar.
const StepExtractDownload = "EXTRACT_DOWNLOAD"

// Settled reports whether the item needs no more work in this run.
func (s ItemStep) Settled() bool {
	return s == ItemComplete || s == ItemDelete || s == ItemFailed
}

type Item struct {
	Identifier   string   `json:"identifier"`
	Name         string   `json:"name,omitempty"`
	MimeType     string   `json:"mimeType,omitempty"`
	PkgVersion   float64  `json:"pkgVersion,omitempty"`
	DownloadURL  string   `json:"downloadUrl,omitempty"`
	Size         int64    `json:"size"`
	Downloaded   int64    `json:"downloaded"`
	Step         ItemStep `json:"step"`
	FailedCode   string   `json:"failedCode,omitempty"`
	FailedReason string   `json:"failedReason,omitempty"`
}

// Meta is the download job metadata. Items[0] is the requested content.
type Meta struct {
	ContentID      string   `json:"contentId"`
	MimeType       string   `json:"mimeType,omitempty"`
	PkgVersion     float64  `json:"pkgVersion,omitempty"`
	TotalSize      int64    `json:"totalSize"`
	Items          []*Item  `json:"items"`
	CreatedFolders []string `json:"createdFolders,omitempty"`
}

func (m *Meta) find(id string) *Item {
	for _, it := range m.Items {
		if it.Identifier == id {
			return it
		}
	}
	return nil
}

// fetchableChildren counts the items other than the requested content that
// have something to download.
func (m *Meta) fetchableChildren() int {
	n := 0
	for _, it := range m.Items {
		if it.Identifier != m.ContentID && it.Step != ItemDelete {
			n++
		}
	}
	return n
}

func (m *Meta) failures() int {
	n := 0
	for _, it := range m.Items {
		if it.Step == ItemFailed {
			n++
		}
	}
	return n
}

func (m *Meta) downloaded() int64 {
	var n int64
	for _, it := range m.Items {
		n += min(it.Downloaded, it.Size)
	}
	return n
}

// reset puts every fetchable item back at the start for a fresh run.
func (m *Meta) reset() {
	for _, it := range m.Items {
		if it.Step == ItemDelete {
			continue
		}
		it.Step = ItemDownload
		it.Downloaded = 0
		it.FailedCode = ""
		it.FailedReason = ""
	}
}

func (it *Item) fail(err error) {
	it.Step = ItemFailed
	it.FailedCode = string(apperror.CodeOf(err))
	it.FailedReason = err.Error()
}

// progressDownloadEnd caps the share of progress earned by downloaded bytes;
// the rest is granted on completion.
const progressDownloadEnd = 99

// archivePath is where an item's ecar is downloaded to.
func archivePath(jobID, id string) string {
	return downloadDir(jobID) + "/" + id + ".ecar"
}

func downloadDir(jobID string) string {
	return "downloads/" + jobID
}

func manifestPath(id string) string {
	return content.BaseDir(id) + "/" + content.ManifestFile
}

// extractTask is the snapshot exchanged with the worker for one item.
type extractTask struct {
	Identifier  string `json:"identifier"`
	ArchivePath string `json:"archivePath"`
	Dest        string `json:"dest"`
	Entries     int    `json:"entries,omitempty"`
	Unzipped    bool   `json:"unzipped,omitempty"`
}
