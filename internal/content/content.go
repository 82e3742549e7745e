package content

import (
	"context"
	"path"
	"strings"
	"time"
)

const MimeTypeCollection = "application/vnd.ekstep.content-collection"

type Visibility string

const (
	VisibilityDefault Visibility = "Default"
	VisibilityParent  Visibility = "Parent"
)

type AddedUsing string

const (
	AddedUsingImport   AddedUsing = "import"
	AddedUsingDownload AddedUsing = "download"
)

type DesktopAppMetadata struct {
	AddedUsing  AddedUsing `json:"addedUsing"`
	CreatedOn   time.Time  `json:"createdOn"`
	UpdatedOn   time.Time  `json:"updatedOn"`
	IsAvailable bool       `json:"isAvailable"`
}

// Item is one node of a content package as found in an ECAR manifest, the
// remote catalog, or the content store.
type Item struct {
	Identifier         string              `json:"identifier"`
	Name               string              `json:"name,omitempty"`
	MimeType           string              `json:"mimeType,omitempty"`
	ContentType        string              `json:"contentType,omitempty"`
	ObjectType         string              `json:"objectType,omitempty"`
	Visibility         Visibility          `json:"visibility,omitempty"`
	PkgVersion         float64             `json:"pkgVersion,omitempty"`
	CompatibilityLevel int                 `json:"compatibilityLevel,omitempty"`
	AppIcon            string              `json:"appIcon,omitempty"`
	ArtifactURL        string              `json:"artifactUrl,omitempty"`
	DownloadURL        string              `json:"downloadUrl,omitempty"`
	Size               int64               `json:"size,omitempty"`
	Index              *int                `json:"index,omitempty"`
	Depth              int                 `json:"depth,omitempty"`
	Parent             string              `json:"parent,omitempty"`
	ChildNodes         []string            `json:"childNodes,omitempty"`
	Children           []*Item             `json:"children,omitempty"`
	BaseDir            string              `json:"baseDir,omitempty"`
	DesktopAppMetadata *DesktopAppMetadata `json:"desktopAppMetadata,omitempty"`
}

func (it *Item) IsCollection() bool {
	return it.MimeType == MimeTypeCollection
}

// IsAvailable reports whether the item's files are present locally.
func (it *Item) IsAvailable() bool {
	return it.DesktopAppMetadata != nil && it.DesktopAppMetadata.IsAvailable
}

// HasZipArtifact reports whether the artifact needs a second unzip pass.
func (it *Item) HasZipArtifact() bool {
	return strings.HasSuffix(strings.ToLower(it.ArtifactURL), ".zip")
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	cp := *it
	if it.Index != nil {
		idx := *it.Index
		cp.Index = &idx
	}
	if it.ChildNodes != nil {
		cp.ChildNodes = append([]string(nil), it.ChildNodes...)
	}
	if it.Children != nil {
		cp.Children = make([]*Item, len(it.Children))
		for i, c := range it.Children {
			cp.Children[i] = c.Clone()
		}
	}
	if it.DesktopAppMetadata != nil {
		md := *it.DesktopAppMetadata
		cp.DesktopAppMetadata = &md
	}
	return &cp
}

// Selector narrows Find. Zero-valued fields do not filter.
type Selector struct {
	Identifiers []string
	Visibility  Visibility
	Available   *bool
}

type BulkResult struct {
	Identifier string
	// Rev is the document revision after the write. Zero on error.
	Rev int64
	Err error
}

// Store is the content document collection. Upsert merges the non-empty
// top-level fields of item onto any stored document and creates it
// otherwise; every write regenerates the revision.
type Store interface {
	Get(ctx context.Context, id string) (*Item, error)
	Upsert(ctx context.Context, item *Item) error
	Bulk(ctx context.Context, items []*Item) ([]BulkResult, error)
	Find(ctx context.Context, sel Selector) ([]Item, error)
}

// BaseDir is the storage-relative folder holding an item's files.
func BaseDir(id string) string {
	return "content/" + id
}

// ArtifactFile is the storage-relative location of an item's artifact once
// its folder has been extracted.
func ArtifactFile(it *Item) string {
	if it.ArtifactURL == "" {
		return ""
	}
	return BaseDir(it.Identifier) + "/" + path.Base(it.ArtifactURL)
}
