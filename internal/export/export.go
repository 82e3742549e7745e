// Package export writes locally available content back into ecar archives.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
	"github.com/ahmethakanbesel/ecar-manager/internal/content"
	"github.com/ahmethakanbesel/ecar-manager/internal/filestore"
)

type Skipped struct {
	Identifier string        `json:"identifier"`
	Reason     apperror.Code `json:"reason"`
}

type Result struct {
	EcarFilePath   string        `json:"ecarFilePath"`
	EcarSize       int64         `json:"ecarSize"`
	TimeTaken      time.Duration `json:"timeTaken"`
	SkippedContent []Skipped     `json:"skippedContent,omitempty"`
}

type Exporter struct {
	files   *filestore.Store
	content content.Store
}

func NewExporter(files *filestore.Store, store content.Store) *Exporter {
	return &Exporter{files: files, content: store}
}

// entry is one item going into the archive with the files that back it.
type entry struct {
	item     *content.Item
	icon     string
	artifact string
	nested   bool
	// unit is a nested collection carried for the hierarchy only.
	unit bool
}

// Export writes contentID, and for a collection its available descendants,
// to <destFolder>/<name>_v<pkgVersion>.ecar. Descendants that cannot be
// exported are reported in the result rather than failing the export.
func (x *Exporter) Export(ctx context.Context, contentID, destFolder string) (*Result, error) {
	start := time.Now()
	if strings.TrimSpace(contentID) == "" {
		return nil, apperror.New(apperror.BadRequest, "content id cannot be empty")
	}
	if strings.TrimSpace(destFolder) == "" {
		return nil, apperror.New(apperror.BadRequest, "destination folder cannot be empty")
	}

	root, manifest, err := x.loadRoot(ctx, contentID)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	rootEntry, reason := x.validate(root, true)
	if reason != "" {
		return nil, apperror.New(reason, fmt.Sprintf("content %s cannot be exported", contentID))
	}
	entries := []*entry{rootEntry}

	if root.IsCollection() {
		children, skipped, err := x.loadChildren(ctx, root, manifest)
		if err != nil {
			return nil, err
		}
		res.SkippedContent = skipped
		for _, u := range collectionUnits(root, manifest) {
			entries = append(entries, x.unitEntry(u))
		}
		for _, c := range children {
			e, reason := x.validate(c, false)
			if reason != "" {
				res.SkippedContent = append(res.SkippedContent, Skipped{Identifier: c.Identifier, Reason: reason})
				continue
			}
			entries = append(entries, e)
		}
	}

	dest, err := filepath.Abs(filepath.Join(destFolder, archiveName(root)))
	if err != nil {
		return nil, apperror.New(apperror.BadRequest, "invalid destination folder: "+destFolder)
	}
	if err := x.write(ctx, dest, entries); err != nil {
		return nil, err
	}

	fi, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	res.EcarFilePath = dest
	res.EcarSize = fi.Size()
	res.TimeTaken = time.Since(start)
	slog.Info("export: archive written", "content", contentID, "path", dest,
		"size", humanize.IBytes(uint64(fi.Size())), "items", len(entries), "skipped", len(res.SkippedContent))
	return res, nil
}

// loadRoot returns the root item, from its persisted manifest when there is
// one and from the content store otherwise.
func (x *Exporter) loadRoot(ctx context.Context, id string) (*content.Item, *content.Manifest, error) {
	var manifest content.Manifest
	mErr := x.files.ReadJSON(manifestPath(id), &manifest)

	stored, err := x.content.Get(ctx, id)
	if err != nil && !apperror.Is(err, apperror.ContentNotFound) {
		return nil, nil, fmt.Errorf("load content %s: %w", id, err)
	}

	var root *content.Item
	if mErr == nil {
		root = manifest.Find(id)
	}
	switch {
	case root == nil && stored == nil:
		return nil, nil, apperror.New(apperror.ContentNotFound, "content not found: "+id)
	case root == nil:
		root = stored
	case stored != nil && len(stored.Children) > 0:
		// The stored hierarchy reflects the latest download or import.
		root = root.Clone()
		root.Children = stored.Children
		root.ChildNodes = stored.ChildNodes
	}
	if mErr != nil {
		return root, nil, nil
	}
	return root, &manifest, nil
}

// loadChildren resolves every non-collection descendant of root, preferring
// each child's own manifest over the content store.
func (x *Exporter) loadChildren(ctx context.Context, root *content.Item, manifest *content.Manifest) ([]*content.Item, []Skipped, error) {
	ids := root.ChildNodes
	if len(ids) == 0 && manifest != nil {
		ids = content.NonCollectionDescendants(manifest.Archive.Items, root)
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}

	stored, err := x.content.Find(ctx, content.Selector{Identifiers: ids})
	if err != nil {
		return nil, nil, fmt.Errorf("load child contents: %w", err)
	}
	byID := make(map[string]content.Item, len(stored))
	for _, it := range stored {
		byID[it.Identifier] = it
	}

	var out []*content.Item
	var skipped []Skipped
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		var own content.Manifest
		if err := x.files.ReadJSON(manifestPath(id), &own); err == nil {
			if it := own.Find(id); it != nil {
				out = append(out, it)
				continue
			}
		}
		if it, ok := byID[id]; ok {
			out = append(out, &it)
			continue
		}
		skipped = append(skipped, Skipped{Identifier: id, Reason: apperror.ContentMissing})
	}
	return out, skipped, nil
}

// validate checks that the files an item declares are present.
func (x *Exporter) validate(it *content.Item, isRoot bool) (*entry, apperror.Code) {
	dir := content.BaseDir(it.Identifier)
	e := &entry{item: it}
	if !x.files.Exists(dir) {
		if isRoot && it.IsCollection() {
			return e, ""
		}
		return nil, apperror.ContentFolderMissing
	}
	if it.AppIcon != "" {
		e.icon = path.Join(dir, path.Base(it.AppIcon))
		if !x.files.Exists(e.icon) {
			if !isRoot || !it.IsCollection() {
				return nil, apperror.AppIconMissing
			}
			e.icon = ""
		}
	}
	if it.ArtifactURL != "" {
		if it.HasZipArtifact() {
			e.nested = true
			e.artifact = path.Base(it.ArtifactURL)
		} else {
			e.artifact = path.Join(dir, path.Base(it.ArtifactURL))
			if !x.files.Exists(e.artifact) {
				return nil, apperror.ArtifactURLMissing
			}
		}
	}
	return e, ""
}

func (x *Exporter) write(ctx context.Context, dest string, entries []*entry) error {
	aw, err := filestore.NewArchiveFile(dest)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	if err := x.writeEntries(ctx, aw, entries); err != nil {
		aw.Abort()
		return err
	}
	return aw.Close()
}

func (x *Exporter) writeEntries(ctx context.Context, aw *filestore.ArchiveWriter, entries []*entry) error {
	items := make([]*content.Item, 0, len(entries))
	for _, e := range entries {
		items = append(items, manifestItem(e))
	}
	mb, err := json.Marshal(content.NewManifest(items))
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := aw.AddReader(content.ManifestFile, bytes.NewReader(mb)); err != nil {
		return err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.unit && e.icon == "" {
			continue
		}
		id := e.item.Identifier
		if err := aw.AddEmptyDir(id); err != nil {
			return err
		}
		if e.icon != "" {
			if err := aw.AddFile(x.files, e.icon, id+"/"+path.Base(e.icon)); err != nil {
				return err
			}
		}
		switch {
		case e.nested:
			if err := aw.AddStream(id+"/"+e.artifact, x.nestedArtifact(e)); err != nil {
				return err
			}
		case e.artifact != "":
			if err := aw.AddFile(x.files, e.artifact, id+"/"+path.Base(e.artifact)); err != nil {
				return err
			}
		}
	}
	return nil
}

// nestedArtifact re-zips an expanded artifact folder, leaving out the files
// already placed next to it in the archive.
func (x *Exporter) nestedArtifact(e *entry) func(w io.Writer) error {
	exclude := map[string]bool{content.ManifestFile: true}
	if e.icon != "" {
		exclude[path.Base(e.icon)] = true
	}
	return func(w io.Writer) error {
		zw := zip.NewWriter(w)
		err := filestore.WriteDir(zw, x.files, content.BaseDir(e.item.Identifier), "", func(rel string) bool {
			return exclude[rel]
		})
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		return err
	}
}

// manifestItem strips local bookkeeping and points file fields at archive
// entries.
func manifestItem(e *entry) *content.Item {
	it := e.item.Clone()
	it.BaseDir = ""
	it.DesktopAppMetadata = nil
	if e.icon != "" {
		it.AppIcon = it.Identifier + "/" + path.Base(e.icon)
	}
	if e.artifact != "" {
		it.ArtifactURL = it.Identifier + "/" + path.Base(e.artifact)
	}
	if e.unit {
		it.ArtifactURL = ""
		if e.icon == "" {
			it.AppIcon = ""
		}
	}
	return it
}

// collectionUnits returns the collections nested below root in tree order.
// Each unit is taken from the root's manifest when listed there, otherwise
// from the stored tree, and carries only references to its own children.
func collectionUnits(root *content.Item, manifest *content.Manifest) []*content.Item {
	var out []*content.Item
	seen := map[string]bool{root.Identifier: true}

	var walk func(nodes []*content.Item)
	walk = func(nodes []*content.Item) {
		for _, n := range nodes {
			if n == nil || seen[n.Identifier] {
				continue
			}
			src := n
			if manifest != nil {
				if it := manifest.Find(n.Identifier); it != nil {
					src = it
				}
			}
			if !src.IsCollection() {
				continue
			}
			seen[n.Identifier] = true

			kids := n.Children
			if len(kids) == 0 {
				kids = src.Children
			}
			unit := src.Clone()
			unit.Children = make([]*content.Item, 0, len(kids))
			for _, k := range kids {
				if k == nil {
					continue
				}
				ref := &content.Item{Identifier: k.Identifier}
				if k.Index != nil {
					idx := *k.Index
					ref.Index = &idx
				}
				unit.Children = append(unit.Children, ref)
			}
			out = append(out, unit)
			walk(kids)
		}
	}
	walk(root.Children)
	return out
}

// unitEntry includes a unit's icon when it is on disk. Units have no folder
// or artifact requirements.
func (x *Exporter) unitEntry(it *content.Item) *entry {
	e := &entry{item: it, unit: true}
	if it.AppIcon != "" {
		icon := path.Join(content.BaseDir(it.Identifier), path.Base(it.AppIcon))
		if x.files.Exists(icon) {
			e.icon = icon
		}
	}
	return e
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// archiveName is <name>_v<pkgVersion>.ecar with unsafe characters replaced.
func archiveName(it *content.Item) string {
	name := strings.Trim(unsafeName.ReplaceAllString(it.Name, "_"), "_.")
	if name == "" {
		name = it.Identifier
	}
	return name + "_v" + strconv.FormatFloat(it.PkgVersion, 'f', -1, 64) + ".ecar"
}

func manifestPath(id string) string {
	return path.Join(content.BaseDir(id), content.ManifestFile)
}
