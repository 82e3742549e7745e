package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
	"github.com/ahmethakanbesel/ecar-manager/internal/content"
	"github.com/ahmethakanbesel/ecar-manager/internal/filestore"
	"github.com/ahmethakanbesel/ecar-manager/internal/job"
	"github.com/ahmethakanbesel/ecar-manager/internal/platform/sqlite"
	contentrepo "github.com/ahmethakanbesel/ecar-manager/internal/repository/content"
	jobrepo "github.com/ahmethakanbesel/ecar-manager/internal/repository/job"
)

func intPtr(i int) *int { return &i }

type env struct {
	files    *filestore.Store
	contents *contentrepo.Repository
	jobs     *jobrepo.Repository
	exporter *Exporter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	files, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	e := &env{
		files:    files,
		contents: contentrepo.NewRepository(db.DB),
		jobs:     jobrepo.NewRepository(db.DB),
	}
	e.exporter = NewExporter(files, e.contents)
	return e
}

func (e *env) write(t *testing.T, rel, body string) {
	t.Helper()
	f, err := e.files.Create(rel)
	require.NoError(t, err)
	_, err = f.WriteString(body)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func (e *env) store(t *testing.T, it *content.Item) {
	t.Helper()
	require.NoError(t, e.contents.Upsert(context.Background(), it))
}

// seedCollection lays out do_col with two exportable children and one child
// for each skip reason.
func (e *env) seedCollection(t *testing.T) {
	t.Helper()
	children := []string{"do_pdf", "do_html", "do_gone", "do_nofolder", "do_noicon", "do_noart"}
	refs := make([]*content.Item, 0, len(children))
	for _, id := range children {
		refs = append(refs, &content.Item{Identifier: id})
	}
	col := &content.Item{
		Identifier: "do_col", Name: "Maths Book", MimeType: content.MimeTypeCollection,
		Visibility: content.VisibilityDefault, PkgVersion: 2, AppIcon: "do_col/icon.png",
		Children: refs,
	}
	pdf := &content.Item{
		Identifier: "do_pdf", MimeType: "application/pdf", Visibility: content.VisibilityParent,
		PkgVersion: 1, AppIcon: "do_pdf/icon.png", ArtifactURL: "do_pdf/x.pdf", Index: intPtr(1),
	}
	html := &content.Item{
		Identifier: "do_html", MimeType: "application/vnd.ekstep.html-archive", Visibility: content.VisibilityParent,
		PkgVersion: 1, AppIcon: "do_html/icon.png", ArtifactURL: "do_html/h.zip", Index: intPtr(2),
	}
	require.NoError(t, e.files.WriteJSON("content/do_col/manifest.json", content.NewManifest([]*content.Item{col, pdf, html})))
	e.write(t, "content/do_col/icon.png", "png")

	e.write(t, "content/do_pdf/x.pdf", "%PDF")
	e.write(t, "content/do_pdf/icon.png", "png")

	require.NoError(t, e.files.WriteJSON("content/do_html/manifest.json", content.NewManifest([]*content.Item{html})))
	e.write(t, "content/do_html/icon.png", "png")
	e.write(t, "content/do_html/index.html", "<html/>")
	e.write(t, "content/do_html/js/app.js", "run()")

	e.write(t, "content/do_noicon/n.pdf", "%PDF")
	e.write(t, "content/do_noart/icon.png", "png")

	stored := col.Clone()
	stored.BaseDir = "content/do_col"
	stored.ChildNodes = children
	stored.Children = content.BuildHierarchy([]*content.Item{col, pdf, html}, col)
	e.store(t, stored)
	// do_pdf is only in the store, the exporter must fall back to it.
	e.store(t, pdf)
	e.store(t, &content.Item{Identifier: "do_nofolder", MimeType: "application/pdf", ArtifactURL: "do_nofolder/a.pdf"})
	e.store(t, &content.Item{Identifier: "do_noicon", MimeType: "application/pdf", AppIcon: "do_noicon/icon.png", ArtifactURL: "do_noicon/n.pdf"})
	e.store(t, &content.Item{Identifier: "do_noart", MimeType: "application/pdf", AppIcon: "do_noart/icon.png", ArtifactURL: "do_noart/a.pdf"})
}

func readArchive(t *testing.T, p string) map[string][]byte {
	t.Helper()
	zr, err := zip.OpenReader(p)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()
	out := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		out[f.Name] = b
	}
	return out
}

func TestExport_Collection(t *testing.T) {
	e := newEnv(t)
	e.seedCollection(t)
	dest := t.TempDir()

	res, err := e.exporter.Export(context.Background(), "do_col", dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "Maths_Book_v2.ecar"), res.EcarFilePath)
	assert.Positive(t, res.EcarSize)
	assert.ElementsMatch(t, []Skipped{
		{Identifier: "do_gone", Reason: apperror.ContentMissing},
		{Identifier: "do_nofolder", Reason: apperror.ContentFolderMissing},
		{Identifier: "do_noicon", Reason: apperror.AppIconMissing},
		{Identifier: "do_noart", Reason: apperror.ArtifactURLMissing},
	}, res.SkippedContent)

	entries := readArchive(t, res.EcarFilePath)
	assert.Equal(t, []byte("%PDF"), entries["do_pdf/x.pdf"])
	assert.Equal(t, []byte("png"), entries["do_pdf/icon.png"])
	assert.Equal(t, []byte("png"), entries["do_col/icon.png"])
	assert.Contains(t, entries, "do_html/icon.png")
	require.Contains(t, entries, "do_html/h.zip")

	var manifest content.Manifest
	require.NoError(t, json.Unmarshal(entries[content.ManifestFile], &manifest))
	require.Len(t, manifest.Archive.Items, 3)
	assert.Equal(t, "do_col", manifest.Root().Identifier)
	require.Len(t, manifest.Root().Children, 2)
	assert.Equal(t, "do_html/h.zip", manifest.Find("do_html").ArtifactURL)
	assert.Nil(t, manifest.Find("do_pdf").DesktopAppMetadata)

	nested := filepath.Join(t.TempDir(), "h.zip")
	require.NoError(t, os.WriteFile(nested, entries["do_html/h.zip"], 0o644))
	inner := readArchive(t, nested)
	names := make([]string, 0, len(inner))
	for n := range inner {
		names = append(names, n)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"index.html", "js/app.js"}, names, "icon and manifest stay at the top level")
}

func TestExport_RootErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.exporter.Export(ctx, "do_none", t.TempDir())
	assert.True(t, apperror.Is(err, apperror.ContentNotFound))

	e.store(t, &content.Item{Identifier: "do_one", Name: "One", MimeType: "application/pdf"})
	_, err = e.exporter.Export(ctx, "do_one", t.TempDir())
	assert.True(t, apperror.Is(err, apperror.ContentFolderMissing))

	_, err = e.exporter.Export(ctx, "do_one", "")
	assert.True(t, apperror.Is(err, apperror.BadRequest))
}

func TestExport_CanceledRemovesArchive(t *testing.T) {
	e := newEnv(t)
	e.seedCollection(t)
	dest := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.exporter.Export(ctx, "do_col", dest)
	require.ErrorIs(t, err, context.Canceled)
	matches, _ := filepath.Glob(filepath.Join(dest, "*.ecar"))
	assert.Empty(t, matches)
}

func TestArchiveName(t *testing.T) {
	tests := []struct {
		item content.Item
		want string
	}{
		{content.Item{Identifier: "do_1", Name: "Maths Book", PkgVersion: 2}, "Maths_Book_v2.ecar"},
		{content.Item{Identifier: "do_1", Name: "a/b:c?", PkgVersion: 1.5}, "a_b_c_v1.5.ecar"},
		{content.Item{Identifier: "do_1", Name: "../", PkgVersion: 1}, "do_1_v1.ecar"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, archiveName(&tt.item))
	}
}

func TestExportJob(t *testing.T) {
	e := newEnv(t)
	e.seedCollection(t)
	dest := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	manager := job.NewManager(e.jobs, map[job.Type]job.Handler{
		job.TypeExport: {Factory: e.exporter.Factory(e.jobs), Concurrency: 1},
	})
	svc := NewService(e.jobs, manager)

	id, err := svc.Register(ctx, "do_col", dest)
	require.NoError(t, err)
	_, err = svc.Register(ctx, "do_col", dest)
	assert.True(t, apperror.Is(err, apperror.AlreadyRegistered))

	manager.Evaluate(ctx)
	rec, err := manager.Await(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, rec.Status, "failed: %s %s", rec.FailedCode, rec.FailedReason)

	var meta Meta
	require.NoError(t, rec.DecodeMeta(&meta))
	require.NotNil(t, meta.Result)
	assert.Equal(t, filepath.Join(dest, "Maths_Book_v2.ecar"), meta.Result.EcarFilePath)
	assert.Len(t, meta.Result.SkippedContent, 4)
}

func TestExportJob_PauseRefusedCancelBeforeStart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec, err := job.NewRecord(job.TypeExport, "do_col", "do_col@/tmp", Meta{ContentID: "do_col", DestFolder: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, e.jobs.Create(ctx, rec))

	var final *job.Record
	exec, err := e.exporter.Factory(e.jobs)(rec, func(_ error, r *job.Record) { final = r })
	require.NoError(t, err)

	ok, err := exec.Pause(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = exec.Cancel(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotNil(t, final)
	assert.Equal(t, job.StatusCanceled, final.Status)
}

// seedNested lays out do_book -> do_unit -> do_leaf. With withManifest false
// only the stored hierarchy describes the unit.
func (e *env) seedNested(t *testing.T, withManifest bool) {
	t.Helper()
	book := &content.Item{
		Identifier: "do_book", Name: "Book", MimeType: content.MimeTypeCollection,
		Visibility: content.VisibilityDefault, PkgVersion: 1,
		Children: []*content.Item{{Identifier: "do_unit"}},
	}
	unit := &content.Item{
		Identifier: "do_unit", Name: "Unit 1", MimeType: content.MimeTypeCollection,
		Visibility: content.VisibilityParent, Index: intPtr(1),
		Children: []*content.Item{{Identifier: "do_leaf"}},
	}
	leaf := &content.Item{
		Identifier: "do_leaf", MimeType: "application/pdf", Visibility: content.VisibilityParent,
		PkgVersion: 1, ArtifactURL: "do_leaf/l.pdf", Index: intPtr(1),
	}
	items := []*content.Item{book, unit, leaf}
	if withManifest {
		require.NoError(t, e.files.WriteJSON("content/do_book/manifest.json", content.NewManifest(items)))
	}
	e.write(t, "content/do_leaf/l.pdf", "%PDF")

	stored := book.Clone()
	stored.ChildNodes = content.NonCollectionDescendants(items, book)
	stored.Children = content.BuildHierarchy(items, book)
	e.store(t, stored)
	e.store(t, leaf)
}

func TestExport_NestedCollectionKeepsHierarchy(t *testing.T) {
	for _, withManifest := range []bool{true, false} {
		t.Run(fmt.Sprintf("manifest=%v", withManifest), func(t *testing.T) {
			e := newEnv(t)
			e.seedNested(t, withManifest)

			res, err := e.exporter.Export(context.Background(), "do_book", t.TempDir())
			require.NoError(t, err)
			assert.Empty(t, res.SkippedContent)

			entries := readArchive(t, res.EcarFilePath)
			var manifest content.Manifest
			require.NoError(t, json.Unmarshal(entries[content.ManifestFile], &manifest))

			ids := make([]string, 0, len(manifest.Archive.Items))
			for _, it := range manifest.Archive.Items {
				ids = append(ids, it.Identifier)
			}
			assert.Equal(t, []string{"do_book", "do_unit", "do_leaf"}, ids)
			assert.NotContains(t, entries, "do_unit/", "units carry no folder")

			tree := content.BuildHierarchy(manifest.Archive.Items, manifest.Root())
			require.Len(t, tree, 1)
			assert.Equal(t, "do_unit", tree[0].Identifier)
			require.Len(t, tree[0].Children, 1)
			assert.Equal(t, "do_leaf", tree[0].Children[0].Identifier)
		})
	}
}
