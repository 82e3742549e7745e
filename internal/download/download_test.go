package download

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
	"github.com/ahmethakanbesel/ecar-manager/internal/catalog"
	"github.com/ahmethakanbesel/ecar-manager/internal/content"
	"github.com/ahmethakanbesel/ecar-manager/internal/diskspace"
	"github.com/ahmethakanbesel/ecar-manager/internal/filestore"
	"github.com/ahmethakanbesel/ecar-manager/internal/job"
	"github.com/ahmethakanbesel/ecar-manager/internal/platform/sqlite"
	contentrepo "github.com/ahmethakanbesel/ecar-manager/internal/repository/content"
	jobrepo "github.com/ahmethakanbesel/ecar-manager/internal/repository/job"
	"github.com/ahmethakanbesel/ecar-manager/internal/worker"
)

var fixedTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func intPtr(i int) *int { return &i }

// fakeCatalog serves content metadata and ecars the way the remote catalog
// does, with range support for ecar downloads.
type fakeCatalog struct {
	srv *httptest.Server

	mu     sync.Mutex
	meta   map[string]*content.Item
	ecars  map[string][]byte
	ranges []string

	// stall makes the next download of stallName send half its body and
	// then hang until the client goes away.
	stall     atomic.Bool
	stallName string
	stalled   chan struct{}
	stallOnce sync.Once
}

func newFakeCatalog(t *testing.T) *fakeCatalog {
	t.Helper()
	fc := &fakeCatalog{
		meta:    map[string]*content.Item{},
		ecars:   map[string][]byte{},
		stalled: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/content/v1/read/{id}", func(w http.ResponseWriter, r *http.Request) {
		fc.mu.Lock()
		it, ok := fc.meta[r.PathValue("id")]
		fc.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"content": it}})
	})
	mux.HandleFunc("POST /api/content/v1/search", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Request struct {
				Filters struct {
					Identifier []string `json:"identifier"`
				} `json:"filters"`
			} `json:"request"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		found := []*content.Item{}
		fc.mu.Lock()
		for _, id := range req.Request.Filters.Identifier {
			if it, ok := fc.meta[id]; ok {
				found = append(found, it)
			}
		}
		fc.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"count": len(found), "content": found}})
	})
	mux.HandleFunc("GET /ecars/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		fc.mu.Lock()
		if rg := r.Header.Get("Range"); rg != "" {
			fc.ranges = append(fc.ranges, name+" "+rg)
		}
		body, ok := fc.ecars[name]
		fc.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if name == fc.stallName && fc.stall.Load() {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			_, _ = w.Write(body[:len(body)/2])
			w.(http.Flusher).Flush()
			fc.stallOnce.Do(func() { close(fc.stalled) })
			<-r.Context().Done()
			return
		}
		http.ServeContent(w, r, name, fixedTime, bytes.NewReader(body))
	})
	fc.srv = httptest.NewServer(mux)
	t.Cleanup(fc.srv.Close)
	return fc
}

// publish makes an ecar available under the item's download url.
func (fc *fakeCatalog) publish(it *content.Item, ecar []byte) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if ecar != nil {
		fc.ecars[it.Identifier+".ecar"] = ecar
		it.DownloadURL = fc.srv.URL + "/ecars/" + it.Identifier + ".ecar"
		it.Size = int64(len(ecar))
	}
	fc.meta[it.Identifier] = it
}

func (fc *fakeCatalog) rangeRequests() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.ranges...)
}

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func buildEcar(t *testing.T, items []*content.Item, entries map[string][]byte) []byte {
	t.Helper()
	mb, err := json.Marshal(content.NewManifest(items))
	require.NoError(t, err)
	all := map[string][]byte{content.ManifestFile: mb}
	for name, body := range entries {
		all[name] = body
	}
	return buildZip(t, all)
}

type env struct {
	files    *filestore.Store
	jobs     *jobrepo.Repository
	contents *contentrepo.Repository
	manager  *job.Manager
	service  *Service
	catalog  *fakeCatalog
}

func newEnv(t *testing.T, freeBytes int64) *env {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	files, err := filestore.New(t.TempDir())
	require.NoError(t, err)

	e := &env{
		files:    files,
		jobs:     jobrepo.NewRepository(db.DB),
		contents: contentrepo.NewRepository(db.DB),
		catalog:  newFakeCatalog(t),
	}
	reg := worker.Registry{}
	(&Steps{Files: files}).Register(reg)

	guard := diskspace.NewGuard(diskspace.StaticProbe(freeBytes), 0)
	client := catalog.New(catalog.WithBaseURL(e.catalog.srv.URL))
	deps := &Deps{
		Jobs:             e.jobs,
		Content:          e.contents,
		Files:            files,
		Catalog:          client,
		Spawner:          &worker.InProcessSpawner{Registry: reg},
		Space:            guard,
		Parallel:         2,
		ProgressInterval: time.Millisecond,
	}
	e.manager = job.NewManager(e.jobs, map[job.Type]job.Handler{
		job.TypeDownload: {Factory: deps.Factory(), Concurrency: 1},
	})
	e.service = NewService(e.jobs, e.manager, client, e.contents, guard)
	return e
}

func (e *env) run(t *testing.T, id string) *job.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.manager.Evaluate(ctx)
	rec, err := e.manager.Await(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	return rec
}

func (e *env) register(t *testing.T, id string) string {
	t.Helper()
	jobID, err := e.service.Register(context.Background(), id)
	require.NoError(t, err)
	return jobID
}

func leaf(t *testing.T, id, artifact string, body []byte) ([]byte, *content.Item) {
	it := &content.Item{
		Identifier: id, Name: "Lesson " + id, MimeType: "application/pdf",
		Visibility: content.VisibilityDefault, PkgVersion: 1,
		ArtifactURL: id + "/" + artifact,
	}
	ecar := buildEcar(t, []*content.Item{it}, map[string][]byte{id + "/" + artifact: body})
	return ecar, &content.Item{Identifier: id, Name: it.Name, MimeType: it.MimeType, PkgVersion: 1}
}

// publishCollection publishes do_col with children do_x (pdf, index 2) and
// do_y (zipped html, index 1), plus do_z which has nothing to download.
func (e *env) publishCollection(t *testing.T) {
	t.Helper()
	spineItems := []*content.Item{
		{
			Identifier: "do_col", Name: "Maths", MimeType: content.MimeTypeCollection,
			Visibility: content.VisibilityDefault, PkgVersion: 3,
			Children: []*content.Item{{Identifier: "do_x"}, {Identifier: "do_y"}, {Identifier: "do_z"}},
		},
		{Identifier: "do_x", MimeType: "application/pdf", Visibility: content.VisibilityParent, Index: intPtr(2)},
		{Identifier: "do_y", MimeType: "application/vnd.ekstep.html-archive", Visibility: content.VisibilityParent, Index: intPtr(1)},
		{Identifier: "do_z", MimeType: "video/youtube", Visibility: content.VisibilityParent, Index: intPtr(3)},
	}
	e.catalog.publish(&content.Item{
		Identifier: "do_col", Name: "Maths", MimeType: content.MimeTypeCollection, PkgVersion: 3,
		ChildNodes: []string{"do_x", "do_y", "do_z"},
	}, buildEcar(t, spineItems, map[string][]byte{"do_col/icon.png": []byte("png")}))

	xEcar, x := leaf(t, "do_x", "x.pdf", []byte("%PDF-1.4 lesson x"))
	e.catalog.publish(x, xEcar)

	yItem := &content.Item{
		Identifier: "do_y", Name: "Lesson do_y", MimeType: "application/vnd.ekstep.html-archive",
		Visibility: content.VisibilityDefault, PkgVersion: 1, ArtifactURL: "do_y/y.zip",
	}
	yEcar := buildEcar(t, []*content.Item{yItem}, map[string][]byte{"do_y/y.zip": buildZip(t, map[string][]byte{"index.html": []byte("<html/>")})})
	e.catalog.publish(&content.Item{Identifier: "do_y", Name: yItem.Name, MimeType: yItem.MimeType, PkgVersion: 1}, yEcar)

	e.catalog.publish(&content.Item{Identifier: "do_z", MimeType: "video/youtube"}, nil)
}

func TestDownload_Collection(t *testing.T) {
	e := newEnv(t, 1<<40)
	e.publishCollection(t)
	ctx := context.Background()

	id := e.register(t, "do_col")
	rec := e.run(t, id)
	require.Equal(t, job.StatusCompleted, rec.Status, "failed: %s %s", rec.FailedCode, rec.FailedReason)
	assert.Equal(t, float64(100), rec.Progress)

	var meta Meta
	require.NoError(t, rec.DecodeMeta(&meta))
	require.Len(t, meta.Items, 3, "children without a download url are left out")
	for _, it := range meta.Items {
		assert.Equal(t, ItemComplete, it.Step, it.Identifier)
	}

	col, err := e.contents.Get(ctx, "do_col")
	require.NoError(t, err)
	assert.True(t, col.IsAvailable())
	assert.Equal(t, content.VisibilityDefault, col.Visibility)
	assert.Equal(t, content.AddedUsingDownload, col.DesktopAppMetadata.AddedUsing)
	require.Len(t, col.Children, 3)
	assert.Equal(t, []string{"do_y", "do_x", "do_z"},
		[]string{col.Children[0].Identifier, col.Children[1].Identifier, col.Children[2].Identifier})

	x, err := e.contents.Get(ctx, "do_x")
	require.NoError(t, err)
	assert.Equal(t, content.VisibilityParent, x.Visibility)
	assert.True(t, x.IsAvailable())
	assert.Equal(t, "content/do_x", x.BaseDir)

	assert.True(t, e.files.Exists("content/do_x/x.pdf"))
	assert.True(t, e.files.Exists("content/do_y/index.html"), "zipped artifact is expanded")
	assert.False(t, e.files.Exists("content/do_y/y.zip"))
	assert.True(t, e.files.Exists("content/do_col/manifest.json"))
	assert.False(t, e.files.Exists(downloadDir(id)), "archives are removed")
}

func TestDownload_ToleratesOneFailedChild(t *testing.T) {
	e := newEnv(t, 1<<40)
	e.publishCollection(t)
	e.catalog.mu.Lock()
	delete(e.catalog.ecars, "do_x.ecar")
	e.catalog.mu.Unlock()

	id := e.register(t, "do_col")
	rec := e.run(t, id)
	require.Equal(t, job.StatusCompleted, rec.Status, "failed: %s %s", rec.FailedCode, rec.FailedReason)

	var meta Meta
	require.NoError(t, rec.DecodeMeta(&meta))
	x := meta.find("do_x")
	require.NotNil(t, x)
	assert.Equal(t, ItemFailed, x.Step)
	assert.Equal(t, string(apperror.DownloadFailed), x.FailedCode)
	assert.Equal(t, ItemComplete, meta.find("do_y").Step)

	_, err := e.contents.Get(context.Background(), "do_x")
	assert.True(t, apperror.Is(err, apperror.ContentNotFound))
}

func TestDownload_TwoFailuresFailTheJob(t *testing.T) {
	e := newEnv(t, 1<<40)
	e.publishCollection(t)
	e.catalog.mu.Lock()
	delete(e.catalog.ecars, "do_x.ecar")
	delete(e.catalog.ecars, "do_y.ecar")
	e.catalog.mu.Unlock()

	id := e.register(t, "do_col")
	rec := e.run(t, id)
	assert.Equal(t, job.StatusFailed, rec.Status)
	assert.Equal(t, string(apperror.DownloadFailed), rec.FailedCode)
	assert.False(t, e.files.Exists(downloadDir(id)))
	assert.False(t, e.files.Exists("content/do_col"), "folders created by the job are removed")
}

func TestDownload_LoneItemFailureFailsTheJob(t *testing.T) {
	e := newEnv(t, 1<<40)
	ecar, it := leaf(t, "do_one", "one.pdf", []byte("%PDF"))
	e.catalog.publish(it, ecar)
	e.catalog.mu.Lock()
	e.catalog.ecars["do_one.ecar"] = []byte("not a zip archive")
	e.catalog.mu.Unlock()

	rec := e.run(t, e.register(t, "do_one"))
	assert.Equal(t, job.StatusFailed, rec.Status)
	assert.Equal(t, string(apperror.ExtractFailed), rec.FailedCode)
}

func TestDownload_OnlyChildFailureFailsTheJob(t *testing.T) {
	e := newEnv(t, 1<<40)
	spineItems := []*content.Item{
		{
			Identifier: "do_solo", Name: "Solo", MimeType: content.MimeTypeCollection,
			Visibility: content.VisibilityDefault, PkgVersion: 1,
			Children: []*content.Item{{Identifier: "do_only"}},
		},
		{Identifier: "do_only", MimeType: "application/pdf", Visibility: content.VisibilityParent},
	}
	e.catalog.publish(&content.Item{
		Identifier: "do_solo", Name: "Solo", MimeType: content.MimeTypeCollection, PkgVersion: 1,
		ChildNodes: []string{"do_only"},
	}, buildEcar(t, spineItems, map[string][]byte{"do_solo/icon.png": []byte("png")}))
	ecar, only := leaf(t, "do_only", "o.pdf", []byte("%PDF"))
	e.catalog.publish(only, ecar)
	e.catalog.mu.Lock()
	delete(e.catalog.ecars, "do_only.ecar")
	e.catalog.mu.Unlock()

	id := e.register(t, "do_solo")
	rec := e.run(t, id)
	assert.Equal(t, job.StatusFailed, rec.Status)
	assert.Equal(t, string(apperror.DownloadFailed), rec.FailedCode)
	assert.False(t, e.files.Exists("content/do_solo"), "folders created by the job are removed")
}

func TestDownload_DemotesRemovedChildren(t *testing.T) {
	e := newEnv(t, 1<<40)
	e.publishCollection(t)
	ctx := context.Background()
	require.NoError(t, e.contents.Upsert(ctx, &content.Item{
		Identifier: "do_col", MimeType: content.MimeTypeCollection, Visibility: content.VisibilityDefault,
		ChildNodes: []string{"do_x", "do_y", "do_old"},
	}))
	require.NoError(t, e.contents.Upsert(ctx, &content.Item{Identifier: "do_old", Visibility: content.VisibilityParent}))

	id := e.register(t, "do_col")
	rec := e.run(t, id)
	require.Equal(t, job.StatusCompleted, rec.Status, "failed: %s %s", rec.FailedCode, rec.FailedReason)

	var meta Meta
	require.NoError(t, rec.DecodeMeta(&meta))
	old := meta.find("do_old")
	require.NotNil(t, old)
	assert.Equal(t, ItemDelete, old.Step)

	doc, err := e.contents.Get(ctx, "do_old")
	require.NoError(t, err)
	assert.Equal(t, content.VisibilityDefault, doc.Visibility, "dropped children become standalone")
}

func TestDownload_ResumesPartialArchive(t *testing.T) {
	e := newEnv(t, 1<<40)
	ecar, it := leaf(t, "do_one", "one.pdf", bytes.Repeat([]byte("p"), 4096))
	e.catalog.publish(it, ecar)

	id := e.register(t, "do_one")
	f, err := e.files.Create(archivePath(id, "do_one"))
	require.NoError(t, err)
	_, err = f.Write(ecar[:100])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rec := e.run(t, id)
	require.Equal(t, job.StatusCompleted, rec.Status, "failed: %s %s", rec.FailedCode, rec.FailedReason)
	assert.Equal(t, []string{"do_one.ecar bytes=100-"}, e.catalog.rangeRequests())
	assert.True(t, e.files.Exists("content/do_one/one.pdf"))

	doc, err := e.contents.Get(context.Background(), "do_one")
	require.NoError(t, err)
	assert.Equal(t, content.VisibilityDefault, doc.Visibility)
}

func TestDownload_PauseAndResume(t *testing.T) {
	e := newEnv(t, 1<<40)
	ecar, it := leaf(t, "do_one", "one.pdf", bytes.Repeat([]byte("p"), 64<<10))
	e.catalog.publish(it, ecar)
	e.catalog.stallName = "do_one.ecar"
	e.catalog.stall.Store(true)

	id := e.register(t, "do_one")
	ctx := context.Background()
	e.manager.Evaluate(ctx)
	<-e.catalog.stalled

	require.NoError(t, e.manager.Pause(ctx, id))
	rec, err := e.manager.Await(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, job.StatusPaused, rec.Status)
	assert.True(t, e.files.Exists(archivePath(id, "do_one")), "paused downloads keep partial archives")

	var meta Meta
	require.NoError(t, rec.DecodeMeta(&meta))
	assert.Equal(t, ItemDownload, meta.Items[0].Step)

	e.catalog.stall.Store(false)
	require.NoError(t, e.manager.Resume(ctx, id))
	rec = e.run(t, id)
	require.Equal(t, job.StatusCompleted, rec.Status, "failed: %s %s", rec.FailedCode, rec.FailedReason)
	assert.True(t, e.files.Exists("content/do_one/one.pdf"))
}

func TestDownload_Cancel(t *testing.T) {
	e := newEnv(t, 1<<40)
	ecar, it := leaf(t, "do_one", "one.pdf", bytes.Repeat([]byte("p"), 64<<10))
	e.catalog.publish(it, ecar)
	e.catalog.stallName = "do_one.ecar"
	e.catalog.stall.Store(true)

	id := e.register(t, "do_one")
	ctx := context.Background()
	e.manager.Evaluate(ctx)
	<-e.catalog.stalled

	require.NoError(t, e.manager.Cancel(ctx, id))
	rec, err := e.manager.Await(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCanceled, rec.Status)
	assert.False(t, e.files.Exists(downloadDir(id)))
}

func TestRegister_Validation(t *testing.T) {
	e := newEnv(t, 1<<40)
	e.publishCollection(t)
	ctx := context.Background()

	_, err := e.service.Register(ctx, " ")
	assert.True(t, apperror.Is(err, apperror.BadRequest))

	_, err = e.service.Register(ctx, "do_unknown")
	assert.True(t, apperror.Is(err, apperror.ContentNotFound))

	_, err = e.service.Register(ctx, "do_z")
	assert.True(t, apperror.Is(err, apperror.BadRequest), "nothing to download")

	e.register(t, "do_col")
	_, err = e.service.Register(ctx, "do_col")
	assert.True(t, apperror.Is(err, apperror.AlreadyRegistered))
}

func TestRegister_LowDiskSpace(t *testing.T) {
	e := newEnv(t, 10)
	e.publishCollection(t)

	_, err := e.service.Register(context.Background(), "do_col")
	assert.True(t, apperror.Is(err, apperror.LowDiskSpace))

	recs, err := e.jobs.List(context.Background(), job.Filter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}
