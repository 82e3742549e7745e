package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
	"github.com/ahmethakanbesel/ecar-manager/internal/content"
	"github.com/ahmethakanbesel/ecar-manager/internal/filestore"
	"github.com/ahmethakanbesel/ecar-manager/internal/job"
	"github.com/ahmethakanbesel/ecar-manager/internal/worker"
)

const defaultParallel = 3

// Deps are the collaborators shared by every download executor.
type Deps struct {
	Jobs             job.Repository
	Content          content.Store
	Files            *filestore.Store
	Catalog          Catalog
	Spawner          worker.Spawner
	Space            SpaceChecker
	Parallel         int
	ProgressInterval time.Duration
}

// Factory returns the job.Factory for download jobs.
func (d *Deps) Factory() job.Factory {
	return func(rec *job.Record, done job.DoneFunc) (job.Executor, error) {
		return newExecutor(d, rec, done)
	}
}

type executor struct {
	deps *Deps
	done job.DoneFunc
	log  *slog.Logger
	id   string

	mu         sync.Mutex
	rec        *job.Record
	meta       Meta
	conn       *worker.Conn
	intent     job.AbortReason
	processing bool
	started    bool
	stop       context.CancelFunc

	// saveMu orders record writes from concurrent items.
	saveMu sync.Mutex

	cleanup  job.Cleanup
	throttle *job.ProgressThrottle
}

func newExecutor(d *Deps, rec *job.Record, done job.DoneFunc) (*executor, error) {
	e := &executor{
		deps: d,
		done: done,
		rec:  rec,
		id:   rec.ID,
		log:  slog.With("job", rec.ID, "type", rec.Type),
	}
	if err := rec.DecodeMeta(&e.meta); err != nil {
		return nil, err
	}
	if len(e.meta.Items) == 0 {
		return nil, apperror.New(apperror.BadRequest, "download job has no items")
	}
	e.throttle = job.NewProgressThrottle(d.ProgressInterval, rec.Progress, e.persistProgress)

	e.cleanup.OnAbort(func(_ context.Context, reason job.AbortReason) {
		if !reason.Discards() {
			return
		}
		if err := d.Files.Remove(downloadDir(e.id)); err != nil {
			e.log.Warn("download: remove archives", "error", err)
		}
		e.mu.Lock()
		folders := append([]string(nil), e.meta.CreatedFolders...)
		e.meta.CreatedFolders = nil
		e.mu.Unlock()
		for _, id := range folders {
			if err := d.Files.Remove(content.BaseDir(id)); err != nil {
				e.log.Warn("download: remove content folder", "content", id, "error", err)
			}
		}
	})
	e.cleanup.OnAbort(func(_ context.Context, reason job.AbortReason) {
		e.mu.Lock()
		conn := e.conn
		e.conn = nil
		e.mu.Unlock()
		if conn != nil {
			if err := conn.Kill(); err != nil {
				e.log.Warn("download: kill worker", "reason", reason, "error", err)
			}
		}
	})
	return e, nil
}

func (e *executor) Start(ctx context.Context) error {
	e.mu.Lock()
	e.meta.reset()
	e.rec.Progress = 0
	e.mu.Unlock()
	return e.begin(ctx)
}

func (e *executor) Resume(ctx context.Context) error {
	return e.begin(ctx)
}

func (e *executor) begin(ctx context.Context) error {
	e.mu.Lock()
	if err := e.rec.Transition(job.StatusInProgress); err != nil {
		e.mu.Unlock()
		return err
	}
	e.started = true
	runCtx, stop := context.WithCancel(ctx)
	e.stop = stop
	e.mu.Unlock()
	if err := e.persist(ctx); err != nil {
		stop()
		return err
	}
	go e.run(ctx, runCtx)
	return nil
}

// Pause stops in-flight transfers, keeping partial archives for a ranged
// resume. Refused once the job is writing its final documents.
func (e *executor) Pause(ctx context.Context) (bool, error) {
	return e.interrupt(ctx, job.AbortPaused, job.StatusPausing)
}

func (e *executor) Cancel(ctx context.Context) (bool, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		e.cleanup.Run(ctx, job.AbortCanceled)
		e.mu.Lock()
		err := e.rec.Transition(job.StatusCanceled)
		e.mu.Unlock()
		if err != nil {
			return false, err
		}
		if err := e.persist(ctx); err != nil {
			return false, err
		}
		e.done(nil, e.snapshot())
		return true, nil
	}
	return e.interrupt(ctx, job.AbortCanceled, job.StatusCanceling)
}

func (e *executor) interrupt(ctx context.Context, reason job.AbortReason, status job.Status) (bool, error) {
	e.mu.Lock()
	if e.processing || e.intent != "" {
		e.mu.Unlock()
		return false, nil
	}
	if err := e.rec.Transition(status); err != nil {
		e.mu.Unlock()
		return false, nil
	}
	e.intent = reason
	conn, stop := e.conn, e.stop
	e.mu.Unlock()

	if err := e.persist(ctx); err != nil {
		return false, err
	}
	if stop != nil {
		stop()
	}
	if conn != nil {
		if err := conn.Interrupt(); err != nil {
			e.log.Warn("download: send kill", "error", err)
		}
	}
	return true, nil
}

func (e *executor) run(ctx, runCtx context.Context) {
	err := e.fetchAll(ctx, runCtx)
	if err == nil {
		err = e.complete(ctx)
	}
	e.mu.Lock()
	stop := e.stop
	e.mu.Unlock()
	stop()
	e.finish(ctx, err)
}

// fetchAll takes every unsettled item through download, extract and index.
// Transfers run on runCtx; worker calls use ctx so an interrupted extraction
// is still acknowledged.
func (e *executor) fetchAll(ctx, runCtx context.Context) error {
	e.mu.Lock()
	var pending []*Item
	for _, it := range e.meta.Items {
		if !it.Step.Settled() {
			pending = append(pending, it)
		}
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	parallel := e.deps.Parallel
	if parallel <= 0 {
		parallel = defaultParallel
	}
	g.SetLimit(parallel)
	for _, it := range pending {
		g.Go(func() error {
			return e.process(ctx, gctx, it)
		})
	}
	err := g.Wait()

	e.mu.Lock()
	intent := e.intent
	if intent == "" && err == nil {
		// Only the final documents are left.
		e.processing = true
	}
	e.mu.Unlock()
	if intent != "" {
		return worker.ErrKilled
	}
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (e *executor) process(ctx, gctx context.Context, it *Item) error {
	for {
		e.mu.Lock()
		step, intent := it.Step, e.intent
		e.mu.Unlock()
		if intent != "" {
			return nil
		}
		if err := gctx.Err(); err != nil {
			return err
		}

		var err error
		switch step {
		case ItemDownload:
			err = e.fetch(gctx, it)
		case ItemExtract:
			err = e.extract(ctx, it)
		case ItemIndex:
			err = e.index(ctx, it)
		default:
			return nil
		}
		if err == nil {
			continue
		}
		if e.interrupted() || gctx.Err() != nil || errors.Is(err, worker.ErrKilled) {
			return err
		}
		return e.itemFailed(ctx, it, err)
	}
}

func (e *executor) interrupted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.intent != ""
}

// fetch downloads the item's ecar, continuing a partial file when the server
// honours ranges.
func (e *executor) fetch(ctx context.Context, it *Item) error {
	e.mu.Lock()
	url := it.DownloadURL
	e.mu.Unlock()

	dest := archivePath(e.id, it.Identifier)
	f, offset, err := e.deps.Files.OpenAppend(dest)
	if err != nil {
		return fmt.Errorf("open %s: %w", dest, err)
	}
	defer func() { _ = f.Close() }()

	body, err := e.deps.Catalog.Open(ctx, url, offset)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if apperror.CodeOf(err) == apperror.Internal {
			err = apperror.Wrap(apperror.DownloadFailed, err)
		}
		return err
	}
	defer func() { _ = body.Close() }()

	if body.Offset != offset {
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("restart %s: %w", dest, err)
		}
		offset = 0
	}
	e.setDownloaded(it, offset)

	n, err := io.Copy(f, &meter{r: body, fn: func(read int64) {
		e.setDownloaded(it, offset+read)
	}})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperror.Wrap(apperror.DownloadFailed, fmt.Errorf("download %s: %w", it.Identifier, err))
	}
	if body.Total >= 0 && offset+n != body.Total {
		return apperror.New(apperror.DownloadFailed,
			fmt.Sprintf("download %s: got %d of %d bytes", it.Identifier, offset+n, body.Total))
	}

	e.mu.Lock()
	it.Downloaded = offset + n
	if it.Size < it.Downloaded {
		it.Size = it.Downloaded
	}
	it.Step = ItemExtract
	e.mu.Unlock()
	e.log.Info("download: item downloaded", "content", it.Identifier, "bytes", offset+n)
	return e.persist(ctx)
}

func (e *executor) setDownloaded(it *Item, n int64) {
	e.mu.Lock()
	it.Downloaded = n
	total, got := e.meta.TotalSize, e.meta.downloaded()
	e.mu.Unlock()
	if total <= 0 {
		return
	}
	if err := e.throttle.Update(progressDownloadEnd * float64(got) / float64(total)); err != nil {
		e.log.Warn("download: persist progress", "error", err)
	}
}

// extract hands the downloaded archive to the worker once its unpacked size
// is known to fit on disk.
func (e *executor) extract(ctx context.Context, it *Item) error {
	src := archivePath(e.id, it.Identifier)
	zr, err := e.deps.Files.OpenArchive(src)
	if err != nil {
		// A corrupt archive is fetched again on retry.
		return apperror.Wrap(apperror.ExtractFailed, fmt.Errorf("open %s: %w", src, err))
	}
	need := filestore.UncompressedSize(zr.File)
	_ = zr.Close()
	if err := e.deps.Space.Check(ctx, need); err != nil {
		return err
	}

	dest := content.BaseDir(it.Identifier)
	if !e.deps.Files.Exists(dest) {
		e.mu.Lock()
		e.meta.CreatedFolders = appendUnique(e.meta.CreatedFolders, it.Identifier)
		e.mu.Unlock()
	}

	conn, err := e.ensureWorker(ctx)
	if err != nil {
		return err
	}
	msg, err := worker.NewMessage(StepExtractDownload, extractTask{
		Identifier:  it.Identifier,
		ArchivePath: src,
		Dest:        dest,
	})
	if err != nil {
		return err
	}
	reply, err := conn.Call(ctx, msg, nil)
	if err != nil {
		if errors.Is(err, worker.ErrExited) {
			e.dropWorker(conn)
			return apperror.Wrap(apperror.WorkerUnhandled, err)
		}
		return err
	}
	if reply.Kind != worker.Kind(ItemIndex) {
		return fmt.Errorf("download: unexpected worker reply %q", reply.Kind)
	}

	e.mu.Lock()
	it.Step = ItemIndex
	e.mu.Unlock()
	return e.persist(ctx)
}

// index writes the item's document. A collection root is written in
// complete, once its hierarchy can be built.
func (e *executor) index(ctx context.Context, it *Item) error {
	e.mu.Lock()
	isRoot := it.Identifier == e.meta.ContentID
	collection := it.MimeType == content.MimeTypeCollection
	e.mu.Unlock()

	if !(isRoot && collection) {
		doc, err := e.document(ctx, it, isRoot)
		if err != nil {
			return err
		}
		if err := e.deps.Content.Upsert(ctx, doc); err != nil {
			return fmt.Errorf("store content %s: %w", it.Identifier, err)
		}
	}

	e.mu.Lock()
	it.Step = ItemComplete
	e.mu.Unlock()
	return e.persist(ctx)
}

func (e *executor) document(ctx context.Context, it *Item, isRoot bool) (*content.Item, error) {
	var src *content.Item
	var manifest content.Manifest
	if err := e.deps.Files.ReadJSON(manifestPath(it.Identifier), &manifest); err == nil {
		src = manifest.Find(it.Identifier)
	}
	if src == nil {
		e.mu.Lock()
		src = &content.Item{
			Identifier: it.Identifier,
			Name:       it.Name,
			MimeType:   it.MimeType,
			PkgVersion: it.PkgVersion,
		}
		e.mu.Unlock()
	}

	doc := src.Clone()
	doc.Children = nil
	doc.BaseDir = content.BaseDir(it.Identifier)
	doc.Visibility = content.VisibilityParent
	if isRoot {
		doc.Visibility = content.VisibilityDefault
	}

	prev, err := e.deps.Content.Get(ctx, it.Identifier)
	if err != nil && !apperror.Is(err, apperror.ContentNotFound) {
		return nil, fmt.Errorf("load stored content %s: %w", it.Identifier, err)
	}
	now := time.Now().UTC()
	md := &content.DesktopAppMetadata{
		AddedUsing:  content.AddedUsingDownload,
		CreatedOn:   now,
		UpdatedOn:   now,
		IsAvailable: true,
	}
	if prev != nil {
		if prev.Visibility == content.VisibilityDefault {
			doc.Visibility = content.VisibilityDefault
		}
		if prev.DesktopAppMetadata != nil && !prev.DesktopAppMetadata.CreatedOn.IsZero() {
			md.CreatedOn = prev.DesktopAppMetadata.CreatedOn
		}
	}
	doc.DesktopAppMetadata = md
	return doc, nil
}

// complete writes the collection root with its hierarchy and demotes
// children that left the collection.
func (e *executor) complete(ctx context.Context) error {
	e.closeWorker()
	e.mu.Lock()
	rootID := e.meta.ContentID
	root := e.meta.find(rootID)
	var removed []string
	for _, it := range e.meta.Items {
		if it.Step == ItemDelete {
			removed = append(removed, it.Identifier)
		}
	}
	collection := root != nil && root.MimeType == content.MimeTypeCollection
	e.mu.Unlock()

	if collection {
		if err := e.indexCollection(ctx, root); err != nil {
			return err
		}
	}
	if len(removed) > 0 {
		if err := e.demote(ctx, removed); err != nil {
			return err
		}
	}
	return e.throttle.Update(100)
}

func (e *executor) indexCollection(ctx context.Context, root *Item) error {
	var manifest content.Manifest
	if err := e.deps.Files.ReadJSON(manifestPath(root.Identifier), &manifest); err != nil {
		return apperror.Wrap(apperror.ManifestMissing, fmt.Errorf("read collection manifest: %w", err))
	}
	spine := manifest.Find(root.Identifier)
	if spine == nil {
		spine = manifest.Root()
	}
	if spine == nil {
		return apperror.New(apperror.InvalidManifest, "collection manifest has no items")
	}

	doc, err := e.document(ctx, root, true)
	if err != nil {
		return err
	}
	doc.Children = content.BuildHierarchy(manifest.Archive.Items, spine)
	doc.ChildNodes = content.NonCollectionDescendants(manifest.Archive.Items, spine)
	if err := e.deps.Content.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("store collection %s: %w", root.Identifier, err)
	}
	e.log.Info("download: collection indexed", "content", root.Identifier, "children", len(doc.ChildNodes))
	return nil
}

// demote makes children dropped from the collection standalone again.
func (e *executor) demote(ctx context.Context, ids []string) error {
	stored, err := e.deps.Content.Find(ctx, content.Selector{Identifiers: ids})
	if err != nil {
		return fmt.Errorf("load removed contents: %w", err)
	}
	docs := make([]*content.Item, 0, len(stored))
	for _, it := range stored {
		docs = append(docs, &content.Item{Identifier: it.Identifier, Visibility: content.VisibilityDefault})
	}
	results, err := e.deps.Content.Bulk(ctx, docs)
	if err != nil {
		return fmt.Errorf("demote removed contents: %w", err)
	}
	for _, r := range results {
		if r.Err != nil {
			e.log.Warn("download: demote content", "content", r.Identifier, "error", r.Err)
			continue
		}
		e.log.Debug("download: content demoted", "content", r.Identifier, "rev", r.Rev)
	}
	return nil
}

// itemFailed records a failed item. The job fails on a failed root, on the
// loss of a collection's only child, and on a second failure.
func (e *executor) itemFailed(ctx context.Context, it *Item, err error) error {
	e.mu.Lock()
	it.fail(err)
	failures, children := e.meta.failures(), e.meta.fetchableChildren()
	isRoot := it.Identifier == e.meta.ContentID
	e.mu.Unlock()

	e.log.Warn("download: item failed", "content", it.Identifier, "code", it.FailedCode, "error", err)
	if isRoot || children <= 1 || failures > 1 {
		return err
	}
	if rerr := e.deps.Files.Remove(archivePath(e.id, it.Identifier)); rerr != nil {
		e.log.Warn("download: remove archive", "content", it.Identifier, "error", rerr)
	}
	return e.persist(ctx)
}

func (e *executor) finish(ctx context.Context, err error) {
	bg := context.WithoutCancel(ctx)

	e.mu.Lock()
	intent := e.intent
	e.mu.Unlock()

	switch {
	case err == nil:
		e.closeWorker()
		if rerr := e.deps.Files.Remove(downloadDir(e.id)); rerr != nil {
			e.log.Warn("download: remove archives", "error", rerr)
		}
		e.mu.Lock()
		e.rec.Progress = 100
		terr := e.rec.Transition(job.StatusCompleted)
		failed := e.meta.failures()
		e.mu.Unlock()
		if terr != nil {
			err = terr
		}
		e.log.Info("download completed", "content", e.meta.ContentID, "failedItems", failed)

	case intent == job.AbortPaused:
		e.closeWorker()
		e.cleanup.Run(bg, job.AbortPaused)
		e.setStatus(job.StatusPaused)
		err = nil

	case intent == job.AbortCanceled:
		e.closeWorker()
		e.cleanup.Run(bg, job.AbortCanceled)
		e.setStatus(job.StatusCanceled)
		err = nil

	case ctx.Err() != nil:
		// Shutdown: leave the record in progress so reconcile picks it up.
		e.cleanup.Run(bg, job.AbortShutdown)

	default:
		e.cleanup.Run(bg, job.AbortFailed)
		e.mu.Lock()
		e.rec.Fail(string(apperror.CodeOf(err)), err.Error())
		e.mu.Unlock()
		e.log.Error("download failed", "code", apperror.CodeOf(err), "error", err)
	}

	if perr := e.persist(bg); perr != nil {
		e.log.Error("download: persist final state", "error", perr)
	}
	e.done(err, e.snapshot())
}

func (e *executor) setStatus(s job.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.rec.Transition(s); err != nil {
		e.log.Warn("download: status", "error", err)
	}
}

func (e *executor) ensureWorker(ctx context.Context) (*worker.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.intent != "" {
		return nil, worker.ErrKilled
	}
	if e.conn != nil {
		return e.conn, nil
	}
	conn, err := e.deps.Spawner.Spawn(ctx)
	if err != nil {
		return nil, apperror.Wrap(apperror.WorkerUnhandled, err)
	}
	e.conn = conn
	return conn, nil
}

// dropWorker forgets a worker that died so the next item spawns a new one.
func (e *executor) dropWorker(conn *worker.Conn) {
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
	}
	e.mu.Unlock()
	_ = conn.Kill()
}

func (e *executor) closeWorker() {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (e *executor) persistProgress(p float64) error {
	e.mu.Lock()
	if p > e.rec.Progress {
		e.rec.Progress = p
	}
	e.mu.Unlock()
	return e.persist(context.Background())
}

func (e *executor) persist(ctx context.Context) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	e.mu.Lock()
	if err := e.rec.SetMeta(e.meta); err != nil {
		e.mu.Unlock()
		return err
	}
	rec := e.rec.Clone()
	e.mu.Unlock()
	return e.deps.Jobs.Update(ctx, rec)
}

func (e *executor) snapshot() *job.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone()
}

// meter reports the running byte count of a transfer.
type meter struct {
	r  io.Reader
	n  int64
	fn func(int64)
}

func (m *meter) Read(b []byte) (int, error) {
	n, err := m.r.Read(b)
	if n > 0 {
		m.n += int64(n)
		m.fn(m.n)
	}
	return n, err
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
