package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
	"github.com/ahmethakanbesel/ecar-manager/internal/content"
	"github.com/ahmethakanbesel/ecar-manager/internal/filestore"
	"github.com/ahmethakanbesel/ecar-manager/internal/job"
	"github.com/ahmethakanbesel/ecar-manager/internal/worker"
)

// Deps are the collaborators shared by every import executor.
type Deps struct {
	Jobs             job.Repository
	Content          content.Store
	Files            *filestore.Store
	Spawner          worker.Spawner
	ProgressInterval time.Duration
}

// Factory returns the job.Factory for import jobs.
func (d *Deps) Factory() job.Factory {
	return func(rec *job.Record, done job.DoneFunc) (job.Executor, error) {
		return newExecutor(d, rec, done)
	}
}

type executor struct {
	deps *Deps
	done job.DoneFunc
	log  *slog.Logger

	mu         sync.Mutex
	rec        *job.Record
	meta       Meta
	conn       *worker.Conn
	intent     job.AbortReason
	processing bool
	started    bool

	cleanup  job.Cleanup
	throttle *job.ProgressThrottle
}

func newExecutor(d *Deps, rec *job.Record, done job.DoneFunc) (*executor, error) {
	e := &executor{
		deps: d,
		done: done,
		rec:  rec,
		log:  slog.With("job", rec.ID, "type", rec.Type),
	}
	if err := rec.DecodeMeta(&e.meta); err != nil {
		return nil, err
	}
	if e.meta.EcarFilePath == "" {
		e.meta.EcarFilePath = ecarCopyPath(rec.ID)
	}
	e.throttle = job.NewProgressThrottle(d.ProgressInterval, rec.Progress, e.persistProgress)

	e.cleanup.OnAbort(func(_ context.Context, reason job.AbortReason) {
		if !reason.Discards() {
			return
		}
		e.mu.Lock()
		ecar, folders := e.meta.EcarFilePath, append([]string(nil), e.meta.CreatedFolders...)
		e.mu.Unlock()
		if err := d.Files.Remove(ecar); err != nil {
			e.log.Warn("import: remove ecar copy", "error", err)
		}
		for _, id := range folders {
			if err := d.Files.Remove(content.BaseDir(id)); err != nil {
				e.log.Warn("import: remove content folder", "content", id, "error", err)
			}
		}
		e.mu.Lock()
		e.meta.CreatedFolders = nil
		e.mu.Unlock()
	})
	e.cleanup.OnAbort(func(_ context.Context, reason job.AbortReason) {
		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()
		if conn != nil {
			if err := conn.Kill(); err != nil {
				e.log.Warn("import: kill worker", "reason", reason, "error", err)
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
	e.mu.Unlock()
	if err := e.persist(ctx); err != nil {
		return err
	}
	go e.run(ctx)
	return nil
}

// Pause stops the worker at its next consistent point. Refused while
// contents are being written to the store.
func (e *executor) Pause(ctx context.Context) (bool, error) {
	return e.interrupt(ctx, job.AbortPaused, job.StatusPausing)
}

func (e *executor) Cancel(ctx context.Context) (bool, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		// Not running here: discard whatever a previous run left behind.
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
	conn := e.conn
	e.mu.Unlock()

	if err := e.persist(ctx); err != nil {
		return false, err
	}
	if conn != nil {
		if err := conn.Interrupt(); err != nil {
			e.log.Warn("import: send kill", "error", err)
		}
	}
	return true, nil
}

func (e *executor) run(ctx context.Context) {
	err := e.loop(ctx)
	e.finish(ctx, err)
}

func (e *executor) loop(ctx context.Context) error {
	for {
		e.mu.Lock()
		step, intent := e.meta.Step, e.intent
		if intent == "" && (step == StepProcessContents || step == StepComplete) {
			// From here on the job runs to completion.
			e.processing = true
		}
		e.mu.Unlock()

		if intent != "" {
			return worker.ErrKilled
		}
		switch {
		case step == StepComplete:
			return nil
		case step == StepProcessContents:
			if err := e.processContents(ctx); err != nil {
				return err
			}
			if err := e.advance(StepComplete); err != nil {
				return err
			}
		case step.inWorker():
			if err := e.callWorker(ctx, step); err != nil {
				return err
			}
		default:
			return fmt.Errorf("import: unknown step %q", step)
		}
	}
}

func (e *executor) callWorker(ctx context.Context, step Step) error {
	conn, err := e.ensureWorker(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	msg, err := worker.NewMessage(worker.Kind(step), e.meta)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	reply, callErr := conn.Call(ctx, msg, func(m worker.Message) {
		var snap Meta
		if err := m.Decode(&snap); err != nil {
			e.log.Warn("import: decode sync", "error", err)
			return
		}
		e.mu.Lock()
		e.meta = snap
		e.mu.Unlock()
		if err := e.throttle.Update(snap.Progress); err != nil {
			e.log.Warn("import: persist progress", "error", err)
		}
	})

	var snap Meta
	if err := reply.Decode(&snap); err != nil {
		return err
	}
	if callErr != nil {
		if len(reply.Snapshot) > 0 {
			e.mu.Lock()
			e.meta = snap
			e.mu.Unlock()
		}
		return callErr
	}

	next := Step(reply.Kind)
	if err := checkTransition(step, next); err != nil {
		return err
	}
	e.mu.Lock()
	e.meta = snap
	e.meta.Step = next
	e.mu.Unlock()

	if next == StepExtractEcar {
		if err := e.computeSkipList(ctx); err != nil {
			return err
		}
	}
	if err := e.throttle.Update(snap.Progress); err != nil {
		return err
	}
	return e.persist(ctx)
}

func (e *executor) ensureWorker(ctx context.Context) (*worker.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
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

// computeSkipList marks manifest items that are already available locally
// with the same or a newer package version.
func (e *executor) computeSkipList(ctx context.Context) error {
	e.mu.Lock()
	rootID := e.meta.ContentID
	e.mu.Unlock()

	var manifest content.Manifest
	if err := e.deps.Files.ReadJSON(manifestPath(rootID), &manifest); err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	ids := make([]string, 0, len(manifest.Archive.Items))
	for _, it := range manifest.Archive.Items {
		ids = append(ids, it.Identifier)
	}
	stored, err := e.deps.Content.Find(ctx, content.Selector{Identifiers: ids})
	if err != nil {
		return fmt.Errorf("load stored contents: %w", err)
	}
	byID := make(map[string]content.Item, len(stored))
	for _, it := range stored {
		byID[it.Identifier] = it
	}

	var skip []string
	for _, it := range manifest.Archive.Items {
		if it.IsCollection() {
			continue
		}
		s, ok := byID[it.Identifier]
		if ok && s.IsAvailable() && s.PkgVersion >= it.PkgVersion {
			skip = append(skip, it.Identifier)
		}
	}
	e.mu.Lock()
	e.meta.ContentSkipList = skip
	e.mu.Unlock()
	if len(skip) > 0 {
		e.log.Info("import: skipping up-to-date contents", "count", len(skip))
	}
	return nil
}

// processContents writes manifest items to the content store.
func (e *executor) processContents(ctx context.Context) error {
	e.closeWorker()
	e.mu.Lock()
	meta := e.meta
	e.mu.Unlock()

	var manifest content.Manifest
	if err := e.deps.Files.ReadJSON(manifestPath(meta.ContentID), &manifest); err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	root := manifest.Root()
	if root == nil {
		return apperror.New(apperror.InvalidManifest, "manifest has no items")
	}

	ids := make([]string, 0, len(manifest.Archive.Items))
	for _, it := range manifest.Archive.Items {
		ids = append(ids, it.Identifier)
	}
	stored, err := e.deps.Content.Find(ctx, content.Selector{Identifiers: ids})
	if err != nil {
		return fmt.Errorf("load stored contents: %w", err)
	}
	byID := make(map[string]content.Item, len(stored))
	for _, it := range stored {
		byID[it.Identifier] = it
	}

	now := time.Now().UTC()
	var docs []*content.Item
	for _, it := range manifest.Archive.Items {
		if it.IsCollection() && it.Identifier != root.Identifier {
			continue
		}
		prev, exists := byID[it.Identifier]
		if exists && prev.IsAvailable() && meta.skipped(it.Identifier) {
			continue
		}

		doc := it.Clone()
		doc.Children = nil
		doc.BaseDir = content.BaseDir(it.Identifier)
		if exists && prev.Visibility == content.VisibilityDefault {
			doc.Visibility = content.VisibilityDefault
		}
		extracted := e.deps.Files.Exists(doc.BaseDir) && !meta.corrupt(it.Identifier)
		md := &content.DesktopAppMetadata{
			AddedUsing:  content.AddedUsingImport,
			CreatedOn:   now,
			UpdatedOn:   now,
			IsAvailable: extracted,
		}
		if exists && prev.DesktopAppMetadata != nil && !prev.DesktopAppMetadata.CreatedOn.IsZero() {
			md.CreatedOn = prev.DesktopAppMetadata.CreatedOn
		}
		doc.DesktopAppMetadata = md

		if it.Identifier == root.Identifier && it.IsCollection() {
			doc.Children = content.BuildHierarchy(manifest.Archive.Items, it)
			doc.ChildNodes = meta.ChildNodes
			doc.DesktopAppMetadata.IsAvailable = true
		}
		docs = append(docs, doc)
	}

	results, err := e.deps.Content.Bulk(ctx, docs)
	if err != nil {
		return fmt.Errorf("store contents: %w", err)
	}
	for _, r := range results {
		if r.Err == nil {
			e.log.Debug("import: content stored", "content", r.Identifier, "rev", r.Rev)
			continue
		}
		if r.Identifier == root.Identifier {
			return fmt.Errorf("store root content %s: %w", r.Identifier, r.Err)
		}
		e.log.Warn("import: store content", "content", r.Identifier, "error", r.Err)
	}
	e.log.Info("import: contents stored", "count", len(docs), "skipped", len(meta.ContentSkipList))
	return e.throttle.Update(progressDone)
}

func (e *executor) advance(next Step) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := checkTransition(e.meta.Step, next); err != nil {
		return err
	}
	e.meta.Step = next
	return nil
}

func (e *executor) finish(ctx context.Context, err error) {
	bg := context.WithoutCancel(ctx)

	e.mu.Lock()
	intent := e.intent
	e.mu.Unlock()

	switch {
	case err == nil:
		e.closeWorker()
		if rerr := e.deps.Files.Remove(e.meta.EcarFilePath); rerr != nil {
			e.log.Warn("import: remove ecar copy", "error", rerr)
		}
		e.mu.Lock()
		e.meta.Progress = progressDone
		e.rec.Progress = progressDone
		terr := e.rec.Transition(job.StatusCompleted)
		e.mu.Unlock()
		if terr != nil {
			err = terr
		}
		e.log.Info("import completed", "content", e.meta.ContentID)

	case intent == job.AbortPaused:
		e.cleanup.Run(bg, job.AbortPaused)
		e.setStatus(job.StatusPaused)
		err = nil

	case intent == job.AbortCanceled:
		e.cleanup.Run(bg, job.AbortCanceled)
		e.setStatus(job.StatusCanceled)
		err = nil

	case ctx.Err() != nil:
		// Shutdown: leave the record in progress so reconcile picks it up.
		e.cleanup.Run(bg, job.AbortShutdown)

	case errors.Is(err, worker.ErrExited):
		e.cleanup.Run(bg, job.AbortCrashed)
		e.fail(apperror.WorkerUnhandled, err)

	default:
		e.cleanup.Run(bg, job.AbortFailed)
		e.fail(apperror.CodeOf(err), err)
	}

	if perr := e.persist(bg); perr != nil {
		e.log.Error("import: persist final state", "error", perr)
	}
	e.done(err, e.snapshot())
}

func (e *executor) fail(code apperror.Code, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.meta.reset()
	e.rec.Fail(string(code), err.Error())
	e.log.Error("import failed", "code", code, "error", err)
}

func (e *executor) setStatus(s job.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.rec.Transition(s); err != nil {
		e.log.Warn("import: status", "error", err)
	}
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
	e.rec.Progress = p
	e.mu.Unlock()
	return e.persist(context.Background())
}

func (e *executor) persist(ctx context.Context) error {
	e.mu.Lock()
	if e.meta.Progress > e.rec.Progress {
		e.rec.Progress = e.meta.Progress
	}
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
