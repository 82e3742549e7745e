package export

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
	"github.com/ahmethakanbesel/ecar-manager/internal/job"
)

// Meta is the export job metadata.
type Meta struct {
	ContentID  string  `json:"contentId"`
	DestFolder string  `json:"destFolder"`
	Result     *Result `json:"result,omitempty"`
}

type Queue interface {
	Register(ctx context.Context, rec *job.Record) (string, error)
}

// Service queues exports as jobs.
type Service struct {
	jobs  job.Repository
	queue Queue
}

func NewService(jobs job.Repository, queue Queue) *Service {
	return &Service{jobs: jobs, queue: queue}
}

func (s *Service) Register(ctx context.Context, contentID, destFolder string) (string, error) {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return "", apperror.New(apperror.BadRequest, "content id cannot be empty")
	}
	if strings.TrimSpace(destFolder) == "" {
		return "", apperror.New(apperror.BadRequest, "destination folder cannot be empty")
	}
	abs, err := filepath.Abs(destFolder)
	if err != nil {
		return "", apperror.New(apperror.BadRequest, "invalid destination folder: "+destFolder)
	}

	group := contentID + "@" + abs
	active, err := s.jobs.FindActive(ctx, job.TypeExport, group)
	if err != nil {
		return "", err
	}
	if active != nil {
		return "", apperror.New(apperror.AlreadyRegistered, "export already queued: "+contentID)
	}
	rec, err := job.NewRecord(job.TypeExport, contentID, group, Meta{ContentID: contentID, DestFolder: abs})
	if err != nil {
		return "", err
	}
	id, err := s.queue.Register(ctx, rec)
	if err != nil {
		return "", err
	}
	slog.Info("export queued", "job", id, "content", contentID, "dest", abs)
	return id, nil
}

// Factory returns the job.Factory for export jobs.
func (x *Exporter) Factory(jobs job.Repository) job.Factory {
	return func(rec *job.Record, done job.DoneFunc) (job.Executor, error) {
		e := &executor{exporter: x, jobs: jobs, rec: rec, done: done, log: slog.With("job", rec.ID, "type", rec.Type)}
		if err := rec.DecodeMeta(&e.meta); err != nil {
			return nil, err
		}
		return e, nil
	}
}

// executor runs an export as one uninterruptible step that can only be
// canceled.
type executor struct {
	exporter *Exporter
	jobs     job.Repository
	done     job.DoneFunc
	log      *slog.Logger

	mu       sync.Mutex
	rec      *job.Record
	meta     Meta
	started  bool
	canceled bool
	stop     context.CancelFunc
}

func (e *executor) Start(ctx context.Context) error  { return e.begin(ctx) }
func (e *executor) Resume(ctx context.Context) error { return e.begin(ctx) }

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

// Pause is refused: an export restarts from scratch anyway.
func (e *executor) Pause(context.Context) (bool, error) { return false, nil }

func (e *executor) Cancel(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if !e.started {
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
	if e.canceled {
		e.mu.Unlock()
		return false, nil
	}
	if err := e.rec.Transition(job.StatusCanceling); err != nil {
		e.mu.Unlock()
		return false, nil
	}
	e.canceled = true
	stop := e.stop
	e.mu.Unlock()

	if err := e.persist(ctx); err != nil {
		return false, err
	}
	stop()
	return true, nil
}

func (e *executor) run(ctx, runCtx context.Context) {
	res, err := e.exporter.Export(runCtx, e.meta.ContentID, e.meta.DestFolder)
	e.mu.Lock()
	canceled := e.canceled
	e.stop()
	e.mu.Unlock()

	switch {
	case canceled:
		if res != nil {
			// Finished before the cancel was seen.
			if rerr := os.Remove(res.EcarFilePath); rerr != nil {
				e.log.Warn("export: remove archive", "error", rerr)
			}
		}
		e.setStatus(job.StatusCanceled)
		err = nil
	case err == nil:
		e.mu.Lock()
		e.meta.Result = res
		e.rec.Progress = 100
		if terr := e.rec.Transition(job.StatusCompleted); terr != nil {
			err = terr
		}
		e.mu.Unlock()
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		// Shutdown: reconcile runs the export again.
	default:
		e.mu.Lock()
		e.rec.Fail(string(apperror.CodeOf(err)), err.Error())
		e.mu.Unlock()
		e.log.Error("export failed", "code", apperror.CodeOf(err), "error", err)
	}

	if perr := e.persist(context.WithoutCancel(ctx)); perr != nil {
		e.log.Error("export: persist final state", "error", perr)
	}
	e.done(err, e.snapshot())
}

func (e *executor) setStatus(s job.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.rec.Transition(s); err != nil {
		e.log.Warn("export: status", "error", err)
	}
}

func (e *executor) persist(ctx context.Context) error {
	e.mu.Lock()
	if err := e.rec.SetMeta(e.meta); err != nil {
		e.mu.Unlock()
		return err
	}
	rec := e.rec.Clone()
	e.mu.Unlock()
	return e.jobs.Update(ctx, rec)
}

func (e *executor) snapshot() *job.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone()
}
