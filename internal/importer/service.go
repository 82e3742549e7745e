package importer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
	"github.com/ahmethakanbesel/ecar-manager/internal/job"
)

// Queue is the part of the job manager the service needs.
type Queue interface {
	Register(ctx context.Context, rec *job.Record) (string, error)
}

// SpaceChecker fails when the given number of bytes does not fit on disk.
type SpaceChecker interface {
	Check(ctx context.Context, required int64) error
}

type Service struct {
	jobs  job.Repository
	queue Queue
	space SpaceChecker
}

func NewService(jobs job.Repository, queue Queue, space SpaceChecker) *Service {
	return &Service{jobs: jobs, queue: queue, space: space}
}

type RegisterRequest struct {
	Paths []string `json:"paths"`
}

func (r RegisterRequest) Validate() *apperror.AppError {
	if len(r.Paths) == 0 {
		return apperror.New(apperror.BadRequest, "at least one ecar path is required")
	}
	for _, p := range r.Paths {
		if !strings.EqualFold(filepath.Ext(p), ".ecar") {
			return apperror.New(apperror.BadRequest, "not an ecar file: "+p)
		}
	}
	return nil
}

// RegisterImports queues one import job per ecar path. Every path is
// validated before any job is registered.
func (s *Service) RegisterImports(ctx context.Context, req RegisterRequest) ([]string, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	type pending struct {
		path string
		size int64
	}
	var batch []pending
	var total int64
	seen := map[string]bool{}
	for _, p := range req.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, apperror.New(apperror.BadRequest, "invalid path: "+p)
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true

		fi, err := os.Stat(abs)
		if err != nil || fi.IsDir() {
			return nil, apperror.New(apperror.BadRequest, "ecar file not found: "+p)
		}
		active, err := s.jobs.FindActive(ctx, job.TypeImport, abs)
		if err != nil {
			return nil, fmt.Errorf("check existing imports: %w", err)
		}
		if active != nil {
			return nil, apperror.New(apperror.EcarsAddedAlready, "ecar already queued for import: "+p)
		}
		batch = append(batch, pending{path: abs, size: fi.Size()})
		total += fi.Size()
	}

	// The copy and its extracted contents both land on disk.
	if err := s.space.Check(ctx, total*2); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(batch))
	for _, b := range batch {
		meta := Meta{Step: StepCopyEcar, EcarSourcePath: b.path, FileSize: b.size}
		rec, err := job.NewRecord(job.TypeImport, filepath.Base(b.path), b.path, nil)
		if err != nil {
			return ids, err
		}
		meta.EcarFilePath = ecarCopyPath(rec.ID)
		if err := rec.SetMeta(meta); err != nil {
			return ids, err
		}
		id, err := s.queue.Register(ctx, rec)
		if err != nil {
			return ids, err
		}
		slog.Info("import queued", "job", id, "path", b.path)
		ids = append(ids, id)
	}
	return ids, nil
}
