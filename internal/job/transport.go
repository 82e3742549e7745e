package job

import (
	"strings"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
)

type GetJobRequest struct {
	ID string
}

func (r GetJobRequest) Validate() *apperror.AppError {
	if strings.TrimSpace(r.ID) == "" {
		return apperror.New(apperror.BadRequest, "invalid job id")
	}
	return nil
}

type ListJobsRequest struct {
	Types    []Type
	Statuses []Status
	Limit    int
}

func (r ListJobsRequest) Validate() *apperror.AppError {
	for _, t := range r.Types {
		switch t {
		case TypeImport, TypeDownload, TypeExport:
		default:
			return apperror.New(apperror.BadRequest, "unknown job type "+string(t))
		}
	}
	for _, s := range r.Statuses {
		if !knownStatus(s) {
			return apperror.New(apperror.BadRequest, "unknown job status "+string(s))
		}
	}
	if r.Limit < 0 {
		return apperror.New(apperror.BadRequest, "limit must not be negative")
	}
	return nil
}

func knownStatus(s Status) bool {
	switch s {
	case StatusInQueue, StatusInProgress, StatusPaused, StatusPausing, StatusResuming,
		StatusCanceling, StatusCanceled, StatusCompleted, StatusFailed, StatusReconcile:
		return true
	}
	return false
}
