package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
	"github.com/ahmethakanbesel/ecar-manager/internal/export"
	"github.com/ahmethakanbesel/ecar-manager/internal/importer"
	"github.com/ahmethakanbesel/ecar-manager/internal/job"
)

// Jobs is the queue-control surface of job.Manager.
type Jobs interface {
	Get(ctx context.Context, req job.GetJobRequest) (*job.Record, error)
	List(ctx context.Context, req job.ListJobsRequest) ([]job.Record, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
}

type Importer interface {
	RegisterImports(ctx context.Context, req importer.RegisterRequest) ([]string, error)
}

type Downloader interface {
	Register(ctx context.Context, contentID string) (string, error)
}

type Exporter interface {
	Export(ctx context.Context, contentID, destFolder string) (*export.Result, error)
}

type ExportQueue interface {
	Register(ctx context.Context, contentID, destFolder string) (string, error)
}

// Services are the collaborators behind the routes.
type Services struct {
	Jobs        Jobs
	Imports     Importer
	Downloads   Downloader
	Exporter    Exporter
	ExportQueue ExportQueue
}

type handler struct {
	svc Services
}

type jobIDs struct {
	JobIDs []string `json:"jobIds"`
}

type exportRequest struct {
	DestFolder string `json:"destFolder"`
	// Queue runs the export as a job instead of inline.
	Queue bool `json:"queue"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) registerImports(w http.ResponseWriter, r *http.Request) {
	var req importer.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ids, err := h.svc.Imports.RegisterImports(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobIDs{JobIDs: ids})
}

func (h *handler) registerDownload(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.Downloads.Register(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobIDs{JobIDs: []string{id}})
}

func (h *handler) export(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	contentID := r.PathValue("id")

	if req.Queue {
		if h.svc.ExportQueue == nil {
			writeError(w, http.StatusBadRequest, "queued exports are not enabled")
			return
		}
		id, err := h.svc.ExportQueue.Register(r.Context(), contentID, req.DestFolder)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, jobIDs{JobIDs: []string{id}})
		return
	}

	res, err := h.svc.Exporter.Export(r.Context(), contentID, req.DestFolder)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	req := job.GetJobRequest{ID: r.PathValue("id")}
	if appErr := req.Validate(); appErr != nil {
		writeError(w, appErr.HTTPStatus(), appErr.Message())
		return
	}

	j, err := h.svc.Jobs.Get(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, j)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := job.ListJobsRequest{}
	for _, t := range splitList(q["type"]) {
		req.Types = append(req.Types, job.Type(t))
	}
	for _, s := range splitList(q["status"]) {
		req.Statuses = append(req.Statuses, job.Status(s))
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		req.Limit = n
	}
	if appErr := req.Validate(); appErr != nil {
		writeError(w, appErr.HTTPStatus(), appErr.Message())
		return
	}

	jobs, err := h.svc.Jobs.List(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

// control handles POST /api/v1/jobs/{id}/{action}.
func (h *handler) control(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var fn func(context.Context, string) error
	switch r.PathValue("action") {
	case "pause":
		fn = h.svc.Jobs.Pause
	case "resume":
		fn = h.svc.Jobs.Resume
	case "cancel":
		fn = h.svc.Jobs.Cancel
	case "retry":
		fn = h.svc.Jobs.Retry
	default:
		writeError(w, http.StatusNotFound, "unknown action "+r.PathValue("action"))
		return
	}
	if err := fn(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	j, err := h.svc.Jobs.Get(r.Context(), job.GetJobRequest{ID: id})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// splitList accepts both repeated and comma separated query values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeAppError(w http.ResponseWriter, err error) {
	var ae *apperror.AppError
	if errors.As(err, &ae) {
		writeError(w, ae.HTTPStatus(), ae.Message())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
