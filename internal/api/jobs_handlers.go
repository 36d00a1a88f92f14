package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"mediaforge/internal/admission"
	"mediaforge/internal/models"
	"mediaforge/internal/observability/logging"
	"mediaforge/internal/storage"
)

type submitJobRequest struct {
	Ref      string `json:"ref"`
	Priority string `json:"priority"`
}

// Jobs serves the ledger collection: POST admits a new job and GET returns a
// freshly synchronized page.
func (h *Handler) Jobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req submitJobRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ref := strings.TrimSpace(req.Ref)
		if ref == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("ref is required"))
			return
		}

		worker, accepted, err := h.Admission.Admit(r.Context(), ref)
		if errors.Is(err, admission.ErrNoWorkerAvailable) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}

		job, err := h.Store.CreateJob(storage.CreateJobParams{
			Ref:               ref,
			Priority:          req.Priority,
			Status:            models.JobStatusQueued,
			ProgressMessage:   accepted.ProgressMessage,
			ProcessorJobID:    accepted.QueryID,
			ProcessorWorkerID: worker.ID,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if h.Metrics != nil {
			h.Metrics.JobSubmitted()
		}
		writeJSON(w, http.StatusAccepted, job)
	case http.MethodGet:
		if ref := strings.TrimSpace(r.URL.Query().Get("ref")); ref != "" {
			h.latestJobByRef(w, r, ref)
			return
		}

		opts := storage.ListJobsOptions{
			Page:     queryInt(r, "page"),
			PageSize: queryInt(r, "pageSize"),
		}
		page, err := h.Store.ListJobs(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		page.Jobs = h.Sync.SyncAll(r.Context(), page.Jobs)
		writeJSON(w, http.StatusOK, page)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) latestJobByRef(w http.ResponseWriter, r *http.Request, ref string) {
	job, err := h.Store.LatestJobByRef(ref)
	if errors.Is(err, storage.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no job found for ref %s", ref))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	ctx := logging.ContextWithJobID(r.Context(), job.ID)
	writeJSON(w, http.StatusOK, h.Sync.Sync(ctx, job))
}

// JobByID serves one ledger entry, synchronized against its worker on every
// read.
func (h *Handler) JobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("job not found"))
		return
	}

	job, err := h.Store.GetJob(id)
	if errors.Is(err, storage.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	ctx := logging.ContextWithJobID(r.Context(), job.ID)
	writeJSON(w, http.StatusOK, h.Sync.Sync(ctx, job))
}

func queryInt(r *http.Request, key string) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}
