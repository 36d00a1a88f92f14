package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"mediaforge/internal/admission"
	"mediaforge/internal/models"
	"mediaforge/internal/storage"
)

type createWorkerRequest struct {
	Name        string `json:"name"`
	BaseURL     string `json:"baseUrl"`
	Active      *bool  `json:"isActive"`
	Concurrency int    `json:"concurrency"`
}

type updateWorkerRequest struct {
	Name        *string `json:"name"`
	BaseURL     *string `json:"baseUrl"`
	Active      *bool   `json:"isActive"`
	Concurrency *int    `json:"concurrency"`
}

type workerResponse struct {
	models.Worker
	Runtime admission.Runtime `json:"runtime"`
	Warning string            `json:"warning,omitempty"`
}

// Workers serves the registry collection. Listing attaches a runtime view per
// worker; registration pushes the desired concurrency to active workers and
// attaches a push failure as a warning instead of rolling back.
func (h *Handler) Workers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		workers, err := h.Store.ListWorkers()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		runtimes := h.Admission.InspectAll(r.Context(), workers)
		response := make([]workerResponse, len(workers))
		for i, worker := range workers {
			response[i] = workerResponse{Worker: worker, Runtime: runtimes[i]}
		}
		writeJSON(w, http.StatusOK, response)
	case http.MethodPost:
		var req createWorkerRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}
		worker, err := h.Store.CreateWorker(storage.CreateWorkerParams{
			Name:        req.Name,
			BaseURL:     req.BaseURL,
			Active:      active,
			Concurrency: req.Concurrency,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		response := workerResponse{Worker: worker}
		if worker.Active {
			if err := h.Admission.ApplyConcurrency(r.Context(), worker); err != nil {
				response.Warning = err.Error()
			}
		}
		response.Runtime = h.Admission.Inspect(r.Context(), worker)
		writeJSON(w, http.StatusCreated, response)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// WorkerByID serves one registry entry. Updates re-push concurrency when the
// worker is (or becomes) active and its concurrency or endpoint changed.
func (h *Handler) WorkerByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/workers/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("worker not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		worker, err := h.Store.GetWorker(id)
		if errors.Is(err, storage.ErrWorkerNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("worker %s not found", id))
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, workerResponse{
			Worker:  worker,
			Runtime: h.Admission.Inspect(r.Context(), worker),
		})
	case http.MethodPatch:
		previous, err := h.Store.GetWorker(id)
		if errors.Is(err, storage.ErrWorkerNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("worker %s not found", id))
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		var req updateWorkerRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := h.Store.UpdateWorker(id, storage.WorkerUpdate{
			Name:        req.Name,
			BaseURL:     req.BaseURL,
			Active:      req.Active,
			Concurrency: req.Concurrency,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		response := workerResponse{Worker: updated}
		if shouldRepush(previous, updated) {
			if err := h.Admission.ApplyConcurrency(r.Context(), updated); err != nil {
				response.Warning = err.Error()
			}
		}
		response.Runtime = h.Admission.Inspect(r.Context(), updated)
		writeJSON(w, http.StatusOK, response)
	case http.MethodDelete:
		err := h.Store.DeleteWorker(id)
		if errors.Is(err, storage.ErrWorkerNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("worker %s not found", id))
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, PATCH, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func shouldRepush(previous, updated models.Worker) bool {
	if !updated.Active {
		return false
	}
	if !previous.Active {
		return true
	}
	return previous.Concurrency != updated.Concurrency || previous.BaseURL != updated.BaseURL
}
