// Package workerd exposes a worker's dispatcher over HTTP: job submission,
// per-job status, concurrency configuration, and health.
package workerd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mediaforge/internal/dispatch"
)

const ServiceName = "mediaforge-worker"

type Handler struct {
	Dispatcher *dispatch.Dispatcher

	startedAt time.Time
	now       func() time.Time
}

func NewHandler(dispatcher *dispatch.Dispatcher) *Handler {
	return &Handler{Dispatcher: dispatcher, startedAt: time.Now(), now: time.Now}
}

type downloadRequest struct {
	Ref string `json:"ref"`
}

type downloadAccepted struct {
	QueryID         string    `json:"queryId"`
	Status          string    `json:"status"`
	ProgressMessage string    `json:"progressMessage"`
	CreatedAt       time.Time `json:"createdAt"`
}

type configResponse struct {
	Concurrency int `json:"concurrency"`
	QueueSize   int `json:"queueSize"`
	ActiveJobs  int `json:"activeJobs"`
}

// Download accepts a new transcoding job. The job is enqueued and the
// response returns before execution starts.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var payload downloadRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ref := strings.TrimSpace(payload.Ref)
	if ref == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("ref is required"))
		return
	}

	job := h.Dispatcher.Submit(ref)
	writeJSON(w, http.StatusAccepted, downloadAccepted{
		QueryID:         job.ID,
		Status:          string(job.Status),
		ProgressMessage: job.ProgressMessage,
		CreatedAt:       job.CreatedAt,
	})
}

// DownloadStatus serves GET /media/download/{queryId}/status. Unknown ids
// return 404, which after a worker restart is how the orchestrator learns the
// job is lost.
func (h *Handler) DownloadStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/media/download/")
	id, found := strings.CutSuffix(rest, "/status")
	if !found || id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("job not found"))
		return
	}

	job, ok := h.Dispatcher.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("job not found"))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Config reads or replaces the dispatcher's concurrency limit.
func (h *Handler) Config(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.configSnapshot())
	case http.MethodPut:
		var payload struct {
			Concurrency *int `json:"concurrency"`
		}
		if err := decodeJSON(r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if payload.Concurrency == nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("concurrency is required"))
			return
		}
		if err := h.Dispatcher.SetConcurrency(*payload.Concurrency); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, h.configSnapshot())
	default:
		w.Header().Set("Allow", "GET, PUT")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) configSnapshot() configResponse {
	return configResponse{
		Concurrency: h.Dispatcher.Concurrency(),
		QueueSize:   h.Dispatcher.QueueSize(),
		ActiveJobs:  h.Dispatcher.ActiveJobs(),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   ServiceName,
		"uptime":    now.Sub(h.startedAt).Seconds(),
		"timestamp": now.UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}
