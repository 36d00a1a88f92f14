package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"mediaforge/internal/admission"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/reconcile"
	"mediaforge/internal/storage"
)

// ServiceName identifies the orchestrator in health payloads.
const ServiceName = "mediaforge-server"

type Handler struct {
	Store     storage.Repository
	Admission *admission.Manager
	Sync      *reconcile.Synchronizer
	Metrics   *metrics.Recorder

	startedAt time.Time
	now       func() time.Time
}

func NewHandler(store storage.Repository, manager *admission.Manager, sync *reconcile.Synchronizer) *Handler {
	return &Handler{
		Store:     store,
		Admission: manager,
		Sync:      sync,
		startedAt: time.Now(),
		now:       func() time.Time { return time.Now().UTC() },
	}
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
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

type healthResponse struct {
	Status    string  `json:"status"`
	Service   string  `json:"service"`
	Uptime    float64 `json:"uptime"`
	Timestamp string  `json:"timestamp"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("storage unavailable: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Service:   ServiceName,
		Uptime:    time.Since(h.startedAt).Seconds(),
		Timestamp: h.now().Format(time.RFC3339),
	})
}
