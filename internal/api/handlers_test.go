package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mediaforge/internal/admission"
	"mediaforge/internal/models"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/reconcile"
	"mediaforge/internal/storage"
)

// fakeWorker is a stub of the worker HTTP surface backed by httptest.
type fakeWorker struct {
	server *httptest.Server

	mu          sync.Mutex
	submissions []string
	pushed      []int
	nextQueryID string
	status      map[string]any
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	worker := &fakeWorker{nextQueryID: "remote-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/media/download", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		worker.mu.Lock()
		worker.submissions = append(worker.submissions, body["ref"])
		queryID := worker.nextQueryID
		worker.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"queryId":         queryID,
			"status":          "queued",
			"progressMessage": "Waiting for an execution slot",
			"createdAt":       time.Now().UTC(),
		})
	})
	mux.HandleFunc("/media/download/", func(w http.ResponseWriter, r *http.Request) {
		worker.mu.Lock()
		status := worker.status
		worker.mu.Unlock()
		if status == nil {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "job not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			var body map[string]int
			_ = json.NewDecoder(r.Body).Decode(&body)
			worker.mu.Lock()
			worker.pushed = append(worker.pushed, body["concurrency"])
			worker.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]int{"concurrency": body["concurrency"], "queueSize": 0, "activeJobs": 0})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"concurrency": 2, "queueSize": 0, "activeJobs": 1})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"service":   "mediaforge-worker",
			"uptime":    1.5,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	worker.server = httptest.NewServer(mux)
	t.Cleanup(worker.server.Close)
	return worker
}

func (f *fakeWorker) setStatus(status map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeWorker) submittedRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submissions...)
}

func (f *fakeWorker) pushedConcurrency() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.pushed...)
}

type testEnv struct {
	store   *storage.Storage
	handler *Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "ledger.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	recorder := metrics.New()
	manager := admission.NewManager(admission.Config{Registry: store, Metrics: recorder})
	synchronizer := reconcile.NewSynchronizer(reconcile.Config{Ledger: store, Metrics: recorder})

	handler := NewHandler(store, manager, synchronizer)
	handler.Metrics = recorder
	return &testEnv{store: store, handler: handler}
}

func (e *testEnv) registerWorker(t *testing.T, worker *fakeWorker, concurrency int) models.Worker {
	t.Helper()
	registered, err := e.store.CreateWorker(storage.CreateWorkerParams{
		Name:        "node-a",
		BaseURL:     worker.server.URL,
		Active:      true,
		Concurrency: concurrency,
	})
	if err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	return registered
}

func TestSubmitJobWithoutWorkers(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"ref":"movie-1"}`))
	rec := httptest.NewRecorder()
	env.handler.Jobs(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestSubmitJobAdmitsAndRecords(t *testing.T) {
	env := newTestEnv(t)
	worker := newFakeWorker(t)
	registered := env.registerWorker(t, worker, 2)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"ref":"movie-1","priority":"high"}`))
	rec := httptest.NewRecorder()
	env.handler.Jobs(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var job models.Job
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Status != models.JobStatusQueued || job.Priority != "high" {
		t.Fatalf("job = %+v", job)
	}
	if job.ProcessorJobID != "remote-1" || job.ProcessorWorkerID != registered.ID {
		t.Fatalf("processor ids = %q %q", job.ProcessorJobID, job.ProcessorWorkerID)
	}
	if refs := worker.submittedRefs(); len(refs) != 1 || refs[0] != "movie-1" {
		t.Fatalf("worker received %v", refs)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []string{`{"ref":"  "}`, `{bad json`, `{"ref":"x","bogus":1}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
		rec := httptest.NewRecorder()
		env.handler.Jobs(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestListJobsSynchronizesPage(t *testing.T) {
	env := newTestEnv(t)
	worker := newFakeWorker(t)
	registered := env.registerWorker(t, worker, 2)

	job, err := env.store.CreateJob(storage.CreateJobParams{
		Ref:               "movie-1",
		ProcessorJobID:    "remote-1",
		ProcessorWorkerID: registered.ID,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	worker.setStatus(map[string]any{
		"queryId":         "remote-1",
		"status":          "encoding",
		"progressMessage": "Encoding HLS variants",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?page=1&pageSize=10", nil)
	rec := httptest.NewRecorder()
	env.handler.Jobs(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var page storage.JobPage
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.TotalCount != 1 || len(page.Jobs) != 1 {
		t.Fatalf("page = %+v", page)
	}
	if page.Jobs[0].ID != job.ID || page.Jobs[0].Status != models.JobStatusEncoding {
		t.Fatalf("job = %+v", page.Jobs[0])
	}
}

func TestJobByID(t *testing.T) {
	env := newTestEnv(t)
	worker := newFakeWorker(t)
	registered := env.registerWorker(t, worker, 2)

	job, err := env.store.CreateJob(storage.CreateJobParams{
		Ref:               "movie-1",
		ProcessorJobID:    "remote-1",
		ProcessorWorkerID: registered.ID,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	worker.setStatus(map[string]any{
		"queryId": "remote-1",
		"status":  "completed",
		"result": map[string]any{
			"mp4": map[string]string{"path": "/out/a.mp4", "filename": "a.mp4"},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil)
	rec := httptest.NewRecorder()
	env.handler.JobByID(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got models.Job
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != models.JobStatusCompleted || got.Result == nil || got.Result.MP4.Filename != "a.mp4" {
		t.Fatalf("job = %+v", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/jobs/unknown", nil)
	rec = httptest.NewRecorder()
	env.handler.JobByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestLatestJobByRef(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.store.CreateJob(storage.CreateJobParams{Ref: "movie-1"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	latest, err := env.store.CreateJob(storage.CreateJobParams{Ref: "movie-1"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?ref=movie-1", nil)
	rec := httptest.NewRecorder()
	env.handler.Jobs(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got models.Job
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != latest.ID {
		t.Fatalf("got %q, want latest %q", got.ID, latest.ID)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/jobs?ref=missing", nil)
	rec = httptest.NewRecorder()
	env.handler.Jobs(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing ref status = %d, want 404", rec.Code)
	}
}

func TestWorkerRegistrationPushesConcurrency(t *testing.T) {
	env := newTestEnv(t)
	worker := newFakeWorker(t)

	body := `{"name":"node-a","baseUrl":"` + worker.server.URL + `/","concurrency":4}`
	req := httptest.NewRequest(http.MethodPost, "/api/workers", strings.NewReader(body))
	rec := httptest.NewRecorder()
	env.handler.Workers(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created workerResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Warning != "" {
		t.Fatalf("unexpected warning %q", created.Warning)
	}
	if created.BaseURL != worker.server.URL {
		t.Fatalf("baseUrl = %q, want trailing slash stripped", created.BaseURL)
	}
	if created.Runtime.HealthStatus != admission.HealthOK {
		t.Fatalf("runtime = %+v", created.Runtime)
	}
	if pushed := worker.pushedConcurrency(); len(pushed) != 1 || pushed[0] != 4 {
		t.Fatalf("pushed = %v, want [4]", pushed)
	}
}

func TestWorkerRegistrationWarnsOnPushFailure(t *testing.T) {
	env := newTestEnv(t)
	worker := newFakeWorker(t)
	worker.server.Close()

	body := `{"name":"node-a","baseUrl":"` + worker.server.URL + `","concurrency":4}`
	req := httptest.NewRequest(http.MethodPost, "/api/workers", strings.NewReader(body))
	rec := httptest.NewRecorder()
	env.handler.Workers(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want registration to stand", rec.Code)
	}
	var created workerResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Warning == "" {
		t.Fatal("expected push warning")
	}
	if created.Runtime.HealthStatus != admission.HealthUnreachable {
		t.Fatalf("runtime = %+v", created.Runtime)
	}
}

func TestWorkerUpdateRepushesOnConcurrencyChange(t *testing.T) {
	env := newTestEnv(t)
	worker := newFakeWorker(t)
	registered := env.registerWorker(t, worker, 2)

	req := httptest.NewRequest(http.MethodPatch, "/api/workers/"+registered.ID, strings.NewReader(`{"concurrency":6}`))
	rec := httptest.NewRecorder()
	env.handler.WorkerByID(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if pushed := worker.pushedConcurrency(); len(pushed) != 1 || pushed[0] != 6 {
		t.Fatalf("pushed = %v, want [6]", pushed)
	}

	// An update that touches neither concurrency nor endpoint skips the push.
	req = httptest.NewRequest(http.MethodPatch, "/api/workers/"+registered.ID, strings.NewReader(`{"name":"node-renamed"}`))
	rec = httptest.NewRecorder()
	env.handler.WorkerByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status = %d", rec.Code)
	}
	if pushed := worker.pushedConcurrency(); len(pushed) != 1 {
		t.Fatalf("pushed = %v, want no second push", pushed)
	}
}

func TestWorkerListAndDelete(t *testing.T) {
	env := newTestEnv(t)
	worker := newFakeWorker(t)
	registered := env.registerWorker(t, worker, 2)

	req := httptest.NewRequest(http.MethodGet, "/api/workers", nil)
	rec := httptest.NewRecorder()
	env.handler.Workers(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var listed []workerResponse
	if err := json.NewDecoder(rec.Body).Decode(&listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != registered.ID || listed[0].Runtime.HealthStatus != admission.HealthOK {
		t.Fatalf("listed = %+v", listed)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/workers/"+registered.ID, nil)
	rec = httptest.NewRecorder()
	env.handler.WorkerByID(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/workers/"+registered.ID, nil)
	rec = httptest.NewRecorder()
	env.handler.WorkerByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var health healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.Service != ServiceName {
		t.Fatalf("health = %+v", health)
	}
	if _, err := time.Parse(time.RFC3339, health.Timestamp); err != nil {
		t.Fatalf("timestamp: %v", err)
	}
}
