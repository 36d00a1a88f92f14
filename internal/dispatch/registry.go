// Package dispatch holds a worker's in-memory job table and the bounded
// dispatcher that runs pipeline executions against it. Everything in this
// package is tied to the worker process lifetime: jobs are lost on restart,
// and the orchestrator reconciles that loss instead of this package trying to
// persist anything.
package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"mediaforge/internal/models"
	"mediaforge/internal/pipeline"
)

// RemoteJob is one entry in the worker's ephemeral job table. Its id lives in
// a different space than ledger ids; the orchestrator stores it as the
// processor job id.
type RemoteJob struct {
	ID              string               `json:"queryId"`
	Ref             string               `json:"ref"`
	Status          models.JobStatus     `json:"status"`
	ProgressMessage string               `json:"progressMessage"`
	SanitizedRef    string               `json:"sanitizedRef,omitempty"`
	SourceURL       string               `json:"sourceUrl,omitempty"`
	Directories     pipeline.Directories `json:"directories"`
	Result          *models.JobResult    `json:"result,omitempty"`
	Error           string               `json:"error,omitempty"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

// Registry is the worker's job table. All methods are safe for concurrent
// use; lookups return copies so callers never observe in-place mutation.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*RemoteJob
	now  func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*RemoteJob), now: time.Now}
}

// Create registers a new queued job for ref and returns its snapshot.
func (r *Registry) Create(ref string) RemoteJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	job := &RemoteJob{
		ID:              uuid.NewString(),
		Ref:             ref,
		Status:          models.JobStatusQueued,
		ProgressMessage: "Waiting for an execution slot",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.jobs[job.ID] = job
	return *job
}

// Get returns a snapshot of the job, or false when the id is unknown. An
// unknown id after a process restart is expected; the orchestrator treats it
// as an unrecoverable loss.
func (r *Registry) Get(id string) (RemoteJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return RemoteJob{}, false
	}
	return *job, true
}

// SetStatus advances the job's status and progress message. Terminal states
// are absorbing: once completed or failed the entry never changes again.
func (r *Registry) SetStatus(id string, status models.JobStatus, message string) {
	r.update(id, func(job *RemoteJob) {
		job.Status = status
		if message != "" {
			job.ProgressMessage = message
		}
	})
}

func (r *Registry) SetDirectories(id string, dirs pipeline.Directories, sanitizedRef string) {
	r.update(id, func(job *RemoteJob) {
		job.Directories = dirs
		job.SanitizedRef = sanitizedRef
	})
}

func (r *Registry) SetSourceURL(id, url string) {
	r.update(id, func(job *RemoteJob) {
		job.SourceURL = url
	})
}

// Complete marks the job completed with its result payload.
func (r *Registry) Complete(id string, result *models.JobResult) {
	r.update(id, func(job *RemoteJob) {
		job.Status = models.JobStatusCompleted
		job.ProgressMessage = "Transcoding complete"
		job.Result = result
	})
}

// Fail marks the job failed and records the error text.
func (r *Registry) Fail(id string, err error) {
	r.update(id, func(job *RemoteJob) {
		job.Status = models.JobStatusFailed
		job.ProgressMessage = "Transcoding failed"
		if err != nil {
			job.Error = err.Error()
		}
	})
}

func (r *Registry) update(id string, mutate func(*RemoteJob)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status.Terminal() {
		return
	}
	mutate(job)
	job.UpdatedAt = r.now().UTC()
}
