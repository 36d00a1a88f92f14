package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"mediaforge/internal/models"
	"mediaforge/internal/pipeline"
)

// Runner executes one job to completion or failure. *pipeline.Pipeline is the
// production implementation.
type Runner interface {
	Run(ctx context.Context, ref string, observer pipeline.Observer) (*models.JobResult, error)
}

// Dispatcher pulls queued job ids in FIFO order and runs them through the
// pipeline, never exceeding the concurrency limit. Submissions return
// immediately; a dispatch pass runs on submission, on completion of any
// running job, and on a limit change. Lowering the limit never preempts
// running jobs, it only throttles future dispatch.
//
// The pending queue is unbounded. No backpressure or rejection policy is
// applied when submissions outpace completions.
type Dispatcher struct {
	registry *Registry
	runner   Runner
	logger   *slog.Logger

	mu      sync.Mutex
	limit   int
	active  int
	pending []string
}

func NewDispatcher(registry *Registry, runner Runner, concurrency int, logger *slog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		runner:   runner,
		logger:   logger,
		limit:    concurrency,
	}
}

// Submit enqueues ref and returns the new job's snapshot without waiting for
// execution to start.
func (d *Dispatcher) Submit(ref string) RemoteJob {
	job := d.registry.Create(ref)
	d.mu.Lock()
	d.pending = append(d.pending, job.ID)
	d.dispatchLocked()
	d.mu.Unlock()
	return job
}

// Status returns the job snapshot for id, or false when unknown.
func (d *Dispatcher) Status(id string) (RemoteJob, bool) {
	return d.registry.Get(id)
}

func (d *Dispatcher) Concurrency() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limit
}

// SetConcurrency replaces the concurrency limit. An increase immediately
// drains more queued jobs.
func (d *Dispatcher) SetConcurrency(limit int) error {
	if limit <= 0 {
		return fmt.Errorf("concurrency must be a positive number, got %d", limit)
	}
	d.mu.Lock()
	d.limit = limit
	d.dispatchLocked()
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) QueueSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) ActiveJobs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// dispatchLocked launches queued jobs while slots are free. Callers must hold
// d.mu.
func (d *Dispatcher) dispatchLocked() {
	for d.active < d.limit && len(d.pending) > 0 {
		id := d.pending[0]
		d.pending = d.pending[1:]
		d.active++
		go d.run(id)
	}
}

func (d *Dispatcher) run(id string) {
	defer func() {
		d.mu.Lock()
		d.active--
		d.dispatchLocked()
		d.mu.Unlock()
	}()

	job, ok := d.registry.Get(id)
	if !ok {
		return
	}

	d.logger.Info("job dispatched", "job_id", id, "ref", job.Ref)
	observer := &registryObserver{registry: d.registry, jobID: id}
	result, err := d.runner.Run(context.Background(), job.Ref, observer)
	if err != nil {
		d.registry.Fail(id, err)
		d.logger.Error("job failed", "job_id", id, "ref", job.Ref, "error", err)
		return
	}
	d.registry.Complete(id, result)
	d.logger.Info("job completed", "job_id", id, "ref", job.Ref)
}

// registryObserver forwards pipeline progress into the job table.
type registryObserver struct {
	registry *Registry
	jobID    string
}

func (o *registryObserver) JobStatus(status models.JobStatus, message string) {
	o.registry.SetStatus(o.jobID, status, message)
}

func (o *registryObserver) JobDirectories(dirs pipeline.Directories, sanitizedRef string) {
	o.registry.SetDirectories(o.jobID, dirs, sanitizedRef)
}

func (o *registryObserver) JobSourceURL(url string) {
	o.registry.SetSourceURL(o.jobID, url)
}
