// Package reconcile pulls a ledger entry's remote execution state back into
// the ledger. Synchronization is lazy: it runs wherever job state is read and
// is never pushed by a worker.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"mediaforge/internal/models"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/storage"
	"mediaforge/internal/workerclient"
)

// remoteLostMessage marks a ledger entry whose worker no longer knows the
// remote job, typically after a worker restart dropped its in-memory table.
const remoteLostMessage = "Processor job missing"

// Client is the slice of the worker HTTP surface the synchronizer exercises.
type Client interface {
	JobStatus(ctx context.Context, queryID string) (workerclient.RemoteStatus, error)
}

// Ledger is the slice of the repository the synchronizer reads and writes.
type Ledger interface {
	GetWorker(id string) (models.Worker, error)
	UpdateJob(id string, update storage.JobUpdate) (models.Job, error)
}

// Synchronizer reconciles ledger entries against their workers on demand.
type Synchronizer struct {
	ledger  Ledger
	clients func(baseURL string) Client
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

type Config struct {
	Ledger  Ledger
	Clients func(baseURL string) Client
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

func NewSynchronizer(cfg Config) *Synchronizer {
	clients := cfg.Clients
	if clients == nil {
		clients = func(baseURL string) Client { return workerclient.New(baseURL) }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		ledger:  cfg.Ledger,
		clients: clients,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Sync refreshes one ledger entry from its worker. Terminal jobs and jobs
// without a remote id are returned unchanged without any remote call.
// Transport and lookup failures other than a lost remote job are logged and
// leave the entry untouched; the next read retries.
func (s *Synchronizer) Sync(ctx context.Context, job models.Job) models.Job {
	if job.Status.Terminal() || job.ProcessorJobID == "" {
		return job
	}

	worker, err := s.ledger.GetWorker(job.ProcessorWorkerID)
	if err != nil {
		s.logger.WarnContext(ctx, "sync skipped: worker missing from registry",
			slog.String("job_id", job.ID),
			slog.String("worker_id", job.ProcessorWorkerID))
		return job
	}

	remote, err := s.clients(worker.BaseURL).JobStatus(ctx, job.ProcessorJobID)
	if errors.Is(err, workerclient.ErrJobNotFound) {
		return s.markRemoteLost(ctx, job)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "sync failed",
			slog.String("job_id", job.ID),
			slog.String("worker", worker.Name),
			slog.String("error", err.Error()))
		return job
	}

	return s.applyRemote(ctx, job, remote)
}

// SyncAll refreshes a listing page in place, sequentially.
func (s *Synchronizer) SyncAll(ctx context.Context, jobs []models.Job) []models.Job {
	for i, job := range jobs {
		jobs[i] = s.Sync(ctx, job)
	}
	return jobs
}

func (s *Synchronizer) applyRemote(ctx context.Context, job models.Job, remote workerclient.RemoteStatus) models.Job {
	status := job.Status
	if parsed, ok := models.ParseJobStatus(remote.Status); ok {
		status = parsed
	}

	now := s.now()
	update := storage.JobUpdate{
		Status:       &status,
		LastSyncedAt: &now,
	}
	if remote.ProgressMessage != "" {
		update.ProgressMessage = &remote.ProgressMessage
	}
	if remote.Error != "" {
		update.Error = &remote.Error
	}
	if remote.Result != nil {
		update.Result = remote.Result
	}
	if job.StartedAt == nil && status.InProgress() {
		update.StartedAt = &now
	}
	if job.CompletedAt == nil && status == models.JobStatusCompleted {
		update.CompletedAt = &now
	}

	updated, err := s.ledger.UpdateJob(job.ID, update)
	if err != nil {
		s.logger.ErrorContext(ctx, "sync persist failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
		return job
	}

	if s.metrics != nil && status != job.Status {
		switch status {
		case models.JobStatusCompleted:
			s.metrics.JobCompleted()
		case models.JobStatusFailed:
			s.metrics.JobFailed()
		}
	}
	return updated
}

func (s *Synchronizer) markRemoteLost(ctx context.Context, job models.Job) models.Job {
	s.logger.WarnContext(ctx, "remote job lost",
		slog.String("job_id", job.ID),
		slog.String("processor_job_id", job.ProcessorJobID))
	if s.metrics != nil {
		s.metrics.JobRemoteLost()
		s.metrics.JobFailed()
	}

	now := s.now()
	status := models.JobStatusFailed
	message := remoteLostMessage
	update := storage.JobUpdate{
		Status:          &status,
		ProgressMessage: &message,
		Error:           &message,
		LastSyncedAt:    &now,
	}

	updated, err := s.ledger.UpdateJob(job.ID, update)
	if err != nil {
		s.logger.ErrorContext(ctx, "sync persist failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
		return job
	}
	return updated
}
