package storage

import (
	"context"

	"mediaforge/internal/models"
)

// Repository exposes the job ledger and worker registry operations required by
// the orchestrator's API handlers and reconciliation machinery.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateJob(params CreateJobParams) (models.Job, error)
	GetJob(id string) (models.Job, error)
	LatestJobByRef(ref string) (models.Job, error)
	ListJobs(opts ListJobsOptions) (JobPage, error)
	UpdateJob(id string, update JobUpdate) (models.Job, error)

	CreateWorker(params CreateWorkerParams) (models.Worker, error)
	GetWorker(id string) (models.Worker, error)
	ListWorkers() ([]models.Worker, error)
	ListActiveWorkers() ([]models.Worker, error)
	UpdateWorker(id string, update WorkerUpdate) (models.Worker, error)
	DeleteWorker(id string) error
}

var _ Repository = (*Storage)(nil)
