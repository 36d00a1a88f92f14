package storage

import (
	"errors"
	"time"

	"mediaforge/internal/models"
)

const (
	// DefaultPageSize applies when a job listing does not specify one.
	DefaultPageSize = 20
	// MaxPageSize caps how many jobs a single listing page may return.
	MaxPageSize = 200

	// DefaultPriority tags submissions that do not carry an explicit priority.
	DefaultPriority = "normal"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrWorkerNotFound = errors.New("worker not found")
)

// CreateJobParams captures the attributes recorded when a job is admitted.
type CreateJobParams struct {
	Ref               string
	Priority          string
	Status            models.JobStatus
	ProgressMessage   string
	ProcessorJobID    string
	ProcessorWorkerID string
}

// JobUpdate describes the mutable fields of a ledger entry. Nil pointers
// leave the field unchanged.
type JobUpdate struct {
	Status          *models.JobStatus
	ProgressMessage *string
	Error           *string
	Result          *models.JobResult
	StartedAt       *time.Time
	CompletedAt     *time.Time
	LastSyncedAt    *time.Time
}

// ListJobsOptions selects one page of the ledger. Zero values fall back to
// the first page with DefaultPageSize entries.
type ListJobsOptions struct {
	Page     int
	PageSize int
}

// JobPage is one page of ledger entries plus the aggregate counters clients
// render alongside it.
type JobPage struct {
	Jobs          []models.Job   `json:"jobs"`
	Count         int            `json:"count"`
	TotalCount    int            `json:"totalCount"`
	Page          int            `json:"page"`
	PageSize      int            `json:"pageSize"`
	TotalPages    int            `json:"totalPages"`
	StatusSummary map[string]int `json:"statusSummary"`
}

// CreateWorkerParams captures the attributes required to register a worker.
type CreateWorkerParams struct {
	Name        string
	BaseURL     string
	Active      bool
	Concurrency int
}

// WorkerUpdate describes the mutable fields of a registry entry.
type WorkerUpdate struct {
	Name        *string
	BaseURL     *string
	Active      *bool
	Concurrency *int
}

func clampPage(opts ListJobsOptions, totalCount int) (page, pageSize, totalPages int) {
	pageSize = opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	totalPages = (totalCount + pageSize - 1) / pageSize
	if totalPages < 1 {
		totalPages = 1
	}

	page = opts.Page
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}
	return page, pageSize, totalPages
}
