// Package admission selects a worker for each submitted job and keeps the
// registry's desired concurrency pushed out to the workers that run it.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mediaforge/internal/models"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/workerclient"
)

// ErrNoWorkerAvailable is returned when admission runs against an empty
// active-worker set. No ledger entry is created in that case.
var ErrNoWorkerAvailable = errors.New("no worker available")

// Health states reported in the runtime view of a registry worker.
const (
	HealthUnknown     = "unknown"
	HealthInactive    = "inactive"
	HealthUnreachable = "unreachable"
	HealthError       = "error"
	HealthOK          = "ok"
)

// Client is the slice of the worker HTTP surface the manager exercises.
type Client interface {
	Submit(ctx context.Context, ref string) (workerclient.SubmitResult, error)
	PutConfig(ctx context.Context, concurrency int) (workerclient.Config, error)
	GetConfig(ctx context.Context) (workerclient.Config, error)
	GetHealth(ctx context.Context) (workerclient.Health, error)
}

// Registry is the slice of the worker registry the manager reads.
type Registry interface {
	ListActiveWorkers() ([]models.Worker, error)
}

// Runtime is the on-demand health and observed-configuration view attached to
// registry responses. It is derived per request and never persisted.
type Runtime struct {
	HealthStatus string               `json:"healthStatus"`
	Health       *workerclient.Health `json:"health,omitempty"`
	Config       *workerclient.Config `json:"config,omitempty"`
	Error        string               `json:"error,omitempty"`
	CheckedAt    *time.Time           `json:"checkedAt,omitempty"`
}

// Manager rotates admissions across the active workers and pushes concurrency
// changes to their remote configuration endpoints.
type Manager struct {
	registry Registry
	clients  func(baseURL string) Client
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time

	mu     sync.Mutex
	cursor int
}

// Config carries the manager's collaborators. Clients defaults to the real
// HTTP client when nil.
type Config struct {
	Registry Registry
	Clients  func(baseURL string) Client
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

func NewManager(cfg Config) *Manager {
	clients := cfg.Clients
	if clients == nil {
		clients = func(baseURL string) Client { return workerclient.New(baseURL) }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: cfg.Registry,
		clients:  clients,
		logger:   logger,
		metrics:  cfg.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Admit picks one active worker round-robin and forwards the job to it. The
// cursor advances by one per admission and re-wraps whenever the active set
// shrinks between calls.
func (m *Manager) Admit(ctx context.Context, ref string) (models.Worker, workerclient.SubmitResult, error) {
	if m.metrics != nil {
		m.metrics.ObserveAdmissionAttempt("submit")
	}

	workers, err := m.registry.ListActiveWorkers()
	if err != nil {
		m.observeFailure("submit")
		return models.Worker{}, workerclient.SubmitResult{}, fmt.Errorf("list active workers: %w", err)
	}
	if len(workers) == 0 {
		m.observeFailure("submit")
		return models.Worker{}, workerclient.SubmitResult{}, ErrNoWorkerAvailable
	}

	worker := m.nextWorker(workers)

	result, err := m.clients(worker.BaseURL).Submit(ctx, ref)
	if err != nil {
		m.observeFailure("submit")
		return models.Worker{}, workerclient.SubmitResult{}, fmt.Errorf("forward job to worker %s: %w", worker.Name, err)
	}

	m.logger.InfoContext(ctx, "admitted job",
		slog.String("ref", ref),
		slog.String("worker", worker.Name),
		slog.String("processor_job_id", result.QueryID))
	return worker, result, nil
}

func (m *Manager) nextWorker(workers []models.Worker) models.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor >= len(workers) {
		m.cursor = 0
	}
	worker := workers[m.cursor]
	m.cursor = (m.cursor + 1) % len(workers)
	return worker
}

// ApplyConcurrency pushes the registry's desired concurrency to the worker.
// Callers surface a failure as a warning; the registry record stands either
// way and reconciles on the next successful push.
func (m *Manager) ApplyConcurrency(ctx context.Context, worker models.Worker) error {
	if m.metrics != nil {
		m.metrics.ObserveAdmissionAttempt("config_push")
	}
	if _, err := m.clients(worker.BaseURL).PutConfig(ctx, worker.Concurrency); err != nil {
		m.observeFailure("config_push")
		m.logger.WarnContext(ctx, "concurrency push failed",
			slog.String("worker", worker.Name),
			slog.String("error", err.Error()))
		return fmt.Errorf("push concurrency to worker %s: %w", worker.Name, err)
	}
	return nil
}

// Inspect derives the runtime view for a single worker. Inactive workers are
// never polled.
func (m *Manager) Inspect(ctx context.Context, worker models.Worker) Runtime {
	if !worker.Active {
		return Runtime{HealthStatus: HealthInactive}
	}

	checkedAt := m.now()
	runtime := Runtime{HealthStatus: HealthUnknown, CheckedAt: &checkedAt}
	client := m.clients(worker.BaseURL)

	health, err := client.GetHealth(ctx)
	if err != nil {
		if _, responded := workerclient.StatusCode(err); responded {
			runtime.HealthStatus = HealthError
		} else {
			runtime.HealthStatus = HealthUnreachable
		}
		runtime.Error = err.Error()
		m.recordHealth(worker, runtime.HealthStatus)
		return runtime
	}
	runtime.Health = &health
	if health.Status != "ok" {
		runtime.HealthStatus = HealthError
		runtime.Error = fmt.Sprintf("worker reported status %q", health.Status)
		m.recordHealth(worker, runtime.HealthStatus)
		return runtime
	}

	cfg, err := client.GetConfig(ctx)
	if err != nil {
		runtime.HealthStatus = HealthError
		runtime.Error = err.Error()
		m.recordHealth(worker, runtime.HealthStatus)
		return runtime
	}
	runtime.Config = &cfg
	runtime.HealthStatus = HealthOK
	m.recordHealth(worker, runtime.HealthStatus)
	return runtime
}

// InspectAll derives runtime views for a worker listing, polling active
// workers concurrently with a bounded fan-out.
func (m *Manager) InspectAll(ctx context.Context, workers []models.Worker) []Runtime {
	runtimes := make([]Runtime, len(workers))

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for i, worker := range workers {
		i, worker := i, worker
		group.Go(func() error {
			runtimes[i] = m.Inspect(ctx, worker)
			return nil
		})
	}
	_ = group.Wait()
	return runtimes
}

func (m *Manager) observeFailure(operation string) {
	if m.metrics != nil {
		m.metrics.ObserveAdmissionFailure(operation)
	}
}

func (m *Manager) recordHealth(worker models.Worker, status string) {
	if m.metrics != nil {
		m.metrics.SetWorkerHealth(worker.Name, status)
	}
}
