package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediaforge/internal/models"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// ledger and registry tables exist.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r.pool == nil {
		return fmt.Errorf("postgres pool not configured")
	}
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const jobColumns = `id, ref, status, progress_message, priority, processor_job_id, processor_worker_id, error, result, created_at, updated_at, started_at, completed_at, last_synced_at`

func (r *postgresRepository) CreateJob(params CreateJobParams) (models.Job, error) {
	ref := strings.TrimSpace(params.Ref)
	if ref == "" {
		return models.Job{}, fmt.Errorf("ref is required")
	}

	id, err := generateID()
	if err != nil {
		return models.Job{}, err
	}

	status := params.Status
	if status == "" {
		status = models.JobStatusQueued
	}
	message := params.ProgressMessage
	if message == "" {
		message = "Queued"
	}
	priority := strings.TrimSpace(params.Priority)
	if priority == "" {
		priority = DefaultPriority
	}

	now := r.cfg.Clock()
	_, err = r.pool.Exec(context.Background(), `
INSERT INTO jobs (id, ref, status, progress_message, priority, processor_job_id, processor_worker_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
`, id, ref, string(status), message, priority, params.ProcessorJobID, params.ProcessorWorkerID, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return r.GetJob(id)
}

func (r *postgresRepository) GetJob(id string) (models.Job, error) {
	row := r.pool.QueryRow(context.Background(),
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (r *postgresRepository) LatestJobByRef(ref string) (models.Job, error) {
	row := r.pool.QueryRow(context.Background(),
		`SELECT `+jobColumns+` FROM jobs WHERE ref = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, ref)
	return scanJob(row)
}

func (r *postgresRepository) ListJobs(opts ListJobsOptions) (JobPage, error) {
	ctx := context.Background()

	var totalCount int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&totalCount); err != nil {
		return JobPage{}, fmt.Errorf("count jobs: %w", err)
	}

	summary := make(map[string]int)
	summaryRows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return JobPage{}, fmt.Errorf("summarize jobs: %w", err)
	}
	for summaryRows.Next() {
		var status string
		var count int
		if err := summaryRows.Scan(&status, &count); err != nil {
			summaryRows.Close()
			return JobPage{}, fmt.Errorf("scan job summary: %w", err)
		}
		summary[status] = count
	}
	summaryRows.Close()
	if err := summaryRows.Err(); err != nil {
		return JobPage{}, fmt.Errorf("summarize jobs: %w", err)
	}

	page, pageSize, totalPages := clampPage(opts, totalCount)

	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id ASC LIMIT $1 OFFSET $2`,
		pageSize, (page-1)*pageSize)
	if err != nil {
		return JobPage{}, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, pageSize)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return JobPage{}, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return JobPage{}, fmt.Errorf("list jobs: %w", err)
	}

	return JobPage{
		Jobs:          jobs,
		Count:         len(jobs),
		TotalCount:    totalCount,
		Page:          page,
		PageSize:      pageSize,
		TotalPages:    totalPages,
		StatusSummary: summary,
	}, nil
}

func (r *postgresRepository) UpdateJob(id string, update JobUpdate) (models.Job, error) {
	assignments := make([]string, 0, 8)
	args := make([]any, 0, 9)
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if update.Status != nil {
		assignments = append(assignments, "status = "+arg(string(*update.Status)))
	}
	if update.ProgressMessage != nil {
		assignments = append(assignments, "progress_message = "+arg(*update.ProgressMessage))
	}
	if update.Error != nil {
		assignments = append(assignments, "error = "+arg(*update.Error))
	}
	if update.Result != nil {
		encoded, err := json.Marshal(update.Result)
		if err != nil {
			return models.Job{}, fmt.Errorf("encode job result: %w", err)
		}
		assignments = append(assignments, "result = "+arg(encoded))
	}
	if update.StartedAt != nil {
		assignments = append(assignments, "started_at = "+arg(update.StartedAt.UTC()))
	}
	if update.CompletedAt != nil {
		assignments = append(assignments, "completed_at = "+arg(update.CompletedAt.UTC()))
	}
	if update.LastSyncedAt != nil {
		assignments = append(assignments, "last_synced_at = "+arg(update.LastSyncedAt.UTC()))
	}
	assignments = append(assignments, "updated_at = "+arg(r.cfg.Clock()))

	query := "UPDATE jobs SET " + strings.Join(assignments, ", ") + " WHERE id = " + arg(id)
	tag, err := r.pool.Exec(context.Background(), query, args...)
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, ErrJobNotFound
	}
	return r.GetJob(id)
}

const workerColumns = `id, name, base_url, is_active, concurrency, created_at, updated_at`

func (r *postgresRepository) CreateWorker(params CreateWorkerParams) (models.Worker, error) {
	name := strings.TrimSpace(params.Name)
	baseURL := normalizeBaseURL(params.BaseURL)
	if name == "" {
		return models.Worker{}, fmt.Errorf("name is required")
	}
	if baseURL == "" {
		return models.Worker{}, fmt.Errorf("baseUrl is required")
	}
	if params.Concurrency <= 0 {
		return models.Worker{}, fmt.Errorf("concurrency must be a positive number")
	}

	id, err := generateID()
	if err != nil {
		return models.Worker{}, err
	}

	now := r.cfg.Clock()
	_, err = r.pool.Exec(context.Background(), `
INSERT INTO workers (id, name, base_url, is_active, concurrency, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
`, id, name, baseURL, params.Active, params.Concurrency, now)
	if err != nil {
		return models.Worker{}, fmt.Errorf("insert worker: %w", err)
	}
	return r.GetWorker(id)
}

func (r *postgresRepository) GetWorker(id string) (models.Worker, error) {
	row := r.pool.QueryRow(context.Background(),
		`SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	worker, err := scanWorker(row)
	if err != nil {
		return models.Worker{}, err
	}
	return worker, nil
}

func (r *postgresRepository) ListWorkers() ([]models.Worker, error) {
	return r.listWorkers(false)
}

func (r *postgresRepository) ListActiveWorkers() ([]models.Worker, error) {
	return r.listWorkers(true)
}

func (r *postgresRepository) listWorkers(activeOnly bool) ([]models.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := r.pool.Query(context.Background(), query)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	workers := make([]models.Worker, 0)
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return workers, nil
}

func (r *postgresRepository) UpdateWorker(id string, update WorkerUpdate) (models.Worker, error) {
	assignments := make([]string, 0, 5)
	args := make([]any, 0, 6)
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return models.Worker{}, fmt.Errorf("name is required")
		}
		assignments = append(assignments, "name = "+arg(name))
	}
	if update.BaseURL != nil {
		baseURL := normalizeBaseURL(*update.BaseURL)
		if baseURL == "" {
			return models.Worker{}, fmt.Errorf("baseUrl is required")
		}
		assignments = append(assignments, "base_url = "+arg(baseURL))
	}
	if update.Active != nil {
		assignments = append(assignments, "is_active = "+arg(*update.Active))
	}
	if update.Concurrency != nil {
		if *update.Concurrency <= 0 {
			return models.Worker{}, fmt.Errorf("concurrency must be a positive number")
		}
		assignments = append(assignments, "concurrency = "+arg(*update.Concurrency))
	}
	assignments = append(assignments, "updated_at = "+arg(r.cfg.Clock()))

	query := "UPDATE workers SET " + strings.Join(assignments, ", ") + " WHERE id = " + arg(id)
	tag, err := r.pool.Exec(context.Background(), query, args...)
	if err != nil {
		return models.Worker{}, fmt.Errorf("update worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Worker{}, ErrWorkerNotFound
	}
	return r.GetWorker(id)
}

func (r *postgresRepository) DeleteWorker(id string) error {
	tag, err := r.pool.Exec(context.Background(), `DELETE FROM workers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job       models.Job
		status    string
		rawResult []byte
	)
	err := row.Scan(
		&job.ID,
		&job.Ref,
		&status,
		&job.ProgressMessage,
		&job.Priority,
		&job.ProcessorJobID,
		&job.ProcessorWorkerID,
		&job.Error,
		&rawResult,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.LastSyncedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrJobNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.JobStatus(status)
	if len(rawResult) > 0 {
		result := &models.JobResult{}
		if err := json.Unmarshal(rawResult, result); err != nil {
			return models.Job{}, fmt.Errorf("decode job result: %w", err)
		}
		job.Result = result
	}
	return job, nil
}

func scanWorker(row rowScanner) (models.Worker, error) {
	var worker models.Worker
	err := row.Scan(
		&worker.ID,
		&worker.Name,
		&worker.BaseURL,
		&worker.Active,
		&worker.Concurrency,
		&worker.CreatedAt,
		&worker.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Worker{}, ErrWorkerNotFound
		}
		return models.Worker{}, fmt.Errorf("scan worker: %w", err)
	}
	return worker, nil
}

var _ Repository = (*postgresRepository)(nil)
