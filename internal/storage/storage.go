package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"mediaforge/internal/models"
)

type dataset struct {
	Jobs    map[string]models.Job    `json:"jobs"`
	Workers map[string]models.Worker `json:"workers"`
}

// Storage is the JSON-file backed repository. A single file holds the whole
// dataset; every mutation rewrites it atomically through a temp file.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
}

func newDataset() dataset {
	return dataset{
		Jobs:    make(map[string]models.Job),
		Workers: make(map[string]models.Worker),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Jobs == nil {
		s.data.Jobs = make(map[string]models.Job)
	}
	if s.data.Workers == nil {
		s.data.Workers = make(map[string]models.Worker)
	}
}

func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Storage) Close(ctx context.Context) error {
	return nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "ledger-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func generateID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func (s *Storage) CreateJob(params CreateJobParams) (models.Job, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job := models.Job{
		ID:                id,
		Ref:               ref,
		Status:            status,
		ProgressMessage:   message,
		Priority:          priority,
		ProcessorJobID:    params.ProcessorJobID,
		ProcessorWorkerID: params.ProcessorWorkerID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.data.Jobs[id] = job
	if err := s.persist(); err != nil {
		delete(s.data.Jobs, id)
		return models.Job{}, err
	}
	return job, nil
}

func (s *Storage) GetJob(id string) (models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.data.Jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	return job, nil
}

func (s *Storage) LatestJobByRef(ref string) (models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest models.Job
	found := false
	for _, job := range s.data.Jobs {
		if job.Ref != ref {
			continue
		}
		if !found || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
			found = true
		}
	}
	if !found {
		return models.Job{}, ErrJobNotFound
	}
	return latest, nil
}

func (s *Storage) ListJobs(opts ListJobsOptions) (JobPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]models.Job, 0, len(s.data.Jobs))
	summary := make(map[string]int)
	for _, job := range s.data.Jobs {
		jobs = append(jobs, job)
		summary[string(job.Status)]++
	}
	// newest first
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})

	totalCount := len(jobs)
	page, pageSize, totalPages := clampPage(opts, totalCount)

	start := (page - 1) * pageSize
	if start > totalCount {
		start = totalCount
	}
	end := start + pageSize
	if end > totalCount {
		end = totalCount
	}

	pageJobs := append([]models.Job(nil), jobs[start:end]...)
	return JobPage{
		Jobs:          pageJobs,
		Count:         len(pageJobs),
		TotalCount:    totalCount,
		Page:          page,
		PageSize:      pageSize,
		TotalPages:    totalPages,
		StatusSummary: summary,
	}, nil
}

func (s *Storage) UpdateJob(id string, update JobUpdate) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.data.Jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}

	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.ProgressMessage != nil {
		job.ProgressMessage = *update.ProgressMessage
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	if update.Result != nil {
		job.Result = update.Result
	}
	if update.StartedAt != nil {
		job.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		job.CompletedAt = update.CompletedAt
	}
	if update.LastSyncedAt != nil {
		job.LastSyncedAt = update.LastSyncedAt
	}
	job.UpdatedAt = s.now()

	previous := s.data.Jobs[id]
	s.data.Jobs[id] = job
	if err := s.persist(); err != nil {
		s.data.Jobs[id] = previous
		return models.Job{}, err
	}
	return job, nil
}

func normalizeBaseURL(baseURL string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/")
}

func (s *Storage) CreateWorker(params CreateWorkerParams) (models.Worker, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	worker := models.Worker{
		ID:          id,
		Name:        name,
		BaseURL:     baseURL,
		Active:      params.Active,
		Concurrency: params.Concurrency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.data.Workers[id] = worker
	if err := s.persist(); err != nil {
		delete(s.data.Workers, id)
		return models.Worker{}, err
	}
	return worker, nil
}

func (s *Storage) GetWorker(id string) (models.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	worker, ok := s.data.Workers[id]
	if !ok {
		return models.Worker{}, ErrWorkerNotFound
	}
	return worker, nil
}

// ListWorkers returns registry entries in registration order so round-robin
// rotation sees a stable sequence.
func (s *Storage) ListWorkers() ([]models.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedWorkersLocked(false), nil
}

func (s *Storage) ListActiveWorkers() ([]models.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedWorkersLocked(true), nil
}

func (s *Storage) sortedWorkersLocked(activeOnly bool) []models.Worker {
	workers := make([]models.Worker, 0, len(s.data.Workers))
	for _, worker := range s.data.Workers {
		if activeOnly && !worker.Active {
			continue
		}
		workers = append(workers, worker)
	}
	sort.Slice(workers, func(i, j int) bool {
		if !workers[i].CreatedAt.Equal(workers[j].CreatedAt) {
			return workers[i].CreatedAt.Before(workers[j].CreatedAt)
		}
		return workers[i].ID < workers[j].ID
	})
	return workers
}

func (s *Storage) UpdateWorker(id string, update WorkerUpdate) (models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.data.Workers[id]
	if !ok {
		return models.Worker{}, ErrWorkerNotFound
	}

	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return models.Worker{}, fmt.Errorf("name is required")
		}
		worker.Name = name
	}
	if update.BaseURL != nil {
		baseURL := normalizeBaseURL(*update.BaseURL)
		if baseURL == "" {
			return models.Worker{}, fmt.Errorf("baseUrl is required")
		}
		worker.BaseURL = baseURL
	}
	if update.Active != nil {
		worker.Active = *update.Active
	}
	if update.Concurrency != nil {
		if *update.Concurrency <= 0 {
			return models.Worker{}, fmt.Errorf("concurrency must be a positive number")
		}
		worker.Concurrency = *update.Concurrency
	}
	worker.UpdatedAt = s.now()

	previous := s.data.Workers[id]
	s.data.Workers[id] = worker
	if err := s.persist(); err != nil {
		s.data.Workers[id] = previous
		return models.Worker{}, err
	}
	return worker, nil
}

func (s *Storage) DeleteWorker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.data.Workers[id]
	if !ok {
		return ErrWorkerNotFound
	}
	delete(s.data.Workers, id)
	if err := s.persist(); err != nil {
		s.data.Workers[id] = worker
		return err
	}
	return nil
}
