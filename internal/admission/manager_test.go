package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mediaforge/internal/models"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/workerclient"
)

type fakeRegistry struct {
	mu      sync.Mutex
	workers []models.Worker
	err     error
}

func (r *fakeRegistry) ListActiveWorkers() ([]models.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return append([]models.Worker(nil), r.workers...), nil
}

func (r *fakeRegistry) setWorkers(workers []models.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = workers
}

type fakeClient struct {
	submit    func(ctx context.Context, ref string) (workerclient.SubmitResult, error)
	putConfig func(ctx context.Context, concurrency int) (workerclient.Config, error)
	getConfig func(ctx context.Context) (workerclient.Config, error)
	getHealth func(ctx context.Context) (workerclient.Health, error)
}

func (c *fakeClient) Submit(ctx context.Context, ref string) (workerclient.SubmitResult, error) {
	if c.submit == nil {
		return workerclient.SubmitResult{QueryID: "remote-1", Status: "queued"}, nil
	}
	return c.submit(ctx, ref)
}

func (c *fakeClient) PutConfig(ctx context.Context, concurrency int) (workerclient.Config, error) {
	if c.putConfig == nil {
		return workerclient.Config{Concurrency: concurrency}, nil
	}
	return c.putConfig(ctx, concurrency)
}

func (c *fakeClient) GetConfig(ctx context.Context) (workerclient.Config, error) {
	if c.getConfig == nil {
		return workerclient.Config{Concurrency: 2}, nil
	}
	return c.getConfig(ctx)
}

func (c *fakeClient) GetHealth(ctx context.Context) (workerclient.Health, error) {
	if c.getHealth == nil {
		return workerclient.Health{Status: "ok"}, nil
	}
	return c.getHealth(ctx)
}

func testWorkers(names ...string) []models.Worker {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	workers := make([]models.Worker, len(names))
	for i, name := range names {
		workers[i] = models.Worker{
			ID:          name + "-id",
			Name:        name,
			BaseURL:     "http://" + name + ":8085",
			Active:      true,
			Concurrency: 2,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
	}
	return workers
}

func newTestManager(registry Registry, clients map[string]*fakeClient) *Manager {
	return NewManager(Config{
		Registry: registry,
		Clients: func(baseURL string) Client {
			if client, ok := clients[baseURL]; ok {
				return client
			}
			return &fakeClient{}
		},
		Metrics: metrics.New(),
	})
}

func TestAdmitRotatesAcrossWorkers(t *testing.T) {
	registry := &fakeRegistry{workers: testWorkers("a", "b", "c")}

	var mu sync.Mutex
	submissions := make(map[string]int)
	clients := make(map[string]*fakeClient)
	for _, worker := range registry.workers {
		name := worker.Name
		clients[worker.BaseURL] = &fakeClient{
			submit: func(ctx context.Context, ref string) (workerclient.SubmitResult, error) {
				mu.Lock()
				submissions[name]++
				mu.Unlock()
				return workerclient.SubmitResult{QueryID: "remote-" + name, Status: "queued"}, nil
			},
		}
	}
	manager := newTestManager(registry, clients)

	order := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		worker, result, err := manager.Admit(context.Background(), "movie-1")
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		if result.QueryID != "remote-"+worker.Name {
			t.Fatalf("result %q from worker %q", result.QueryID, worker.Name)
		}
		order = append(order, worker.Name)
	}

	want := []string{"a", "b", "c", "a", "b", "c"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("admission order = %v, want %v", order, want)
		}
	}
	for name, count := range submissions {
		if count != 2 {
			t.Fatalf("worker %q received %d submissions, want 2", name, count)
		}
	}
}

func TestAdmitRewrapsCursorWhenActiveSetShrinks(t *testing.T) {
	registry := &fakeRegistry{workers: testWorkers("a", "b", "c")}
	manager := newTestManager(registry, nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, _, err := manager.Admit(ctx, "movie-1"); err != nil {
			t.Fatalf("Admit: %v", err)
		}
	}

	registry.setWorkers(testWorkers("a", "b"))
	worker, _, err := manager.Admit(ctx, "movie-1")
	if err != nil {
		t.Fatalf("Admit after shrink: %v", err)
	}
	if worker.Name != "a" {
		t.Fatalf("worker = %q, want cursor re-wrapped to %q", worker.Name, "a")
	}
}

func TestAdmitFailsWithoutActiveWorkers(t *testing.T) {
	manager := newTestManager(&fakeRegistry{}, nil)

	_, _, err := manager.Admit(context.Background(), "movie-1")
	if !errors.Is(err, ErrNoWorkerAvailable) {
		t.Fatalf("err = %v, want ErrNoWorkerAvailable", err)
	}
}

func TestAdmitSurfacesSubmitError(t *testing.T) {
	registry := &fakeRegistry{workers: testWorkers("a")}
	clients := map[string]*fakeClient{
		"http://a:8085": {
			submit: func(ctx context.Context, ref string) (workerclient.SubmitResult, error) {
				return workerclient.SubmitResult{}, errors.New("connection refused")
			},
		},
	}
	manager := newTestManager(registry, clients)

	_, _, err := manager.Admit(context.Background(), "movie-1")
	if err == nil || errors.Is(err, ErrNoWorkerAvailable) {
		t.Fatalf("err = %v, want submit failure", err)
	}
}

func TestApplyConcurrency(t *testing.T) {
	worker := testWorkers("a")[0]
	worker.Concurrency = 5

	pushed := -1
	clients := map[string]*fakeClient{
		"http://a:8085": {
			putConfig: func(ctx context.Context, concurrency int) (workerclient.Config, error) {
				pushed = concurrency
				return workerclient.Config{Concurrency: concurrency}, nil
			},
		},
	}
	manager := newTestManager(&fakeRegistry{}, clients)

	if err := manager.ApplyConcurrency(context.Background(), worker); err != nil {
		t.Fatalf("ApplyConcurrency: %v", err)
	}
	if pushed != 5 {
		t.Fatalf("pushed concurrency = %d, want 5", pushed)
	}

	clients["http://a:8085"].putConfig = func(ctx context.Context, concurrency int) (workerclient.Config, error) {
		return workerclient.Config{}, errors.New("connection refused")
	}
	if err := manager.ApplyConcurrency(context.Background(), worker); err == nil {
		t.Fatal("expected push failure")
	}
}

func TestInspectInactiveWorkerIsNeverPolled(t *testing.T) {
	worker := testWorkers("a")[0]
	worker.Active = false

	polled := false
	clients := map[string]*fakeClient{
		"http://a:8085": {
			getHealth: func(ctx context.Context) (workerclient.Health, error) {
				polled = true
				return workerclient.Health{Status: "ok"}, nil
			},
		},
	}
	manager := newTestManager(&fakeRegistry{}, clients)

	runtime := manager.Inspect(context.Background(), worker)
	if runtime.HealthStatus != HealthInactive {
		t.Fatalf("healthStatus = %q, want inactive", runtime.HealthStatus)
	}
	if polled {
		t.Fatal("inactive worker was polled")
	}
}

func TestInspectDistinguishesUnreachableFromError(t *testing.T) {
	worker := testWorkers("a")[0]

	clients := map[string]*fakeClient{
		"http://a:8085": {
			getHealth: func(ctx context.Context) (workerclient.Health, error) {
				return workerclient.Health{}, errors.New("dial tcp: connection refused")
			},
		},
	}
	manager := newTestManager(&fakeRegistry{}, clients)

	runtime := manager.Inspect(context.Background(), worker)
	if runtime.HealthStatus != HealthUnreachable {
		t.Fatalf("healthStatus = %q, want unreachable", runtime.HealthStatus)
	}
	if runtime.Error == "" {
		t.Fatal("expected error detail")
	}

	clients["http://a:8085"].getHealth = func(ctx context.Context) (workerclient.Health, error) {
		return workerclient.Health{Status: "degraded"}, nil
	}
	runtime = manager.Inspect(context.Background(), worker)
	if runtime.HealthStatus != HealthError {
		t.Fatalf("healthStatus = %q, want error for non-ok payload", runtime.HealthStatus)
	}
}

func TestInspectHealthyWorker(t *testing.T) {
	worker := testWorkers("a")[0]
	clients := map[string]*fakeClient{
		"http://a:8085": {
			getConfig: func(ctx context.Context) (workerclient.Config, error) {
				return workerclient.Config{Concurrency: 3, QueueSize: 1, ActiveJobs: 2}, nil
			},
		},
	}
	manager := newTestManager(&fakeRegistry{}, clients)

	runtime := manager.Inspect(context.Background(), worker)
	if runtime.HealthStatus != HealthOK {
		t.Fatalf("healthStatus = %q, want ok", runtime.HealthStatus)
	}
	if runtime.Health == nil || runtime.Health.Status != "ok" {
		t.Fatalf("health = %+v", runtime.Health)
	}
	if runtime.Config == nil || runtime.Config.Concurrency != 3 || runtime.Config.ActiveJobs != 2 {
		t.Fatalf("config = %+v", runtime.Config)
	}
	if runtime.CheckedAt == nil {
		t.Fatal("expected checkedAt stamp")
	}
}

func TestInspectAllPreservesOrder(t *testing.T) {
	workers := testWorkers("a", "b", "c")
	workers[1].Active = false
	manager := newTestManager(&fakeRegistry{}, nil)

	runtimes := manager.InspectAll(context.Background(), workers)
	if len(runtimes) != 3 {
		t.Fatalf("got %d runtimes", len(runtimes))
	}
	if runtimes[0].HealthStatus != HealthOK || runtimes[2].HealthStatus != HealthOK {
		t.Fatalf("active runtimes = %q, %q", runtimes[0].HealthStatus, runtimes[2].HealthStatus)
	}
	if runtimes[1].HealthStatus != HealthInactive {
		t.Fatalf("inactive runtime = %q", runtimes[1].HealthStatus)
	}
}
