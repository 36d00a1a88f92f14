package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mediaforge/internal/models"
	"mediaforge/internal/pipeline"
)

// blockingRunner reports each start on the started channel and holds every
// job until release receives a value.
type blockingRunner struct {
	started chan string
	release chan struct{}
	err     error

	mu      sync.Mutex
	current int
	peak    int
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan string, 32),
		release: make(chan struct{}, 32),
	}
}

func (r *blockingRunner) Run(ctx context.Context, ref string, observer pipeline.Observer) (*models.JobResult, error) {
	r.mu.Lock()
	r.current++
	if r.current > r.peak {
		r.peak = r.current
	}
	r.mu.Unlock()

	observer.JobStatus(models.JobStatusDownloading, "Downloading source media")
	r.started <- ref
	<-r.release

	r.mu.Lock()
	r.current--
	r.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	return &models.JobResult{}, nil
}

func (r *blockingRunner) peakConcurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

func waitStart(t *testing.T, r *blockingRunner) string {
	t.Helper()
	select {
	case ref := <-r.started:
		return ref
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a job to start")
		return ""
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestDispatcherRespectsConcurrencyCeiling(t *testing.T) {
	runner := newBlockingRunner()
	d := NewDispatcher(NewRegistry(), runner, 2, nil)

	for _, ref := range []string{"a", "b", "c", "d", "e"} {
		d.Submit(ref)
	}
	waitStart(t, runner)
	waitStart(t, runner)

	waitFor(t, func() bool { return d.ActiveJobs() == 2 && d.QueueSize() == 3 })

	runner.release <- struct{}{}
	waitStart(t, runner)

	for i := 0; i < 4; i++ {
		runner.release <- struct{}{}
	}
	for i := 0; i < 2; i++ {
		waitStart(t, runner)
	}
	waitFor(t, func() bool { return d.ActiveJobs() == 0 && d.QueueSize() == 0 })

	if peak := runner.peakConcurrency(); peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestDispatcherRunsInSubmissionOrder(t *testing.T) {
	runner := newBlockingRunner()
	d := NewDispatcher(NewRegistry(), runner, 1, nil)

	refs := []string{"first", "second", "third"}
	for _, ref := range refs {
		d.Submit(ref)
	}

	for _, want := range refs {
		if got := waitStart(t, runner); got != want {
			t.Fatalf("started %q, want %q", got, want)
		}
		runner.release <- struct{}{}
	}
}

func TestSetConcurrencyDrainsQueue(t *testing.T) {
	runner := newBlockingRunner()
	d := NewDispatcher(NewRegistry(), runner, 1, nil)

	for _, ref := range []string{"a", "b", "c"} {
		d.Submit(ref)
	}
	waitStart(t, runner)
	waitFor(t, func() bool { return d.QueueSize() == 2 })

	if err := d.SetConcurrency(3); err != nil {
		t.Fatal(err)
	}
	waitStart(t, runner)
	waitStart(t, runner)
	waitFor(t, func() bool { return d.ActiveJobs() == 3 && d.QueueSize() == 0 })

	for i := 0; i < 3; i++ {
		runner.release <- struct{}{}
	}
}

func TestSetConcurrencyDecreaseDoesNotPreempt(t *testing.T) {
	runner := newBlockingRunner()
	d := NewDispatcher(NewRegistry(), runner, 2, nil)

	d.Submit("a")
	d.Submit("b")
	waitStart(t, runner)
	waitStart(t, runner)

	if err := d.SetConcurrency(1); err != nil {
		t.Fatal(err)
	}
	if got := d.ActiveJobs(); got != 2 {
		t.Fatalf("active jobs after decrease = %d, want 2", got)
	}

	d.Submit("c")
	runner.release <- struct{}{}
	runner.release <- struct{}{}
	waitStart(t, runner)
	waitFor(t, func() bool { return d.ActiveJobs() == 1 })
	runner.release <- struct{}{}
}

func TestSetConcurrencyRejectsNonPositive(t *testing.T) {
	d := NewDispatcher(NewRegistry(), newBlockingRunner(), 2, nil)
	if err := d.SetConcurrency(0); err == nil {
		t.Fatal("expected error for zero concurrency")
	}
	if err := d.SetConcurrency(-3); err == nil {
		t.Fatal("expected error for negative concurrency")
	}
	if got := d.Concurrency(); got != 2 {
		t.Fatalf("concurrency = %d, want unchanged 2", got)
	}
}

func TestSubmitReturnsQueuedImmediately(t *testing.T) {
	runner := newBlockingRunner()
	d := NewDispatcher(NewRegistry(), runner, 1, nil)

	job := d.Submit("abc123")
	if job.Status != models.JobStatusQueued {
		t.Fatalf("status = %q, want queued", job.Status)
	}
	if job.ID == "" || job.ProgressMessage == "" {
		t.Fatalf("job snapshot incomplete: %+v", job)
	}
	waitStart(t, runner)
	runner.release <- struct{}{}
}

func TestFailedRunRecordsError(t *testing.T) {
	runner := newBlockingRunner()
	runner.err = errors.New("remux source: exit status 1")
	d := NewDispatcher(NewRegistry(), runner, 1, nil)

	job := d.Submit("abc")
	waitStart(t, runner)
	runner.release <- struct{}{}

	waitFor(t, func() bool {
		current, ok := d.Status(job.ID)
		return ok && current.Status == models.JobStatusFailed
	})
	current, _ := d.Status(job.ID)
	if current.Error != "remux source: exit status 1" {
		t.Fatalf("error = %q", current.Error)
	}
}

func TestStatusUnknownID(t *testing.T) {
	d := NewDispatcher(NewRegistry(), newBlockingRunner(), 1, nil)
	if _, ok := d.Status("missing"); ok {
		t.Fatal("expected unknown id")
	}
}
