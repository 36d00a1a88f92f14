package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, job lifecycle events, admission operations, and worker health. It
// coordinates concurrent writers via a RWMutex while exposing a thread-safe
// gauge for active job tracking.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	jobEvents         map[string]uint64
	admissionAttempts map[string]uint64
	admissionFailures map[string]uint64
	workerHealthValue map[string]float64
	workerHealthState map[string]string
	activeJobs        atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:      make(map[requestLabel]uint64),
		requestDuration:   make(map[requestLabel]time.Duration),
		jobEvents:         make(map[string]uint64),
		admissionAttempts: make(map[string]uint64),
		admissionFailures: make(map[string]uint64),
		workerHealthValue: make(map[string]float64),
		workerHealthState: make(map[string]string),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// JobSubmitted records a job entering the queue and increments the active job
// gauge. A job is active from submission until it reaches a terminal status.
func (r *Recorder) JobSubmitted() {
	r.incrementJobEvent("submitted")
	r.activeJobs.Add(1)
}

// JobCompleted records a successful terminal transition and decrements the
// active job gauge.
func (r *Recorder) JobCompleted() {
	r.incrementJobEvent("completed")
	r.decrementGauge(&r.activeJobs)
}

// JobFailed records a failed terminal transition and decrements the active job
// gauge, guarding against negative counts when concurrent updates race.
func (r *Recorder) JobFailed() {
	r.incrementJobEvent("failed")
	r.decrementGauge(&r.activeJobs)
}

// JobRemoteLost records a reconciliation that found the worker no longer knows
// the job. The job also fails, so callers record JobFailed separately.
func (r *Recorder) JobRemoteLost() {
	r.incrementJobEvent("remote_lost")
}

func (r *Recorder) incrementJobEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.jobEvents[normalized]++
	r.mu.Unlock()
}

// ObserveAdmissionAttempt records an admission operation attempt keyed by
// operation name (e.g., "admit", "concurrency_push", "sync").
func (r *Recorder) ObserveAdmissionAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.admissionAttempts[op]++
	r.mu.Unlock()
}

// ObserveAdmissionFailure records a failed admission operation keyed by
// operation name. The caller should also record the attempt separately.
func (r *Recorder) ObserveAdmissionFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.admissionFailures[op]++
	r.mu.Unlock()
}

// ActiveJobs exposes the current gauge of jobs between submission and a
// terminal status.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// SetWorkerHealth normalizes worker identifiers, maps health states to numeric
// values, and stores both representations for export.
func (r *Recorder) SetWorkerHealth(worker, status string) {
	normalizedWorker := normalizeName(worker)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok":
		value = 1
	case "inactive", "unknown":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.workerHealthValue[normalizedWorker] = value
	r.workerHealthState[normalizedWorker] = normalizedStatus
	r.mu.Unlock()
}

// JobEventCounts returns copies of job lifecycle counters and the current
// active job gauge value for testing and reporting purposes.
func (r *Recorder) JobEventCounts() (events map[string]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[string]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		events[k] = v
	}
	return events, r.activeJobs.Load()
}

// AdmissionCounts returns copies of admission attempt and failure counters.
func (r *Recorder) AdmissionCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.admissionAttempts))
	for k, v := range r.admissionAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.admissionFailures))
	for k, v := range r.admissionFailures {
		failures[k] = v
	}
	return attempts, failures
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobEvents = make(map[string]uint64)
	r.admissionAttempts = make(map[string]uint64)
	r.admissionFailures = make(map[string]uint64)
	r.workerHealthValue = make(map[string]float64)
	r.workerHealthState = make(map[string]string)
	r.activeJobs.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	jobEvents := r.sortedJobEvents()
	admissionOperations := r.sortedAdmissionOperations()
	workers := r.sortedWorkers()

	fmt.Fprintln(w, "# HELP mediaforge_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE mediaforge_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "mediaforge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP mediaforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE mediaforge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "mediaforge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP mediaforge_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE mediaforge_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "mediaforge_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP mediaforge_job_events_total Job lifecycle events by type")
	fmt.Fprintln(w, "# TYPE mediaforge_job_events_total counter")
	for _, event := range jobEvents {
		count := r.jobEvents[event]
		fmt.Fprintf(w, "mediaforge_job_events_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP mediaforge_active_jobs Current number of jobs between submission and a terminal status")
	fmt.Fprintln(w, "# TYPE mediaforge_active_jobs gauge")
	fmt.Fprintf(w, "mediaforge_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP mediaforge_admission_attempts_total Total admission operations attempted by action")
	fmt.Fprintln(w, "# TYPE mediaforge_admission_attempts_total counter")
	for _, op := range admissionOperations {
		count := r.admissionAttempts[op]
		fmt.Fprintf(w, "mediaforge_admission_attempts_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP mediaforge_admission_failures_total Total admission operation failures by action")
	fmt.Fprintln(w, "# TYPE mediaforge_admission_failures_total counter")
	for _, op := range admissionOperations {
		count := r.admissionFailures[op]
		fmt.Fprintf(w, "mediaforge_admission_failures_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP mediaforge_worker_health Health status reported by registered workers (1=ok,0=inactive,-1=degraded)")
	fmt.Fprintln(w, "# TYPE mediaforge_worker_health gauge")
	for _, worker := range workers {
		value := r.workerHealthValue[worker]
		status := r.workerHealthState[worker]
		fmt.Fprintf(w, "mediaforge_worker_health{worker=\"%s\",status=\"%s\"} %f\n", worker, status, value)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedJobEvents() []string {
	events := make([]string, 0, len(r.jobEvents))
	for event := range r.jobEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedAdmissionOperations() []string {
	seen := make(map[string]struct{}, len(r.admissionAttempts)+len(r.admissionFailures))
	for op := range r.admissionAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.admissionFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func (r *Recorder) sortedWorkers() []string {
	workers := make([]string, 0, len(r.workerHealthValue))
	for worker := range r.workerHealthValue {
		workers = append(workers, worker)
	}
	sort.Strings(workers)
	return workers
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
