package models

import (
	"strings"
	"time"
)

// JobStatus is the canonical processing-state vocabulary shared between the
// ledger and the worker's ephemeral job table.
type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusEncoding    JobStatus = "encoding"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
)

// ParseJobStatus normalizes a remote status string into the canonical
// vocabulary. Unrecognized values return false so callers can fall back to the
// previous status instead of treating the payload as an error.
func ParseJobStatus(value string) (JobStatus, bool) {
	switch JobStatus(strings.ToLower(strings.TrimSpace(value))) {
	case JobStatusQueued:
		return JobStatusQueued, true
	case JobStatusDownloading:
		return JobStatusDownloading, true
	case JobStatusEncoding:
		return JobStatusEncoding, true
	case JobStatusCompleted:
		return JobStatusCompleted, true
	case JobStatusFailed:
		return JobStatusFailed, true
	default:
		return "", false
	}
}

// Terminal reports whether the status is absorbing: terminal jobs are never
// re-synchronized and never transition again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// InProgress reports whether the status counts against a worker's concurrency
// ceiling.
func (s JobStatus) InProgress() bool {
	return s == JobStatusDownloading || s == JobStatusEncoding
}

// Job is the durable ledger record owned exclusively by the orchestrator.
// ProcessorJobID references the worker's ephemeral job table and lives in a
// distinct id space from ID.
type Job struct {
	ID                string     `json:"id"`
	Ref               string     `json:"ref"`
	Status            JobStatus  `json:"status"`
	ProgressMessage   string     `json:"progressMessage,omitempty"`
	Priority          string     `json:"priority"`
	ProcessorJobID    string     `json:"processorJobId,omitempty"`
	ProcessorWorkerID string     `json:"processorWorkerId,omitempty"`
	Error             string     `json:"error,omitempty"`
	Result            *JobResult `json:"result,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	LastSyncedAt      *time.Time `json:"lastSyncedAt,omitempty"`
}

// Worker is the durable registry record for one transcoding worker. Runtime
// health and observed configuration are derived on demand and never persisted.
type Worker struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	BaseURL     string    `json:"baseUrl"`
	Active      bool      `json:"isActive"`
	Concurrency int       `json:"concurrency"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// JobResult references the artifacts produced by a completed pipeline run.
type JobResult struct {
	MP4       *MP4Result       `json:"mp4,omitempty"`
	Thumbnail *ThumbnailResult `json:"thumbnail,omitempty"`
	HLS       *HLSResult       `json:"hls,omitempty"`
}

type MP4Result struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

// ThumbnailResult is optional: absence never implies job failure.
type ThumbnailResult struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

type HLSResult struct {
	MasterPlaylist string    `json:"masterPlaylist"`
	Variants       []Variant `json:"variants"`
}

// Variant describes one produced rendition. Bandwidth is video plus audio
// bitrate in bits per second; Resolution is formatted as "WxH".
type Variant struct {
	Name             string `json:"name"`
	PlaylistPath     string `json:"playlistPath"`
	RelativePlaylist string `json:"relativePlaylist"`
	Bandwidth        int    `json:"bandwidth"`
	Resolution       string `json:"resolution"`
}
