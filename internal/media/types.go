// Package media defines core types shared across subsystems.
package media

import (
	"time"
)

// JobStatus represents the lifecycle state of a download job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next. Terminal
// states never transition; pending may be cancelled without running.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusCancelled
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusCancelled
	}
	return false
}

// ArtifactStatus represents the lifecycle state of a stored media object.
type ArtifactStatus string

// Artifact status values persisted alongside the file metadata.
const (
	ArtifactProcessing ArtifactStatus = "processing"
	ArtifactReady      ArtifactStatus = "ready"
	ArtifactError      ArtifactStatus = "error"
	ArtifactDeleted    ArtifactStatus = "deleted"
)

// JobParameters captures the opaque submission inputs recorded on a job.
type JobParameters struct {
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	Visibility string `json:"visibility,omitempty"`
}

// Job represents one schedulable unit of download work.
type Job struct {
	ID          string        `json:"id"`
	AccountID   string        `json:"account_id"`
	ArtifactID  string        `json:"artifact_id"`
	Type        string        `json:"type"`
	Status      JobStatus     `json:"status"`
	Priority    int           `json:"priority"`
	Progress    float64       `json:"progress"`
	CurrentStep string        `json:"current_step,omitempty"`
	Params      JobParameters `json:"params"`
	Output      map[string]string `json:"output,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorTrace   string `json:"-"`

	// Retry counters are persisted for forward compatibility; nothing in
	// the scheduler or worker consumes them.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	WorkerID string `json:"worker_id,omitempty"`
}

// Artifact is the durable media object a job produces.
type Artifact struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"account_id"`
	Title        string         `json:"title"`
	SourceURL    string         `json:"source_url"`
	FilePath     string         `json:"file_path"`
	FileSize     int64          `json:"file_size"`
	Checksum     string         `json:"checksum,omitempty"`
	Format       string         `json:"format,omitempty"`
	Status       ArtifactStatus `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Account is the owning entity a job and its artifact are billed against.
type Account struct {
	ID           string `json:"id"`
	StorageUsed  int64  `json:"storage_used"`
	StorageQuota int64  `json:"storage_quota"`
}

// ArtifactFile carries the on-disk result of a finished download.
type ArtifactFile struct {
	Path     string
	Size     int64
	Checksum string
}

// JobFailure is the classified outcome of a failed execution.
type JobFailure struct {
	// Message is the bounded, human-readable error shown to end users.
	Message string
	// Trace is the bounded diagnostic detail retained for operators.
	Trace string
	// Partial, when non-nil, is a retained partial download that must be
	// recorded on the artifact (size-limit faults only).
	Partial *ArtifactFile
}

// QueueStatus is the operational snapshot returned by the scheduler.
type QueueStatus struct {
	ActiveJobs     int `json:"active_jobs"`
	PendingJobs    int `json:"pending_jobs"`
	MaxWorkers     int `json:"max_workers"`
	AvailableSlots int `json:"available_slots"`
}

// JobTypeDownload is the only job type the download engine schedules.
const JobTypeDownload = "download"
