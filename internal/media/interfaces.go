package media

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by store implementations.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a compare-and-set transition found the row in
	// a different state than expected.
	ErrConflict = errors.New("status conflict")
)

// Store persists jobs, artifacts, and account quota. It is the single source
// of truth for all three; implementations must perform every mutation inside
// a short transaction.
type Store interface {
	// CreateDownload inserts a pending job and its processing artifact in
	// one transaction.
	CreateDownload(ctx context.Context, job Job, artifact Artifact) error

	// ClaimRunnable atomically selects up to limit pending download jobs
	// ordered by priority descending then creation time ascending, flips
	// each to running with a start timestamp and worker identity, and
	// returns them. Two concurrent callers never claim the same job.
	ClaimRunnable(ctx context.Context, limit int, workerID string) ([]Job, error)

	// Transition moves a job from one status to another. It returns
	// ErrConflict without modifying anything if the job is not currently
	// in the from status.
	Transition(ctx context.Context, jobID string, from, to JobStatus) error

	// UpdateProgress records the job's progress percentage and step label.
	UpdateProgress(ctx context.Context, jobID string, percent float64, step string) error

	GetJob(ctx context.Context, jobID string) (Job, error)
	GetArtifact(ctx context.Context, artifactID string) (Artifact, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)

	// ListArtifacts returns the account's non-deleted artifacts, newest
	// first.
	ListArtifacts(ctx context.Context, accountID string) ([]Artifact, error)

	// FinalizeSuccess marks the artifact ready with its final file
	// metadata, completes the job at 100%, and adds the file size to the
	// account's storage counter, all in one transaction.
	FinalizeSuccess(ctx context.Context, jobID, artifactID string, file ArtifactFile) error

	// FinalizeFailure marks the job failed and the artifact errored. When
	// failure.Partial is set the partial file metadata is recorded on the
	// artifact; quota is never charged for partial downloads.
	FinalizeFailure(ctx context.Context, jobID, artifactID string, failure JobFailure) error

	// MarkCancelled finalizes a job interrupted before its point of no
	// return and resets its artifact to an errored state.
	MarkCancelled(ctx context.Context, jobID, artifactID string) error

	// DeleteArtifact marks the artifact deleted and subtracts its size
	// from the account's storage counter in one transaction. It returns
	// the artifact as it was before deletion.
	DeleteArtifact(ctx context.Context, artifactID string) (Artifact, error)

	// CountPending returns the number of pending download jobs.
	CountPending(ctx context.Context) (int, error)

	// FailStaleRunning fails every running job whose start time is older
	// than the cutoff, recording msg as the error. Used by the startup
	// reconciliation pass; returns the number of jobs failed.
	FailStaleRunning(ctx context.Context, cutoff time.Time, msg string) (int, error)
}

// Clock returns the current time (swappable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and artifact IDs.
type IDGenerator interface {
	NewID() (string, error)
}
