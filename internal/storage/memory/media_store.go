// Package memory provides an in-memory media.Store for development and
// testing. Transaction semantics collapse to a single mutex.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sychedelic-but-cooler/vidnag/internal/media"
)

// MediaStore implements media.Store with mutex-guarded maps.
type MediaStore struct {
	mu        sync.Mutex
	jobs      map[string]media.Job
	artifacts map[string]media.Artifact
	accounts  map[string]media.Account
}

// NewMediaStore constructs an empty MediaStore.
func NewMediaStore() *MediaStore {
	return &MediaStore{
		jobs:      make(map[string]media.Job),
		artifacts: make(map[string]media.Artifact),
		accounts:  make(map[string]media.Account),
	}
}

// PutAccount seeds an account row.
func (s *MediaStore) PutAccount(acct media.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.ID] = acct
}

// CreateDownload inserts the job and artifact together.
func (s *MediaStore) CreateDownload(_ context.Context, job media.Job, artifact media.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: already exists", job.ID)
	}
	if _, exists := s.artifacts[artifact.ID]; exists {
		return fmt.Errorf("artifact %s: already exists", artifact.ID)
	}
	s.jobs[job.ID] = job
	s.artifacts[artifact.ID] = artifact
	return nil
}

// ClaimRunnable picks pending download jobs in (priority desc, created asc)
// order and flips them to running.
func (s *MediaStore) ClaimRunnable(_ context.Context, limit int, workerID string) ([]media.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []media.Job
	for _, job := range s.jobs {
		if job.Status == media.JobStatusPending && job.Type == media.JobTypeDownload {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	now := time.Now().UTC()
	claimed := make([]media.Job, 0, len(pending))
	for _, job := range pending {
		job.Status = media.JobStatusRunning
		job.StartedAt = &now
		job.WorkerID = workerID
		s.jobs[job.ID] = job
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// Transition performs a compare-and-set status change.
func (s *MediaStore) Transition(_ context.Context, jobID string, from, to media.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return media.ErrNotFound
	}
	if job.Status != from {
		return media.ErrConflict
	}
	job.Status = to
	now := time.Now().UTC()
	if to == media.JobStatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if to.Terminal() {
		job.CompletedAt = &now
	}
	s.jobs[jobID] = job
	return nil
}

// UpdateProgress records progress and the current step label.
func (s *MediaStore) UpdateProgress(_ context.Context, jobID string, percent float64, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return media.ErrNotFound
	}
	if percent > 100 {
		percent = 100
	}
	if percent > job.Progress {
		job.Progress = percent
	}
	job.CurrentStep = step
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *MediaStore) GetJob(_ context.Context, jobID string) (media.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return media.Job{}, media.ErrNotFound
	}
	return job, nil
}

// GetArtifact fetches an artifact by ID.
func (s *MediaStore) GetArtifact(_ context.Context, artifactID string) (media.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifact, ok := s.artifacts[artifactID]
	if !ok {
		return media.Artifact{}, media.ErrNotFound
	}
	return artifact, nil
}

// GetAccount fetches an account by ID.
func (s *MediaStore) GetAccount(_ context.Context, accountID string) (media.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return media.Account{}, media.ErrNotFound
	}
	return acct, nil
}

// ListArtifacts returns the account's non-deleted artifacts, newest first.
func (s *MediaStore) ListArtifacts(_ context.Context, accountID string) ([]media.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []media.Artifact
	for _, artifact := range s.artifacts {
		if artifact.AccountID == accountID && artifact.Status != media.ArtifactDeleted {
			out = append(out, artifact)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// FinalizeSuccess applies the completed-download mutation set atomically.
func (s *MediaStore) FinalizeSuccess(_ context.Context, jobID, artifactID string, file media.ArtifactFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return media.ErrNotFound
	}
	artifact, ok := s.artifacts[artifactID]
	if !ok {
		return media.ErrNotFound
	}

	now := time.Now().UTC()
	artifact.Status = media.ArtifactReady
	artifact.FilePath = file.Path
	artifact.FileSize = file.Size
	artifact.Checksum = file.Checksum
	artifact.ErrorMessage = ""
	s.artifacts[artifactID] = artifact

	job.Status = media.JobStatusCompleted
	job.Progress = 100
	job.CurrentStep = "Completed"
	job.CompletedAt = &now
	s.jobs[jobID] = job

	acct := s.accounts[artifact.AccountID]
	acct.StorageUsed += file.Size
	s.accounts[artifact.AccountID] = acct
	return nil
}

// FinalizeFailure records the classified failure; a retained partial file is
// written to the artifact without charging quota. The job is failed even when
// the artifact row is missing, so an integrity fault never strands a job in
// running.
func (s *MediaStore) FinalizeFailure(_ context.Context, jobID, artifactID string, failure media.JobFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return media.ErrNotFound
	}

	now := time.Now().UTC()
	job.Status = media.JobStatusFailed
	job.ErrorMessage = failure.Message
	job.ErrorTrace = failure.Trace
	job.CompletedAt = &now
	s.jobs[jobID] = job

	if artifact, ok := s.artifacts[artifactID]; ok {
		artifact.Status = media.ArtifactError
		artifact.ErrorMessage = failure.Message
		if failure.Partial != nil {
			artifact.FilePath = failure.Partial.Path
			artifact.FileSize = failure.Partial.Size
			artifact.Checksum = failure.Partial.Checksum
		}
		s.artifacts[artifactID] = artifact
	}
	return nil
}

// MarkCancelled finalizes an interrupted job.
func (s *MediaStore) MarkCancelled(_ context.Context, jobID, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return media.ErrNotFound
	}
	if job.Status.Terminal() {
		return media.ErrConflict
	}
	now := time.Now().UTC()
	job.Status = media.JobStatusCancelled
	job.CompletedAt = &now
	s.jobs[jobID] = job

	if artifact, ok := s.artifacts[artifactID]; ok {
		artifact.Status = media.ArtifactError
		artifact.ErrorMessage = "Download cancelled"
		s.artifacts[artifactID] = artifact
	}
	return nil
}

// DeleteArtifact marks the artifact deleted and releases its quota.
func (s *MediaStore) DeleteArtifact(_ context.Context, artifactID string) (media.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	artifact, ok := s.artifacts[artifactID]
	if !ok {
		return media.Artifact{}, media.ErrNotFound
	}
	if artifact.Status == media.ArtifactDeleted {
		return media.Artifact{}, media.ErrConflict
	}
	prior := artifact

	acct := s.accounts[artifact.AccountID]
	acct.StorageUsed -= artifact.FileSize
	if acct.StorageUsed < 0 {
		acct.StorageUsed = 0
	}
	s.accounts[artifact.AccountID] = acct

	artifact.Status = media.ArtifactDeleted
	artifact.FileSize = 0
	s.artifacts[artifactID] = artifact
	return prior, nil
}

// CountPending returns the number of pending download jobs.
func (s *MediaStore) CountPending(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, job := range s.jobs {
		if job.Status == media.JobStatusPending && job.Type == media.JobTypeDownload {
			count++
		}
	}
	return count, nil
}

// FailStaleRunning fails running jobs started before cutoff.
func (s *MediaStore) FailStaleRunning(_ context.Context, cutoff time.Time, msg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for id, job := range s.jobs {
		if job.Status != media.JobStatusRunning || job.StartedAt == nil || !job.StartedAt.Before(cutoff) {
			continue
		}
		job.Status = media.JobStatusFailed
		job.ErrorMessage = msg
		job.CompletedAt = &now
		s.jobs[id] = job
		if artifact, ok := s.artifacts[job.ArtifactID]; ok {
			artifact.Status = media.ArtifactError
			artifact.ErrorMessage = msg
			s.artifacts[job.ArtifactID] = artifact
		}
		count++
	}
	return count, nil
}
