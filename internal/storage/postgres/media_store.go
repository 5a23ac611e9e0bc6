// Package postgres provides the Postgres-backed media.Store. Every mutation
// runs in a short transaction; nothing holds a transaction across external
// I/O. See schema.sql for the table definitions.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Sychedelic-but-cooler/vidnag/internal/media"
)

// Pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// MediaStore implements media.Store on Postgres.
type MediaStore struct {
	pool Pool
}

// NewMediaStore connects a pool from config and wraps it in a MediaStore.
func NewMediaStore(ctx context.Context, cfg Config) (*MediaStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &MediaStore{pool: pool}, nil
}

// NewMediaStoreWithPool wraps an existing pool (used by tests).
func NewMediaStoreWithPool(pool Pool) *MediaStore {
	return &MediaStore{pool: pool}
}

// Close releases the underlying connection pool.
func (s *MediaStore) Close() {
	s.pool.Close()
}

const jobColumns = `id, account_id, artifact_id, job_type, status, priority, progress,
	current_step, params, output, created_at, started_at, completed_at,
	error_message, error_trace, retry_count, max_retries, worker_id`

func scanJob(row pgx.Row) (media.Job, error) {
	var (
		job        media.Job
		status     string
		step       *string
		paramsJSON []byte
		outputJSON []byte
		errMsg     *string
		errTrace   *string
		workerID   *string
	)
	err := row.Scan(
		&job.ID, &job.AccountID, &job.ArtifactID, &job.Type, &status, &job.Priority,
		&job.Progress, &step, &paramsJSON, &outputJSON, &job.CreatedAt,
		&job.StartedAt, &job.CompletedAt, &errMsg, &errTrace,
		&job.RetryCount, &job.MaxRetries, &workerID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return media.Job{}, media.ErrNotFound
		}
		return media.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = media.JobStatus(status)
	if step != nil {
		job.CurrentStep = *step
	}
	if errMsg != nil {
		job.ErrorMessage = *errMsg
	}
	if errTrace != nil {
		job.ErrorTrace = *errTrace
	}
	if workerID != nil {
		job.WorkerID = *workerID
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
			return media.Job{}, fmt.Errorf("decode job params: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &job.Output); err != nil {
			return media.Job{}, fmt.Errorf("decode job output: %w", err)
		}
	}
	return job, nil
}

// CreateDownload inserts the job and artifact rows in one transaction.
func (s *MediaStore) CreateDownload(ctx context.Context, job media.Job, artifact media.Artifact) error {
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("encode job params: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create download: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO artifacts (id, account_id, title, source_url, file_path, file_size, status, format, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8);`,
		artifact.ID, artifact.AccountID, artifact.Title, artifact.SourceURL,
		artifact.FilePath, string(media.ArtifactProcessing), artifact.Format, artifact.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO download_jobs (id, account_id, artifact_id, job_type, status, priority,
			progress, current_step, params, created_at, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10);`,
		job.ID, job.AccountID, job.ArtifactID, job.Type, string(media.JobStatusPending),
		job.Priority, job.CurrentStep, paramsJSON, job.CreatedAt, job.MaxRetries,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create download: %w", err)
	}
	return nil
}

// ClaimRunnable atomically claims up to limit pending jobs in (priority
// desc, created_at asc) order. SKIP LOCKED keeps concurrent schedulers from
// double-claiming.
func (s *MediaStore) ClaimRunnable(ctx context.Context, limit int, workerID string) ([]media.Job, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			SELECT id FROM download_jobs
			WHERE status = 'pending' AND job_type = 'download'
			ORDER BY priority DESC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE download_jobs j
		SET status = 'running', started_at = now(), worker_id = $2
		FROM claimed
		WHERE j.id = claimed.id
		RETURNING `+jobColumns+`;`,
		limit, workerID,
	)
	if err != nil {
		return nil, fmt.Errorf("claim runnable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []media.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed jobs: %w", err)
	}
	// RETURNING does not preserve the CTE's ordering.
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// Transition compare-and-sets the job status.
func (s *MediaStore) Transition(ctx context.Context, jobID string, from, to media.JobStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE download_jobs
		SET status = $3,
			started_at = CASE WHEN $3 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			completed_at = CASE WHEN $3 IN ('completed', 'failed', 'cancelled') THEN now() ELSE completed_at END
		WHERE id = $1 AND status = $2;`,
		jobID, string(from), string(to),
	)
	if err != nil {
		return fmt.Errorf("transition job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM download_jobs WHERE id = $1);`, jobID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check job %s: %w", jobID, err)
		}
		if !exists {
			return media.ErrNotFound
		}
		return media.ErrConflict
	}
	return nil
}

// UpdateProgress writes progress and the step label. Progress never moves
// backwards and is clamped to 100.
func (s *MediaStore) UpdateProgress(ctx context.Context, jobID string, percent float64, step string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE download_jobs
		SET progress = LEAST(GREATEST(progress, $2), 100), current_step = $3
		WHERE id = $1;`,
		jobID, percent, step,
	)
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return media.ErrNotFound
	}
	return nil
}

// GetJob fetches one job row.
func (s *MediaStore) GetJob(ctx context.Context, jobID string) (media.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM download_jobs WHERE id = $1;`, jobID)
	return scanJob(row)
}

// GetArtifact fetches one artifact row.
func (s *MediaStore) GetArtifact(ctx context.Context, artifactID string) (media.Artifact, error) {
	var (
		artifact media.Artifact
		status   string
		checksum *string
		errMsg   *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, account_id, title, source_url, file_path, file_size, checksum,
			format, status, error_message, created_at
		FROM artifacts WHERE id = $1;`, artifactID,
	).Scan(
		&artifact.ID, &artifact.AccountID, &artifact.Title, &artifact.SourceURL,
		&artifact.FilePath, &artifact.FileSize, &checksum, &artifact.Format,
		&status, &errMsg, &artifact.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return media.Artifact{}, media.ErrNotFound
		}
		return media.Artifact{}, fmt.Errorf("get artifact %s: %w", artifactID, err)
	}
	artifact.Status = media.ArtifactStatus(status)
	if checksum != nil {
		artifact.Checksum = *checksum
	}
	if errMsg != nil {
		artifact.ErrorMessage = *errMsg
	}
	return artifact, nil
}

// ListArtifacts returns the account's non-deleted artifacts, newest first.
func (s *MediaStore) ListArtifacts(ctx context.Context, accountID string) ([]media.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, title, source_url, file_path, file_size, checksum,
			format, status, error_message, created_at
		FROM artifacts
		WHERE account_id = $1 AND status <> 'deleted'
		ORDER BY created_at DESC;`, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var artifacts []media.Artifact
	for rows.Next() {
		var (
			artifact media.Artifact
			status   string
			checksum *string
			errMsg   *string
		)
		err := rows.Scan(
			&artifact.ID, &artifact.AccountID, &artifact.Title, &artifact.SourceURL,
			&artifact.FilePath, &artifact.FileSize, &checksum, &artifact.Format,
			&status, &errMsg, &artifact.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifact.Status = media.ArtifactStatus(status)
		if checksum != nil {
			artifact.Checksum = *checksum
		}
		if errMsg != nil {
			artifact.ErrorMessage = *errMsg
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return artifacts, nil
}

// GetAccount fetches one account row.
func (s *MediaStore) GetAccount(ctx context.Context, accountID string) (media.Account, error) {
	var acct media.Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, storage_used, storage_quota FROM accounts WHERE id = $1;`, accountID,
	).Scan(&acct.ID, &acct.StorageUsed, &acct.StorageQuota)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return media.Account{}, media.ErrNotFound
		}
		return media.Account{}, fmt.Errorf("get account %s: %w", accountID, err)
	}
	return acct, nil
}

// FinalizeSuccess commits the artifact metadata, job completion, and quota
// charge as one transaction.
func (s *MediaStore) FinalizeSuccess(ctx context.Context, jobID, artifactID string, file media.ArtifactFile) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID string
	err = tx.QueryRow(ctx, `
		UPDATE artifacts
		SET status = 'ready', file_path = $2, file_size = $3, checksum = $4, error_message = NULL
		WHERE id = $1
		RETURNING account_id;`,
		artifactID, file.Path, file.Size, file.Checksum,
	).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return media.ErrNotFound
		}
		return fmt.Errorf("finalize artifact %s: %w", artifactID, err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE download_jobs
		SET status = 'completed', progress = 100, current_step = 'Completed',
			completed_at = now(), error_message = NULL
		WHERE id = $1;`, jobID,
	)
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return media.ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		UPDATE accounts SET storage_used = storage_used + $2 WHERE id = $1;`,
		accountID, file.Size,
	)
	if err != nil {
		return fmt.Errorf("charge quota for account %s: %w", accountID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit finalize: %w", err)
	}
	return nil
}

// FinalizeFailure records the classified failure on job and artifact. A
// retained partial file updates the artifact metadata but never the quota.
func (s *MediaStore) FinalizeFailure(ctx context.Context, jobID, artifactID string, failure media.JobFailure) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finalize failure: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE download_jobs
		SET status = 'failed', error_message = $2, error_trace = $3, completed_at = now()
		WHERE id = $1;`,
		jobID, failure.Message, failure.Trace,
	)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return media.ErrNotFound
	}

	if failure.Partial != nil {
		_, err = tx.Exec(ctx, `
			UPDATE artifacts
			SET status = 'error', error_message = $2, file_path = $3, file_size = $4, checksum = $5
			WHERE id = $1;`,
			artifactID, failure.Message, failure.Partial.Path, failure.Partial.Size, failure.Partial.Checksum,
		)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE artifacts SET status = 'error', error_message = $2 WHERE id = $1;`,
			artifactID, failure.Message,
		)
	}
	if err != nil {
		return fmt.Errorf("fail artifact %s: %w", artifactID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit finalize failure: %w", err)
	}
	return nil
}

// MarkCancelled finalizes an interrupted job and errors its artifact.
func (s *MediaStore) MarkCancelled(ctx context.Context, jobID, artifactID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE download_jobs
		SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled');`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return media.ErrConflict
	}

	_, err = tx.Exec(ctx, `
		UPDATE artifacts SET status = 'error', error_message = 'Download cancelled' WHERE id = $1;`,
		artifactID,
	)
	if err != nil {
		return fmt.Errorf("cancel artifact %s: %w", artifactID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}
	return nil
}

// DeleteArtifact marks the artifact deleted and releases its quota, returning
// the pre-deletion row so the caller can remove the file.
func (s *MediaStore) DeleteArtifact(ctx context.Context, artifactID string) (media.Artifact, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return media.Artifact{}, fmt.Errorf("begin delete artifact: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		prior  media.Artifact
		status string
	)
	err = tx.QueryRow(ctx, `
		SELECT id, account_id, file_path, file_size, status
		FROM artifacts WHERE id = $1 FOR UPDATE;`, artifactID,
	).Scan(&prior.ID, &prior.AccountID, &prior.FilePath, &prior.FileSize, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return media.Artifact{}, media.ErrNotFound
		}
		return media.Artifact{}, fmt.Errorf("lock artifact %s: %w", artifactID, err)
	}
	prior.Status = media.ArtifactStatus(status)
	if prior.Status == media.ArtifactDeleted {
		return media.Artifact{}, media.ErrConflict
	}

	_, err = tx.Exec(ctx, `
		UPDATE accounts SET storage_used = GREATEST(storage_used - $2, 0) WHERE id = $1;`,
		prior.AccountID, prior.FileSize,
	)
	if err != nil {
		return media.Artifact{}, fmt.Errorf("release quota for account %s: %w", prior.AccountID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE artifacts SET status = 'deleted', file_size = 0 WHERE id = $1;`, artifactID,
	)
	if err != nil {
		return media.Artifact{}, fmt.Errorf("delete artifact %s: %w", artifactID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return media.Artifact{}, fmt.Errorf("commit delete artifact: %w", err)
	}
	return prior, nil
}

// CountPending returns the number of pending download jobs.
func (s *MediaStore) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM download_jobs WHERE status = 'pending' AND job_type = 'download';`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return count, nil
}

// FailStaleRunning fails running jobs started before the cutoff and errors
// their artifacts, in one transaction.
func (s *MediaStore) FailStaleRunning(ctx context.Context, cutoff time.Time, msg string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin stale reconciliation: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE download_jobs
		SET status = 'failed', error_message = $2, completed_at = now()
		WHERE status = 'running' AND started_at < $1
		RETURNING artifact_id;`,
		cutoff, msg,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	var artifactIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale artifact id: %w", err)
		}
		artifactIDs = append(artifactIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate stale jobs: %w", err)
	}

	if len(artifactIDs) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE artifacts SET status = 'error', error_message = $2 WHERE id = ANY($1);`,
			artifactIDs, msg,
		)
		if err != nil {
			return 0, fmt.Errorf("error stale artifacts: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit stale reconciliation: %w", err)
	}
	return len(artifactIDs), nil
}
