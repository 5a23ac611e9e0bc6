// Package worker executes one download job end to end: subprocess
// invocation, progress relay, file finalization, and failure classification.
package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Sychedelic-but-cooler/vidnag/internal/media"
	"github.com/Sychedelic-but-cooler/vidnag/internal/metrics"
	"github.com/Sychedelic-but-cooler/vidnag/internal/progress"
	"github.com/Sychedelic-but-cooler/vidnag/internal/storage/local"
	"github.com/Sychedelic-but-cooler/vidnag/internal/ytdlp"
)

// Download progress from the external tool is scaled into a sub-range of the
// job's total progress, leaving headroom for the finalization steps.
const (
	progressStarted  = 5.0
	progressSpan     = 0.65
	progressChecksum = 70.0
	progressMove     = 80.0
	progressDB       = 90.0
)

// maxErrorTrace bounds the diagnostic trace persisted with a failed job.
const maxErrorTrace = 5000

// Fetcher runs the external download tool. ytdlp.Runner is the production
// implementation.
type Fetcher interface {
	Download(ctx context.Context, req ytdlp.Request, onProgress func(ytdlp.Progress)) (ytdlp.Result, error)
}

// Config controls Worker behavior.
type Config struct {
	VideoDir      string
	TempDir       string
	MaxSizeMB     int
	MergeFormat   string
	Timeout       time.Duration
	WriteInterval time.Duration
}

// Worker executes one claimed job's state machine to a terminal status.
type Worker struct {
	store       media.Store
	files       *local.Files
	broadcaster *progress.Broadcaster
	fetcher     Fetcher
	clock       media.Clock
	cfg         Config
	logger      *zap.Logger
}

// New constructs a Worker.
func New(
	store media.Store,
	files *local.Files,
	broadcaster *progress.Broadcaster,
	fetcher Fetcher,
	clock media.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.VideoDir == "" {
		cfg.VideoDir = "videos"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = "tmp"
	}
	if cfg.MergeFormat == "" {
		cfg.MergeFormat = "mp4"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.WriteInterval <= 0 {
		cfg.WriteInterval = 2 * time.Second
	}
	return &Worker{
		store:       store,
		files:       files,
		broadcaster: broadcaster,
		fetcher:     fetcher,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
}

// Execute runs one already-claimed job to a terminal state. beganFinalizing
// is invoked at the point of no return, after which cancellation requests are
// no-ops; it may be nil. Every failure mode is absorbed here so callers only
// observe "the job finished".
func (w *Worker) Execute(ctx context.Context, job media.Job, beganFinalizing func()) {
	started := w.clock.Now()

	artifact, err := w.store.GetArtifact(ctx, job.ArtifactID)
	if err != nil {
		w.logger.Error("artifact lookup failed",
			zap.String("job_id", job.ID),
			zap.String("artifact_id", job.ArtifactID),
			zap.Error(err),
		)
		w.finalizeFailure(ctx, job, media.JobFailure{
			Message: "Download failed: artifact record not found",
			Trace:   fmt.Sprintf("artifact %s: %v", job.ArtifactID, err),
		}, started)
		return
	}

	// Observable "started" signal before any blocking I/O.
	w.writeProgress(ctx, job, progressStarted, "Starting download")
	w.publish(job, media.JobStatusRunning, progressStarted, "Starting download", nil)

	template := filepath.Join(w.files.Root(), w.cfg.TempDir, artifact.ID+".%(ext)s")
	req := ytdlp.Request{
		URL:            job.Params.URL,
		OutputTemplate: template,
		MaxSizeMB:      w.cfg.MaxSizeMB,
		MergeFormat:    w.cfg.MergeFormat,
	}

	dctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	result, err := w.fetcher.Download(dctx, req, w.progressRelay(ctx, job))
	if err != nil {
		// A cancellation landing before the tool even started surfaces as a
		// run error; the job still ends cancelled, not failed.
		if ctx.Err() != nil {
			w.handleCancelled(job, template, started)
			return
		}
		w.logger.Error("download subprocess failed to run",
			zap.String("job_id", job.ID), zap.Error(err))
		w.finalizeFailure(ctx, job, media.JobFailure{
			Message: "Download failed: could not run download tool",
			Trace:   truncate(err.Error(), maxErrorTrace),
		}, started)
		return
	}

	if ctx.Err() != nil && !result.TimedOut {
		w.handleCancelled(job, template, started)
		return
	}

	// Point of no return: the subprocess is done, so finalization proceeds
	// even if the job context is cancelled underneath us.
	if beganFinalizing != nil {
		beganFinalizing()
	}
	fctx := context.WithoutCancel(ctx)

	if result.ExitCode == 0 && !result.TimedOut {
		w.finalizeSuccess(fctx, job, artifact, template, started)
		return
	}

	failure := ytdlp.Classify(result.Output, result.TimedOut)
	jobFailure := media.JobFailure{
		Message: failure.Message,
		Trace:   truncate(result.Output, maxErrorTrace),
	}
	if failure.Kind == ytdlp.FailureSizeLimit {
		// Bytes already transferred have value; keep the partial file as an
		// errored artifact instead of discarding it.
		jobFailure.Partial = w.retainPartial(job, artifact, template)
	} else {
		w.cleanupTemp(job, template)
	}
	w.finalizeFailure(fctx, job, jobFailure, started)
}

// progressRelay returns the per-line callback that scales tool progress into
// the job's download sub-range, rate-limits store writes, and broadcasts
// every parsed update.
func (w *Worker) progressRelay(ctx context.Context, job media.Job) func(ytdlp.Progress) {
	var (
		lastWrite  time.Time
		lastScaled = progressStarted
	)
	return func(p ytdlp.Progress) {
		scaled := progressStarted + p.Percent*progressSpan
		if scaled < lastScaled {
			return
		}
		lastScaled = scaled

		now := w.clock.Now()
		if now.Sub(lastWrite) >= w.cfg.WriteInterval {
			lastWrite = now
			if err := w.store.UpdateProgress(ctx, job.ID, scaled, "Downloading"); err != nil {
				w.logger.Warn("progress write failed",
					zap.String("job_id", job.ID), zap.Error(err))
			}
		}

		w.broadcaster.Publish(job.AccountID, progress.Event{
			JobID:       job.ID,
			Status:      media.JobStatusRunning,
			Progress:    scaled,
			CurrentStep: "Downloading",
			Speed:       p.Speed,
			ETA:         p.ETA,
			TotalSize:   p.TotalSize,
		})
	}
}

func (w *Worker) finalizeSuccess(ctx context.Context, job media.Job, artifact media.Artifact, template string, started time.Time) {
	w.writeProgress(ctx, job, progressChecksum, "Computing checksum")
	w.publish(job, media.JobStatusRunning, progressChecksum, "Computing checksum", nil)

	path, err := local.FindByTemplate(template)
	if err != nil {
		w.finalizeFailure(ctx, job, media.JobFailure{
			Message: "Download failed: output file not found",
			Trace:   truncate(err.Error(), maxErrorTrace),
		}, started)
		return
	}

	checksum, size, err := w.files.Checksum(path)
	if err != nil {
		w.finalizeFailure(ctx, job, media.JobFailure{
			Message: "Download failed: could not verify output file",
			Trace:   truncate(err.Error(), maxErrorTrace),
		}, started)
		return
	}

	w.writeProgress(ctx, job, progressMove, "Moving file")
	w.publish(job, media.JobStatusRunning, progressMove, "Moving file", nil)

	dest, err := w.files.Move(path, w.cfg.VideoDir, artifact.ID+filepath.Ext(path))
	if err != nil {
		w.finalizeFailure(ctx, job, media.JobFailure{
			Message: "Download failed: could not store output file",
			Trace:   truncate(err.Error(), maxErrorTrace),
		}, started)
		return
	}

	w.writeProgress(ctx, job, progressDB, "Updating database")
	w.publish(job, media.JobStatusRunning, progressDB, "Updating database", nil)

	file := media.ArtifactFile{Path: dest, Size: size, Checksum: checksum}
	if err := w.store.FinalizeSuccess(ctx, job.ID, artifact.ID, file); err != nil {
		w.logger.Error("success finalization failed",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	metrics.ObserveJob("completed", w.clock.Now().Sub(started))
	metrics.ObserveBytes(size)
	w.logger.Info("download completed",
		zap.String("job_id", job.ID),
		zap.String("artifact_id", artifact.ID),
		zap.Int64("bytes", size),
	)

	final, err := w.store.GetArtifact(ctx, artifact.ID)
	if err != nil {
		final = artifact
	}
	w.publish(job, media.JobStatusCompleted, 100, "Completed", &final)
}

func (w *Worker) finalizeFailure(ctx context.Context, job media.Job, failure media.JobFailure, started time.Time) {
	if err := w.store.FinalizeFailure(ctx, job.ID, job.ArtifactID, failure); err != nil {
		w.logger.Error("failure finalization failed",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.ObserveJob("failed", w.clock.Now().Sub(started))
	w.logger.Warn("download failed",
		zap.String("job_id", job.ID),
		zap.String("error", failure.Message),
	)

	w.broadcaster.Publish(job.AccountID, progress.Event{
		JobID:        job.ID,
		Status:       media.JobStatusFailed,
		Progress:     job.Progress,
		CurrentStep:  "Failed",
		ErrorMessage: failure.Message,
	})
}

func (w *Worker) handleCancelled(job media.Job, template string, started time.Time) {
	// The job context is gone; finalize on a fresh bounded context.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w.cleanupTemp(job, template)
	if err := w.store.MarkCancelled(ctx, job.ID, job.ArtifactID); err != nil {
		if !errors.Is(err, media.ErrConflict) {
			w.logger.Error("cancel finalization failed",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}
	metrics.ObserveJob("cancelled", w.clock.Now().Sub(started))
	w.logger.Info("download cancelled", zap.String("job_id", job.ID))
	w.publish(job, media.JobStatusCancelled, job.Progress, "Cancelled", nil)
}

// retainPartial checksums and relocates a size-limited partial download so it
// survives as an errored artifact. Quota is never charged for partials.
func (w *Worker) retainPartial(job media.Job, artifact media.Artifact, template string) *media.ArtifactFile {
	path, err := local.FindByTemplate(template)
	if err != nil {
		w.logger.Warn("partial file not found",
			zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}
	checksum, size, err := w.files.Checksum(path)
	if err != nil {
		w.logger.Warn("partial checksum failed",
			zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}
	dest, err := w.files.Move(path, w.cfg.VideoDir, artifact.ID+filepath.Ext(path))
	if err != nil {
		w.logger.Warn("partial move failed",
			zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}
	return &media.ArtifactFile{Path: dest, Size: size, Checksum: checksum}
}

func (w *Worker) cleanupTemp(job media.Job, template string) {
	path, err := local.FindByTemplate(template)
	if err != nil {
		return
	}
	if _, err := w.files.Delete(path); err != nil {
		w.logger.Warn("temp cleanup failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (w *Worker) writeProgress(ctx context.Context, job media.Job, percent float64, step string) {
	if err := w.store.UpdateProgress(ctx, job.ID, percent, step); err != nil {
		w.logger.Warn("progress write failed",
			zap.String("job_id", job.ID),
			zap.Float64("percent", percent),
			zap.Error(err),
		)
	}
}

func (w *Worker) publish(job media.Job, status media.JobStatus, pct float64, step string, artifact *media.Artifact) {
	w.broadcaster.Publish(job.AccountID, progress.Event{
		JobID:       job.ID,
		Status:      status,
		Progress:    pct,
		CurrentStep: step,
		Artifact:    artifact,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
