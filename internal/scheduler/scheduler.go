// Package scheduler bounds concurrent download execution to a fixed worker
// pool and keeps the pool full whenever runnable work exists.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Sychedelic-but-cooler/vidnag/internal/media"
	"github.com/Sychedelic-but-cooler/vidnag/internal/metrics"
)

// Executor runs one claimed job to a terminal state. worker.Worker is the
// production implementation.
type Executor interface {
	Execute(ctx context.Context, job media.Job, beganFinalizing func())
}

// Config controls Scheduler behavior.
type Config struct {
	MaxWorkers   int
	PollInterval time.Duration
	// StaleAfter is the age past which a running job found at startup is
	// treated as orphaned by an unclean shutdown.
	StaleAfter time.Duration
	// WorkerID is the identity stamped onto claimed jobs.
	WorkerID string
}

// handle tracks one in-flight job. finalizing flips once the worker passes
// its point of no return, after which Cancel is a no-op.
type handle struct {
	cancel     context.CancelFunc
	finalizing bool
}

// Scheduler owns the poll loop, the wake signal, and the in-flight registry.
// The registry and wake channel are the only state shared across goroutines;
// the mutex guards short critical sections with no I/O held.
type Scheduler struct {
	store    media.Store
	executor Executor
	clock    media.Clock
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]*handle
	started  bool

	// wake is buffered to one entry so multiple triggers before a poll pass
	// collapse into a single wakeup.
	wake chan struct{}

	pollCancel context.CancelFunc
	jobsCtx    context.Context
	jobsCancel context.CancelFunc
	pollDone   chan struct{}
	jobWG      sync.WaitGroup
}

// New constructs a Scheduler.
func New(store media.Store, executor Executor, clock media.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "vidnag"
	}
	return &Scheduler{
		store:    store,
		executor: executor,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]*handle),
		wake:     make(chan struct{}, 1),
		pollDone: make(chan struct{}),
	}
}

// Start reconciles orphaned jobs and launches the poll loop. It returns once
// the loop is running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.StaleAfter > 0 {
		cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)
		n, err := s.store.FailStaleRunning(ctx, cutoff, "Job orphaned by unclean shutdown")
		if err != nil {
			return fmt.Errorf("reconcile stale jobs: %w", err)
		}
		if n > 0 {
			s.logger.Warn("failed orphaned running jobs at startup", zap.Int("count", n))
		}
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())
	s.pollCancel = pollCancel
	// Jobs outlive the poll loop during a graceful shutdown, so they hang off
	// their own context rather than the loop's.
	s.jobsCtx, s.jobsCancel = context.WithCancel(context.Background())

	go s.pollLoop(pollCtx)
	s.logger.Info("scheduler started",
		zap.Int("max_workers", s.cfg.MaxWorkers),
		zap.Duration("poll_interval", s.cfg.PollInterval),
	)
	return nil
}

// Wake nudges the poll loop without waiting out the poll interval. Multiple
// calls before the next pass collapse into one.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.pollDone)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.safeDispatch(ctx)
	}
}

// safeDispatch runs one scheduling pass; a panic is logged and swallowed so
// a single bad pass never kills the loop.
func (s *Scheduler) safeDispatch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduling pass panicked", zap.Any("panic", r))
		}
	}()
	if err := s.dispatch(ctx); err != nil {
		s.logger.Error("scheduling pass failed", zap.Error(err))
	}
}

func (s *Scheduler) dispatch(ctx context.Context) error {
	s.mu.Lock()
	available := s.cfg.MaxWorkers - len(s.inflight)
	s.mu.Unlock()
	if available <= 0 {
		return nil
	}

	jobs, err := s.store.ClaimRunnable(ctx, available, s.cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("claim runnable: %w", err)
	}
	for _, job := range jobs {
		s.launch(job)
	}

	if pending, err := s.store.CountPending(ctx); err == nil {
		metrics.SetQueueDepth(pending)
	}
	return nil
}

func (s *Scheduler) launch(job media.Job) {
	jobCtx, cancel := context.WithCancel(s.jobsCtx)
	h := &handle{cancel: cancel}

	s.mu.Lock()
	s.inflight[job.ID] = h
	s.mu.Unlock()

	metrics.IncActiveWorkers()
	s.jobWG.Add(1)
	s.logger.Info("job dispatched",
		zap.String("job_id", job.ID),
		zap.Int("priority", job.Priority),
	)

	go func() {
		defer s.complete(job)
		defer cancel()
		s.executor.Execute(jobCtx, job, func() { s.beginFinalize(job.ID) })
	}()
}

// complete is the worker completion callback: free the slot and immediately
// wake the loop so the capacity is reused.
func (s *Scheduler) complete(job media.Job) {
	if r := recover(); r != nil {
		s.logger.Error("worker panicked", zap.String("job_id", job.ID), zap.Any("panic", r))
		s.failPanicked(job)
	}

	s.mu.Lock()
	delete(s.inflight, job.ID)
	s.mu.Unlock()

	metrics.DecActiveWorkers()
	s.jobWG.Done()
	s.Wake()
}

// failPanicked finalizes a job whose worker goroutine panicked so neither the
// job nor its artifact is stranded mid-lifecycle. A job the worker already
// finalized before panicking is left alone.
func (s *Scheduler) failPanicked(job media.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	current, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		s.logger.Error("could not load panicked job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if current.Status.Terminal() {
		return
	}
	err = s.store.FinalizeFailure(ctx, job.ID, job.ArtifactID, media.JobFailure{
		Message: "Download failed: internal error",
	})
	if err != nil && !errors.Is(err, media.ErrConflict) {
		s.logger.Error("could not fail panicked job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Scheduler) beginFinalize(jobID string) {
	s.mu.Lock()
	if h, ok := s.inflight[jobID]; ok {
		h.finalizing = true
	}
	s.mu.Unlock()
}

// Cancel attempts to cancel a job. A pending job cancels deterministically; a
// running job is interrupted only if its worker has not passed the point of
// no return. Cancelling a terminal job reports false.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	if h, ok := s.inflight[jobID]; ok {
		if h.finalizing {
			s.mu.Unlock()
			return false, nil
		}
		h.cancel()
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != media.JobStatusPending {
		return false, nil
	}
	if err := s.store.MarkCancelled(ctx, jobID, job.ArtifactID); err != nil {
		if errors.Is(err, media.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	s.logger.Info("pending job cancelled", zap.String("job_id", jobID))
	return true, nil
}

// Shutdown stops the poll loop and then either waits for in-flight jobs to
// finish (bounded by ctx) or aborts them immediately when wait is false.
func (s *Scheduler) Shutdown(ctx context.Context, wait bool) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.pollCancel()
	<-s.pollDone

	if !wait {
		s.jobsCancel()
	}

	done := make(chan struct{})
	go func() {
		s.jobWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		// Out of patience; abort whatever is still running.
		s.jobsCancel()
		<-done
		s.logger.Warn("scheduler stopped after aborting in-flight jobs")
		return ctx.Err()
	}
}

// Status reports pool occupancy and queue depth.
func (s *Scheduler) Status(ctx context.Context) (media.QueueStatus, error) {
	s.mu.Lock()
	active := len(s.inflight)
	s.mu.Unlock()

	pending, err := s.store.CountPending(ctx)
	if err != nil {
		return media.QueueStatus{}, fmt.Errorf("count pending: %w", err)
	}
	available := s.cfg.MaxWorkers - active
	if available < 0 {
		available = 0
	}
	return media.QueueStatus{
		ActiveJobs:     active,
		PendingJobs:    pending,
		MaxWorkers:     s.cfg.MaxWorkers,
		AvailableSlots: available,
	}, nil
}
