// Package api exposes the HTTP interface for the download service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Sychedelic-but-cooler/vidnag/internal/media"
	"github.com/Sychedelic-but-cooler/vidnag/internal/metrics"
	"github.com/Sychedelic-but-cooler/vidnag/internal/progress"
	"github.com/Sychedelic-but-cooler/vidnag/internal/scheduler"
	"github.com/Sychedelic-but-cooler/vidnag/internal/storage/local"
	"github.com/Sychedelic-but-cooler/vidnag/internal/ytdlp"
)

// probeTimeout bounds the metadata lookup performed at submission.
const probeTimeout = 15 * time.Second

// Prober extracts media metadata without downloading; ytdlp.Runner is the
// production implementation. A nil Prober disables admission metadata.
type Prober interface {
	Probe(ctx context.Context, url string) (ytdlp.Info, error)
}

// Server wires HTTP handlers to the scheduler, store, and broadcaster.
type Server struct {
	router      chi.Router
	store       media.Store
	sched       *scheduler.Scheduler
	broadcaster *progress.Broadcaster
	files       *local.Files
	prober      Prober
	idGen       media.IDGenerator
	clock       media.Clock
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store media.Store,
	sched *scheduler.Scheduler,
	broadcaster *progress.Broadcaster,
	files *local.Files,
	prober Prober,
	idGen media.IDGenerator,
	clock media.Clock,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:       store,
		sched:       sched,
		broadcaster: broadcaster,
		files:       files,
		prober:      prober,
		idGen:       idGen,
		clock:       clock,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(60 * time.Second))
		r.Route("/v1", func(r chi.Router) {
			r.Post("/downloads", s.submitDownload)
			r.Get("/queue", s.queueStatus)
			r.Route("/jobs/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
			})
			r.Route("/artifacts/{artifact_id}", func(r chi.Router) {
				r.Get("/", s.getArtifact)
				r.Delete("/", s.deleteArtifact)
			})
			r.Get("/accounts/{account_id}/artifacts", s.listArtifacts)
		})
	})

	// Live event streams stay open indefinitely, so no timeout wrapper.
	r.Get("/v1/accounts/{account_id}/events", s.streamEvents)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.CountPending(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type downloadRequest struct {
	AccountID  string `json:"account_id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Visibility string `json:"visibility"`
	Priority   int    `json:"priority"`
}

func (s *Server) submitDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id required")
		return
	}

	acct, err := s.store.GetAccount(r.Context(), req.AccountID)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		s.logger.Error("account lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	// Quota is enforced here at submission; the worker only records usage.
	if acct.StorageQuota > 0 && acct.StorageUsed >= acct.StorageQuota {
		writeError(w, http.StatusForbidden, "storage quota exceeded")
		return
	}

	if s.prober != nil {
		probeCtx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		info, err := s.prober.Probe(probeCtx, req.URL)
		cancel()
		if err != nil {
			// Admission metadata is best-effort; the worker surfaces real
			// fetch failures with full classification.
			s.logger.Debug("submission probe failed",
				zap.String("url", req.URL), zap.Error(err))
		} else {
			if req.Title == "" {
				req.Title = info.Title
			}
			if est := info.EstimatedSize(); est > 0 && acct.StorageQuota > 0 &&
				acct.StorageUsed+est > acct.StorageQuota {
				writeError(w, http.StatusForbidden, "estimated media size exceeds remaining storage quota")
				return
			}
		}
	}

	jobID, artifactID, err := s.createDownload(r.Context(), req)
	if err != nil {
		s.logger.Error("download submission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create download job")
		return
	}
	s.sched.Wake()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":      jobID,
		"artifact_id": artifactID,
		"status":      string(media.JobStatusPending),
	})
}

func (s *Server) createDownload(ctx context.Context, req downloadRequest) (string, string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", "", fmt.Errorf("generate job id: %w", err)
	}
	artifactID, err := s.idGen.NewID()
	if err != nil {
		return "", "", fmt.Errorf("generate artifact id: %w", err)
	}

	now := s.clock.Now()
	job := media.Job{
		ID:          jobID,
		AccountID:   req.AccountID,
		ArtifactID:  artifactID,
		Type:        media.JobTypeDownload,
		Status:      media.JobStatusPending,
		Priority:    req.Priority,
		CurrentStep: "Queued",
		Params: media.JobParameters{
			URL:        req.URL,
			Title:      req.Title,
			Visibility: req.Visibility,
		},
		CreatedAt: now,
	}
	artifact := media.Artifact{
		ID:        artifactID,
		AccountID: req.AccountID,
		Title:     req.Title,
		SourceURL: req.URL,
		Status:    media.ArtifactProcessing,
		CreatedAt: now,
	}
	if err := s.store.CreateDownload(ctx, job, artifact); err != nil {
		return "", "", fmt.Errorf("create download: %w", err)
	}
	return jobID, artifactID, nil
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("job lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	cancelled, err := s.sched.Cancel(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("cancel failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":    jobID,
		"cancelled": cancelled,
	})
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sched.Status(r.Context())
	if err != nil {
		s.logger.Error("queue status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load queue status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifact_id")
	artifact, err := s.store.GetArtifact(r.Context(), artifactID)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		s.logger.Error("artifact lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load artifact")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifact": artifact})
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")
	if _, err := s.store.GetAccount(r.Context(), accountID); err != nil {
		if errors.Is(err, media.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		s.logger.Error("account lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	artifacts, err := s.store.ListArtifacts(r.Context(), accountID)
	if err != nil {
		s.logger.Error("artifact listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	if artifacts == nil {
		artifacts = []media.Artifact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

func (s *Server) deleteArtifact(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifact_id")
	prior, err := s.store.DeleteArtifact(r.Context(), artifactID)
	if err != nil {
		switch {
		case errors.Is(err, media.ErrNotFound):
			writeError(w, http.StatusNotFound, "artifact not found")
		case errors.Is(err, media.ErrConflict):
			writeError(w, http.StatusConflict, "artifact already deleted")
		default:
			s.logger.Error("artifact deletion failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to delete artifact")
		}
		return
	}

	if prior.FilePath != "" {
		if _, err := s.files.Delete(prior.FilePath); err != nil {
			// Row is already marked deleted; the stray file is logged, not fatal.
			s.logger.Warn("artifact file removal failed",
				zap.String("artifact_id", artifactID),
				zap.String("path", prior.FilePath),
				zap.Error(err),
			)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"artifact_id": artifactID,
		"deleted":     true,
		"freed_bytes": prior.FileSize,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, time.Since(start))
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}
