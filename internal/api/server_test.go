package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Sychedelic-but-cooler/vidnag/internal/clock/system"
	"github.com/Sychedelic-but-cooler/vidnag/internal/media"
	"github.com/Sychedelic-but-cooler/vidnag/internal/metrics"
	"github.com/Sychedelic-but-cooler/vidnag/internal/progress"
	"github.com/Sychedelic-but-cooler/vidnag/internal/scheduler"
	"github.com/Sychedelic-but-cooler/vidnag/internal/storage/local"
	"github.com/Sychedelic-but-cooler/vidnag/internal/storage/memory"
	"github.com/Sychedelic-but-cooler/vidnag/internal/ytdlp"
)

func init() {
	metrics.Init()
}

type fakeIDGen struct {
	ids []string
}

func (g *fakeIDGen) NewID() (string, error) {
	if len(g.ids) == 0 {
		return "", fmt.Errorf("id pool exhausted")
	}
	id := g.ids[0]
	g.ids = g.ids[1:]
	return id, nil
}

type fakeProber struct {
	info ytdlp.Info
	err  error
}

func (p *fakeProber) Probe(context.Context, string) (ytdlp.Info, error) {
	return p.info, p.err
}

type idleExecutor struct{}

func (idleExecutor) Execute(ctx context.Context, _ media.Job, _ func()) { <-ctx.Done() }

type testEnv struct {
	store  *memory.MediaStore
	bcast  *progress.Broadcaster
	files  *local.Files
	server *Server
}

func newTestEnv(t *testing.T, ids ...string) *testEnv {
	t.Helper()

	store := memory.NewMediaStore()
	store.PutAccount(media.Account{ID: "acct", StorageQuota: 1 << 30})

	files, err := local.New(t.TempDir())
	require.NoError(t, err)

	bcast := progress.NewBroadcaster(16, zap.NewNop())
	sched := scheduler.New(store, idleExecutor{}, system.New(), scheduler.Config{
		MaxWorkers:   4,
		PollInterval: time.Hour,
	}, zap.NewNop())

	if len(ids) == 0 {
		ids = []string{"job-1", "art-1"}
	}
	server := NewServer(store, sched, bcast, files, nil, &fakeIDGen{ids: ids}, system.New(), zap.NewNop())
	return &testEnv{store: store, bcast: bcast, files: files, server: server}
}

func TestSubmitDownloadSucceeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	body := []byte(`{"account_id":"acct","url":"https://example.com/v","title":"Clip","priority":3}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/downloads", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "job-1")
	require.Contains(t, rec.Body.String(), "art-1")

	job, err := env.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, media.JobStatusPending, job.Status)
	require.Equal(t, 3, job.Priority)
	require.Equal(t, "https://example.com/v", job.Params.URL)

	artifact, err := env.store.GetArtifact(context.Background(), "art-1")
	require.NoError(t, err)
	require.Equal(t, media.ArtifactProcessing, artifact.Status)
	require.Equal(t, "Clip", artifact.Title)
}

func TestSubmitDownloadValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		code int
		want string
	}{
		{"invalid json", "{invalid", http.StatusBadRequest, "invalid JSON"},
		{"missing url", `{"account_id":"acct"}`, http.StatusBadRequest, "url required"},
		{"missing account", `{"url":"https://example.com"}`, http.StatusBadRequest, "account_id required"},
		{"unknown account", `{"account_id":"ghost","url":"https://example.com"}`, http.StatusNotFound, "account not found"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			req := httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			env.server.Handler().ServeHTTP(rec, req)

			require.Equal(t, tt.code, rec.Code)
			require.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestSubmitDownloadQuotaExceeded(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.store.PutAccount(media.Account{ID: "full", StorageUsed: 100, StorageQuota: 100})

	body := `{"account_id":"full","url":"https://example.com/v"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader(body))
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "storage quota exceeded")
}

func TestSubmitDownloadProbe(t *testing.T) {
	t.Parallel()

	t.Run("backfills title from metadata", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.server.prober = &fakeProber{info: ytdlp.Info{Title: "Probed Title"}}

		submit(t, env, `{"account_id":"acct","url":"https://example.com/v"}`)

		artifact, err := env.store.GetArtifact(context.Background(), "art-1")
		require.NoError(t, err)
		require.Equal(t, "Probed Title", artifact.Title)
	})

	t.Run("rejects when estimated size exceeds remaining quota", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.server.prober = &fakeProber{info: ytdlp.Info{FilesizeApprox: 2 << 30}}

		req := httptest.NewRequest(http.MethodPost, "/v1/downloads",
			strings.NewReader(`{"account_id":"acct","url":"https://example.com/v"}`))
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusForbidden, rec.Code)
		require.Contains(t, rec.Body.String(), "estimated media size")
	})

	t.Run("probe failure does not block submission", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.server.prober = &fakeProber{err: fmt.Errorf("extractor error")}

		submit(t, env, `{"account_id":"acct","url":"https://example.com/v","title":"Kept"}`)

		artifact, err := env.store.GetArtifact(context.Background(), "art-1")
		require.NoError(t, err)
		require.Equal(t, "Kept", artifact.Title)
	})
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	submit(t, env, `{"account_id":"acct","url":"https://example.com/v"}`)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"job-1"`)

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil)
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelPendingJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	submit(t, env, `{"account_id":"acct","url":"https://example.com/v"}`)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/cancel", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Cancelled)

	job, err := env.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, media.JobStatusCancelled, job.Status)
}

func TestQueueStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	submit(t, env, `{"account_id":"acct","url":"https://example.com/v"}`)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status media.QueueStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, 1, status.PendingJobs)
	require.Equal(t, 4, status.MaxWorkers)
	require.Equal(t, 4, status.AvailableSlots)
}

func TestDeleteArtifact(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	submit(t, env, `{"account_id":"acct","url":"https://example.com/v"}`)
	require.NoError(t, env.store.FinalizeSuccess(context.Background(), "job-1", "art-1",
		media.ArtifactFile{Path: "/var/vidnag/videos/art-1.mp4", Size: 2048, Checksum: "aa"}))

	req := httptest.NewRequest(http.MethodDelete, "/v1/artifacts/art-1", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"freed_bytes":2048`)

	acct, err := env.store.GetAccount(context.Background(), "acct")
	require.NoError(t, err)
	require.Zero(t, acct.StorageUsed)

	// Double delete conflicts.
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/artifacts/art-1", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/artifacts/ghost", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetArtifact(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	submit(t, env, `{"account_id":"acct","url":"https://example.com/v","title":"Clip"}`)

	req := httptest.NewRequest(http.MethodGet, "/v1/artifacts/art-1", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Artifact media.Artifact `json:"artifact"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "art-1", resp.Artifact.ID)
	require.Equal(t, "Clip", resp.Artifact.Title)
	require.Equal(t, media.ArtifactProcessing, resp.Artifact.Status)

	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/artifacts/ghost", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAccountArtifacts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "job-1", "art-1", "job-2", "art-2")
	submit(t, env, `{"account_id":"acct","url":"https://example.com/a"}`)
	submit(t, env, `{"account_id":"acct","url":"https://example.com/b"}`)

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/acct/artifacts", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Artifacts []media.Artifact `json:"artifacts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Artifacts, 2)

	// Deleted artifacts drop out of the listing.
	_, err := env.store.DeleteArtifact(context.Background(), "art-1")
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/accounts/acct/artifacts", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	resp.Artifacts = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Artifacts, 1)
	require.Equal(t, "art-2", resp.Artifacts[0].ID)

	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/accounts/ghost/artifacts", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestStreamEventsDeliversProgress(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/accounts/acct/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		return env.bcast.SubscriberCount("acct") == 1
	}, 2*time.Second, 10*time.Millisecond)

	env.bcast.Publish("acct", progress.Event{
		JobID:       "job-1",
		Status:      media.JobStatusRunning,
		Progress:    42,
		CurrentStep: "Downloading",
	})

	reader := bufio.NewReader(resp.Body)
	deadline := time.After(2 * time.Second)
	lineCh := make(chan string, 8)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			lineCh <- line
		}
	}()
	for {
		select {
		case line := <-lineCh:
			if strings.HasPrefix(line, "data: ") {
				var evt progress.Event
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
				require.Equal(t, "job-1", evt.JobID)
				require.Equal(t, 42.0, evt.Progress)
				return
			}
		case <-deadline:
			t.Fatal("no event received on stream")
		}
	}
}

func submit(t *testing.T, env *testEnv, body string) {
	t.Helper()
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)
}
