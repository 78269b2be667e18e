package httpserver_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/orchestrator/internal/adapter/httpserver"
	"github.com/clipforge/orchestrator/internal/adapter/repo/memory"
	"github.com/clipforge/orchestrator/internal/adapter/seq"
	"github.com/clipforge/orchestrator/internal/config"
	"github.com/clipforge/orchestrator/internal/domain"
	"github.com/clipforge/orchestrator/internal/pipeline"
	"github.com/clipforge/orchestrator/internal/queue"
	"github.com/clipforge/orchestrator/internal/usecase"
)

type fixedSigner struct{}

func (fixedSigner) SignedURL(_ domain.Context, key string, _ time.Duration) (string, error) {
	return "http://blob/" + key, nil
}

type testEnv struct {
	store  *memory.JobStore
	queue  *queue.Manager
	bus    *pipeline.Bus
	router *chi.Mux
}

func newTestEnv(t *testing.T, qcfg queue.Config) *testEnv {
	t.Helper()
	store := memory.NewJobStore()
	q := queue.NewManager(store, seq.NewLocalSequencer(), nil, func(context.Context, domain.Job) {}, qcfg)
	cat, err := config.LoadPlatformCatalog("")
	require.NoError(t, err)
	bus := pipeline.NewBus()

	submit := usecase.NewSubmitService(q, nil, cat, 24*time.Hour)
	status := usecase.NewStatusService(store, q, fixedSigner{}, nil, 24*time.Hour, time.Hour)
	srv := httpserver.NewServer(submit, status, bus)

	r := chi.NewRouter()
	r.Post("/convert", srv.ConvertHandler())
	r.Get("/status/{jobId}", srv.StatusHandler())
	r.Post("/status/{jobId}/cancel", srv.CancelHandler())
	r.Post("/validate", srv.ValidateHandler())
	r.Get("/platforms", srv.PlatformsHandler())
	r.Post("/internal/progress", srv.ProgressCallbackHandler())
	r.Get("/healthz", httpserver.HealthzHandler())

	return &testEnv{store: store, queue: q, bus: bus, router: r}
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestConvert_Success(t *testing.T) {
	env := newTestEnv(t, queue.Config{})

	rec, body := doJSON(t, env.router, http.MethodPost, "/convert",
		`{"url":"https://www.youtube.com/watch?v=dQw4w9WgXcQ","format":"mp3","quality":"128"}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["jobId"])
}

func TestConvert_InvalidURL(t *testing.T) {
	env := newTestEnv(t, queue.Config{})

	rec, body := doJSON(t, env.router, http.MethodPost, "/convert",
		`{"url":"not a url","format":"mp3","quality":"128"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "INVALID_URL", errObj["type"])
	assert.Equal(t, false, errObj["retryable"])
}

func TestConvert_UnsupportedFormat(t *testing.T) {
	env := newTestEnv(t, queue.Config{})

	rec, body := doJSON(t, env.router, http.MethodPost, "/convert",
		`{"url":"https://youtu.be/dQw4w9WgXcQ","format":"wav","quality":"128"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "UNSUPPORTED_FORMAT", errObj["type"])
}

func TestConvert_CapacityExceeded(t *testing.T) {
	env := newTestEnv(t, queue.Config{HardCap: 2})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, env.store.Create(ctx, domain.Job{
			ID: fmt.Sprintf("job-%d", i), Status: domain.JobQueued, Seq: int64(i + 1),
		}))
	}

	rec, body := doJSON(t, env.router, http.MethodPost, "/convert",
		`{"url":"https://youtu.be/dQw4w9WgXcQ","format":"mp3","quality":"128"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "CAPACITY_EXCEEDED", errObj["type"])
	assert.Equal(t, true, errObj["retryable"])

	n, err := env.store.CountByStatus(ctx, domain.JobQueued)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "rejected submission must not create a row")
}

func TestStatus_QueuedCarriesPosition(t *testing.T) {
	env := newTestEnv(t, queue.Config{})
	ctx := context.Background()
	require.NoError(t, env.store.Create(ctx, domain.Job{ID: "a", Status: domain.JobQueued, Seq: 1}))
	require.NoError(t, env.store.Create(ctx, domain.Job{ID: "b", Status: domain.JobQueued, Seq: 2}))

	rec, body := doJSON(t, env.router, http.MethodGet, "/status/b", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", body["status"])
	assert.EqualValues(t, 1, body["queuePosition"])
}

func TestStatus_CompletedCarriesDownload(t *testing.T) {
	env := newTestEnv(t, queue.Config{})
	require.NoError(t, env.store.Create(context.Background(), domain.Job{
		ID: "done", Status: domain.JobCompleted, Seq: 1, Progress: 100,
		Format: domain.FormatMP3, StorageKey: "conversions/done.mp3",
		DownloadURL:          "http://blob/conversions/done.mp3",
		DownloadURLExpiresAt: time.Now().Add(23 * time.Hour),
		Metadata:             &domain.MediaMetadata{Title: "My Clip", Duration: 95},
	}))

	rec, body := doJSON(t, env.router, http.MethodGet, "/status/done", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "http://blob/conversions/done.mp3", body["downloadUrl"])
	assert.Equal(t, "My Clip.mp3", body["filename"])
	meta := body["metadata"].(map[string]any)
	assert.Equal(t, "My Clip", meta["title"])
}

func TestStatus_FailedCarriesError(t *testing.T) {
	env := newTestEnv(t, queue.Config{})
	require.NoError(t, env.store.Create(context.Background(), domain.Job{
		ID: "bad", Status: domain.JobFailed, Seq: 1,
		Error: domain.NewError(domain.KindPlatformBotBlocked),
	}))

	rec, body := doJSON(t, env.router, http.MethodGet, "/status/bad", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "PLATFORM_BOT_BLOCKED", errObj["type"])
	assert.Equal(t, true, errObj["retryable"])
	assert.NotEmpty(t, errObj["suggestion"])
}

func TestStatus_NotFound(t *testing.T) {
	env := newTestEnv(t, queue.Config{})

	rec, body := doJSON(t, env.router, http.MethodGet, "/status/missing", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "NOT_FOUND", errObj["type"])
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, queue.Config{})
	require.NoError(t, env.store.Create(context.Background(), domain.Job{
		ID: "job-1", Status: domain.JobQueued, Seq: 1,
	}))

	rec, body := doJSON(t, env.router, http.MethodPost, "/status/job-1/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, body["success"])

	j, err := env.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Equal(t, domain.KindCancelled, j.Error.Kind)
}

func TestValidate(t *testing.T) {
	env := newTestEnv(t, queue.Config{})

	rec, body := doJSON(t, env.router, http.MethodPost, "/validate",
		`{"url":"https://youtu.be/dQw4w9WgXcQ?si=tracker"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["isValid"])
	assert.Equal(t, "youtube", body["platform"])
	assert.Equal(t, "dQw4w9WgXcQ", body["videoId"])
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", body["normalizedUrl"])

	_, bad := doJSON(t, env.router, http.MethodPost, "/validate", `{"url":":::"}`)
	assert.Equal(t, false, bad["isValid"])
}

func TestPlatforms(t *testing.T) {
	env := newTestEnv(t, queue.Config{})

	rec, body := doJSON(t, env.router, http.MethodGet, "/platforms", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	platforms := body["platforms"].([]any)
	require.NotEmpty(t, platforms)
	first := platforms[0].(map[string]any)
	assert.NotEmpty(t, first["name"])
	assert.NotEmpty(t, first["qualities"])
}

func TestProgressCallback_DeliversToWorker(t *testing.T) {
	env := newTestEnv(t, queue.Config{})
	ch := env.bus.Register("job-1")

	rec, _ := doJSON(t, env.router, http.MethodPost, "/internal/progress",
		`{"job_id":"job-1","progress":55,"step":"converting"}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case snap := <-ch:
		assert.Equal(t, 55, snap.Progress)
		assert.Equal(t, "converting", snap.Step)
	default:
		t.Fatal("snapshot not delivered")
	}
}

func TestProgressCallback_NoWorkerStillAccepted(t *testing.T) {
	env := newTestEnv(t, queue.Config{})

	rec, _ := doJSON(t, env.router, http.MethodPost, "/internal/progress",
		`{"job_id":"ghost","progress":10,"step":"downloading"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestProgressCallback_RejectsMalformed(t *testing.T) {
	env := newTestEnv(t, queue.Config{})

	rec, _ := doJSON(t, env.router, http.MethodPost, "/internal/progress",
		`{"progress":500}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, queue.Config{})

	rec, body := doJSON(t, env.router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestReadyz(t *testing.T) {
	ok := func(domain.Context) error { return nil }
	bad := func(domain.Context) error { return fmt.Errorf("dial refused") }

	h := httpserver.ReadyzHandler(map[string]func(domain.Context) error{"db": ok, "redis": ok})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h = httpserver.ReadyzHandler(map[string]func(domain.Context) error{"db": bad})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
