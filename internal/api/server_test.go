package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/admission"
	"github.com/JakeFAU/prerender/internal/auth"
	"github.com/JakeFAU/prerender/internal/cache"
	"github.com/JakeFAU/prerender/internal/id/uuid"
	queuememory "github.com/JakeFAU/prerender/internal/queue/memory"
	"github.com/JakeFAU/prerender/internal/ratelimit"
	"github.com/JakeFAU/prerender/internal/render"
	"github.com/JakeFAU/prerender/internal/ssrf"
	"github.com/JakeFAU/prerender/internal/storage/memory"
)

const (
	proKey  = "pk_test_pro"
	tinyKey = "pk_test_tiny"
)

func TestRenderRequiresAuth(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)
	rec := env.do(t, http.MethodPost, "/render", `{"url":"https://example.com"}`, "")

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "unauthorized", body.Error)
	require.NotEmpty(t, body.Hint)
}

func TestRenderQueuesJob(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)
	rec := env.do(t, http.MethodPost, "/render", `{"url":"https://example.com/a","timeoutMs":5000}`, proKey)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	require.Equal(t, "10000", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "9999", rec.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body jobAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, render.JobStatusQueued, body.Status)
	require.NotEmpty(t, body.JobID)
	require.Equal(t, "/status/"+body.JobID, body.StatusURL)
	require.Equal(t, 30, body.EstimatedTime)

	delivery, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5000, delivery.Task.Options.TimeoutMs)

	again := env.do(t, http.MethodPost, "/render", `{"url":"https://example.com/a/"}`, proKey)
	require.Equal(t, http.StatusAccepted, again.Code)
	var second jobAccepted
	require.NoError(t, json.Unmarshal(again.Body.Bytes(), &second))
	require.Equal(t, body.JobID, second.JobID)
}

func TestRenderRejectsBadBodies(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)
	for name, body := range map[string]string{
		"not json":      `{invalid`,
		"missing url":   `{}`,
		"timeout low":   `{"url":"https://example.com","timeoutMs":999}`,
		"timeout high":  `{"url":"https://example.com","timeoutMs":60001}`,
		"relative url":  `{"url":"/just/a/path"}`,
		"unparseable":   `{"url":"http://%zz"}`,
		"wrong scheme":  `{"url":"ftp://example.com/file"}`,
		"metadata host": `{"url":"http://metadata.google.internal/"}`,
	} {
		rec := env.do(t, http.MethodPost, "/render", body, proKey)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestRenderBlockedURLDetails(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)
	rec := env.do(t, http.MethodPost, "/render", `{"url":"http://169.254.169.254/latest/meta-data/"}`, proKey)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "blocked_url", body.Error)
	require.Equal(t, "private-ip", body.Details["reason"])
	require.Equal(t, "http://169.254.169.254/latest/meta-data/", body.Details["url"])
	require.Zero(t, env.queue.Len())
}

func TestRenderRateLimited(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)
	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/render", `{"url":"https://example.com/r"}`, tinyKey)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/render", `{"url":"https://example.com/r"}`, tinyKey)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body rateLimitBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "rate_limit_exceeded", body.Error)
	require.Equal(t, 2, body.Limit)
	require.Equal(t, 2, body.Used)
	require.Zero(t, body.Remaining)
}

func TestRenderServesCacheHit(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)
	_, err := env.cache.Store(context.Background(), "https://example.com/cached?a=1&b=2", []byte("<html>snapshot</html>"))
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/render", `{"url":"https://EXAMPLE.com/cached?b=2&a=1"}`, proKey)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	require.Equal(t, "hot", rec.Header().Get("X-Cache-Location"))
	require.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, "<html>snapshot</html>", rec.Body.String())
	require.Zero(t, env.queue.Len())
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)
	rec := env.do(t, http.MethodPost, "/render", `{"url":"https://example.com/s"}`, proKey)
	var accepted jobAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	rec = env.do(t, http.MethodGet, accepted.StatusURL, "", proKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var job map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, "queued", job["status"])
	require.Equal(t, accepted.JobID, job["jobId"])
	require.NotContains(t, job, "storageKey")

	size, duration := int64(10), int64(1500)
	_, err := env.jobs.Transition(context.Background(), accepted.JobID, render.JobStatusProcessing, render.JobUpdate{})
	require.NoError(t, err)
	_, err = env.jobs.Transition(context.Background(), accepted.JobID, render.JobStatusCompleted, render.JobUpdate{
		StorageKey:       "snapshots/abc.html",
		HTMLSizeBytes:    &size,
		RenderDurationMs: &duration,
	})
	require.NoError(t, err)

	rec = env.do(t, http.MethodGet, accepted.StatusURL, "", proKey)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, "completed", job["status"])
	require.Equal(t, "snapshots/abc.html", job["storageKey"])
	require.EqualValues(t, 1500, job["renderDurationMs"])

	rec = env.do(t, http.MethodGet, "/status/does-not-exist", "", proKey)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUsageDoesNotConsume(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)
	env.do(t, http.MethodPost, "/render", `{"url":"https://example.com/u"}`, tinyKey)
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodGet, "/usage", "", tinyKey)
		require.Equal(t, http.StatusOK, rec.Code)
		var body usageResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, 2, body.Limit)
		require.Equal(t, 1, body.Used)
		require.Equal(t, 1, body.Remaining)
	}
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, map[string]Pinger{"redis": pingFunc(func(context.Context) error { return nil })})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "", "").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", "", "").Code)

	rec := env.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "prerender_")

	down := newTestServer(t, map[string]Pinger{
		"redis":    pingFunc(func(context.Context) error { return nil }),
		"postgres": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	rec = down.do(t, http.MethodGet, "/readyz", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type testServer struct {
	server *Server
	queue  *queuememory.Queue
	jobs   *memory.JobStore
	cache  *cache.Manager
}

func newTestServer(t *testing.T, readiness map[string]Pinger) *testServer {
	t.Helper()

	mgr, err := cache.NewManager(memory.NewHotStore(32), memory.NewBlobStore(), cache.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	policy := ratelimit.DefaultPolicy()
	policy.Tiers["tiny"] = 2
	clock := &fixedClock{now: time.Now().UTC()}
	env := &testServer{
		queue: queuememory.NewQueue(16),
		jobs:  memory.NewJobStore(),
		cache: mgr,
	}
	controller, err := admission.New(admission.Deps{
		Validator: ssrf.New(ssrf.Config{}),
		Limiter:   ratelimit.New(memory.NewWindowStore(), clock),
		Policy:    policy,
		Cache:     mgr,
		Jobs:      env.jobs,
		Queue:     env.queue,
		IDs:       uuid.New(),
		Clock:     clock,
	}, admission.Config{}, zap.NewNop())
	require.NoError(t, err)

	chain := auth.NewChain(auth.NewAPIKeyAuthenticator(memory.NewAPIKeyStore([]memory.StaticKey{
		{Key: proKey, PrincipalID: "acct-pro", Tier: "pro"},
		{Key: tinyKey, PrincipalID: "acct-tiny", Tier: "tiny"},
	})))
	env.server = NewServer(controller, chain, readiness, Config{}, zap.NewNop())
	return env
}

func (e *testServer) do(t *testing.T, method, path, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
