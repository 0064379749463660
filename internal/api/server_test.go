package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/mediaflow/internal/bus"
	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/engine"
	"github.com/dunamismax/mediaflow/internal/orchestrator"
	"github.com/dunamismax/mediaflow/internal/ratelimit"
	"github.com/dunamismax/mediaflow/internal/store"
)

type execFunc func(ctx context.Context, req engine.Request, emit func(domain.Event))

func (f execFunc) Execute(ctx context.Context, req engine.Request, emit func(domain.Event)) {
	f(ctx, req, emit)
}

// blockingExecutor finishes each job with path when release is closed.
func blockingExecutor(release <-chan struct{}, path func(jobID string) string) execFunc {
	return func(ctx context.Context, req engine.Request, emit func(domain.Event)) {
		emit(domain.ProgressEvent(req.JobID, 10))
		select {
		case <-release:
			emit(domain.CompletedEvent(req.JobID, path(req.JobID)))
		case <-ctx.Done():
			emit(domain.FailedEvent(req.JobID, domain.ReasonCancelled))
		}
	}
}

func newTestServer(t *testing.T, exec orchestrator.Executor, opts Options) (*Server, *orchestrator.Orchestrator) {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	o := orchestrator.New(logger, store.NewMemoryJobStore(), bus.New(), exec, orchestrator.Options{})
	t.Cleanup(func() { _ = o.Close(context.Background()) })

	opts.Gatherers = append(opts.Gatherers, o.MetricsGatherer())
	return NewServer(logger, o, opts), o
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) jobResponse {
	t.Helper()

	var out jobResponse
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return out
}

func waitForJob(t *testing.T, o *orchestrator.Orchestrator, jobID string, want domain.JobStatus) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := o.Get(context.Background(), jobID)
		if err == nil && job.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %s", jobID, want)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, execFunc(func(context.Context, engine.Request, func(domain.Event)) {}), Options{})

	rec := doRequest(t, s.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSubmitGetAndList(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s, _ := newTestServer(t, blockingExecutor(release, func(id string) string { return "/tmp/" + id + ".mp3" }), Options{})
	h := s.Handler()

	rec := doRequest(t, h, http.MethodPost, "/v1/downloads", `{"url":"https://example.com/a","format":"mp3","quality":"best"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	created := decodeJob(t, rec)
	if created.ID == "" || created.Status != "queued" || created.Format != "MP3" || created.Quality != "Best" {
		t.Fatalf("unexpected created job %+v", created)
	}
	if loc := rec.Header().Get("Location"); loc != "/v1/downloads/"+created.ID {
		t.Fatalf("unexpected Location %q", loc)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/downloads/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decodeJob(t, rec); got.ID != created.ID {
		t.Fatalf("expected %s, got %+v", created.ID, got)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/downloads", "")
	var list struct {
		Jobs []jobResponse `json:"jobs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].ID != created.ID {
		t.Fatalf("unexpected list %+v", list.Jobs)
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	s, _ := newTestServer(t, execFunc(func(context.Context, engine.Request, func(domain.Event)) {}), Options{})
	h := s.Handler()

	cases := []string{
		`{"url":"https://example.com/a","format":"AVI","quality":"720p"}`,
		`{"url":"ftp://example.com/a","format":"MP4","quality":"720p"}`,
		`{"url":"https://example.com/a","format":"MP4","quality":"8k"}`,
		`{"url":"https://example.com/a","format":"MP4","quality":"720p","extra":1}`,
		`not json`,
	}
	for _, body := range cases {
		if rec := doRequest(t, h, http.MethodPost, "/v1/downloads", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rec.Code)
		}
	}

	rec := doRequest(t, h, http.MethodGet, "/v1/downloads", "")
	if !strings.Contains(rec.Body.String(), `"jobs":[]`) {
		t.Fatalf("expected no jobs, got %s", rec.Body.String())
	}
}

func TestGetAndCancelMissingJob(t *testing.T) {
	s, _ := newTestServer(t, execFunc(func(context.Context, engine.Request, func(domain.Event)) {}), Options{})
	h := s.Handler()

	if rec := doRequest(t, h, http.MethodGet, "/v1/downloads/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPost, "/v1/downloads/missing/cancel", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCancelRunningThenFinishedJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s, o := newTestServer(t, blockingExecutor(release, func(id string) string { return "/tmp/" + id }), Options{})
	h := s.Handler()

	rec := doRequest(t, h, http.MethodPost, "/v1/downloads", `{"url":"https://example.com/a","format":"MP4","quality":"720p"}`)
	job := decodeJob(t, rec)
	waitForJob(t, o, job.ID, domain.JobStatusRunning)

	rec = doRequest(t, h, http.MethodPost, "/v1/downloads/"+job.ID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	waitForJob(t, o, job.ID, domain.JobStatusFailed)

	rec = doRequest(t, h, http.MethodPost, "/v1/downloads/"+job.ID+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestFileServesLocalResult(t *testing.T) {
	dir := t.TempDir()
	release := make(chan struct{})
	exec := blockingExecutor(release, func(id string) string {
		p := filepath.Join(dir, id+".mp3")
		_ = os.WriteFile(p, []byte("ID3 audio"), 0o644)
		return p
	})
	s, o := newTestServer(t, exec, Options{})
	h := s.Handler()

	job := decodeJob(t, doRequest(t, h, http.MethodPost, "/v1/downloads", `{"url":"https://example.com/a","format":"MP3","quality":"best"}`))
	waitForJob(t, o, job.ID, domain.JobStatusRunning)

	if rec := doRequest(t, h, http.MethodGet, "/v1/downloads/"+job.ID+"/file", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before completion, got %d", rec.Code)
	}

	close(release)
	waitForJob(t, o, job.ID, domain.JobStatusCompleted)

	rec := doRequest(t, h, http.MethodGet, "/v1/downloads/"+job.ID+"/file", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ID3 audio" {
		t.Fatalf("expected file body, got %d %q", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, job.ID+".mp3") {
		t.Fatalf("unexpected Content-Disposition %q", cd)
	}

	_ = os.Remove(filepath.Join(dir, job.ID+".mp3"))
	if rec := doRequest(t, h, http.MethodGet, "/v1/downloads/"+job.ID+"/file", ""); rec.Code != http.StatusGone {
		t.Fatalf("expected 410 for removed file, got %d", rec.Code)
	}
}

type stubLinker struct {
	missing bool
}

func (l stubLinker) ResultExists(context.Context, string) (bool, error) {
	return !l.missing, nil
}

func (stubLinker) PresignedGetURL(_ context.Context, objectPath string, _ time.Duration) (string, error) {
	return "https://minio.local/" + strings.TrimPrefix(objectPath, "s3://") + "?sig=1", nil
}

func TestFileRedirectsToObjectStorage(t *testing.T) {
	release := make(chan struct{})
	close(release)
	exec := blockingExecutor(release, func(id string) string { return "s3://media/downloads/" + id + "/" + id + ".mp4" })

	s, o := newTestServer(t, exec, Options{Storage: stubLinker{}})
	h := s.Handler()

	job := decodeJob(t, doRequest(t, h, http.MethodPost, "/v1/downloads", `{"url":"https://example.com/a","format":"MP4","quality":"1080p"}`))
	waitForJob(t, o, job.ID, domain.JobStatusCompleted)

	rec := doRequest(t, h, http.MethodGet, "/v1/downloads/"+job.ID+"/file", "")
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "https://minio.local/media/downloads/"+job.ID) {
		t.Fatalf("unexpected Location %q", loc)
	}
}

func TestFileGoneFromObjectStorage(t *testing.T) {
	release := make(chan struct{})
	close(release)
	exec := blockingExecutor(release, func(id string) string { return "s3://media/downloads/" + id + "/" + id + ".mp4" })

	s, o := newTestServer(t, exec, Options{Storage: stubLinker{missing: true}})
	h := s.Handler()

	job := decodeJob(t, doRequest(t, h, http.MethodPost, "/v1/downloads", `{"url":"https://example.com/a","format":"MP4","quality":"1080p"}`))
	waitForJob(t, o, job.ID, domain.JobStatusCompleted)

	if rec := doRequest(t, h, http.MethodGet, "/v1/downloads/"+job.ID+"/file", ""); rec.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", rec.Code)
	}
}

func TestEventsStreamsUntilTerminal(t *testing.T) {
	release := make(chan struct{})
	s, o := newTestServer(t, blockingExecutor(release, func(id string) string { return "/tmp/" + id + ".mkv" }), Options{})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	job := decodeJob(t, doRequest(t, s.Handler(), http.MethodPost, "/v1/downloads", `{"url":"https://example.com/a","format":"MKV","quality":"best"}`))
	waitForJob(t, o, job.ID, domain.JobStatusRunning)

	resp, err := http.Get(srv.URL + "/v1/downloads/" + job.ID + "/events")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	close(release)

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if kind, ok := strings.CutPrefix(line, "event: "); ok {
			kinds = append(kinds, kind)
		}
	}
	if len(kinds) == 0 || kinds[len(kinds)-1] != "completed" {
		t.Fatalf("expected stream to end with completed, got %v", kinds)
	}
	for _, kind := range kinds[:len(kinds)-1] {
		if kind != "progress" {
			t.Fatalf("unexpected event before terminal: %v", kinds)
		}
	}

	rec := doRequest(t, s.Handler(), http.MethodGet, "/v1/downloads/missing/events", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

type stubLimiter struct {
	decision ratelimit.Decision
	err      error
	subjects []string
	costs    []int
}

func (l *stubLimiter) Take(_ context.Context, subject string, cost int) (ratelimit.Decision, error) {
	l.subjects = append(l.subjects, subject)
	l.costs = append(l.costs, cost)
	return l.decision, l.err
}

func TestRateLimitRejectsMutations(t *testing.T) {
	limiter := &stubLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 2400 * time.Millisecond}}
	s, _ := newTestServer(t, execFunc(func(context.Context, engine.Request, func(domain.Event)) {}), Options{RateLimiter: limiter})
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader(`{"url":"https://example.com/a","format":"MP4","quality":"720p"}`))
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
	if len(limiter.subjects) != 1 || limiter.subjects[0] != "user-1" || limiter.costs[0] != defaultSubmitCost {
		t.Fatalf("unexpected charges subjects=%v costs=%v", limiter.subjects, limiter.costs)
	}

	if rec := doRequest(t, h, http.MethodGet, "/v1/downloads", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected reads to bypass the limiter, got %d", rec.Code)
	}
}

func TestRateLimitChargesSubmitAboveCancel(t *testing.T) {
	limiter := &stubLimiter{decision: ratelimit.Decision{Allowed: true, Remaining: 20}}
	s, _ := newTestServer(t, execFunc(func(context.Context, engine.Request, func(domain.Event)) {}), Options{RateLimiter: limiter, SubmitCost: 4})
	h := s.Handler()

	rec := doRequest(t, h, http.MethodPost, "/v1/downloads", `{"url":"https://example.com/a","format":"MP4","quality":"720p"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Cost"); got != "4" {
		t.Fatalf("expected submit cost 4, got %q", got)
	}
	job := decodeJob(t, rec)

	rec = doRequest(t, h, http.MethodPost, "/v1/downloads/"+job.ID+"/cancel", "")
	if got := rec.Header().Get("X-RateLimit-Cost"); got != "1" {
		t.Fatalf("expected cancel cost 1, got %q", got)
	}
	if len(limiter.costs) != 2 || limiter.costs[0] != 4 || limiter.costs[1] != 1 {
		t.Fatalf("unexpected costs %v", limiter.costs)
	}
	if limiter.subjects[0] != "anonymous" || limiter.subjects[1] != "anonymous" {
		t.Fatalf("expected one shared bucket per caller, got %v", limiter.subjects)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	limiter := &stubLimiter{err: errors.New("redis down")}
	s, _ := newTestServer(t, execFunc(func(context.Context, engine.Request, func(domain.Event)) {}), Options{RateLimiter: limiter})

	rec := doRequest(t, s.Handler(), http.MethodPost, "/v1/downloads", `{"url":"https://example.com/a","format":"MP4","quality":"720p"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 when limiter errors, got %d", rec.Code)
	}
}

func TestMetricsExposeAPIAndOrchestrator(t *testing.T) {
	s, _ := newTestServer(t, execFunc(func(context.Context, engine.Request, func(domain.Event)) {}), Options{})
	h := s.Handler()

	doRequest(t, h, http.MethodPost, "/v1/downloads", `{"url":"https://example.com/a","format":"WEBM","quality":"480p"}`)
	rec := doRequest(t, h, http.MethodGet, "/metrics", "")
	body := rec.Body.String()
	for _, name := range []string{"mediaflow_api_requests_total", "mediaflow_jobs_submitted_total", "mediaflow_api_downloads_accepted_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s in metrics output", name)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/downloads":            "/v1/downloads",
		"/v1/downloads/abc":        "/v1/downloads/{id}",
		"/v1/downloads/abc/events": "/v1/downloads/{id}/events",
		"/v1/downloads/abc/cancel": "/v1/downloads/{id}/cancel",
		"/v1/downloads/abc/file":   "/v1/downloads/{id}/file",
		"/v1/downloads/abc/x/y":    "/v1/downloads/other",
		"/healthz":                 "/healthz",
		"/metrics":                 "/metrics",
		"/favicon.ico":             "other",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("%s: expected %s, got %s", path, want, got)
		}
	}
}
