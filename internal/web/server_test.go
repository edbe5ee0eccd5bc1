package web

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvmerge/internal/config"
	"github.com/JonMunkholm/csvmerge/internal/ingest"
	"github.com/JonMunkholm/csvmerge/internal/logging"
	"github.com/JonMunkholm/csvmerge/internal/report"
)

// fakeRunner records commits and blocks each run until release is closed.
type fakeRunner struct {
	mu      sync.Mutex
	commits []string
	runIDs  []string
	release chan struct{}
	report  func(commit string) (*ingest.Report, error)
}

func newFakeRunner() *fakeRunner {
	r := &fakeRunner{release: make(chan struct{})}
	close(r.release)
	return r
}

func (f *fakeRunner) Run(ctx context.Context, commit string) (*ingest.Report, error) {
	id, _ := logging.RunIDFromContext(ctx)
	f.mu.Lock()
	f.commits = append(f.commits, commit)
	f.runIDs = append(f.runIDs, id)
	f.mu.Unlock()

	select {
	case <-f.release:
	case <-ctx.Done():
		return &ingest.Report{RunID: id, Commit: commit}, ctx.Err()
	}
	if f.report != nil {
		return f.report(commit)
	}
	return &ingest.Report{RunID: id, Commit: commit}, nil
}

func (f *fakeRunner) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commits...)
}

func testConfig() *config.Config {
	return &config.Config{
		Source: config.SourceConfig{Repo: "acme/data"},
		Server: config.ServerConfig{RequestTimeout: 5 * time.Second, RunHistory: 10},
		Rate:   config.RateLimitConfig{Enabled: false},
		GitHub: config.GitHubConfig{WebhookSecret: "s3cret"},
	}
}

func newTestServer(t *testing.T, runner Runner, cfg *config.Config, maxRuns int) (*Server, *Runs) {
	t.Helper()
	runs := NewRuns(runner, ingest.NewRunLimiter(maxRuns, 20*time.Millisecond), time.Minute, cfg.Server.RunHistory)
	s := NewServer(runs, cfg)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, runs
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookRequest(event string, body []byte, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "d-1")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	return req
}

func waitForState(t *testing.T, runs *Runs, id string, want RunState) Run {
	t.Helper()
	var run Run
	require.Eventually(t, func() bool {
		var ok bool
		run, ok = runs.Get(id)
		return ok && run.State == want
	}, 2*time.Second, 5*time.Millisecond)
	return run
}

func TestWebhook_PushStartsRun(t *testing.T) {
	runner := newFakeRunner()
	s, runs := newTestServer(t, runner, testConfig(), 2)

	body := []byte(`{"ref":"refs/heads/main","after":"abc123","repository":{"full_name":"ACME/data"}}`)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, webhookRequest("push", body, sign("s3cret", body)))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var run Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "abc123", run.Commit)
	assert.Equal(t, "webhook", run.Trigger)
	assert.Equal(t, "/api/runs/"+run.ID, rec.Header().Get("Location"))

	done := waitForState(t, runs, run.ID, RunSucceeded)
	require.NotNil(t, done.Summary)
	assert.Equal(t, report.StatusSuccess, done.Summary.Status)
	assert.NotNil(t, done.FinishedAt)
	assert.Equal(t, []string{"abc123"}, runner.seen())

	runner.mu.Lock()
	assert.Equal(t, run.ID, runner.runIDs[0], "run id flows to the runner through the context")
	runner.mu.Unlock()
}

func TestWebhook_Rejections(t *testing.T) {
	push := []byte(`{"ref":"refs/heads/main","after":"abc123","repository":{"full_name":"acme/data"}}`)
	other := []byte(`{"ref":"refs/heads/main","after":"abc123","repository":{"full_name":"evil/data"}}`)
	deleted := []byte(`{"ref":"refs/heads/gone","after":"0000000000000000000000000000000000000000","deleted":true,"repository":{"full_name":"acme/data"}}`)

	tests := []struct {
		name   string
		event  string
		body   []byte
		sig    string
		status int
		code   string
	}{
		{"missing signature", "push", push, "", http.StatusUnauthorized, "HOOK002"},
		{"bad signature", "push", push, sign("wrong", push), http.StatusUnauthorized, "HOOK002"},
		{"malformed signature", "push", push, "sha256=zz", http.StatusUnauthorized, "HOOK002"},
		{"ping", "ping", []byte(`{}`), sign("s3cret", []byte(`{}`)), http.StatusOK, ""},
		{"other event", "issues", []byte(`{}`), sign("s3cret", []byte(`{}`)), http.StatusAccepted, ""},
		{"wrong repository", "push", other, sign("s3cret", other), http.StatusUnprocessableEntity, "HOOK004"},
		{"branch deleted", "push", deleted, sign("s3cret", deleted), http.StatusAccepted, ""},
		{"invalid json", "push", []byte(`{`), sign("s3cret", []byte(`{`)), http.StatusBadRequest, "HOOK003"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			s, _ := newTestServer(t, runner, testConfig(), 2)

			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, webhookRequest(tt.event, tt.body, tt.sig))

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.code != "" {
				var resp ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, tt.code, resp.Code)
			}
			assert.Empty(t, runner.seen(), "no run may start")
		})
	}
}

func TestWebhook_UnsignedWhenNoSecret(t *testing.T) {
	cfg := testConfig()
	cfg.GitHub.WebhookSecret = ""
	runner := newFakeRunner()
	s, _ := newTestServer(t, runner, cfg, 2)

	body := []byte(`{"after":"def456","repository":{"full_name":"acme/data"}}`)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, webhookRequest("push", body, ""))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Eventually(t, func() bool { return len(runner.seen()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCreateRun(t *testing.T) {
	t.Run("commit from body", func(t *testing.T) {
		s, runs := newTestServer(t, newFakeRunner(), testConfig(), 2)

		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString(`{"commit":"c1"}`)))
		require.Equal(t, http.StatusAccepted, rec.Code)

		var run Run
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
		assert.Equal(t, "api", run.Trigger)
		waitForState(t, runs, run.ID, RunSucceeded)
	})

	t.Run("commit from config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Source.Commit = "cfg-commit"
		runner := newFakeRunner()
		s, _ := newTestServer(t, runner, cfg, 2)

		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", nil))
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Eventually(t, func() bool { return len(runner.seen()) == 1 && runner.seen()[0] == "cfg-commit" },
			time.Second, 5*time.Millisecond)
	})

	t.Run("no commit", func(t *testing.T) {
		s, _ := newTestServer(t, newFakeRunner(), testConfig(), 2)

		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString(`{}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad json", func(t *testing.T) {
		s, _ := newTestServer(t, newFakeRunner(), testConfig(), 2)

		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString(`nope`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("api key required", func(t *testing.T) {
		cfg := testConfig()
		cfg.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"key"}}
		s, _ := newTestServer(t, newFakeRunner(), cfg, 2)

		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString(`{"commit":"c"}`)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		req := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString(`{"commit":"c"}`))
		req.Header.Set("X-API-Key", "key")
		rec = httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})
}

func TestCreateRun_TooManyRuns(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s, runs := newTestServer(t, runner, testConfig(), 1)

	first := httptest.NewRecorder()
	s.Router().ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString(`{"commit":"a"}`)))
	require.Equal(t, http.StatusAccepted, first.Code)

	second := httptest.NewRecorder()
	s.Router().ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString(`{"commit":"b"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, second.Code)
	assert.Equal(t, "30", second.Header().Get("Retry-After"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, "ERR004", resp.Code)

	close(runner.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, runs.WaitForDrain(ctx))
}

func TestGetAndListRuns(t *testing.T) {
	runner := newFakeRunner()
	runner.report = func(commit string) (*ingest.Report, error) {
		if commit == "bad" {
			return &ingest.Report{Commit: commit}, &ingest.SourceFetchError{Op: "list", Commit: commit, Err: errors.New("unknown revision")}
		}
		return &ingest.Report{Commit: commit, Failed: 1, Outcomes: []ingest.IngestionOutcome{{File: "a.csv", Status: ingest.StatusFailed}}}, nil
	}
	s, runs := newTestServer(t, runner, testConfig(), 2)

	failing, err := runs.Start(context.Background(), "partial", "api")
	require.NoError(t, err)
	aborted, err := runs.Start(context.Background(), "bad", "api")
	require.NoError(t, err)

	waitForState(t, runs, failing.ID, RunFailed)
	got := waitForState(t, runs, aborted.ID, RunAborted)
	require.NotNil(t, got.Summary.Error)
	assert.Equal(t, "SRC002", got.Summary.Error.Code)
	assert.Equal(t, aborted.ID, got.Summary.RunID)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/"+failing.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var run Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, RunFailed, run.State)
	assert.Equal(t, 1, run.Summary.Failed)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct{ Runs []Run }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 2)
	assert.Equal(t, aborted.ID, list.Runs[0].ID, "newest first")
}

func TestRuns_HistoryBound(t *testing.T) {
	runs := NewRuns(newFakeRunner(), ingest.NewRunLimiter(1, time.Second), time.Minute, 2)

	var ids []string
	for _, c := range []string{"a", "b", "c"} {
		run, err := runs.Start(context.Background(), c, "api")
		require.NoError(t, err)
		waitForState(t, runs, run.ID, RunSucceeded)
		ids = append(ids, run.ID)
	}

	_, ok := runs.Get(ids[0])
	assert.False(t, ok, "oldest run evicted")
	assert.Len(t, runs.List(), 2)
}

func TestRuns_TimeoutAborts(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	runs := NewRuns(runner, ingest.NewRunLimiter(1, time.Second), 20*time.Millisecond, 10)

	run, err := runs.Start(context.Background(), "slow", "api")
	require.NoError(t, err)
	got := waitForState(t, runs, run.ID, RunAborted)
	assert.Equal(t, "ERR001", got.Summary.Error.Code)
}

func TestRuns_OutlivesRequestContext(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	runs := NewRuns(runner, ingest.NewRunLimiter(1, time.Second), time.Minute, 10)

	ctx, cancel := context.WithCancel(context.Background())
	run, err := runs.Start(ctx, "c", "api")
	require.NoError(t, err)
	cancel()

	close(runner.release)
	waitForState(t, runs, run.ID, RunSucceeded)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, newFakeRunner(), testConfig(), 3)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Runs.MaxConcurrent)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Rate = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2}
	s, _ := newTestServer(t, newFakeRunner(), cfg, 1)

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "203.0.113.8:5000"
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidSignature(t *testing.T) {
	body := []byte("payload")
	assert.True(t, validSignature("k", body, sign("k", body)))
	assert.False(t, validSignature("k", body, sign("other", body)))
	assert.False(t, validSignature("k", body, "sha1=abc"))
	assert.False(t, validSignature("k", body, ""))
}
