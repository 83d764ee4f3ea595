package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"harvestd/internal/adapters/sqlite"
	"harvestd/internal/domain"
	"harvestd/internal/ports"
	"harvestd/internal/services/scanner"
	"harvestd/internal/workers/scanrunner"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubScanner struct {
	submitted []string
	filter    ports.ListFilter
	scans     map[string]domain.Scan
	err       error
}

func (s *stubScanner) Submit(ctx context.Context, target string) (domain.Scan, error) {
	if s.err != nil {
		return domain.Scan{}, s.err
	}
	s.submitted = append(s.submitted, target)
	return domain.NewScan("id-1", target, time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)), nil
}

func (s *stubScanner) Get(ctx context.Context, id string) (domain.Scan, error) {
	if s.err != nil {
		return domain.Scan{}, s.err
	}
	scan, ok := s.scans[id]
	if !ok {
		return domain.Scan{}, domain.ErrNotFound
	}
	return scan, nil
}

func (s *stubScanner) List(ctx context.Context, filter ports.ListFilter) ([]domain.Scan, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.filter = filter
	out := []domain.Scan{}
	for _, scan := range s.scans {
		out = append(out, scan)
	}
	return out, nil
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPostScan(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		want     int
		wantSubs []string
	}{
		{name: "valid", body: `{"domain":"example.com"}`, want: http.StatusOK, wantSubs: []string{"example.com"}},
		{name: "empty domain accepted", body: `{"domain":""}`, want: http.StatusOK, wantSubs: []string{""}},
		{name: "missing domain", body: `{}`, want: http.StatusBadRequest},
		{name: "null domain", body: `{"domain":null}`, want: http.StatusBadRequest},
		{name: "wrong type", body: `{"domain":42}`, want: http.StatusBadRequest},
		{name: "malformed json", body: `{"domain":`, want: http.StatusBadRequest},
		{name: "no body", body: "", want: http.StatusBadRequest},
		{name: "not an object", body: `["example.com"]`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubScanner{}
			rec := do(t, New(stub, Options{}, discardLogger()).Routes(), http.MethodPost, "/scans", tt.body)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			require.Equal(t, tt.wantSubs, stub.submitted)
		})
	}
}

func TestPostScan_ResponseShape(t *testing.T) {
	rec := do(t, New(&stubScanner{}, Options{}, discardLogger()).Routes(), http.MethodPost, "/scans", `{"domain":"example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"id":"id-1","domain":"example.com","status":"RUNNING","startTime":"2026-04-01T08:00:00Z"}`, rec.Body.String())
}

func TestGetScan(t *testing.T) {
	end := time.Date(2026, 4, 1, 8, 5, 0, 0, time.UTC)
	stub := &stubScanner{scans: map[string]domain.Scan{
		"known": {ID: "known", Domain: "example.com", Status: domain.StatusFailed, StartTime: end.Add(-5 * time.Minute), EndTime: &end},
	}}
	h := New(stub, Options{}, discardLogger()).Routes()

	rec := do(t, h, http.MethodGet, "/scans/known", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"id":"known","domain":"example.com","status":"FAILED","startTime":"2026-04-01T08:00:00Z","endTime":"2026-04-01T08:05:00Z"}`, rec.Body.String())

	again := do(t, h, http.MethodGet, "/scans/known", "")
	require.Equal(t, rec.Body.Bytes(), again.Body.Bytes())

	rec = do(t, h, http.MethodGet, "/scans/unknown-id", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"error":"scan not found"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/scans/", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListScans(t *testing.T) {
	stub := &stubScanner{scans: map[string]domain.Scan{}}
	h := New(stub, Options{}, discardLogger()).Routes()

	rec := do(t, h, http.MethodGet, "/scans", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
	require.Equal(t, ports.ListFilter{}, stub.filter)

	rec = do(t, h, http.MethodGet, "/scans?status=COMPLETED&domain=example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, ports.ListFilter{Status: domain.StatusCompleted, Domain: "example.com"}, stub.filter)

	rec = do(t, h, http.MethodGet, "/scans?status=done", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	stub := &stubScanner{err: errors.New("disk I/O error at /var/lib/harvestd/scans.db")}
	h := New(stub, Options{}, discardLogger()).Routes()

	for _, rec := range []*httptest.ResponseRecorder{
		do(t, h, http.MethodPost, "/scans", `{"domain":"example.com"}`),
		do(t, h, http.MethodGet, "/scans/x", ""),
		do(t, h, http.MethodGet, "/scans", ""),
	} {
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	rec := do(t, New(&stubScanner{}, Options{}, discardLogger()).Routes(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

type fileWritingExecutor struct {
	content string
	release chan struct{}
}

func (e *fileWritingExecutor) Run(ctx context.Context, job ports.Job) int {
	if _, err := job.PrepareMounts(); err != nil {
		return ports.ExitOrchestrationFailure
	}
	<-e.release
	for host := range job.Mounts {
		if err := os.WriteFile(filepath.Join(host, job.Name+".json"), []byte(e.content), 0o600); err != nil {
			return ports.ExitOrchestrationFailure
		}
	}
	return 0
}

func waitIdle(t *testing.T, r *scanrunner.Runner) {
	t.Helper()
	require.Eventually(t, func() bool {
		pending, running := r.Stats()
		return pending == 0 && running == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestScanLifecycleOverHTTP(t *testing.T) {
	logger := discardLogger()
	db, err := sqlite.Open(t.Context(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	runner := scanrunner.New(2, logger)
	t.Cleanup(func() { _ = runner.Shutdown(context.Background()) })

	exec := &fileWritingExecutor{content: `{"hosts": ["a.example.com"], "emails": []}`, release: make(chan struct{})}
	svc := scanner.New(db, exec, runner, scanner.Options{
		Image:      "secsi/theharvester",
		Providers:  "bing,duckduckgo",
		ResultsDir: t.TempDir(),
	}, logger)
	srv := httptest.NewServer(New(svc, Options{}, logger).Routes())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/scans", "application/json", strings.NewReader(`{"domain":"example.com"}`))
	require.NoError(t, err)
	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "RUNNING", created["status"])
	require.NotEmpty(t, created["startTime"])
	require.NotContains(t, created, "endTime")
	require.NotContains(t, created, "results")
	id := created["id"].(string)

	getRaw := func() []byte {
		resp, err := http.Get(srv.URL + "/scans/" + id)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return raw
	}
	decode := func(raw []byte) map[string]any {
		var out map[string]any
		require.NoError(t, json.Unmarshal(raw, &out))
		return out
	}

	running := getRaw()
	require.Equal(t, running, getRaw(), "unchanged scan must read back identically")
	require.Equal(t, "RUNNING", decode(running)["status"])
	require.Equal(t, created["startTime"], decode(running)["startTime"])

	close(exec.release)
	waitIdle(t, runner)

	completed := getRaw()
	require.Equal(t, completed, getRaw(), "unchanged scan must read back identically")
	done := decode(completed)
	require.Equal(t, "COMPLETED", done["status"])
	require.NotEmpty(t, done["endTime"])
	require.Equal(t, map[string]any{
		"hosts":           []any{"a.example.com"},
		"ips":             []any{},
		"emails":          []any{},
		"shodan":          []any{},
		"dns":             []any{},
		"urls":            []any{},
		"vulnerabilities": []any{},
	}, done["results"])
}

func TestCORS(t *testing.T) {
	h := New(&stubScanner{scans: map[string]domain.Scan{}}, Options{AllowedOrigins: []string{"http://localhost:3000"}}, discardLogger()).Routes()

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/scans", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Content-Type")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("http://localhost:3000")
	require.GreaterOrEqual(t, rec.Code, 200)
	require.Less(t, rec.Code, 300)
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)

	rec = preflight("https://evil.example")
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest(http.MethodGet, "/scans", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	simple := httptest.NewRecorder()
	h.ServeHTTP(simple, req)
	require.Equal(t, http.StatusOK, simple.Code)
	require.Equal(t, "http://localhost:3000", simple.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_DisabledWithoutOrigins(t *testing.T) {
	h := New(&stubScanner{scans: map[string]domain.Scan{}}, Options{}, discardLogger()).Routes()
	req := httptest.NewRequest(http.MethodGet, "/scans", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
