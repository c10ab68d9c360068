package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regintel/blacklist/internal/cache"
	"github.com/regintel/blacklist/internal/collector"
	"github.com/regintel/blacklist/internal/config"
	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/events"
	"github.com/regintel/blacklist/internal/lifecycle"
	"github.com/regintel/blacklist/internal/models"
	"github.com/regintel/blacklist/internal/query"
	"github.com/regintel/blacklist/internal/scheduler"
	"github.com/regintel/blacklist/internal/source"
	"github.com/regintel/blacklist/internal/store"
	"github.com/regintel/blacklist/internal/vault"
)

type testSession struct{}

func (testSession) Close() {}

// testSource stands in for the portal scraper so routing tests never
// leave the process.
type testSource struct {
	name    string
	authErr error
	rows    []models.RawRow
}

func (s *testSource) Name() string { return s.name }

func (s *testSource) Authenticate(ctx context.Context, cred models.CollectionCredential) (source.Session, error) {
	if s.authErr != nil {
		return nil, s.authErr
	}
	return testSession{}, nil
}

func (s *testSource) Fetch(ctx context.Context, sess source.Session, window source.DateWindow) ([]byte, error) {
	return []byte("artifact"), nil
}

func (s *testSource) Parse(ctx context.Context, artifact []byte) ([]models.RawRow, error) {
	if s.rows != nil {
		return s.rows, nil
	}
	return []models.RawRow{{IP: "203.0.113.10"}}, nil
}

type fixture struct {
	srv    *httptest.Server
	store  *store.Store
	cache  *cache.Cache
	vault  *vault.Vault
	tester *vault.Tester
	source *testSource
	cfg    *config.Config
}

// newFixture stands up the full router on real components. The
// scheduler is never started, so triggered jobs queue without running;
// tests that need a finished run go through ingest instead.
func newFixture(t *testing.T, opts ...func(*config.Config)) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	c := cache.New()
	t.Cleanup(c.Close)

	v, err := vault.New(bytes.Repeat([]byte{9}, 32), "test-salt")
	require.NoError(t, err)

	reg := source.NewRegistry()
	src := &testSource{name: models.SourceREGTECH}
	reg.Register(src)

	hub := events.NewHub(nil)
	col := collector.New(st, v, reg, c, hub, 30*time.Second)
	sched := scheduler.New(st, col, reg, hub, scheduler.Options{DisableAuto: true})
	tester := vault.NewTester(v, st, c)

	cfg := &config.Config{
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	router := NewRouter(Deps{
		Config:    cfg,
		Store:     st,
		Cache:     c,
		Query:     query.New(st, c),
		Scheduler: sched,
		Collector: col,
		Lifecycle: lifecycle.New(st, c, hub, 30),
		Vault:     v,
		Tester:    tester,
		Sources:   reg,
		Hub:       hub,
		Version:   "test",
	})
	srv := httptest.NewServer(router.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, store: st, cache: c, vault: v, tester: tester, source: src, cfg: cfg}
}

// do issues one request and drains the body.
func (f *fixture) do(t *testing.T, method, path string, body any, header map[string]string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	res, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	payload, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, payload
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return f.do(t, http.MethodGet, path, nil, nil)
}

func decodeMap(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(payload, &m))
	return m
}

func decodeProblem(t *testing.T, payload []byte) Problem {
	t.Helper()
	var p Problem
	require.NoError(t, json.Unmarshal(payload, &p))
	return p
}

func seedRecords(t *testing.T, st *store.Store, recs ...models.BlacklistRecord) {
	t.Helper()
	for i := range recs {
		if recs[i].Source == "" {
			recs[i].Source = models.SourceREGTECH
		}
		if recs[i].Confidence == 0 {
			recs[i].Confidence = 85
		}
	}
	res, err := st.UpsertBlacklist(context.Background(), recs)
	require.NoError(t, err)
	require.Equal(t, len(recs), res.Inserted)
}

func seedCredential(t *testing.T, f *fixture, enabled bool) {
	t.Helper()
	ciphertext, err := f.vault.Encrypt("portal-pw")
	require.NoError(t, err)
	require.NoError(t, f.store.StoreCredential(context.Background(), models.CollectionCredential{
		Service:   models.SourceREGTECH,
		Username:  "analyst",
		Password:  ciphertext,
		Encrypted: true,
		Enabled:   enabled,
	}))
	require.NoError(t, f.store.EnsureStatus(context.Background(), models.SourceREGTECH))
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	res, payload := f.get(t, "/health")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", res.Header.Get("X-Content-Type-Options"))

	body := decodeMap(t, payload)
	// Disk or memory pressure on the host may degrade the status, but a
	// working database can never be unhealthy.
	assert.NotEqual(t, "unhealthy", body["status"])
	assert.Equal(t, "test", body["version"])
	checks, ok := body["checks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "ok", checks["cache"])
	assert.Contains(t, body, "ws_clients")
}

func TestHealthUnhealthyWhenStoreClosed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())

	res, payload := f.get(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	body := decodeMap(t, payload)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestVersionEndpoint(t *testing.T) {
	f := newFixture(t)

	res, payload := f.get(t, "/api/version")
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := decodeMap(t, payload)
	assert.Equal(t, "test", body["version"])
	assert.Contains(t, body["runtime"], "go")
}

func TestRequestIDEchoed(t *testing.T) {
	f := newFixture(t)

	res, _ := f.do(t, http.MethodGet, "/api/version", nil, map[string]string{
		"X-Request-ID": "req-42",
	})
	assert.Equal(t, "req-42", res.Header.Get("X-Request-ID"))
}

func TestMethodNotAllowedProblem(t *testing.T) {
	f := newFixture(t)

	res, payload := f.do(t, http.MethodPut, "/api/blacklist/list", nil, nil)
	require.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	assert.Equal(t, "application/problem+json", res.Header.Get("Content-Type"))

	p := decodeProblem(t, payload)
	assert.Equal(t, "about:blank", p.Type)
	assert.Equal(t, "Method Not Allowed", p.Title)
	assert.Equal(t, http.StatusMethodNotAllowed, p.Status)
	assert.Equal(t, "/api/blacklist/list", p.Instance)
}

func TestCORSHeaders(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.CORSOrigins = "https://ui.example.com"
	})

	res, _ := f.do(t, http.MethodGet, "/api/version", nil, map[string]string{
		"Origin": "https://ui.example.com",
	})
	assert.Equal(t, "https://ui.example.com", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", res.Header.Get("Vary"))

	res, _ = f.do(t, http.MethodGet, "/api/version", nil, map[string]string{
		"Origin": "https://evil.example.com",
	})
	assert.Empty(t, res.Header.Get("Access-Control-Allow-Origin"))

	res, _ = f.do(t, http.MethodOptions, "/api/version", nil, map[string]string{
		"Origin": "https://ui.example.com",
	})
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestCORSDisabledByDefault(t *testing.T) {
	f := newFixture(t)

	res, _ := f.do(t, http.MethodGet, "/api/version", nil, map[string]string{
		"Origin": "https://ui.example.com",
	})
	assert.Empty(t, res.Header.Get("Access-Control-Allow-Origin"))
}

func TestRateLimitOnMutations(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RateLimitRequests = 2
	})
	body := map[string]any{"ip": "10.0.0.1", "reason": "internal"}

	for i := 0; i < 2; i++ {
		res, _ := f.do(t, http.MethodPost, "/api/whitelist", body, nil)
		require.Equal(t, http.StatusCreated, res.StatusCode, "request %d", i+1)
	}

	res, payload := f.do(t, http.MethodPost, "/api/whitelist", body, nil)
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "60", res.Header.Get("Retry-After"))
	assert.Equal(t, "Too Many Requests", decodeProblem(t, payload).Title)

	// Reads never count against the budget.
	res, _ = f.get(t, "/api/whitelist")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestNormalizeRouteCollapsesParams(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/blacklist/list", "/api/blacklist/list"},
		{"/api/blacklist/search", "/api/blacklist/search"},
		{"/api/blacklist/203.0.113.5", "/api/blacklist/:param"},
		{"/api/collection/trigger/REGTECH", "/api/collection/trigger/:param"},
		{"/api/collection/credentials/REGTECH", "/api/collection/credentials/:param"},
		{"/api/resolution/198.51.100.1", "/api/resolution/:param"},
		{"/api/settings/RETENTION_DAYS", "/api/settings/:param"},
		{"/api/whitelist/198.51.100.1", "/api/whitelist/:param"},
		{"/api/stats", "/api/stats"},
		{"/api/whitelist/", "/api/whitelist/"},
		{"/health", "/health"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, normalizeRoute(tc.path), tc.path)
	}
}

func TestStatusForMapsEveryKind(t *testing.T) {
	boom := stderrors.New("boom")
	tests := []struct {
		name   string
		err    error
		status int
		title  string
	}{
		{"validation", errors.Validation("op", boom), http.StatusBadRequest, "Invalid Request"},
		{"not found", errors.NotFound("op", "thing"), http.StatusNotFound, "Not Found"},
		{"busy", errors.Busy("REGTECH"), http.StatusConflict, "Conflict"},
		{"disabled", errors.Disabled("REGTECH"), http.StatusBadRequest, "Service Disabled"},
		{"integrity", errors.Integrity("op", boom), http.StatusConflict, "Conflict"},
		{"auth", errors.Auth("op", "REGTECH", errors.AuthInvalid, boom), http.StatusBadGateway, "Upstream Authentication Failed"},
		{"network", errors.Network("op", "REGTECH", boom), http.StatusBadGateway, "Upstream Unreachable"},
		{"timeout", errors.Timeout("op", "REGTECH", boom), http.StatusGatewayTimeout, "Timeout"},
		{"unavailable", errors.New(errors.KindUnavailable, "op", "", boom), http.StatusServiceUnavailable, "Service Unavailable"},
		{"cancelled", errors.New(errors.KindCancelled, "op", "", boom), statusClientClosedRequest, "Request Cancelled"},
		{"plain error", boom, http.StatusInternalServerError, "Internal Error"},
	}
	for _, tc := range tests {
		status, title := statusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.name)
		assert.Equal(t, tc.title, title, tc.name)
	}
}
