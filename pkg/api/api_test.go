package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mlOS-foundation/system-test/pkg/config"
	"github.com/mlOS-foundation/system-test/pkg/history"
	"github.com/mlOS-foundation/system-test/pkg/result"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRunDir = "1772366400_aaaaaaaa"

func newTestServer(t *testing.T, cfg *config.APIConfig) (*server, http.Handler) {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	store := history.NewStore(log, &config.HistoryConfig{
		Enabled: true,
		Driver:  config.DriverSQLite,
		SQLite:  config.SQLiteDatabaseConfig{Path: filepath.Join(t.TempDir(), "history.db")},
	})
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { _ = store.Stop() })

	resultsDir := t.TempDir()
	runDir := filepath.Join(resultsDir, testRunDir)
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "server.log"), []byte("listening on 18080\n"), 0o644))

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-old", "run-new"} {
		run := &result.RunResult{
			RunID:         id,
			Status:        result.RunCompleted,
			StartedAt:     started.Add(time.Duration(i) * time.Hour),
			FinishedAt:    started.Add(time.Duration(i)*time.Hour + time.Minute),
			Versions:      result.Versions{Runtime: "v3.1.0", Tool: "v1.4.0"},
			WorkloadOrder: []string{"gpt2"},
			Workloads: map[string]*result.WorkloadResult{
				"gpt2": {
					ID:       "hf/gpt2@latest",
					Name:     "gpt2",
					Category: "nlp",
					Install:  &result.StepResult{Status: result.StatusSuccess},
					Register: &result.StepResult{Status: result.StatusSuccess},
					Invocations: map[result.Variant]*result.InvocationResult{
						result.VariantSmall: {Variant: result.VariantSmall, Status: result.InvocationSuccess, LatencyMs: 150},
					},
				},
			},
			Idle:   result.Unavailable("not sampled"),
			Loaded: result.Unavailable("not sampled"),
		}
		run.Totals = result.ComputeTotals(run)

		require.NoError(t, store.SaveRun(context.Background(), runDir, run))
	}

	srv, ok := NewServer(log, cfg, store, resultsDir).(*server)
	require.True(t, ok)

	if cfg.Auth.Enabled {
		users, err := hashUsers(cfg.Auth.Users)
		require.NoError(t, err)

		srv.users = users
	}

	return srv, srv.buildRouter()
}

func doRequest(t *testing.T, h http.Handler, method, target string, setup func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "10.0.0.1:5555"

	if setup != nil {
		setup(req)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestRoutes(t *testing.T) {
	_, h := newTestServer(t, &config.APIConfig{Listen: ":0"})

	tests := []struct {
		name       string
		target     string
		wantStatus int
		check      func(t *testing.T, body []byte)
	}{
		{
			name:       "health",
			target:     "/api/v1/health",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				assert.JSONEq(t, `{"status":"ok"}`, string(body))
			},
		},
		{
			name:       "list runs newest first",
			target:     "/api/v1/runs",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp listRunsResponse
				require.NoError(t, json.Unmarshal(body, &resp))
				require.Len(t, resp.Runs, 2)
				assert.Equal(t, "run-new", resp.Runs[0].RunID)
				assert.InDelta(t, 100.0, resp.Runs[0].SuccessRate, 0.001)
			},
		},
		{
			name:       "list runs with limit",
			target:     "/api/v1/runs?limit=1",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp listRunsResponse
				require.NoError(t, json.Unmarshal(body, &resp))
				assert.Len(t, resp.Runs, 1)
			},
		},
		{
			name:       "list runs unknown version is empty",
			target:     "/api/v1/runs?runtime_version=v0.0.1",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				assert.JSONEq(t, `{"runs":[]}`, string(body))
			},
		},
		{
			name:       "invalid limit",
			target:     "/api/v1/runs?limit=abc",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "get run returns full result",
			target:     "/api/v1/runs/run-old",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var run result.RunResult
				require.NoError(t, json.Unmarshal(body, &run))
				assert.Equal(t, "run-old", run.RunID)
				assert.Contains(t, run.Workloads, "gpt2")
			},
		},
		{
			name:       "unknown run",
			target:     "/api/v1/runs/nope",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "latest run",
			target:     "/api/v1/runs/latest",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var run history.Run
				require.NoError(t, json.Unmarshal(body, &run))
				assert.Equal(t, "run-new", run.RunID)
			},
		},
		{
			name:       "workloads",
			target:     "/api/v1/runs/run-new/workloads",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp listWorkloadsResponse
				require.NoError(t, json.Unmarshal(body, &resp))
				require.Len(t, resp.Workloads, 1)
				assert.Equal(t, int64(150), resp.Workloads[0].SmallLatencyMs)
			},
		},
		{
			name:       "workloads of unknown run",
			target:     "/api/v1/runs/nope/workloads",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "run metrics",
			target:     "/api/v1/runs/run-new/metrics",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var m result.Metrics
				require.NoError(t, json.Unmarshal(body, &m))
				assert.Equal(t, "run-new", m.RunID)
				assert.Equal(t, 1, m.Totals.TotalInvocations)
			},
		},
		{
			name:       "latest metrics",
			target:     "/api/v1/runs/latest/metrics",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var m result.Metrics
				require.NoError(t, json.Unmarshal(body, &m))
				assert.Equal(t, "run-new", m.RunID)
			},
		},
		{
			name:       "run file",
			target:     "/api/v1/runs/run-new/files/server.log",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				assert.Equal(t, "listening on 18080\n", string(body))
			},
		},
		{
			name:       "missing run file",
			target:     "/api/v1/runs/run-new/files/missing.log",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.check != nil {
				tt.check(t, rec.Body.Bytes())
			}
		})
	}
}

func TestBasicAuth(t *testing.T) {
	_, h := newTestServer(t, &config.APIConfig{
		Listen: ":0",
		Auth: config.BasicAuthConfig{
			Enabled: true,
			Users:   []config.BasicAuthUser{{Username: "ci", Password: "s3cret"}},
		},
	})

	tests := []struct {
		name       string
		target     string
		setup      func(*http.Request)
		wantStatus int
	}{
		{
			name:       "health stays public",
			target:     "/api/v1/health",
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing credentials",
			target:     "/api/v1/runs",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong password",
			target:     "/api/v1/runs",
			setup:      func(r *http.Request) { r.SetBasicAuth("ci", "nope") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unknown user",
			target:     "/api/v1/runs",
			setup:      func(r *http.Request) { r.SetBasicAuth("someone", "s3cret") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "valid credentials",
			target:     "/api/v1/runs",
			setup:      func(r *http.Request) { r.SetBasicAuth("ci", "s3cret") },
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodGet, tt.target, tt.setup)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	_, h := newTestServer(t, &config.APIConfig{
		Listen: ":0",
		RateLimit: config.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 2,
		},
	})

	for i := 0; i < 2; i++ {
		rec := doRequest(t, h, http.MethodGet, "/api/v1/runs", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doRequest(t, h, http.MethodGet, "/api/v1/runs", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Another client has its own budget.
	rec = doRequest(t, h, http.MethodGet, "/api/v1/runs", func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "10.0.0.2, 10.0.0.1")
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health is not rate limited.
	rec = doRequest(t, h, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_FileTier(t *testing.T) {
	_, h := newTestServer(t, &config.APIConfig{
		Listen: ":0",
		RateLimit: config.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 8,
		},
	})

	// Files get a quarter of the history budget.
	for i := 0; i < 2; i++ {
		rec := doRequest(t, h, http.MethodGet, "/api/v1/runs/missing/files/result.json", nil)
		assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	}

	rec := doRequest(t, h, http.MethodGet, "/api/v1/runs/missing/files/result.json", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The history tier keeps its own budget.
	rec = doRequest(t, h, http.MethodGet, "/api/v1/runs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientLimiters_PrunesIdleBuckets(t *testing.T) {
	now := time.Now()

	c := newClientLimiters(60)
	c.now = func() time.Time { return now }

	assert.True(t, c.allow(tierHistory, "10.0.0.1"))
	assert.True(t, c.allow(tierFiles, "10.0.0.1"))
	assert.Len(t, c.buckets, 2)

	now = now.Add(limiterIdleTTL + time.Minute)

	assert.True(t, c.allow(tierHistory, "10.0.0.2"))
	assert.Len(t, c.buckets, 1)
	assert.Contains(t, c.buckets, limiterKey{tier: tierHistory, client: "10.0.0.2"})
}

func TestClientLimiters_Budget(t *testing.T) {
	c := newClientLimiters(2)

	assert.Equal(t, 2, c.budget(tierHistory))
	assert.Equal(t, 1, c.budget(tierFiles))
}

func TestCORS(t *testing.T) {
	_, h := newTestServer(t, &config.APIConfig{
		Listen:      ":0",
		CORSOrigins: []string{"https://dashboard.example.com"},
	})

	rec := doRequest(t, h, http.MethodGet, "/api/v1/health", func(r *http.Request) {
		r.Header.Set("Origin", "https://dashboard.example.com")
	})
	assert.Equal(t, "https://dashboard.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = doRequest(t, h, http.MethodGet, "/api/v1/health", func(r *http.Request) {
		r.Header.Set("Origin", "https://evil.example.com")
	})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_StartStop(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := history.NewStore(log, &config.HistoryConfig{
		Driver: config.DriverSQLite,
		SQLite: config.SQLiteDatabaseConfig{Path: filepath.Join(t.TempDir(), "history.db")},
	})
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { _ = store.Stop() })

	srv := NewServer(log, &config.APIConfig{Listen: "127.0.0.1:0"}, store, t.TempDir())
	require.NoError(t, srv.Start(context.Background()))

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop())
}
