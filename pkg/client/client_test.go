package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mlOS-foundation/system-test/pkg/result"
	"github.com/mlOS-foundation/system-test/pkg/workload"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// writeTool writes a shell script standing in for the packaging tool.
func writeTool(t *testing.T, script string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "axon")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))

	return path
}

func TestHealth(t *testing.T) {
	var healthy atomic.Bool

	healthy.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(newTestLogger(), &Config{Endpoint: srv.URL + "/"})
	assert.Equal(t, srv.URL, c.Endpoint())
	assert.True(t, c.Health(context.Background()))

	healthy.Store(false)
	assert.False(t, c.Health(context.Background()))

	dead := NewClient(newTestLogger(), &Config{Endpoint: "http://127.0.0.1:1"})
	assert.False(t, dead.Health(context.Background()))
}

func TestInvoke(t *testing.T) {
	var gotPath string

	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"status":"success","output_size":8}`))
	}))
	defer srv.Close()

	c := NewClient(newTestLogger(), &Config{Endpoint: srv.URL})

	resp, err := c.Invoke(context.Background(), "hf/distilgpt2@latest", map[string]any{"input_ids": []int{101, 102}})
	require.NoError(t, err)

	assert.True(t, resp.OK())
	assert.Equal(t, "/models/hf%2Fdistilgpt2@latest/inference", gotPath)
	assert.Contains(t, gotBody, "input_ids")
	assert.JSONEq(t, `{"status":"success","output_size":8}`, string(resp.Body))
	assert.Greater(t, resp.Latency, time.Duration(0))
}

func TestInvoke_NonOKIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad input"}`))
	}))
	defer srv.Close()

	c := NewClient(newTestLogger(), &Config{Endpoint: srv.URL})

	resp, err := c.Invoke(context.Background(), "gpt2", map[string]any{})
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestInvoke_Timeout(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(newTestLogger(), &Config{Endpoint: srv.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Invoke(ctx, "gpt2", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, result.KindInvocationTimeout, result.KindOf(err))
}

func TestInvoke_ConnectionRefused(t *testing.T) {
	c := NewClient(newTestLogger(), &Config{Endpoint: "http://127.0.0.1:1"})

	_, err := c.Invoke(context.Background(), "gpt2", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, result.KindInvocationHTTPError, result.KindOf(err))
}

func TestInstall(t *testing.T) {
	cacheDir := t.TempDir()
	artifact := workload.ArtifactPaths(cacheDir, "hf/distilgpt2@latest")[0]

	tests := []struct {
		name     string
		script   string
		timeout  time.Duration
		wantKind result.Kind
		wantPath bool
	}{
		{
			name:     "success writes artifact",
			script:   "mkdir -p \"$(dirname '" + artifact + "')\" && touch '" + artifact + "'\n",
			wantPath: true,
		},
		{
			name:     "success without artifact",
			script:   "echo installed\n",
			wantKind: result.KindConversionFailed,
		},
		{
			name:     "not found",
			script:   "echo 'Error: model not found on hub' >&2; exit 1\n",
			wantKind: result.KindArtifactNotFound,
		},
		{
			name:     "conversion",
			script:   "echo 'failed to convert to onnx' >&2; exit 1\n",
			wantKind: result.KindConversionFailed,
		},
		{
			name:     "generic failure",
			script:   "echo 'network down' >&2; exit 3\n",
			wantKind: result.KindDownloadFailed,
		},
		{
			name:     "deadline",
			script:   "sleep 5\n",
			timeout:  200 * time.Millisecond,
			wantKind: result.KindTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_ = os.RemoveAll(filepath.Join(cacheDir, "hf"))

			c := NewClient(newTestLogger(), &Config{
				ToolPath: writeTool(t, tt.script),
				CacheDir: cacheDir,
			})

			ctx := context.Background()

			if tt.timeout > 0 {
				var cancel context.CancelFunc

				ctx, cancel = context.WithTimeout(ctx, tt.timeout)
				defer cancel()
			}

			path, err := c.Install(ctx, "hf/distilgpt2@latest")
			if tt.wantPath {
				require.NoError(t, err)
				assert.Equal(t, artifact, path)

				return
			}

			require.Error(t, err)
			assert.Equal(t, tt.wantKind, result.KindOf(err))
		})
	}
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name        string
		script      string
		wantErr     bool
		wantAlready bool
		wantKind    result.Kind
	}{
		{
			name:   "success",
			script: "[ \"$MLOS_CORE_ENDPOINT\" = \"http://127.0.0.1:18080\" ] || exit 9\necho registered\n",
		},
		{
			name:        "already registered",
			script:      "echo 'model already registered'; exit 1\n",
			wantErr:     true,
			wantAlready: true,
		},
		{
			name:     "unreachable",
			script:   "echo 'dial tcp: connection refused' >&2; exit 1\n",
			wantErr:  true,
			wantKind: result.KindRegistrationUnreachable,
		},
		{
			name:     "rejected",
			script:   "echo 'invalid model format' >&2; exit 1\n",
			wantErr:  true,
			wantKind: result.KindRegistrationRejected,
		},
		{
			name:     "error line with zero exit",
			script:   "echo 'Error: registration failed'\n",
			wantErr:  true,
			wantKind: result.KindRegistrationRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(newTestLogger(), &Config{
				Endpoint: "http://127.0.0.1:18080",
				ToolPath: writeTool(t, tt.script),
			})

			err := c.Register(context.Background(), "hf/distilgpt2@latest", "/tmp/model.onnx")
			if !tt.wantErr {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)

			if tt.wantAlready {
				assert.True(t, errors.Is(err, ErrAlreadyRegistered))

				return
			}

			assert.Equal(t, tt.wantKind, result.KindOf(err))
		})
	}
}

func TestRunTool_NoPath(t *testing.T) {
	c := NewClient(newTestLogger(), &Config{})

	_, err := c.Install(context.Background(), "x/y")
	require.Error(t, err)
}
