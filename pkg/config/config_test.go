package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mlOS-foundation/system-test/pkg/executor"
	"github.com/mlOS-foundation/system-test/pkg/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
  results_dir: ./original-results
runtime:
  version: v3.1.0
  tool_version: v1.4.0
  port: 18080
catalog:
  path: config/models.yaml
  mode: full
timeouts:
  standard:
    install: 5m
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "./original-results", cfg.Global.ResultsDir)
				assert.Equal(t, "v3.1.0", cfg.Runtime.Version)
				assert.Equal(t, 5*time.Minute, cfg.Timeouts.Standard.Install)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"SYSTEMTEST_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "local build override - binary_path",
			envVars: map[string]string{
				"SYSTEMTEST_RUNTIME_BINARY_PATH": "/opt/core/build/mlos-server",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/opt/core/build/mlos-server", cfg.Runtime.BinaryPath)
			},
		},
		{
			name: "int override - port",
			envVars: map[string]string{
				"SYSTEMTEST_RUNTIME_PORT": "19090",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 19090, cfg.Runtime.Port)
				assert.Equal(t, "http://127.0.0.1:19090", cfg.Runtime.Endpoint())
			},
		},
		{
			name: "duration override - nested timeout",
			envVars: map[string]string{
				"SYSTEMTEST_TIMEOUTS_GENERATIVE_INVOKE": "90s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 90*time.Second, cfg.Timeouts.Generative.Invoke)
				assert.Equal(t, 5*time.Minute, cfg.Timeouts.Standard.Install)
			},
		},
		{
			name: "boolean override - server_logs_to_stdout",
			envVars: map[string]string{
				"SYSTEMTEST_GLOBAL_SERVER_LOGS_TO_STDOUT": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Global.ServerLogsToStdout)
			},
		},
		{
			name: "list override - categories",
			envVars: map[string]string{
				"SYSTEMTEST_CATALOG_CATEGORIES": "nlp,vision",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"nlp", "vision"}, cfg.Catalog.Categories)
			},
		},
		{
			name: "multiple overrides",
			envVars: map[string]string{
				"SYSTEMTEST_GLOBAL_LOG_LEVEL":       "trace",
				"SYSTEMTEST_CATALOG_MODE":           "quick",
				"SYSTEMTEST_EXECUTION_PARALLEL":     "true",
				"SYSTEMTEST_UPLOAD_S3_BUCKET":       "results-bucket",
				"SYSTEMTEST_HISTORY_POSTGRES_HOST":  "db.internal",
				"SYSTEMTEST_SAMPLING_DURATION":      "10s",
				"SYSTEMTEST_RUNTIME_GITHUB_TOKEN":   "ghp_test",
				"SYSTEMTEST_RUNTIME_INSTALL_DIR":    "/var/lib/system-test",
				"SYSTEMTEST_API_RATE_LIMIT_ENABLED": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "trace", cfg.Global.LogLevel)
				assert.Equal(t, "quick", cfg.Catalog.Mode)
				assert.True(t, cfg.Execution.Parallel)
				assert.Equal(t, "results-bucket", cfg.Upload.S3.Bucket)
				assert.Equal(t, "db.internal", cfg.History.Postgres.Host)
				assert.Equal(t, 10*time.Second, cfg.Sampling.Duration)
				assert.Equal(t, "ghp_test", cfg.Runtime.GitHubToken)
				assert.Equal(t, "/var/lib/system-test", cfg.Runtime.InstallDir)
				assert.True(t, cfg.API.RateLimit.Enabled)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, `
runtime:
  version: v3.1.0
  tool_version: v1.4.0
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultResultsDir, cfg.Global.ResultsDir)
	assert.Equal(t, DefaultPort, cfg.Runtime.Port)
	assert.Equal(t, DefaultStartupTimeout, cfg.Runtime.StartupTimeout)
	assert.Equal(t, DefaultReleaseBaseURL, cfg.Runtime.ReleaseBaseURL)
	assert.Equal(t, DefaultCatalogPath, cfg.Catalog.Path)
	assert.Equal(t, string(workload.ModeFull), cfg.Catalog.Mode)
	assert.True(t, cfg.Catalog.TestAll)
	assert.Equal(t, executor.DefaultTimeouts(), cfg.Timeouts)
	assert.Equal(t, executor.DefaultConcurrency, cfg.Execution.Concurrency)
	assert.Equal(t, DriverSQLite, cfg.History.Driver)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.Equal(t, "us-east-1", cfg.Upload.S3.Region)
	assert.Empty(t, cfg.Runtime.LibraryEnv)

	require.NoError(t, cfg.Validate())
}

func TestLoad_DefaultArtifactCacheMatchesToolLayout(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	installed := filepath.Join(home, ".axon", "cache", "models", "hf", "distilgpt2", "latest", "model.onnx")
	require.NoError(t, os.MkdirAll(filepath.Dir(installed), 0o755))
	require.NoError(t, os.WriteFile(installed, []byte("onnx"), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".axon", "cache", "models"), cfg.Runtime.ArtifactCacheDir)

	got, ok := workload.LocateArtifact(cfg.Runtime.ArtifactCacheDir, "hf/distilgpt2@latest")
	require.True(t, ok)
	assert.Equal(t, installed, got)

	_, ok = workload.LocateArtifact(cfg.Runtime.ArtifactCacheDir, "hf/bert-base-uncased@latest")
	assert.False(t, ok)
}

func TestLoad_NoFiles(t *testing.T) {
	t.Setenv("SYSTEMTEST_RUNTIME_VERSION", "v3.1.0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "v3.1.0", cfg.Runtime.Version)
	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, `
global:
  log_level: info
runtime:
  version: v3.0.0
  tool_version: v1.4.0
`)
	override := writeConfig(t, `
runtime:
  version: v3.1.0
  library_env:
    - LD_LIBRARY_PATH=/opt/onnxruntime/lib
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, "v3.1.0", cfg.Runtime.Version)
	assert.Equal(t, "v1.4.0", cfg.Runtime.ToolVersion)

	env, err := cfg.Runtime.LibraryEnvMap()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"LD_LIBRARY_PATH": "/opt/onnxruntime/lib"}, env)
}

func TestLoad_EnvVarOverridesDefaults(t *testing.T) {
	configPath := writeConfig(t, `
runtime:
  version: v3.1.0
`)

	t.Setenv("SYSTEMTEST_GLOBAL_LOG_LEVEL", "warn")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Global.LogLevel)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: yaml: content:")

	_, err := Load(configPath)
	require.Error(t, err)
}

func TestLoad_APIUsers(t *testing.T) {
	configPath := writeConfig(t, `
api:
  auth:
    enabled: true
    users:
      - username: admin
        password: s3cret
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	require.Len(t, cfg.API.Auth.Users, 1)
	assert.Equal(t, "admin", cfg.API.Auth.Users[0].Username)
	require.NoError(t, cfg.API.Validate(&cfg.History))
}

func validConfig(t *testing.T) *Config {
	t.Helper()

	cfg, err := Load()
	require.NoError(t, err)

	cfg.Runtime.Version = "v3.1.0"
	cfg.Runtime.ToolVersion = "v1.4.0"

	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(cfg *Config)
		errSubstr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name: "local builds need no versions",
			mutate: func(cfg *Config) {
				cfg.Runtime.Version = ""
				cfg.Runtime.ToolVersion = ""
				cfg.Runtime.BinaryPath = "/opt/core/mlos-server"
				cfg.Runtime.ToolPath = "/opt/axon/axon"
			},
		},
		{
			name:      "bad log level",
			mutate:    func(cfg *Config) { cfg.Global.LogLevel = "loud" },
			errSubstr: "global.log_level",
		},
		{
			name:      "bad owner",
			mutate:    func(cfg *Config) { cfg.Global.ResultsOwner = "root" },
			errSubstr: "global.results_owner",
		},
		{
			name:      "results parent missing",
			mutate:    func(cfg *Config) { cfg.Global.ResultsDir = "/nonexistent/parent/results" },
			errSubstr: "does not exist",
		},
		{
			name:      "runtime version missing",
			mutate:    func(cfg *Config) { cfg.Runtime.Version = "" },
			errSubstr: "runtime.version or runtime.binary_path",
		},
		{
			name:      "tool version missing",
			mutate:    func(cfg *Config) { cfg.Runtime.ToolVersion = "" },
			errSubstr: "runtime.tool_version or runtime.tool_path",
		},
		{
			name:      "port out of range",
			mutate:    func(cfg *Config) { cfg.Runtime.Port = 70000 },
			errSubstr: "runtime.port",
		},
		{
			name:      "bad library env",
			mutate:    func(cfg *Config) { cfg.Runtime.LibraryEnv = []string{"NOEQUALS"} },
			errSubstr: "runtime.library_env",
		},
		{
			name:      "unknown mode",
			mutate:    func(cfg *Config) { cfg.Catalog.Mode = "smoke" },
			errSubstr: "catalog.mode",
		},
		{
			name:      "unknown category",
			mutate:    func(cfg *Config) { cfg.Catalog.Categories = []string{"audio"} },
			errSubstr: "catalog.categories",
		},
		{
			name:      "sampling window shorter than interval",
			mutate:    func(cfg *Config) { cfg.Sampling.Duration = 10 * time.Millisecond },
			errSubstr: "sampling.duration",
		},
		{
			name: "parallel without concurrency",
			mutate: func(cfg *Config) {
				cfg.Execution.Parallel = true
				cfg.Execution.Concurrency = 0
			},
			errSubstr: "execution.concurrency",
		},
		{
			name:      "negative rate limit",
			mutate:    func(cfg *Config) { cfg.Execution.InvokeRateLimit = -1 },
			errSubstr: "execution.invoke_rate_limit",
		},
		{
			name:      "converter without image",
			mutate:    func(cfg *Config) { cfg.Converter.Enabled = true },
			errSubstr: "converter.image",
		},
		{
			name:      "upload without bucket",
			mutate:    func(cfg *Config) { cfg.Upload.S3.Enabled = true },
			errSubstr: "upload.s3.bucket",
		},
		{
			name: "history with unknown driver",
			mutate: func(cfg *Config) {
				cfg.History.Enabled = true
				cfg.History.Driver = "mysql"
			},
			errSubstr: "history.driver",
		},
		{
			name: "postgres history without host",
			mutate: func(cfg *Config) {
				cfg.History.Enabled = true
				cfg.History.Driver = DriverPostgres
				cfg.History.Postgres.Database = "runs"
			},
			errSubstr: "history.postgres.host",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errSubstr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestAPIConfig_Validate(t *testing.T) {
	history := &HistoryConfig{Driver: DriverSQLite, SQLite: SQLiteDatabaseConfig{Path: "history.db"}}

	tests := []struct {
		name      string
		api       APIConfig
		errSubstr string
	}{
		{
			name: "valid",
			api:  APIConfig{Listen: ":9090"},
		},
		{
			name:      "no listen",
			api:       APIConfig{},
			errSubstr: "api.listen",
		},
		{
			name: "rate limit without budget",
			api: APIConfig{
				Listen:    ":9090",
				RateLimit: RateLimitConfig{Enabled: true},
			},
			errSubstr: "requests_per_minute",
		},
		{
			name: "auth without users",
			api: APIConfig{
				Listen: ":9090",
				Auth:   BasicAuthConfig{Enabled: true},
			},
			errSubstr: "api.auth.users",
		},
		{
			name: "auth user without password",
			api: APIConfig{
				Listen: ":9090",
				Auth: BasicAuthConfig{
					Enabled: true,
					Users:   []BasicAuthUser{{Username: "admin"}},
				},
			},
			errSubstr: "api.auth.users[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.api.Validate(history)
			if tt.errSubstr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestCatalogConfig_ResolvedCategories(t *testing.T) {
	tests := []struct {
		name    string
		catalog CatalogConfig
		want    []workload.Category
	}{
		{
			name:    "test all",
			catalog: CatalogConfig{TestAll: true},
			want:    nil,
		},
		{
			name:    "default subset",
			catalog: CatalogConfig{},
			want:    []workload.Category{workload.CategoryNLP, workload.CategoryGenerative},
		},
		{
			name:    "explicit list wins",
			catalog: CatalogConfig{TestAll: false, Categories: []string{"vision"}},
			want:    []workload.Category{workload.CategoryVision},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.catalog.ResolvedCategories())
		})
	}
}
