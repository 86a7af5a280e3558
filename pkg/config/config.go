package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/mlOS-foundation/system-test/pkg/docker"
	"github.com/mlOS-foundation/system-test/pkg/executor"
	"github.com/mlOS-foundation/system-test/pkg/fsutil"
	"github.com/mlOS-foundation/system-test/pkg/stats"
	"github.com/mlOS-foundation/system-test/pkg/supervisor"
	"github.com/mlOS-foundation/system-test/pkg/workload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// SYSTEMTEST_GLOBAL_LOG_LEVEL overrides global.log_level.
const EnvPrefix = "SYSTEMTEST"

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultResultsDir is the default directory for run results.
	DefaultResultsDir = "./results"

	// DefaultReleaseBaseURL is where runtime release archives are published.
	DefaultReleaseBaseURL = "https://github.com/mlOS-foundation/core-releases/releases/download"

	// DefaultToolReleaseBaseURL is where packaging tool archives are published.
	DefaultToolReleaseBaseURL = "https://github.com/mlOS-foundation/axon/releases/download"

	// DefaultHost is the address the runtime server is reached on.
	DefaultHost = "127.0.0.1"

	// DefaultPort is the runtime server HTTP port.
	DefaultPort = 18080

	// DefaultInstallDir holds extracted release archives.
	DefaultInstallDir = "./.system-test/releases"

	// DefaultStartupTimeout bounds the wait for the runtime to become healthy.
	DefaultStartupTimeout = 60 * time.Second

	// DefaultArtifactCacheDir is where the packaging tool keeps converted
	// models, relative to the home directory.
	DefaultArtifactCacheDir = ".axon/cache/models"

	// DefaultCatalogPath is the workload catalog file.
	DefaultCatalogPath = "config/models.yaml"

	// DefaultSQLitePath is the history database file.
	DefaultSQLitePath = "./results/history.db"

	// DefaultAPIListen is the listen address of the history API.
	DefaultAPIListen = ":9090"

	// DefaultRequestsPerMinute is the per-IP API rate limit.
	DefaultRequestsPerMinute = 120
)

// Config is the root configuration for system-test.
type Config struct {
	Global    GlobalConfig      `mapstructure:"global"`
	Runtime   RuntimeConfig     `mapstructure:"runtime"`
	Catalog   CatalogConfig     `mapstructure:"catalog"`
	Timeouts  executor.Timeouts `mapstructure:"timeouts"`
	Sampling  SamplingConfig    `mapstructure:"sampling"`
	Execution ExecutionConfig   `mapstructure:"execution"`
	Converter ConverterConfig   `mapstructure:"converter"`
	Upload    UploadConfig      `mapstructure:"upload"`
	History   HistoryConfig     `mapstructure:"history"`
	API       APIConfig         `mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel           string `mapstructure:"log_level"`
	ResultsDir         string `mapstructure:"results_dir"`
	ResultsOwner       string `mapstructure:"results_owner"`
	ServerLogsToStdout bool   `mapstructure:"server_logs_to_stdout"`
}

// RuntimeConfig describes where the runtime and packaging tool come from
// and how the server is launched.
type RuntimeConfig struct {
	Version            string `mapstructure:"version"`
	ToolVersion        string `mapstructure:"tool_version"`
	ReleaseBaseURL     string `mapstructure:"release_base_url"`
	ToolReleaseBaseURL string `mapstructure:"tool_release_base_url"`
	GitHubToken        string `mapstructure:"github_token"`
	BinaryPath         string `mapstructure:"binary_path"`
	ToolPath           string `mapstructure:"tool_path"`
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	// LibraryEnv entries are KEY=VALUE pairs added to the server environment.
	LibraryEnv       []string      `mapstructure:"library_env"`
	ArtifactCacheDir string        `mapstructure:"artifact_cache_dir"`
	InstallDir       string        `mapstructure:"install_dir"`
	StartupTimeout   time.Duration `mapstructure:"startup_timeout"`
	HealthInterval   time.Duration `mapstructure:"health_interval"`
	StopGracePeriod  time.Duration `mapstructure:"stop_grace_period"`
	StderrTailLines  int           `mapstructure:"stderr_tail_lines"`
}

// CatalogConfig selects which workloads run.
type CatalogConfig struct {
	Path       string   `mapstructure:"path"`
	Mode       string   `mapstructure:"mode"`
	QuickCount int      `mapstructure:"quick_count"`
	Categories []string `mapstructure:"categories"`
	// TestAll includes vision and multimodal workloads when no explicit
	// category filter is set.
	TestAll bool `mapstructure:"test_all"`
}

// SamplingConfig controls the idle and loaded resource windows.
type SamplingConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Duration time.Duration `mapstructure:"duration"`
}

// ExecutionConfig controls invocation scheduling.
type ExecutionConfig struct {
	Parallel    bool `mapstructure:"parallel"`
	Concurrency int  `mapstructure:"concurrency"`
	// InvokeRateLimit is in requests per second. Zero disables it.
	InvokeRateLimit float64 `mapstructure:"invoke_rate_limit"`
}

// ConverterConfig describes the container image the packaging tool uses
// for model conversion.
type ConverterConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Image      string `mapstructure:"image"`
	ArchiveURL string `mapstructure:"archive_url"`
	PullPolicy string `mapstructure:"pull_policy"`
}

// UploadConfig contains result upload settings.
type UploadConfig struct {
	S3 S3UploadConfig `mapstructure:"s3"`
}

// S3UploadConfig configures uploading run directories to S3-compatible
// storage.
type S3UploadConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	EndpointURL     string `mapstructure:"endpoint_url"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	StorageClass    string `mapstructure:"storage_class"`
	ACL             string `mapstructure:"acl"`
}

// Load reads the given YAML files in order, later files overriding earlier
// ones, then applies defaults and SYSTEMTEST_* environment overrides.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	applyDefaults(v)

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		v.SetConfigFile(path)

		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults registers a default for every key. Viper only resolves
// environment overrides for keys it knows about.
func applyDefaults(v *viper.Viper) {
	timeouts := executor.DefaultTimeouts()

	cacheDir := DefaultArtifactCacheDir
	if home, err := os.UserHomeDir(); err == nil {
		cacheDir = filepath.Join(home, cacheDir)
	}

	defaults := map[string]any{
		"global.log_level":             DefaultLogLevel,
		"global.results_dir":           DefaultResultsDir,
		"global.results_owner":         "",
		"global.server_logs_to_stdout": false,

		"runtime.version":               "",
		"runtime.tool_version":          "",
		"runtime.release_base_url":      DefaultReleaseBaseURL,
		"runtime.tool_release_base_url": DefaultToolReleaseBaseURL,
		"runtime.github_token":          "",
		"runtime.binary_path":           "",
		"runtime.tool_path":             "",
		"runtime.host":                  DefaultHost,
		"runtime.port":                  DefaultPort,
		"runtime.library_env":           []string{},
		"runtime.artifact_cache_dir":    cacheDir,
		"runtime.install_dir":           DefaultInstallDir,
		"runtime.startup_timeout":       DefaultStartupTimeout,
		"runtime.health_interval":       supervisor.DefaultHealthInterval,
		"runtime.stop_grace_period":     supervisor.DefaultStopGracePeriod,
		"runtime.stderr_tail_lines":     supervisor.DefaultStderrTailLines,

		"catalog.path":        DefaultCatalogPath,
		"catalog.mode":        string(workload.ModeFull),
		"catalog.quick_count": workload.DefaultQuickCount,
		"catalog.categories":  []string{},
		"catalog.test_all":    true,

		"timeouts.standard.install":    timeouts.Standard.Install,
		"timeouts.standard.register":   timeouts.Standard.Register,
		"timeouts.standard.invoke":     timeouts.Standard.Invoke,
		"timeouts.generative.install":  timeouts.Generative.Install,
		"timeouts.generative.register": timeouts.Generative.Register,
		"timeouts.generative.invoke":   timeouts.Generative.Invoke,

		"sampling.interval": stats.DefaultInterval,
		"sampling.duration": stats.DefaultDuration,

		"execution.parallel":          false,
		"execution.concurrency":       executor.DefaultConcurrency,
		"execution.invoke_rate_limit": 0.0,

		"converter.enabled":     false,
		"converter.image":       "",
		"converter.archive_url": "",
		"converter.pull_policy": docker.PullIfNotPresent,

		"upload.s3.enabled":           false,
		"upload.s3.endpoint_url":      "",
		"upload.s3.region":            "us-east-1",
		"upload.s3.bucket":            "",
		"upload.s3.prefix":            "",
		"upload.s3.access_key_id":     "",
		"upload.s3.secret_access_key": "",
		"upload.s3.force_path_style":  false,
		"upload.s3.storage_class":     "",
		"upload.s3.acl":               "",

		"history.enabled":           false,
		"history.driver":            DriverSQLite,
		"history.sqlite.path":       DefaultSQLitePath,
		"history.postgres.host":     "",
		"history.postgres.port":     5432,
		"history.postgres.user":     "",
		"history.postgres.password": "",
		"history.postgres.database": "",
		"history.postgres.ssl_mode": "disable",

		"api.listen":                         DefaultAPIListen,
		"api.cors_origins":                   []string{},
		"api.rate_limit.enabled":             false,
		"api.rate_limit.requests_per_minute": DefaultRequestsPerMinute,
		"api.auth.enabled":                   false,
	}

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("global.log_level: %w", err)
	}

	if _, err := fsutil.ParseOwner(c.Global.ResultsOwner); err != nil {
		return fmt.Errorf("global.results_owner: %w", err)
	}

	if c.Global.ResultsDir == "" {
		return fmt.Errorf("global.results_dir is required")
	}

	dir := filepath.Dir(c.Global.ResultsDir)
	if dir != "." && dir != ".." {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return fmt.Errorf("global.results_dir: parent %q does not exist", dir)
		}
	}

	if err := c.Runtime.validate(); err != nil {
		return err
	}

	if err := c.Catalog.validate(); err != nil {
		return err
	}

	if c.Sampling.Interval <= 0 {
		return fmt.Errorf("sampling.interval must be positive")
	}

	if c.Sampling.Duration < c.Sampling.Interval {
		return fmt.Errorf("sampling.duration must be at least sampling.interval")
	}

	if c.Execution.Parallel && c.Execution.Concurrency < 1 {
		return fmt.Errorf("execution.concurrency must be at least 1 in parallel mode")
	}

	if c.Execution.InvokeRateLimit < 0 {
		return fmt.Errorf("execution.invoke_rate_limit must not be negative")
	}

	if c.Converter.Enabled && c.Converter.Image == "" {
		return fmt.Errorf("converter.image is required when the converter is enabled")
	}

	if c.Upload.S3.Enabled && c.Upload.S3.Bucket == "" {
		return fmt.Errorf("upload.s3.bucket is required when upload is enabled")
	}

	if c.History.Enabled {
		if err := c.History.Validate(); err != nil {
			return err
		}
	}

	return nil
}

func (r *RuntimeConfig) validate() error {
	if r.Version == "" && r.BinaryPath == "" {
		return fmt.Errorf("runtime.version or runtime.binary_path is required")
	}

	if r.ToolVersion == "" && r.ToolPath == "" {
		return fmt.Errorf("runtime.tool_version or runtime.tool_path is required")
	}

	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("runtime.port %d out of range", r.Port)
	}

	if r.StartupTimeout <= 0 {
		return fmt.Errorf("runtime.startup_timeout must be positive")
	}

	if _, err := r.LibraryEnvMap(); err != nil {
		return err
	}

	return nil
}

func (c *CatalogConfig) validate() error {
	if c.Path == "" {
		return fmt.Errorf("catalog.path is required")
	}

	switch workload.Mode(c.Mode) {
	case workload.ModeFull, workload.ModeQuick:
	default:
		return fmt.Errorf("catalog.mode: unknown mode %q", c.Mode)
	}

	for _, name := range c.Categories {
		if !workload.Category(name).Valid() {
			return fmt.Errorf("catalog.categories: unknown category %q", name)
		}
	}

	return nil
}

// Endpoint returns the runtime server base URL.
func (r *RuntimeConfig) Endpoint() string {
	return fmt.Sprintf("http://%s:%d", r.Host, r.Port)
}

// LibraryEnvMap parses the KEY=VALUE library environment entries.
func (r *RuntimeConfig) LibraryEnvMap() (map[string]string, error) {
	env := make(map[string]string, len(r.LibraryEnv))

	for _, entry := range r.LibraryEnv {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("runtime.library_env: invalid entry %q, want KEY=VALUE", entry)
		}

		env[key] = value
	}

	return env, nil
}

// ResolvedCategories returns the category filter for the resolver. An
// explicit list wins; otherwise vision and multimodal are only included
// with test_all.
func (c *CatalogConfig) ResolvedCategories() []workload.Category {
	if len(c.Categories) > 0 {
		out := make([]workload.Category, 0, len(c.Categories))
		for _, name := range c.Categories {
			out = append(out, workload.Category(name))
		}

		return out
	}

	if c.TestAll {
		return nil
	}

	return []workload.Category{workload.CategoryNLP, workload.CategoryGenerative}
}

// Owner parses the results owner.
func (g *GlobalConfig) Owner() (*fsutil.OwnerConfig, error) {
	return fsutil.ParseOwner(g.ResultsOwner)
}
