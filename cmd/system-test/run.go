package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mlOS-foundation/system-test/pkg/artifact"
	"github.com/mlOS-foundation/system-test/pkg/config"
	"github.com/mlOS-foundation/system-test/pkg/docker"
	"github.com/mlOS-foundation/system-test/pkg/executor"
	"github.com/mlOS-foundation/system-test/pkg/fsutil"
	"github.com/mlOS-foundation/system-test/pkg/hardware"
	"github.com/mlOS-foundation/system-test/pkg/history"
	"github.com/mlOS-foundation/system-test/pkg/pipeline"
	"github.com/mlOS-foundation/system-test/pkg/result"
	"github.com/mlOS-foundation/system-test/pkg/stats"
	"github.com/mlOS-foundation/system-test/pkg/supervisor"
	"github.com/mlOS-foundation/system-test/pkg/upload"
	"github.com/mlOS-foundation/system-test/pkg/workload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// localVersion labels runs of a local build without a release version.
const localVersion = "local"

var (
	runQuick          bool
	runCategories     []string
	runTestAll        bool
	runRuntimeVersion string
	runToolVersion    string
	runBinaryPath     string
	runToolPath       string
	runParallel       bool
	runSkipUpload     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the system test",
	Long: `Acquire the runtime and packaging tool, start the runtime server, exercise
every workload of the catalog and write metrics.json and result.json into a
new run directory. The command exits non-zero when the run was aborted.`,
	RunE: runSystemTest,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runQuick, "quick", false,
		"Run only the first catalog.quick_count workloads")
	runCmd.Flags().StringSliceVar(&runCategories, "category", nil,
		"Limit to these workload categories (comma-separated or repeated flag)")
	runCmd.Flags().BoolVar(&runTestAll, "test-all", false,
		"Include vision and multimodal workloads")
	runCmd.Flags().StringVar(&runRuntimeVersion, "runtime-version", "",
		"Runtime release version to test, overrides runtime.version")
	runCmd.Flags().StringVar(&runToolVersion, "tool-version", "",
		"Packaging tool version, overrides runtime.tool_version")
	runCmd.Flags().StringVar(&runBinaryPath, "binary-path", "",
		"Use a locally built runtime server binary instead of a release")
	runCmd.Flags().StringVar(&runToolPath, "tool-path", "",
		"Use a locally built packaging tool binary instead of a release")
	runCmd.Flags().BoolVar(&runParallel, "parallel", false,
		"Invoke workloads concurrently")
	runCmd.Flags().BoolVar(&runSkipUpload, "skip-upload", false,
		"Do not upload the run even if upload.s3.enabled is set")
}

// applyRunFlags merges CLI overrides into the loaded config. Flags win.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if runQuick {
		cfg.Catalog.Mode = string(workload.ModeQuick)
	}

	if flags.Changed("category") {
		cfg.Catalog.Categories = runCategories
	}

	if runTestAll {
		cfg.Catalog.TestAll = true
	}

	if runRuntimeVersion != "" {
		cfg.Runtime.Version = runRuntimeVersion
	}

	if runToolVersion != "" {
		cfg.Runtime.ToolVersion = runToolVersion
	}

	if runBinaryPath != "" {
		cfg.Runtime.BinaryPath = runBinaryPath
	}

	if runToolPath != "" {
		cfg.Runtime.ToolPath = runToolPath
	}

	if flags.Changed("parallel") {
		cfg.Execution.Parallel = runParallel
	}

	if runSkipUpload {
		cfg.Upload.S3.Enabled = false
	}
}

func runSystemTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	applyRunFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	pipelineCfg, err := buildPipelineConfig(cfg)
	if err != nil {
		return err
	}

	deps, cleanup, err := buildPipelineDeps(ctx, cfg, pipelineCfg.Owner)
	if err != nil {
		return err
	}

	defer cleanup()

	report, err := pipeline.NewPipeline(log, pipelineCfg, deps).Run(ctx)
	if report != nil {
		printSummary(report)
	}

	if errors.Is(err, pipeline.ErrAborted) {
		return fmt.Errorf("system test failed: %w", err)
	}

	return err
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

func buildPipelineConfig(cfg *config.Config) (*pipeline.Config, error) {
	owner, err := cfg.Global.Owner()
	if err != nil {
		return nil, fmt.Errorf("parsing results_owner: %w", err)
	}

	libraryEnv, err := cfg.Runtime.LibraryEnvMap()
	if err != nil {
		return nil, err
	}

	catalog, err := workload.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("loading workload catalog: %w", err)
	}

	versions := result.Versions{
		Runtime: cfg.Runtime.Version,
		Tool:    cfg.Runtime.ToolVersion,
	}

	if cfg.Runtime.BinaryPath != "" && versions.Runtime == "" {
		versions.Runtime = localVersion
	}

	if cfg.Runtime.ToolPath != "" && versions.Tool == "" {
		versions.Tool = localVersion
	}

	return &pipeline.Config{
		ResultsDir:     cfg.Global.ResultsDir,
		Owner:          owner,
		Versions:       versions,
		Host:           cfg.Runtime.Host,
		Port:           cfg.Runtime.Port,
		LibraryEnv:     libraryEnv,
		CacheDir:       cfg.Runtime.ArtifactCacheDir,
		StartupTimeout: cfg.Runtime.StartupTimeout,
		Server: supervisor.Config{
			LogsToStdout:    cfg.Global.ServerLogsToStdout,
			HealthInterval:  cfg.Runtime.HealthInterval,
			StopGracePeriod: cfg.Runtime.StopGracePeriod,
			StderrTailLines: cfg.Runtime.StderrTailLines,
		},
		Catalog: catalog,
		Resolver: workload.ResolverConfig{
			Mode:       workload.Mode(cfg.Catalog.Mode),
			QuickCount: cfg.Catalog.QuickCount,
			CacheDir:   cfg.Runtime.ArtifactCacheDir,
			Categories: cfg.Catalog.ResolvedCategories(),
		},
		Executor: executor.Config{
			Timeouts:        cfg.Timeouts,
			Parallel:        cfg.Execution.Parallel,
			Concurrency:     cfg.Execution.Concurrency,
			InvokeRateLimit: cfg.Execution.InvokeRateLimit,
		},
	}, nil
}

// buildPipelineDeps wires the real collaborators. The returned cleanup
// releases whatever was started here.
func buildPipelineDeps(
	ctx context.Context,
	cfg *config.Config,
	owner *fsutil.OwnerConfig,
) (*pipeline.Deps, func(), error) {
	var cleanups []func()

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	dl := artifact.NewHTTPDownloader(log, http.DefaultClient)

	deps := &pipeline.Deps{
		Acquirer: artifact.NewAcquirer(log, &artifact.Config{
			RuntimeVersion:     cfg.Runtime.Version,
			ToolVersion:        cfg.Runtime.ToolVersion,
			ReleaseBaseURL:     cfg.Runtime.ReleaseBaseURL,
			ToolReleaseBaseURL: cfg.Runtime.ToolReleaseBaseURL,
			GitHubToken:        cfg.Runtime.GitHubToken,
			BinaryPath:         cfg.Runtime.BinaryPath,
			ToolPath:           cfg.Runtime.ToolPath,
			InstallDir:         cfg.Runtime.InstallDir,
			Owner:              owner,
		}, dl),
		Hardware: hardware.NewCollector(log, cfg.Global.ResultsDir),
		Sampler: stats.NewSampler(log, &stats.SamplerConfig{
			Interval: cfg.Sampling.Interval,
			Duration: cfg.Sampling.Duration,
		}),
		Registry: workload.DefaultRegistry(),
	}

	if cfg.Converter.Enabled {
		mgr, err := docker.NewManager(log)
		if err != nil {
			return nil, cleanup, fmt.Errorf("creating docker manager: %w", err)
		}

		deps.Converter = docker.NewConverter(log, mgr, dl, &docker.ConverterConfig{
			Image:      cfg.Converter.Image,
			ArchiveURL: cfg.Converter.ArchiveURL,
			PullPolicy: cfg.Converter.PullPolicy,
			WorkDir:    cfg.Runtime.InstallDir,
		})
	}

	if cfg.Upload.S3.Enabled {
		uploader, err := upload.NewS3Uploader(log, &cfg.Upload.S3)
		if err != nil {
			return nil, cleanup, fmt.Errorf("creating S3 uploader: %w", err)
		}

		// Fail before the run rather than after it.
		if err := uploader.Preflight(ctx); err != nil {
			return nil, cleanup, fmt.Errorf("S3 upload preflight check failed: %w", err)
		}

		log.Info("S3 upload preflight check passed")

		deps.Publishers = append(deps.Publishers, uploader)
	}

	if cfg.History.Enabled {
		store := history.NewStore(log, &cfg.History)

		if err := store.Start(ctx); err != nil {
			return nil, cleanup, fmt.Errorf("starting history store: %w", err)
		}

		cleanups = append(cleanups, func() {
			if err := store.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop history store")
			}
		})

		deps.Publishers = append(deps.Publishers, store)
	}

	return deps, cleanup, nil
}

func printSummary(report *pipeline.Report) {
	run := report.Run

	fields := logrus.Fields{
		"run_id":       run.RunID,
		"status":       run.Status,
		"dir":          report.Dir,
		"installed":    run.Totals.ModelsInstalled,
		"inferences":   run.Totals.TotalInvocations,
		"successful":   run.Totals.SuccessfulInvocations,
		"failed":       run.Totals.FailedInvocations,
		"success_rate": fmt.Sprintf("%.1f%%", run.Totals.SuccessRate),
	}

	var failed []string

	for _, p := range run.Phases {
		if p.Status == result.StatusFailed {
			failed = append(failed, fmt.Sprintf("%s(%s)", p.Name, p.ErrorKind))
		}
	}

	if len(failed) > 0 {
		fields["failed_phases"] = strings.Join(failed, ",")
	}

	log.WithFields(fields).Info("System test summary")
}
