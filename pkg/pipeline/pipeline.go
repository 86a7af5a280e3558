// Package pipeline sequences one system test run: acquire the binaries,
// start the runtime server, measure the host, drive the workloads and write
// the results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mlOS-foundation/system-test/pkg/artifact"
	"github.com/mlOS-foundation/system-test/pkg/client"
	"github.com/mlOS-foundation/system-test/pkg/executor"
	"github.com/mlOS-foundation/system-test/pkg/fsutil"
	"github.com/mlOS-foundation/system-test/pkg/hardware"
	"github.com/mlOS-foundation/system-test/pkg/result"
	"github.com/mlOS-foundation/system-test/pkg/stats"
	"github.com/mlOS-foundation/system-test/pkg/supervisor"
	"github.com/mlOS-foundation/system-test/pkg/workload"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultStartupTimeout bounds the wait for the server to become healthy.
	DefaultStartupTimeout = 60 * time.Second

	// ServerLogFileName receives the runtime server's stdout and stderr.
	ServerLogFileName = "server.log"

	// RunLogFileName receives the JSON log stream of the run.
	RunLogFileName = "run.log"

	// DetailInstallMs is the summed install time of the run's workloads.
	DetailInstallMs = "install_ms"
)

// ErrAborted is returned when a fatal phase failed. The report is still
// complete and written.
var ErrAborted = errors.New("run aborted")

// Pipeline runs the phases of one system test.
type Pipeline interface {
	Run(ctx context.Context) (*Report, error)
}

// Report is the outcome of a run.
type Report struct {
	Run *result.RunResult
	// Dir holds metrics.json, result.json and the run's logs.
	Dir string
}

// Preparer readies an optional dependency of the install step.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Publisher ships a finished run somewhere. Failures are logged and never
// change the run's status.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, runDir string, run *result.RunResult) error
}

// Config for the pipeline.
type Config struct {
	ResultsDir string
	Owner      *fsutil.OwnerConfig
	Versions   result.Versions

	Host string
	Port int
	// LibraryEnv is merged over the library path derived from the runtime
	// archive.
	LibraryEnv     map[string]string
	CacheDir       string
	StartupTimeout time.Duration
	// Server carries the supervisor tuning; binary, args, env and log path
	// are filled in per run.
	Server supervisor.Config

	Catalog  []workload.Spec
	Resolver workload.ResolverConfig
	Executor executor.Config
}

// Deps are the collaborators of a run. The factories are optional and
// receive what earlier phases produced.
type Deps struct {
	Acquirer  artifact.Acquirer
	Converter Preparer
	Hardware  hardware.Collector
	Sampler   stats.Sampler
	Registry  workload.Registry

	NewClient     func(art *artifact.Artifacts) client.Client
	NewSupervisor func(art *artifact.Artifacts, runDir string, health supervisor.HealthChecker) supervisor.Supervisor
	NewReader     func(ctx context.Context, pid int) (stats.Reader, error)

	Publishers []Publisher
}

// NewPipeline creates a pipeline.
func NewPipeline(log logrus.FieldLogger, cfg *Config, deps *Deps) Pipeline {
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}

	p := &pipeline{
		log:  log.WithField("component", "pipeline"),
		base: log,
		cfg:  cfg,
		deps: deps,
	}

	if deps.NewClient == nil {
		deps.NewClient = p.defaultClient
	}

	if deps.NewSupervisor == nil {
		deps.NewSupervisor = p.defaultSupervisor
	}

	if deps.NewReader == nil {
		deps.NewReader = func(ctx context.Context, pid int) (stats.Reader, error) {
			return stats.NewProcessReader(ctx, log, pid)
		}
	}

	return p
}

type pipeline struct {
	log  logrus.FieldLogger
	base logrus.FieldLogger
	cfg  *Config
	deps *Deps
}

// Ensure interface compliance.
var _ Pipeline = (*pipeline)(nil)

// Endpoint returns the server base URL for host and port.
func Endpoint(host string, port int) string {
	return "http://" + host + ":" + strconv.Itoa(port)
}

// ServerArgs returns the runtime server command line for port.
func ServerArgs(port int) []string {
	return []string{"--http-port", strconv.Itoa(port)}
}

func (p *pipeline) defaultClient(art *artifact.Artifacts) client.Client {
	return client.NewClient(p.base, &client.Config{
		Endpoint: Endpoint(p.cfg.Host, p.cfg.Port),
		ToolPath: art.ToolBinary,
		CacheDir: p.cfg.CacheDir,
	})
}

func (p *pipeline) defaultSupervisor(
	art *artifact.Artifacts,
	runDir string,
	health supervisor.HealthChecker,
) supervisor.Supervisor {
	cfg := p.cfg.Server
	cfg.BinaryPath = art.RuntimeBinary
	cfg.Args = ServerArgs(p.cfg.Port)
	cfg.WorkDir = art.RuntimeDir
	cfg.LogPath = filepath.Join(runDir, ServerLogFileName)
	cfg.Owner = p.cfg.Owner

	cfg.Env = make(map[string]string, len(art.LibraryEnv)+len(p.cfg.LibraryEnv))
	for k, v := range art.LibraryEnv {
		cfg.Env[k] = v
	}

	for k, v := range p.cfg.LibraryEnv {
		cfg.Env[k] = v
	}

	return supervisor.NewSupervisor(p.base, &cfg, health)
}

// Run executes every phase and returns the finalized report. The runtime
// server is stopped exactly once on every exit path, panics included.
func (p *pipeline) Run(ctx context.Context) (*Report, error) {
	runID := uuid.NewString()
	runDir := filepath.Join(p.cfg.ResultsDir, fmt.Sprintf("%d_%s", time.Now().Unix(), runID[:8]))

	if err := fsutil.MkdirAll(runDir, 0755, p.cfg.Owner); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	detach, err := attachRunLog(p.base, filepath.Join(runDir, RunLogFileName), p.cfg.Owner)
	if err != nil {
		p.log.WithError(err).Warn("Failed to open run log")
	}

	defer detach()

	r := &run{
		p:   p,
		dir: runDir,
		log: p.log.WithField("run_id", runID),
		agg: result.NewAggregator(runID, p.cfg.Versions),
	}

	defer r.stopServer()

	// A panic still leaves an aborted result on disk before it propagates.
	defer func() {
		if rec := recover(); rec != nil {
			r.abortOnPanic(ctx, rec)
			panic(rec)
		}
	}()

	r.log.WithField("dir", runDir).Info("Starting system test run")

	r.resolve()
	r.execute(ctx)

	report, err := r.finalize(ctx)
	if err != nil {
		return report, err
	}

	if report.Run.Status == result.RunAborted {
		return report, fmt.Errorf("%w: %s", ErrAborted, r.abortedBy)
	}

	return report, nil
}

// run is the state of one pipeline execution.
type run struct {
	p   *pipeline
	dir string
	log logrus.FieldLogger
	agg *result.Aggregator

	plan    workload.Plan
	planErr error

	artifacts *artifact.Artifacts
	client    client.Client
	executor  executor.Executor
	server    supervisor.Supervisor
	crashed   bool

	crashGrace time.Duration

	abortedBy result.PhaseName
	stopOnce  sync.Once

	// current is the phase being executed and reached how many phases were
	// begun. finalizing is set once Finalize started.
	current    *result.PhaseResult
	reached    int
	finalizing bool
}

// Alive reports whether the runtime server is running.
func (r *run) Alive() bool {
	return r.server != nil && r.server.Alive()
}

// StderrTail returns the server's last stderr lines.
func (r *run) StderrTail() []string {
	if r.server == nil {
		return nil
	}

	return r.server.StderrTail()
}

// Exited is closed once the runtime server is gone. Nil before StartServer.
func (r *run) Exited() <-chan struct{} {
	if r.server == nil {
		return nil
	}

	return r.server.Exited()
}

// stopServer terminates the server. Only the first call has an effect.
func (r *run) stopServer() {
	r.stopOnce.Do(func() {
		if r.server == nil {
			return
		}

		if err := r.server.Stop(); err != nil {
			r.log.WithError(err).Warn("Failed to stop runtime server")
		}
	})
}

// resolve builds the test plan up front. An empty plan only fails the
// RunWorkloads phase.
func (r *run) resolve() {
	resolverCfg := r.p.cfg.Resolver
	resolver := workload.NewResolver(r.p.base, &resolverCfg, r.p.deps.Registry)

	plan, err := resolver.Resolve(r.p.cfg.Catalog)
	if err != nil {
		r.planErr = err
		r.log.WithError(err).Warn("No usable test plan")

		return
	}

	r.plan = plan

	// Every workload in scope appears in the result, even if the run aborts
	// before reaching it.
	for _, entry := range plan {
		r.agg.AddWorkload(entry.Spec.ID, entry.Spec.Name, string(entry.Spec.Category))
	}

	r.log.WithField("workloads", len(plan)).Info("Test plan resolved")
}
