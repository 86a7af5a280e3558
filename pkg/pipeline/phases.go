package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/mlOS-foundation/system-test/pkg/executor"
	"github.com/mlOS-foundation/system-test/pkg/result"
	"github.com/sirupsen/logrus"
)

// phase is one step of the pipeline. A fatal phase failure aborts the run.
type phase struct {
	name  result.PhaseName
	fatal bool
	fn    func(ctx context.Context, p *result.PhaseResult) error
}

func (r *run) phases() []phase {
	return []phase{
		{name: result.PhaseAcquireArtifacts, fatal: true, fn: r.acquireArtifacts},
		{name: result.PhaseStartServer, fatal: true, fn: r.startServer},
		{name: result.PhaseCollectHardwareFacts, fn: r.collectHardwareFacts},
		{name: result.PhaseSampleIdle, fn: r.sampleIdle},
		{name: result.PhaseRunWorkloads, fn: r.runWorkloads},
		{name: result.PhaseSampleLoaded, fn: r.sampleLoaded},
	}
}

// execute runs the phases in order. After an abort the remaining phases
// are recorded as skipped.
func (r *run) execute(ctx context.Context) {
	for i, ph := range r.phases() {
		pr := r.agg.BeginPhase(ph.name)
		log := r.log.WithField("phase", ph.name)

		r.current, r.reached = pr, i+1

		if r.abortedBy != "" {
			pr.Skip(fmt.Sprintf("run aborted in %s", r.abortedBy))

			continue
		}

		if err := ctx.Err(); err != nil {
			pr.Fail(fmt.Errorf("run cancelled: %w", err))
			r.abort(ph.name)
			log.WithError(err).Error("Run cancelled")

			continue
		}

		log.Info("Phase started")

		err := ph.fn(ctx, pr)

		switch {
		case err == nil:
			pr.Succeed()
			log.WithFields(logrus.Fields{
				"status":      pr.Status,
				"duration_ms": pr.DurationMs,
			}).Info("Phase finished")
		case ph.fatal:
			pr.Fail(err)
			r.abort(ph.name)
			log.WithError(err).WithField("error_kind", pr.ErrorKind).Error("Fatal phase failed, aborting run")
		default:
			pr.Fail(err)
			log.WithError(err).WithField("error_kind", pr.ErrorKind).Warn("Phase failed, continuing")
		}
	}
}

func (r *run) abort(name result.PhaseName) {
	r.abortedBy = name
	r.agg.Abort()
}

// abortOnPanic fails the phase that panicked, skips the phases never reached
// and finalizes the run as aborted. A panic inside Finalize is only logged.
func (r *run) abortOnPanic(ctx context.Context, rec any) {
	err := fmt.Errorf("panic: %v", rec)

	if r.finalizing {
		r.log.WithError(err).Error("Panic while finalizing run")

		return
	}

	phases := r.phases()
	name := result.PhaseAcquireArtifacts

	if r.current != nil {
		name = r.current.Name
		r.current.Fail(err)
	}

	r.abort(name)
	r.log.WithError(err).WithField("phase", name).Error("Phase panicked, aborting run")

	for _, ph := range phases[r.reached:] {
		r.agg.BeginPhase(ph.name).Skip(fmt.Sprintf("run aborted in %s", name))
	}

	if _, ferr := r.finalize(ctx); ferr != nil {
		r.log.WithError(ferr).Error("Failed to write aborted run result")
	}
}

// acquireArtifacts resolves the binaries, then installs every workload of
// the plan so that installs happen before the server starts.
func (r *run) acquireArtifacts(ctx context.Context, pr *result.PhaseResult) error {
	deps := r.p.deps

	art, err := deps.Acquirer.Acquire(ctx)
	if err != nil {
		return err
	}

	r.artifacts = art

	pr.SetDetail(result.DetailRuntimeDownloadMs, art.RuntimeDownload.Milliseconds())
	pr.SetDetail(result.DetailToolDownloadMs, art.ToolDownload.Milliseconds())

	r.client = deps.NewClient(art)

	execCfg := r.p.cfg.Executor
	r.executor = executor.NewExecutor(r.p.base, &execCfg, r.client, r, r.agg)
	r.crashGrace = execCfg.CrashGrace

	if r.planErr != nil {
		return nil
	}

	if deps.Converter != nil {
		if err := deps.Converter.Prepare(ctx); err != nil {
			r.log.WithError(err).Warn("Converter image unavailable, installs may fail to convert")
		}
	}

	summary := r.executor.InstallAll(ctx, r.plan)
	pr.SetDetail(DetailInstallMs, summary.StepTime.Milliseconds())

	return nil
}

func (r *run) startServer(ctx context.Context, _ *result.PhaseResult) error {
	r.server = r.p.deps.NewSupervisor(r.artifacts, r.dir, r.client)

	if err := r.server.Start(ctx); err != nil {
		return result.Errorf(result.KindCrashedOnStartup, err, "launching runtime server")
	}

	outcome, err := r.server.AwaitHealthy(ctx, r.p.cfg.StartupTimeout)
	if err != nil {
		return err
	}

	r.log.WithFields(logrus.Fields{
		"pid":      r.server.PID(),
		"endpoint": r.client.Endpoint(),
		"outcome":  outcome,
	}).Info("Runtime server healthy")

	return nil
}

func (r *run) collectHardwareFacts(ctx context.Context, _ *result.PhaseResult) error {
	facts, err := r.p.deps.Hardware.Collect(ctx)
	if err != nil {
		return err
	}

	r.agg.SetHardware(facts)

	return nil
}

func (r *run) sampleIdle(ctx context.Context, _ *result.PhaseResult) error {
	return r.sample(ctx, "idle", r.agg.SetIdle)
}

func (r *run) runWorkloads(ctx context.Context, pr *result.PhaseResult) error {
	if r.planErr != nil {
		return result.Errorf(result.KindNoTestPlan, r.planErr, "resolving test plan")
	}

	summary := r.executor.RunAll(ctx, r.plan)

	// Only failed invocations can point at a dying server, so only they pay
	// for the wait on its exit.
	grace := time.Duration(0)
	if summary.Failed > 0 {
		grace = r.crashGrace
	}

	r.crashed = summary.Crashed || executor.ExitedWithin(r, grace)

	pr.SetDetail("workloads_succeeded", int64(summary.Succeeded))
	pr.SetDetail("workloads_failed", int64(summary.Failed))
	pr.SetDetail("workloads_skipped", int64(summary.Skipped))

	if r.crashed {
		r.log.WithField("stderr_tail", r.server.StderrTail()).Error("Runtime server crashed during workloads")
	}

	return nil
}

func (r *run) sampleLoaded(ctx context.Context, pr *result.PhaseResult) error {
	if r.crashed {
		r.agg.SetLoaded(result.Unavailable("runtime server crashed"))
		pr.Skip("runtime server crashed")

		return nil
	}

	return r.sample(ctx, "loaded", r.agg.SetLoaded)
}

// sample takes one resource window of the server process. The window is
// always recorded, explicitly unavailable when nothing could be measured.
func (r *run) sample(ctx context.Context, window string, set func(*result.ResourceWindow)) error {
	reader, err := r.p.deps.NewReader(ctx, r.server.PID())
	if err != nil {
		set(result.Unavailable(err.Error()))

		return result.Errorf(result.KindSamplingUnavailable, err, "opening %s sampler", window)
	}

	defer func() { _ = reader.Close() }()

	w := <-r.p.deps.Sampler.Start(ctx, reader)
	set(w)

	if !w.Available {
		return result.Errorf(result.KindSamplingUnavailable, nil, "%s window: %s", window, w.Reason)
	}

	r.log.WithFields(logrus.Fields{
		"window":     window,
		"avg_cpu":    w.AvgCPU,
		"max_mem_mb": w.MaxMemMB,
		"samples":    w.SampleCount,
	}).Info("Resource window sampled")

	return nil
}

// finalize stops the server, seals the result and writes it. Publishing
// failures are logged only, and publishing outlives a cancelled run.
func (r *run) finalize(ctx context.Context) (*Report, error) {
	r.finalizing = true
	ctx = context.WithoutCancel(ctx)
	pr := r.agg.BeginPhase(result.PhaseFinalize)

	r.stopServer()

	res := r.agg.Finalize()
	pr.Succeed()

	report := &Report{Run: res, Dir: r.dir}

	if err := result.WriteMetrics(r.dir, res, r.p.cfg.Owner); err != nil {
		return report, err
	}

	if err := result.WriteRunResult(r.dir, res, r.p.cfg.Owner); err != nil {
		return report, err
	}

	r.log.WithFields(logrus.Fields{
		"status":       res.Status,
		"success_rate": res.Totals.SuccessRate,
		"invocations":  res.Totals.TotalInvocations,
		"duration":     res.Duration(),
	}).Info("Run finished")

	for _, pub := range r.p.deps.Publishers {
		if err := pub.Publish(ctx, r.dir, res); err != nil {
			r.log.WithError(err).WithField("publisher", pub.Name()).Warn("Failed to publish run")

			continue
		}

		r.log.WithField("publisher", pub.Name()).Info("Run published")
	}

	return report, nil
}
