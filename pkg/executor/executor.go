// Package executor installs, registers and invokes the workloads of a test
// plan against the runtime.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mlOS-foundation/system-test/pkg/client"
	"github.com/mlOS-foundation/system-test/pkg/result"
	"github.com/mlOS-foundation/system-test/pkg/validate"
	"github.com/mlOS-foundation/system-test/pkg/workload"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// DefaultConcurrency is the worker pool size in parallel mode.
	DefaultConcurrency = 4

	// DefaultCrashGrace bounds how long a failed invocation waits for the
	// server process to be reaped before the failure is classified.
	DefaultCrashGrace = 2 * time.Second
)

// ProcessMonitor reports on the supervised server.
type ProcessMonitor interface {
	Alive() bool
	StderrTail() []string
	// Exited is closed once the process is gone and its output drained.
	Exited() <-chan struct{}
}

// ExitedWithin reports whether the monitored process is gone or goes away
// within grace. A connection reset usually arrives before the dying process
// is reaped, so Alive alone misses most crashes.
func ExitedWithin(monitor ProcessMonitor, grace time.Duration) bool {
	if monitor == nil {
		return false
	}

	if !monitor.Alive() {
		return true
	}

	exited := monitor.Exited()
	if exited == nil || grace <= 0 {
		return false
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-exited:
		return true
	case <-timer.C:
		return false
	}
}

// Executor drives workloads through their steps. A failing workload never
// stops the others.
type Executor interface {
	// InstallAll installs every applicable workload that is not already
	// installed and records the install step of each.
	InstallAll(ctx context.Context, plan workload.Plan) *Summary

	// RunAll registers and invokes every workload of the plan.
	RunAll(ctx context.Context, plan workload.Plan) *Summary
}

// Summary of one executor pass.
type Summary struct {
	Workloads int
	Succeeded int
	Failed    int
	Skipped   int
	// StepTime is the summed duration of the performed steps.
	StepTime time.Duration
	// Crashed is set when the server died while workloads were invoked.
	Crashed bool
}

// Config for the executor.
type Config struct {
	Timeouts    Timeouts
	Parallel    bool
	Concurrency int
	// InvokeRateLimit caps inference requests per second. Zero disables it.
	InvokeRateLimit float64
	// CrashGrace is how long a transport failure waits for the server to
	// exit before it is reported as an ordinary invocation error.
	CrashGrace time.Duration
}

// NewExecutor creates an executor writing into agg.
func NewExecutor(
	log logrus.FieldLogger,
	cfg *Config,
	rt client.Client,
	monitor ProcessMonitor,
	agg *result.Aggregator,
) Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	if cfg.CrashGrace == 0 {
		cfg.CrashGrace = DefaultCrashGrace
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.InvokeRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.InvokeRateLimit), 1)
	}

	return &executor{
		log:     log.WithField("component", "executor"),
		cfg:     cfg,
		runtime: rt,
		monitor: monitor,
		agg:     agg,
		limiter: limiter,
	}
}

type executor struct {
	log     logrus.FieldLogger
	cfg     *Config
	runtime client.Client
	monitor ProcessMonitor
	agg     *result.Aggregator
	limiter *rate.Limiter
}

// Ensure interface compliance.
var _ Executor = (*executor)(nil)

// outcome is what one workload contributes to a Summary.
type outcome struct {
	status   result.Status
	stepTime time.Duration
	crashed  bool
}

// forEach runs fn for every entry, sequentially or on a bounded pool. In
// parallel mode in-flight workloads drain instead of being cancelled.
func (e *executor) forEach(plan workload.Plan, fn func(entry *workload.Entry) outcome) *Summary {
	outcomes := make([]outcome, len(plan))

	if !e.cfg.Parallel {
		for i, entry := range plan {
			outcomes[i] = fn(entry)
		}
	} else {
		var g errgroup.Group

		g.SetLimit(e.cfg.Concurrency)

		for i, entry := range plan {
			g.Go(func() error {
				outcomes[i] = fn(entry)

				return nil
			})
		}

		_ = g.Wait()
	}

	summary := &Summary{Workloads: len(plan)}

	for _, o := range outcomes {
		summary.StepTime += o.stepTime
		summary.Crashed = summary.Crashed || o.crashed

		switch o.status {
		case result.StatusSuccess:
			summary.Succeeded++
		case result.StatusFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
	}

	return summary
}

// InstallAll records the install step of every workload.
func (e *executor) InstallAll(ctx context.Context, plan workload.Plan) *Summary {
	for _, entry := range plan {
		e.agg.AddWorkload(entry.Spec.ID, entry.Spec.Name, string(entry.Spec.Category))
	}

	summary := e.forEach(plan, func(entry *workload.Entry) outcome {
		return e.install(ctx, entry)
	})

	e.log.WithFields(logrus.Fields{
		"workloads": summary.Workloads,
		"installed": summary.Succeeded,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
		"duration":  summary.StepTime,
	}).Info("Install pass complete")

	return summary
}

func (e *executor) install(ctx context.Context, entry *workload.Entry) outcome {
	spec := &entry.Spec
	log := e.log.WithField("workload", spec.Name)

	var (
		step    *result.StepResult
		elapsed time.Duration
	)

	switch {
	case !entry.Applicable():
		step = result.SkippedStep("no payload generator for category " + string(spec.Category))
	case entry.AlreadyInstalled:
		log.WithField("path", entry.ArtifactPath).Info("Workload already installed")

		step = result.Step(0, nil)
	default:
		timeout := e.cfg.Timeouts.For(spec.Category).Install

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		path, err := e.runtime.Install(stepCtx, spec.ID)
		elapsed = time.Since(start)
		deadlineErr := stepCtx.Err()
		cancel()

		// An install that overran its deadline never counts as success.
		if errors.Is(deadlineErr, context.DeadlineExceeded) && result.KindOf(err) != result.KindTimeout {
			err = result.Errorf(result.KindTimeout, err, "install of %s exceeded %s", spec.ID, timeout)
		}

		if err != nil {
			log.WithError(err).WithField("error_kind", result.KindOf(err)).Warn("Install failed")
		} else {
			entry.ArtifactPath = path
			log.WithField("duration_ms", elapsed.Milliseconds()).Info("Workload installed")
		}

		step = result.Step(elapsed, err)
	}

	e.agg.UpdateWorkload(spec.Name, func(w *result.WorkloadResult) {
		w.Install = step
	})

	return outcome{status: step.Status, stepTime: elapsed}
}

// RunAll registers and invokes every workload.
func (e *executor) RunAll(ctx context.Context, plan workload.Plan) *Summary {
	for _, entry := range plan {
		e.agg.AddWorkload(entry.Spec.ID, entry.Spec.Name, string(entry.Spec.Category))
	}

	summary := e.forEach(plan, func(entry *workload.Entry) outcome {
		return e.run(ctx, entry)
	})

	e.log.WithFields(logrus.Fields{
		"workloads": summary.Workloads,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
		"crashed":   summary.Crashed,
	}).Info("Workload pass complete")

	return summary
}

func (e *executor) run(ctx context.Context, entry *workload.Entry) outcome {
	spec := &entry.Spec
	log := e.log.WithField("workload", spec.Name)

	var installed bool

	e.agg.UpdateWorkload(spec.Name, func(w *result.WorkloadResult) {
		installed = w.Install.Succeeded()
	})

	if !entry.Applicable() {
		e.agg.UpdateWorkload(spec.Name, func(w *result.WorkloadResult) {
			w.Register = result.SkippedStep("not applicable")
			w.SetInvocation(&result.InvocationResult{
				Variant: result.VariantSmall,
				Status:  result.InvocationNotApplicable,
			})
		})

		return outcome{status: result.StatusSkipped}
	}

	if !installed {
		e.markNotRegistered(entry, result.SkippedStep("install did not succeed"))

		return outcome{status: result.StatusSkipped}
	}

	timeouts := e.cfg.Timeouts.For(spec.Category)

	regCtx, cancel := context.WithTimeout(ctx, timeouts.Register)
	start := time.Now()
	err := e.runtime.Register(regCtx, spec.ID, entry.ArtifactPath)
	regTime := time.Since(start)
	cancel()

	if errors.Is(err, client.ErrAlreadyRegistered) {
		log.Debug("Workload already registered")

		err = nil
	}

	if err != nil {
		log.WithError(err).WithField("error_kind", result.KindOf(err)).Warn("Registration failed")
		e.markNotRegistered(entry, result.Step(regTime, err))

		return outcome{status: result.StatusFailed, stepTime: regTime}
	}

	e.agg.UpdateWorkload(spec.Name, func(w *result.WorkloadResult) {
		w.Register = result.Step(regTime, nil)
	})

	out := outcome{status: result.StatusSuccess, stepTime: regTime}

	checker := e.validatorFor(spec, log)

	for _, variant := range entry.Variants() {
		inv := e.invoke(ctx, entry, variant, timeouts.Invoke, checker)

		e.agg.UpdateWorkload(spec.Name, func(w *result.WorkloadResult) {
			w.SetInvocation(inv)
		})

		out.stepTime += time.Duration(inv.LatencyMs) * time.Millisecond

		if inv.Status != result.InvocationSuccess {
			out.status = result.StatusFailed
		}

		if inv.ErrorKind == result.KindCrashedMidRun {
			out.crashed = true
		}
	}

	return out
}

// markNotRegistered records a failed or skipped register step and marks
// every variant as not registered.
func (e *executor) markNotRegistered(entry *workload.Entry, step *result.StepResult) {
	e.agg.UpdateWorkload(entry.Spec.Name, func(w *result.WorkloadResult) {
		w.Register = step

		for _, v := range entry.Variants() {
			w.SetInvocation(&result.InvocationResult{
				Variant: v,
				Status:  result.InvocationNotRegistered,
			})
		}
	})
}

func (e *executor) validatorFor(spec *workload.Spec, log logrus.FieldLogger) *validate.ComposedValidator {
	if !spec.NeedsValueCheck() {
		return nil
	}

	v, err := validate.FromRules(spec.Validate)
	if err != nil {
		log.WithError(err).Warn("Invalid validation rules, skipping value checks")

		return nil
	}

	return v
}

func (e *executor) invoke(
	ctx context.Context,
	entry *workload.Entry,
	variant result.Variant,
	timeout time.Duration,
	checker *validate.ComposedValidator,
) *result.InvocationResult {
	spec := &entry.Spec
	log := e.log.WithFields(logrus.Fields{"workload": spec.Name, "variant": variant})

	inv := &result.InvocationResult{Variant: variant}

	payload, err := entry.Generator.Generate(spec, variant)
	if err != nil {
		inv.Status = result.InvocationNotApplicable
		inv.Error = err.Error()
		log.WithError(err).Warn("Could not generate payload")

		return inv
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return e.fail(inv, log, result.Errorf(result.KindInvocationTimeout, err, "waiting for rate limiter"))
	}

	invCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := e.runtime.Invoke(invCtx, spec.ID, payload)
	if err != nil {
		if ExitedWithin(e.monitor, e.cfg.CrashGrace) {
			crash := result.Errorf(result.KindCrashedMidRun, err, "runtime server died while invoking %s", spec.ID)
			crash.Stderr = e.monitor.StderrTail()
			inv.StderrTail = crash.Stderr

			return e.fail(inv, log, crash)
		}

		return e.fail(inv, log, err)
	}

	inv.LatencyMs = resp.Latency.Milliseconds()
	inv.HTTPStatus = resp.Status

	if !resp.OK() {
		httpErr := result.Errorf(result.KindInvocationHTTPError, nil, "inference returned %s", truncateBody(resp.Body))
		httpErr.Status = resp.Status

		return e.fail(inv, log, httpErr)
	}

	if msg, failed := bodyReportsError(resp.Body); failed {
		httpErr := result.Errorf(result.KindInvocationHTTPError, nil, "inference error: %s", msg)
		httpErr.Status = resp.Status

		return e.fail(inv, log, httpErr)
	}

	inv.Status = result.InvocationSuccess

	if checker != nil {
		inv.Validation = checker.Summarize(resp.Body)

		if inv.Validation.Failed > 0 {
			log.WithField("messages", inv.Validation.Messages).Warn("Output validation failed")
		}
	}

	log.WithField("latency_ms", inv.LatencyMs).Info("Invocation succeeded")

	return inv
}

func (e *executor) fail(inv *result.InvocationResult, log logrus.FieldLogger, err error) *result.InvocationResult {
	inv.Status = result.InvocationFailed
	inv.ErrorKind = result.KindOf(err)
	inv.Error = err.Error()

	log.WithError(err).WithField("error_kind", inv.ErrorKind).Warn("Invocation failed")

	return inv
}

// bodyReportsError detects a 2xx response whose JSON body carries
// "status": "error".
func bodyReportsError(body []byte) (string, bool) {
	var parsed struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}

	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Status != "error" {
		return "", false
	}

	if parsed.Message != "" {
		return parsed.Message, true
	}

	if parsed.Error != "" {
		return parsed.Error, true
	}

	return "unspecified", true
}

func truncateBody(body []byte) string {
	const limit = 256

	if len(body) == 0 {
		return "empty body"
	}

	if len(body) > limit {
		return fmt.Sprintf("%s...", body[:limit])
	}

	return string(body)
}
