package result

import (
	"time"
)

// PhaseName identifies one stage of the validation pipeline.
type PhaseName string

const (
	PhaseAcquireArtifacts     PhaseName = "AcquireArtifacts"
	PhaseStartServer          PhaseName = "StartServer"
	PhaseCollectHardwareFacts PhaseName = "CollectHardwareFacts"
	PhaseSampleIdle           PhaseName = "SampleIdle"
	PhaseRunWorkloads         PhaseName = "RunWorkloads"
	PhaseSampleLoaded         PhaseName = "SampleLoaded"
	PhaseFinalize             PhaseName = "Finalize"
)

// Status is the lifecycle state of a phase or a workload step.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Terminal reports whether s is a sealed state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// InvocationStatus is the outcome of a single inference request.
type InvocationStatus string

const (
	InvocationSuccess       InvocationStatus = "success"
	InvocationFailed        InvocationStatus = "failed"
	InvocationNotRegistered InvocationStatus = "not_registered"
	InvocationNotApplicable InvocationStatus = "not_applicable"
)

// Variant is the payload size of an invocation.
type Variant string

const (
	VariantSmall Variant = "small"
	VariantLarge Variant = "large"
)

// RunStatus is the overall outcome of a pipeline run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// PhaseResult records one pipeline phase. It is created running and sealed
// exactly once by Succeed, Fail or Skip.
type PhaseResult struct {
	Name       PhaseName        `json:"name"`
	Status     Status           `json:"status"`
	DurationMs int64            `json:"duration_ms"`
	ErrorKind  Kind             `json:"error_kind,omitempty"`
	Error      string           `json:"error,omitempty"`
	Details    map[string]int64 `json:"details,omitempty"`

	started time.Time
}

// NewPhase returns a running phase whose clock starts now.
func NewPhase(name PhaseName) *PhaseResult {
	return &PhaseResult{
		Name:    name,
		Status:  StatusRunning,
		started: time.Now(),
	}
}

// SetDetail records a named sub-timing on the phase.
func (p *PhaseResult) SetDetail(key string, value int64) {
	if p.Details == nil {
		p.Details = make(map[string]int64, 4)
	}

	p.Details[key] = value
}

// Succeed seals the phase as successful.
func (p *PhaseResult) Succeed() {
	p.seal(StatusSuccess)
}

// Fail seals the phase as failed, classifying err.
func (p *PhaseResult) Fail(err error) {
	if p.Status.Terminal() {
		return
	}

	p.seal(StatusFailed)

	if err != nil {
		p.ErrorKind = KindOf(err)
		p.Error = err.Error()
	}
}

// Skip seals the phase as skipped with an optional reason.
func (p *PhaseResult) Skip(reason string) {
	if p.Status.Terminal() {
		return
	}

	p.seal(StatusSkipped)
	p.Error = reason
}

func (p *PhaseResult) seal(status Status) {
	if p.Status.Terminal() {
		return
	}

	p.Status = status

	if !p.started.IsZero() {
		p.DurationMs = time.Since(p.started).Milliseconds()
	}
}

// StepResult records an install or register step of one workload.
type StepResult struct {
	Status     Status `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	ErrorKind  Kind   `json:"error_kind,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SkippedStep returns a step sealed as skipped.
func SkippedStep(reason string) *StepResult {
	return &StepResult{Status: StatusSkipped, Error: reason}
}

// Step seals a step from its duration and error.
func Step(d time.Duration, err error) *StepResult {
	if err != nil {
		return &StepResult{
			Status:     StatusFailed,
			DurationMs: d.Milliseconds(),
			ErrorKind:  KindOf(err),
			Error:      err.Error(),
		}
	}

	return &StepResult{Status: StatusSuccess, DurationMs: d.Milliseconds()}
}

// Succeeded reports whether the step completed successfully.
func (s *StepResult) Succeeded() bool {
	return s != nil && s.Status == StatusSuccess
}

// ValidationSummary counts output checks run against a response body.
type ValidationSummary struct {
	Passed   int      `json:"passed"`
	Failed   int      `json:"failed"`
	Messages []string `json:"messages,omitempty"`
}

// InvocationResult records one inference request. It is immutable once
// stored on a WorkloadResult.
type InvocationResult struct {
	Variant    Variant            `json:"variant"`
	Status     InvocationStatus   `json:"status"`
	LatencyMs  int64              `json:"latency_ms"`
	HTTPStatus int                `json:"http_status,omitempty"`
	ErrorKind  Kind               `json:"error_kind,omitempty"`
	Error      string             `json:"error,omitempty"`
	Validation *ValidationSummary `json:"validation,omitempty"`
	StderrTail []string           `json:"stderr_tail,omitempty"`
}

// Counted reports whether the invocation was attempted and contributes to
// the invocation totals.
func (i *InvocationResult) Counted() bool {
	return i.Status == InvocationSuccess || i.Status == InvocationFailed
}

// WorkloadResult groups the steps and invocations of one workload.
type WorkloadResult struct {
	ID          string                        `json:"id"`
	Name        string                        `json:"name"`
	Category    string                        `json:"category"`
	Install     *StepResult                   `json:"install,omitempty"`
	Register    *StepResult                   `json:"register,omitempty"`
	Invocations map[Variant]*InvocationResult `json:"invocations"`
}

// Invocation returns the result for variant, or nil.
func (w *WorkloadResult) Invocation(v Variant) *InvocationResult {
	return w.Invocations[v]
}

// SetInvocation stores the result for its variant.
func (w *WorkloadResult) SetInvocation(inv *InvocationResult) {
	if w.Invocations == nil {
		w.Invocations = make(map[Variant]*InvocationResult, 2)
	}

	w.Invocations[inv.Variant] = inv
}

// ResourceWindow aggregates resource samples taken over a bounded period.
// Available is false when no sample could be taken; the numeric fields are
// then meaningless.
type ResourceWindow struct {
	Available   bool    `json:"available"`
	AvgCPU      float64 `json:"avg_cpu"`
	MaxCPU      float64 `json:"max_cpu"`
	AvgMemMB    float64 `json:"avg_mem_mb"`
	MaxMemMB    float64 `json:"max_mem_mb"`
	SampleCount int     `json:"sample_count"`
	Reason      string  `json:"reason,omitempty"`
}

// Unavailable returns a window explicitly marked as having no data.
func Unavailable(reason string) *ResourceWindow {
	return &ResourceWindow{Reason: reason}
}

// HardwareFacts describes the host the run executed on.
type HardwareFacts struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	OSVersion     string  `json:"os_version"`
	KernelVersion string  `json:"kernel_version"`
	Arch          string  `json:"arch"`
	CPUModel      string  `json:"cpu_model"`
	CPUCores      int     `json:"cpu_cores"`
	CPUThreads    int     `json:"cpu_threads"`
	MemoryGB      float64 `json:"memory_gb"`
	DiskTotal     string  `json:"disk_total"`
	DiskAvailable string  `json:"disk_available"`
}

// Versions names the artifacts under validation.
type Versions struct {
	Runtime string `json:"runtime"`
	Tool    string `json:"tool"`
}

// Totals are derived from the workload results when a run is finalized.
type Totals struct {
	ModelsInstalled       int     `json:"models_installed"`
	TotalInvocations      int     `json:"total_inferences"`
	SuccessfulInvocations int     `json:"successful_inferences"`
	FailedInvocations     int     `json:"failed_inferences"`
	SuccessRate           float64 `json:"success_rate"`
}

// RunResult is the aggregate root of one pipeline run.
type RunResult struct {
	RunID         string                     `json:"run_id"`
	Status        RunStatus                  `json:"status"`
	StartedAt     time.Time                  `json:"started_at"`
	FinishedAt    time.Time                  `json:"finished_at"`
	Versions      Versions                   `json:"versions"`
	Hardware      *HardwareFacts             `json:"hardware,omitempty"`
	Phases        []*PhaseResult             `json:"phases"`
	WorkloadOrder []string                   `json:"workload_order"`
	Workloads     map[string]*WorkloadResult `json:"workloads"`
	Idle          *ResourceWindow            `json:"idle"`
	Loaded        *ResourceWindow            `json:"loaded"`
	Totals        Totals                     `json:"totals"`
}

// Phase returns the recorded phase with the given name, or nil.
func (r *RunResult) Phase(name PhaseName) *PhaseResult {
	for _, p := range r.Phases {
		if p.Name == name {
			return p
		}
	}

	return nil
}

// Duration is the wall-clock length of the run.
func (r *RunResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}

	return r.FinishedAt.Sub(r.StartedAt)
}
