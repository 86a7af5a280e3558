package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mlOS-foundation/system-test/pkg/fsutil"
)

const (
	// MetricsFileName is the report-facing metrics document.
	MetricsFileName = "metrics.json"

	// ResultFileName is the full run result.
	ResultFileName = "result.json"

	// Phase detail keys set during artifact acquisition.
	DetailRuntimeDownloadMs = "runtime_download_ms"
	DetailToolDownloadMs    = "tool_download_ms"
)

// Metrics is the stable document consumed by the report renderer.
type Metrics struct {
	Timestamp string                   `json:"timestamp"`
	RunID     string                   `json:"run_id"`
	Status    RunStatus                `json:"status"`
	Versions  Versions                 `json:"versions"`
	Hardware  *HardwareFacts           `json:"hardware"`
	Timings   MetricsTimings           `json:"timings"`
	Phases    []*PhaseResult           `json:"phases"`
	Resources MetricsResources         `json:"resources"`
	Models    map[string]*ModelMetrics `json:"models"`
	Totals    Totals                   `json:"totals"`
}

// MetricsTimings holds the run-level timings.
type MetricsTimings struct {
	RuntimeDownloadMs   int64   `json:"runtime_download_ms"`
	ToolDownloadMs      int64   `json:"tool_download_ms"`
	RuntimeStartupMs    int64   `json:"runtime_startup_ms"`
	TotalModelInstallMs int64   `json:"total_model_install_ms"`
	TotalRegisterMs     int64   `json:"total_register_ms"`
	TotalInferenceMs    int64   `json:"total_inference_ms"`
	TotalDurationS      float64 `json:"total_duration_s"`
}

// MetricsResources holds the idle and loaded resource windows.
type MetricsResources struct {
	Idle   *ResourceWindow `json:"idle"`
	Loaded *ResourceWindow `json:"loaded"`
}

// ModelMetrics is the per-workload row of the metrics document.
type ModelMetrics struct {
	ID                   string             `json:"id"`
	Category             string             `json:"category"`
	Tested               bool               `json:"tested"`
	InstallTimeMs        int64              `json:"install_time_ms"`
	InstallStatus        Status             `json:"install_status"`
	RegisterTimeMs       int64              `json:"register_time_ms"`
	RegisterStatus       Status             `json:"register_status"`
	InferenceStatus      InvocationStatus   `json:"inference_status"`
	InferenceTimeMs      int64              `json:"inference_time_ms"`
	InferenceLargeTested bool               `json:"inference_large_tested"`
	InferenceLargeStatus InvocationStatus   `json:"inference_large_status"`
	InferenceLargeTimeMs int64              `json:"inference_large_time_ms"`
	Validation           *ValidationSummary `json:"validation,omitempty"`
	ErrorKind            Kind               `json:"error_kind,omitempty"`
	Error                string             `json:"error,omitempty"`
	StderrTail           []string           `json:"stderr_tail,omitempty"`
}

// BuildMetrics projects a finalized run onto the metrics schema.
func BuildMetrics(run *RunResult) *Metrics {
	m := &Metrics{
		Timestamp: run.StartedAt.UTC().Format(time.RFC3339),
		RunID:     run.RunID,
		Status:    run.Status,
		Versions:  run.Versions,
		Hardware:  run.Hardware,
		Phases:    run.Phases,
		Resources: MetricsResources{
			Idle:   run.Idle,
			Loaded: run.Loaded,
		},
		Models: make(map[string]*ModelMetrics, len(run.Workloads)),
		Totals: run.Totals,
	}

	if p := run.Phase(PhaseAcquireArtifacts); p != nil {
		m.Timings.RuntimeDownloadMs = p.Details[DetailRuntimeDownloadMs]
		m.Timings.ToolDownloadMs = p.Details[DetailToolDownloadMs]
	}

	if p := run.Phase(PhaseStartServer); p != nil {
		m.Timings.RuntimeStartupMs = p.DurationMs
	}

	m.Timings.TotalDurationS = run.Duration().Seconds()

	for name, w := range run.Workloads {
		row := modelRow(w)
		m.Models[name] = row

		m.Timings.TotalModelInstallMs += row.InstallTimeMs
		m.Timings.TotalRegisterMs += row.RegisterTimeMs
		m.Timings.TotalInferenceMs += row.InferenceTimeMs + row.InferenceLargeTimeMs
	}

	return m
}

func modelRow(w *WorkloadResult) *ModelMetrics {
	row := &ModelMetrics{
		ID:                   w.ID,
		Category:             w.Category,
		InferenceStatus:      InvocationNotRegistered,
		InferenceLargeStatus: InvocationNotApplicable,
	}

	if w.Install != nil {
		row.InstallTimeMs = w.Install.DurationMs
		row.InstallStatus = w.Install.Status
		setError(row, w.Install.ErrorKind, w.Install.Error)
	}

	if w.Register != nil {
		row.RegisterTimeMs = w.Register.DurationMs
		row.RegisterStatus = w.Register.Status
		setError(row, w.Register.ErrorKind, w.Register.Error)
	}

	if small := w.Invocation(VariantSmall); small != nil {
		row.Tested = small.Counted()
		row.InferenceStatus = small.Status
		row.InferenceTimeMs = small.LatencyMs
		row.Validation = small.Validation
		row.StderrTail = small.StderrTail
		setError(row, small.ErrorKind, small.Error)
	}

	if large := w.Invocation(VariantLarge); large != nil {
		row.InferenceLargeTested = large.Counted()
		row.InferenceLargeStatus = large.Status
		row.InferenceLargeTimeMs = large.LatencyMs

		if len(row.StderrTail) == 0 {
			row.StderrTail = large.StderrTail
		}

		setError(row, large.ErrorKind, large.Error)
	}

	return row
}

// setError keeps the first classified failure of the workload.
func setError(row *ModelMetrics, kind Kind, msg string) {
	if row.ErrorKind != "" || kind == "" {
		return
	}

	row.ErrorKind = kind
	row.Error = msg
}

// WriteMetrics writes metrics.json into dir.
func WriteMetrics(dir string, run *RunResult, owner *fsutil.OwnerConfig) error {
	data, err := json.MarshalIndent(BuildMetrics(run), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metrics: %w", err)
	}

	if err := fsutil.WriteFile(filepath.Join(dir, MetricsFileName), data, 0644, owner); err != nil {
		return fmt.Errorf("writing %s: %w", MetricsFileName, err)
	}

	return nil
}

// WriteRunResult writes the full run result as result.json into dir.
func WriteRunResult(dir string, run *RunResult, owner *fsutil.OwnerConfig) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run result: %w", err)
	}

	if err := fsutil.WriteFile(filepath.Join(dir, ResultFileName), data, 0644, owner); err != nil {
		return fmt.Errorf("writing %s: %w", ResultFileName, err)
	}

	return nil
}

// ReadRunResult loads result.json from a run directory.
func ReadRunResult(dir string) (*RunResult, error) {
	data, err := os.ReadFile(filepath.Join(dir, ResultFileName))
	if err != nil {
		return nil, fmt.Errorf("reading run result: %w", err)
	}

	var run RunResult
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parsing run result: %w", err)
	}

	if run.RunID == "" {
		return nil, fmt.Errorf("run result in %s has no run_id", dir)
	}

	return &run, nil
}
