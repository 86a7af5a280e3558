package history

import "time"

// Run is one finished pipeline run, denormalized for listing.
type Run struct {
	ID             uint   `gorm:"primaryKey" json:"-"`
	RunID          string `gorm:"not null;uniqueIndex" json:"run_id"`
	Dir            string `json:"dir"`
	Status         string `gorm:"index" json:"status"`
	AbortedPhase   string `json:"aborted_phase,omitempty"`
	RuntimeVersion string `gorm:"index" json:"runtime_version"`
	ToolVersion    string `json:"tool_version"`
	Hostname       string `json:"hostname"`

	StartedAt  time.Time `gorm:"index" json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`

	// Denormalized totals.
	ModelsInstalled       int     `json:"models_installed"`
	TotalInvocations      int     `json:"total_inferences"`
	SuccessfulInvocations int     `json:"successful_inferences"`
	FailedInvocations     int     `json:"failed_inferences"`
	SuccessRate           float64 `json:"success_rate"`

	// Denormalized resource windows. Zero when unavailable.
	IdleAvgCPU     float64 `json:"idle_avg_cpu"`
	IdleMaxMemMB   float64 `json:"idle_max_mem_mb"`
	LoadedAvgCPU   float64 `json:"loaded_avg_cpu"`
	LoadedMaxMemMB float64 `json:"loaded_max_mem_mb"`

	// Full run result serialized as JSON.
	ResultJSON string `gorm:"type:text" json:"-"`

	IndexedAt time.Time `json:"indexed_at"`
}

// Workload is the outcome of one workload within a run.
type Workload struct {
	ID         uint   `gorm:"primaryKey" json:"-"`
	RunID      string `gorm:"not null;uniqueIndex:idx_workloads_run_name" json:"run_id"`
	Name       string `gorm:"not null;uniqueIndex:idx_workloads_run_name" json:"name"`
	WorkloadID string `json:"workload_id"`
	Category   string `gorm:"index" json:"category"`

	InstallStatus  string `json:"install_status"`
	InstallMs      int64  `json:"install_ms"`
	RegisterStatus string `json:"register_status"`
	RegisterMs     int64  `json:"register_ms"`

	SmallStatus    string `json:"small_status,omitempty"`
	SmallLatencyMs int64  `json:"small_latency_ms,omitempty"`
	LargeStatus    string `json:"large_status,omitempty"`
	LargeLatencyMs int64  `json:"large_latency_ms,omitempty"`

	// ErrorKind is the first failure recorded for the workload.
	ErrorKind string `gorm:"index" json:"error_kind,omitempty"`
}
