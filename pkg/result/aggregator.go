package result

import (
	"sync"
	"time"
)

// Aggregator is the single write point for a RunResult. Phases are written
// by the sequential pipeline; workload updates may arrive from concurrent
// workers and are serialized here.
type Aggregator struct {
	mu  sync.Mutex
	run *RunResult
}

// NewAggregator starts a new run result.
func NewAggregator(runID string, versions Versions) *Aggregator {
	return &Aggregator{
		run: &RunResult{
			RunID:     runID,
			Status:    RunCompleted,
			StartedAt: time.Now().UTC(),
			Versions:  versions,
			Phases:    make([]*PhaseResult, 0, 7),
			Workloads: make(map[string]*WorkloadResult, 16),
		},
	}
}

// BeginPhase appends a running phase and returns it for sealing.
func (a *Aggregator) BeginPhase(name PhaseName) *PhaseResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := NewPhase(name)
	a.run.Phases = append(a.run.Phases, p)

	return p
}

// AddWorkload registers a workload in scope. Adding the same name twice is
// a no-op so that scope is fixed by the first caller.
func (a *Aggregator) AddWorkload(id, name, category string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.run.Workloads[name]; ok {
		return
	}

	a.run.Workloads[name] = &WorkloadResult{
		ID:          id,
		Name:        name,
		Category:    category,
		Invocations: make(map[Variant]*InvocationResult, 2),
	}
	a.run.WorkloadOrder = append(a.run.WorkloadOrder, name)
}

// UpdateWorkload applies fn to the named workload under the aggregator lock.
// Unknown names are ignored.
func (a *Aggregator) UpdateWorkload(name string, fn func(w *WorkloadResult)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if w, ok := a.run.Workloads[name]; ok {
		fn(w)
	}
}

// SetHardware stores the host facts.
func (a *Aggregator) SetHardware(h *HardwareFacts) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.run.Hardware = h
}

// SetIdle stores the idle resource window.
func (a *Aggregator) SetIdle(w *ResourceWindow) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.run.Idle = w
}

// SetLoaded stores the loaded resource window.
func (a *Aggregator) SetLoaded(w *ResourceWindow) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.run.Loaded = w
}

// Abort marks the run as aborted.
func (a *Aggregator) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.run.Status = RunAborted
}

// Finalize seals the run: missing resource windows are made explicit,
// workloads that never reached a step are marked, and totals are derived.
// The returned value must be treated as read-only.
func (a *Aggregator) Finalize() *RunResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	run := a.run
	run.FinishedAt = time.Now().UTC()

	// Windows are reported as a pair.
	if run.Idle == nil {
		run.Idle = Unavailable("not sampled")
	}

	if run.Loaded == nil {
		run.Loaded = Unavailable("not sampled")
	}

	for _, w := range run.Workloads {
		if w.Install == nil {
			w.Install = SkippedStep("not reached")
		}

		if w.Register == nil {
			w.Register = SkippedStep("not reached")
		}
	}

	run.Totals = ComputeTotals(run)

	return run
}

// ComputeTotals derives the run totals from its workload results.
func ComputeTotals(run *RunResult) Totals {
	var t Totals

	for _, w := range run.Workloads {
		if w.Install.Succeeded() {
			t.ModelsInstalled++
		}

		for _, inv := range w.Invocations {
			if !inv.Counted() {
				continue
			}

			t.TotalInvocations++

			if inv.Status == InvocationSuccess {
				t.SuccessfulInvocations++
			} else {
				t.FailedInvocations++
			}
		}
	}

	if t.TotalInvocations > 0 {
		t.SuccessRate = float64(t.SuccessfulInvocations) / float64(t.TotalInvocations) * 100
	}

	return t
}
