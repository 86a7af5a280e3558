// Package stats samples CPU and memory usage of a supervised process.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
)

// Sample is one resource reading of a process.
type Sample struct {
	CPUPercent float64 // CPU usage since the previous reading (100 = one core)
	MemoryMB   float64 // Resident set size (MiB)
	Timestamp  time.Time
}

// Reader is the interface for reading process resource stats.
type Reader interface {
	// ReadSample returns current resource metrics for the process.
	ReadSample(ctx context.Context) (*Sample, error)
	// Close releases any resources held by the reader.
	Close() error
	// Type returns the reader implementation type for logging.
	Type() string
}

// processReader implements Reader on top of gopsutil's process table.
type processReader struct {
	log  logrus.FieldLogger
	proc *process.Process
}

// Ensure interface compliance.
var _ Reader = (*processReader)(nil)

// NewProcessReader creates a reader for pid. It fails if the process does
// not exist.
func NewProcessReader(ctx context.Context, log logrus.FieldLogger, pid int) (Reader, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("opening process %d: %w", pid, err)
	}

	// The first Percent call only records a baseline.
	if _, err := proc.PercentWithContext(ctx, 0); err != nil {
		return nil, fmt.Errorf("priming cpu counter for %d: %w", pid, err)
	}

	return &processReader{
		log:  log.WithField("reader", "process"),
		proc: proc,
	}, nil
}

// Type returns the reader implementation type.
func (r *processReader) Type() string {
	return "process"
}

// Close releases any resources held by the reader.
func (r *processReader) Close() error {
	return nil
}

// ReadSample reads CPU since the previous call and the current RSS.
func (r *processReader) ReadSample(ctx context.Context) (*Sample, error) {
	running, err := r.proc.IsRunningWithContext(ctx)
	if err != nil || !running {
		return nil, fmt.Errorf("process %d not running", r.proc.Pid)
	}

	cpu, err := r.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("reading cpu: %w", err)
	}

	mem, err := r.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory: %w", err)
	}

	return &Sample{
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / (1024 * 1024),
		Timestamp:  time.Now(),
	}, nil
}
