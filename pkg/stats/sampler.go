package stats

import (
	"context"
	"time"

	"github.com/mlOS-foundation/system-test/pkg/result"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultInterval is the time between samples.
	DefaultInterval = 1 * time.Second

	// DefaultDuration bounds one sampling window.
	DefaultDuration = 5 * time.Second
)

// SamplerConfig for the sampler.
type SamplerConfig struct {
	Interval time.Duration
	Duration time.Duration
}

// Sampler takes a bounded window of samples from a Reader.
type Sampler interface {
	// Start samples in the background and delivers exactly one window on
	// the returned channel once the duration elapses or ctx is done.
	Start(ctx context.Context, reader Reader) <-chan *result.ResourceWindow

	// Sample blocks until the window is complete.
	Sample(ctx context.Context, reader Reader) *result.ResourceWindow
}

// NewSampler creates a sampler.
func NewSampler(log logrus.FieldLogger, cfg *SamplerConfig) Sampler {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}

	if cfg.Duration == 0 {
		cfg.Duration = DefaultDuration
	}

	return &sampler{
		log: log.WithField("component", "sampler"),
		cfg: cfg,
	}
}

type sampler struct {
	log logrus.FieldLogger
	cfg *SamplerConfig
}

// Ensure interface compliance.
var _ Sampler = (*sampler)(nil)

// Start samples in a goroutine.
func (s *sampler) Start(ctx context.Context, reader Reader) <-chan *result.ResourceWindow {
	out := make(chan *result.ResourceWindow, 1)

	go func() {
		out <- s.Sample(ctx, reader)
		close(out)
	}()

	return out
}

// Sample reads at every interval tick until the duration elapses. A read
// error ends the window early.
func (s *sampler) Sample(ctx context.Context, reader Reader) *result.ResourceWindow {
	if reader == nil {
		return result.Unavailable("no process to sample")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Duration)
	defer cancel()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	samples := make([]Sample, 0, int(s.cfg.Duration/s.cfg.Interval)+1)

	var lastErr error

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			sample, err := reader.ReadSample(ctx)
			if err != nil {
				lastErr = err

				break loop
			}

			samples = append(samples, *sample)
		}
	}

	window := Summarize(samples)
	if !window.Available && lastErr != nil {
		window.Reason = lastErr.Error()
	}

	s.log.WithFields(logrus.Fields{
		"reader":    reader.Type(),
		"samples":   window.SampleCount,
		"available": window.Available,
	}).Debug("Sampling window complete")

	if lastErr != nil && window.Available {
		s.log.WithError(lastErr).Warn("Sampling ended early")
	}

	return window
}

// Summarize derives a window from samples. No samples yields an explicit
// unavailable window rather than zeros.
func Summarize(samples []Sample) *result.ResourceWindow {
	if len(samples) == 0 {
		return result.Unavailable("no samples collected")
	}

	w := &result.ResourceWindow{
		Available:   true,
		SampleCount: len(samples),
	}

	var cpuSum, memSum float64

	for _, s := range samples {
		cpuSum += s.CPUPercent
		memSum += s.MemoryMB

		if s.CPUPercent > w.MaxCPU {
			w.MaxCPU = s.CPUPercent
		}

		if s.MemoryMB > w.MaxMemMB {
			w.MaxMemMB = s.MemoryMB
		}
	}

	n := float64(len(samples))
	w.AvgCPU = min(cpuSum/n, w.MaxCPU)
	w.AvgMemMB = min(memSum/n, w.MaxMemMB)

	return w
}
