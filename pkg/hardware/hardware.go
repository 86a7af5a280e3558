// Package hardware collects a snapshot of the host the run executes on.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/docker/go-units"
	"github.com/mlOS-foundation/system-test/pkg/result"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// Collector gathers hardware facts.
type Collector interface {
	Collect(ctx context.Context) (*result.HardwareFacts, error)
}

// NewCollector creates a collector. Disk usage is reported for the
// filesystem holding diskPath.
func NewCollector(log logrus.FieldLogger, diskPath string) Collector {
	if diskPath == "" {
		diskPath = "/"
	}

	return &collector{
		log:      log.WithField("component", "hardware"),
		diskPath: diskPath,
	}
}

type collector struct {
	log      logrus.FieldLogger
	diskPath string
}

// Ensure interface compliance.
var _ Collector = (*collector)(nil)

// Collect reads host, cpu, memory and disk information. Individual probes
// that fail leave their fields empty; an error is only returned when every
// probe failed.
func (c *collector) Collect(ctx context.Context) (*result.HardwareFacts, error) {
	facts := &result.HardwareFacts{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	var errs []error

	if info, err := host.InfoWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("host info: %w", err))
	} else {
		facts.Hostname = info.Hostname
		facts.OSVersion = fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
		facts.KernelVersion = info.KernelVersion

		if info.KernelArch != "" {
			facts.Arch = info.KernelArch
		}
	}

	if infos, err := cpu.InfoWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cpu info: %w", err))
	} else if len(infos) > 0 {
		facts.CPUModel = infos[0].ModelName
	}

	if n, err := cpu.CountsWithContext(ctx, false); err != nil {
		errs = append(errs, fmt.Errorf("cpu cores: %w", err))
	} else {
		facts.CPUCores = n
	}

	if n, err := cpu.CountsWithContext(ctx, true); err != nil {
		errs = append(errs, fmt.Errorf("cpu threads: %w", err))
	} else {
		facts.CPUThreads = n
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		facts.MemoryGB = float64(vm.Total) / (1 << 30)
	}

	if usage, err := disk.UsageWithContext(ctx, c.diskPath); err != nil {
		errs = append(errs, fmt.Errorf("disk usage: %w", err))
	} else {
		facts.DiskTotal = units.HumanSize(float64(usage.Total))
		facts.DiskAvailable = units.HumanSize(float64(usage.Free))
	}

	const probes = 6
	if len(errs) == probes {
		return nil, errors.Join(errs...)
	}

	for _, err := range errs {
		c.log.WithError(err).Warn("Hardware probe failed")
	}

	c.log.WithFields(logrus.Fields{
		"cpu":    facts.CPUModel,
		"cores":  facts.CPUCores,
		"memory": units.HumanSize(facts.MemoryGB * (1 << 30)),
	}).Info("Collected hardware facts")

	return facts, nil
}
