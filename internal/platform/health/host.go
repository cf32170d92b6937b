package health

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostThresholds bound host resource usage before the checker reports
// unhealthy. A zero threshold disables that resource's check.
type HostThresholds struct {
	MaxCPUPercent  float64
	MaxMemPercent  float64
	MaxDiskPercent float64
	DiskPath       string
}

// DefaultHostThresholds leaves generous headroom: the daemon is
// considered unhealthy only when the host is effectively saturated.
func DefaultHostThresholds() HostThresholds {
	return HostThresholds{
		MaxCPUPercent:  95,
		MaxMemPercent:  95,
		MaxDiskPercent: 95,
		DiskPath:       "/",
	}
}

// HostResourceChecker reports unhealthy when host CPU, memory or disk
// usage crosses the given thresholds.
func HostResourceChecker(t HostThresholds) Checker {
	if t.DiskPath == "" {
		t.DiskPath = "/"
	}
	return func(ctx context.Context) error {
		if t.MaxCPUPercent > 0 {
			percents, err := cpu.PercentWithContext(ctx, 0, false)
			if err == nil && len(percents) > 0 && percents[0] > t.MaxCPUPercent {
				return &HealthError{Message: fmt.Sprintf("cpu usage %.1f%% above %.1f%%", percents[0], t.MaxCPUPercent)}
			}
		}
		if t.MaxMemPercent > 0 {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err == nil && vm.UsedPercent > t.MaxMemPercent {
				return &HealthError{Message: fmt.Sprintf("memory usage %.1f%% above %.1f%%", vm.UsedPercent, t.MaxMemPercent)}
			}
		}
		if t.MaxDiskPercent > 0 {
			usage, err := disk.UsageWithContext(ctx, t.DiskPath)
			if err == nil && usage.UsedPercent > t.MaxDiskPercent {
				return &HealthError{Message: fmt.Sprintf("disk usage %.1f%% above %.1f%%", usage.UsedPercent, t.MaxDiskPercent)}
			}
		}
		return nil
	}
}
