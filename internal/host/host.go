// Package host reads a small snapshot of the managed machine for the agent
// info endpoint.
package host

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/ngenohkevin/unitbus/internal/logger"
)

// GetInfo retrieves system host information
func GetInfo(ctx context.Context) (*Info, error) {
	info, err := gohost.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get host info: %w", err)
	}

	return &Info{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		KernelArch:      info.KernelArch,
		Uptime:          info.Uptime,
		UptimeHuman:     formatUptime(info.Uptime),
		BootTime:        info.BootTime,
		Procs:           info.Procs,
	}, nil
}

// Collect builds a Snapshot. Only the host identity is required; the other
// sections are left out when the platform cannot report them.
func Collect(ctx context.Context, systemDir string) (*Snapshot, error) {
	info, err := GetInfo(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Host: *info}
	log := logger.For("host")

	if c, err := getCPU(ctx); err == nil {
		snap.CPU = c
	} else {
		log.Debugw("cpu info unavailable", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.Load = &Load{Load1: avg.Load1, Load5: avg.Load5, Load15: avg.Load15}
	} else {
		log.Debugw("load average unavailable", "error", err)
	}

	if vmem, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.Memory = &Memory{Total: vmem.Total, Available: vmem.Available, UsedPercent: vmem.UsedPercent}
		// Swap might not be available
		if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
			snap.Memory.SwapTotal = swap.Total
			snap.Memory.SwapUsed = swap.Used
		}
	} else {
		log.Debugw("memory stats unavailable", "error", err)
	}

	if systemDir != "" {
		if usage, err := disk.UsageWithContext(ctx, systemDir); err == nil {
			snap.SystemDir = &DirUsage{
				Path:        usage.Path,
				Fstype:      usage.Fstype,
				Total:       usage.Total,
				Free:        usage.Free,
				UsedPercent: usage.UsedPercent,
			}
		} else {
			log.Debugw("system dir usage unavailable", "dir", systemDir, "error", err)
		}
	}
	return snap, nil
}

func getCPU(ctx context.Context) (*CPU, error) {
	logical, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to count cpus: %w", err)
	}
	physical, err := cpu.CountsWithContext(ctx, false)
	if err != nil || physical == 0 {
		physical = logical
	}

	c := &CPU{Cores: physical, Logical: logical}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		c.ModelName = infos[0].ModelName
		c.Mhz = infos[0].Mhz
	}
	return c, nil
}

// formatUptime converts uptime seconds to human readable format
func formatUptime(seconds uint64) string {
	duration := time.Duration(seconds) * time.Second

	days := int(duration.Hours() / 24)
	hours := int(duration.Hours()) % 24
	minutes := int(duration.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
