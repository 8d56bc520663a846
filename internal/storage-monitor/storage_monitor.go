// Package storagemonitor samples host disk, memory and CPU headroom.
package storagemonitor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

type DiskUsage struct {
	Path        string  `json:"path"`
	UsedPercent float64 `json:"used_percent"`
	FreeBytes   uint64  `json:"free_bytes"`
	TotalBytes  uint64  `json:"total_bytes"`
}

// Probe is implemented by HostProbe and by fakes in tests.
type Probe interface {
	Disk(ctx context.Context, path string) (DiskUsage, error)
	MemoryPercent(ctx context.Context) (float64, error)
	CPUPercent(ctx context.Context) (float64, error)
}

type HostProbe struct {
	// CPUSample is how long CPUPercent measures for.
	CPUSample time.Duration
}

func NewHostProbe() *HostProbe {
	return &HostProbe{CPUSample: 500 * time.Millisecond}
}

func (h *HostProbe) Disk(ctx context.Context, path string) (DiskUsage, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return DiskUsage{}, err
	}
	return DiskUsage{
		Path:        path,
		UsedPercent: usage.UsedPercent,
		FreeBytes:   usage.Free,
		TotalBytes:  usage.Total,
	}, nil
}

func (h *HostProbe) MemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (h *HostProbe) CPUPercent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, h.CPUSample, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

// StaticProbe returns fixed readings.
type StaticProbe struct {
	DiskUsage DiskUsage
	Memory    float64
	CPU       float64
	Err       error
}

func (s StaticProbe) Disk(ctx context.Context, path string) (DiskUsage, error) {
	usage := s.DiskUsage
	usage.Path = path
	return usage, s.Err
}

func (s StaticProbe) MemoryPercent(ctx context.Context) (float64, error) {
	return s.Memory, s.Err
}

func (s StaticProbe) CPUPercent(ctx context.Context) (float64, error) {
	return s.CPU, s.Err
}
