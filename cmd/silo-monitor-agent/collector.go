package main

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/EternisAI/silo-monitor/internal/registry"
	"github.com/EternisAI/silo-monitor/internal/telemetry"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
)

const (
	defaultCollectInterval = 15 * time.Second
	defaultCPUSample       = time.Second
)

// Collector reads host metrics through gopsutil. The source funcs are
// swapped out in tests.
type Collector struct {
	agentID   string
	cpuSample time.Duration
	diskPath  string
	now       func() time.Time

	cpuPercent func(context.Context, time.Duration, bool) ([]float64, error)
	cpuCounts  func(context.Context, bool) (int, error)
	loadAvg    func(context.Context) (*load.AvgStat, error)
	memory     func(context.Context) (*mem.VirtualMemoryStat, error)
	diskUsage  func(context.Context, string) (*disk.UsageStat, error)
	netIO      func(context.Context, bool) ([]psnet.IOCountersStat, error)
	hostInfo   func(context.Context) (*host.InfoStat, error)
}

func NewCollector(agentID string, config CollectorConfig) *Collector {
	cpuSample := config.CPUSample
	if cpuSample <= 0 {
		cpuSample = defaultCPUSample
	}
	diskPath := config.DiskPath
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{
		agentID:    agentID,
		cpuSample:  cpuSample,
		diskPath:   diskPath,
		now:        time.Now,
		cpuPercent: cpu.PercentWithContext,
		cpuCounts:  cpu.CountsWithContext,
		loadAvg:    load.AvgWithContext,
		memory:     mem.VirtualMemoryWithContext,
		diskUsage:  disk.UsageWithContext,
		netIO:      psnet.IOCountersWithContext,
		hostInfo:   host.InfoWithContext,
	}
}

// Sample takes one reading. Sources that fail are logged and left zero so a
// single broken source does not suppress the whole sample.
func (c *Collector) Sample(ctx context.Context) telemetry.MetricSample {
	sample := telemetry.MetricSample{
		AgentID:   c.agentID,
		Timestamp: c.now().UTC(),
	}

	if pct, err := c.cpuPercent(ctx, c.cpuSample, false); err != nil {
		slog.Warn("cpu percent failed", "error", err)
	} else if len(pct) > 0 {
		sample.CPU.UsagePercent = pct[0]
	}
	if n, err := c.cpuCounts(ctx, true); err == nil {
		sample.CPU.Cores = n
	}
	if avg, err := c.loadAvg(ctx); err != nil {
		slog.Debug("load average unavailable", "error", err)
	} else {
		sample.CPU.Load1, sample.CPU.Load5, sample.CPU.Load15 = avg.Load1, avg.Load5, avg.Load15
	}

	if vm, err := c.memory(ctx); err != nil {
		slog.Warn("virtual memory failed", "error", err)
	} else {
		sample.Memory = telemetry.MemoryReading{
			Total:        vm.Total,
			Used:         vm.Used,
			UsagePercent: vm.UsedPercent,
		}
	}

	if du, err := c.diskUsage(ctx, c.diskPath); err != nil {
		slog.Warn("disk usage failed", "path", c.diskPath, "error", err)
	} else {
		sample.Disk = telemetry.DiskReading{
			Path:         du.Path,
			Total:        du.Total,
			Used:         du.Used,
			UsagePercent: du.UsedPercent,
		}
	}

	if counters, err := c.netIO(ctx, false); err != nil {
		slog.Warn("network counters failed", "error", err)
	} else if len(counters) > 0 {
		sample.Network = telemetry.NetworkReading{
			BytesSent:   counters[0].BytesSent,
			BytesRecv:   counters[0].BytesRecv,
			PacketsSent: counters[0].PacketsSent,
			PacketsRecv: counters[0].PacketsRecv,
		}
	}

	return sample
}

func (c *Collector) SystemInfo(ctx context.Context) *registry.SystemInfo {
	info := &registry.SystemInfo{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		CPUCount:     runtime.NumCPU(),
		AgentVersion: AppVersion,
	}

	if h, err := c.hostInfo(ctx); err != nil {
		slog.Warn("host info failed", "error", err)
	} else {
		info.Hostname = h.Hostname
		info.OS = h.OS
		info.Platform = h.Platform
		info.KernelVersion = h.KernelVersion
		if h.KernelArch != "" {
			info.Arch = h.KernelArch
		}
	}
	if vm, err := c.memory(ctx); err == nil {
		info.MemoryTotal = vm.Total
	}
	return info
}

// Run samples every interval and hands each reading to send until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration, send func(telemetry.MetricSample) error) {
	if interval <= 0 {
		interval = defaultCollectInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(c.Sample(ctx)); err != nil {
				slog.Warn("Failed to queue metric sample", "error", err)
			}
		}
	}
}
