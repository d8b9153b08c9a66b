package monitor

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"
)

// HostStats is the /stats payload. CPUTemp is nil on hosts without a
// recognised thermal sensor.
type HostStats struct {
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	MemoryUsedGB  float64  `json:"memory_used_gb"`
	MemoryTotalGB float64  `json:"memory_total_gb"`
	CPUTemp       *float64 `json:"cpu_temp"`
}

type MemoryReading struct {
	UsedPercent float64
	Used        uint64
	Total       uint64
}

type TempReading struct {
	Key     string
	Celsius float64
}

// Sensor prefixes tried in order: the Raspberry Pi SoC (hwmon and thermal
// zone spellings) then Intel coretemp.
var thermalPrefixes = []string{"cpu_thermal", "cpu-thermal", "coretemp"}

// HostCollector samples host CPU, memory and temperature. The sampling funcs
// default to gopsutil and are replaceable for tests.
type HostCollector struct {
	CPUWindow time.Duration
	CPU       func(ctx context.Context, window time.Duration) (float64, error)
	Memory    func(ctx context.Context) (MemoryReading, error)
	Temps     func(ctx context.Context) ([]TempReading, error)
}

func NewHostCollector() *HostCollector {
	return &HostCollector{
		CPUWindow: time.Second,
		CPU:       gopsutilCPU,
		Memory:    gopsutilMemory,
		Temps:     gopsutilTemps,
	}
}

func gopsutilCPU(ctx context.Context, window time.Duration) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, window, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, errors.New("no cpu samples")
	}
	return pct[0], nil
}

func gopsutilMemory(ctx context.Context) (MemoryReading, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return MemoryReading{}, err
	}
	return MemoryReading{UsedPercent: vm.UsedPercent, Used: vm.Used, Total: vm.Total}, nil
}

func gopsutilTemps(ctx context.Context) ([]TempReading, error) {
	stats, err := sensors.TemperaturesWithContext(ctx)
	// partial readings come back together with warnings
	out := make([]TempReading, 0, len(stats))
	for _, s := range stats {
		out = append(out, TempReading{Key: s.SensorKey, Celsius: s.Temperature})
	}
	if len(out) > 0 {
		return out, nil
	}
	return nil, err
}

// PickCPUTemp returns the first reading whose key matches a known CPU
// sensor prefix.
func PickCPUTemp(readings []TempReading) (float64, bool) {
	for _, prefix := range thermalPrefixes {
		for _, r := range readings {
			if strings.HasPrefix(strings.ToLower(r.Key), prefix) {
				return r.Celsius, true
			}
		}
	}
	return 0, false
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Collect blocks for CPUWindow while sampling CPU usage. Temperature is
// best effort; CPU and memory failures are returned.
func (h *HostCollector) Collect(ctx context.Context) (HostStats, error) {
	cpuPct, err := h.CPU(ctx, h.CPUWindow)
	if err != nil {
		return HostStats{}, errors.Wrap(err, "cpu percent")
	}
	vm, err := h.Memory(ctx)
	if err != nil {
		return HostStats{}, errors.Wrap(err, "virtual memory")
	}
	const gb = 1024 * 1024 * 1024
	stats := HostStats{
		CPUPercent:    cpuPct,
		MemoryPercent: vm.UsedPercent,
		MemoryUsedGB:  round(float64(vm.Used)/gb, 2),
		MemoryTotalGB: round(float64(vm.Total)/gb, 2),
	}
	if h.Temps != nil {
		if readings, err := h.Temps(ctx); err == nil {
			if t, ok := PickCPUTemp(readings); ok {
				t = round(t, 1)
				stats.CPUTemp = &t
			}
		}
	}
	return stats, nil
}
