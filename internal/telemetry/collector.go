package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/sensors"
)

type CollectorConfig struct {
	DiskPath      string
	LinkSpeedMbps int
}

// Collector samples host resources with gopsutil. Network utilisation is derived from the byte
// counter delta between two samples against the configured link speed.
type Collector struct {
	cfg      CollectorConfig
	requests *RequestCounter
	log      zerolog.Logger

	mu       sync.Mutex
	lastNet  uint64
	lastTime time.Time
}

func NewCollector(cfg CollectorConfig, requests *RequestCounter, log zerolog.Logger) *Collector {
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.LinkSpeedMbps <= 0 {
		cfg.LinkSpeedMbps = 1000
	}
	if requests == nil {
		requests = NewRequestCounter()
	}

	return &Collector{cfg: cfg, requests: requests, log: log}
}

func (c *Collector) Collect(ctx context.Context) (Snapshot, error) {
	var s Snapshot

	cpuErr := func() error {
		pct, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return err
		}
		if len(pct) == 0 {
			return errors.New("no cpu samples")
		}
		s.CPU = clampFloat(pct[0], 0, 100)
		return nil
	}()

	vm, memErr := mem.VirtualMemoryWithContext(ctx)
	if memErr == nil {
		s.Memory = clampFloat(vm.UsedPercent, 0, 100)
	}

	if cpuErr != nil && memErr != nil {
		return Snapshot{}, fmt.Errorf("failed to sample host: %w", errors.Join(cpuErr, memErr))
	}

	if du, err := disk.UsageWithContext(ctx, c.cfg.DiskPath); err == nil {
		s.Disk = clampFloat(du.UsedPercent, 0, 100)
	} else {
		c.log.Debug().Err(err).Str("path", c.cfg.DiskPath).Msg("disk usage unavailable")
	}

	s.SampledAt = time.Now()
	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		s.Network = c.networkUtilisation(counters[0].BytesRecv+counters[0].BytesSent, s.SampledAt)
	}

	temps, err := sensors.TemperaturesWithContext(ctx)
	if temp, ok := hottestReading(temps); ok {
		s.Temperature = temp
	}
	if err != nil {
		c.log.Debug().Err(err).Int("readings", len(temps)).Msg("temperature sensors reported errors")
	}

	if up, err := host.UptimeWithContext(ctx); err == nil {
		s.UptimeMs = int64(up) * 1000
	}

	if conns, err := net.ConnectionsWithContext(ctx, "tcp"); err == nil {
		for _, conn := range conns {
			if conn.Status == "ESTABLISHED" {
				s.ActiveConnections++
			}
		}
	}

	s.RequestsPerMinute = c.requests.PerMinute()

	return s, nil
}

func (c *Collector) networkUtilisation(total uint64, now time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, prevAt := c.lastNet, c.lastTime
	c.lastNet, c.lastTime = total, now

	if prevAt.IsZero() || total < prev {
		return 0
	}
	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return 0
	}

	bitsPerSec := float64(total-prev) * 8 / elapsed
	capacity := float64(c.cfg.LinkSpeedMbps) * 1_000_000

	return clampFloat(bitsPerSec/capacity*100, 0, 100)
}

// hottestReading uses whatever readings came back. gopsutil returns partial readings alongside a
// *sensors.Warnings error when only some sensors fail.
func hottestReading(temps []sensors.TemperatureStat) (float64, bool) {
	if len(temps) == 0 {
		return 0, false
	}
	return hottest(temps), true
}

func hottest(temps []sensors.TemperatureStat) float64 {
	var max float64
	for _, t := range temps {
		if t.Temperature > max {
			max = t.Temperature
		}
	}

	return max
}

func clampFloat(val, min, max float64) float64 {
	if val < min {
		return min
	}
	if val > max {
		return max
	}

	return val
}
