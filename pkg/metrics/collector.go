package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/danl5/goha/pkg/model"
)

// Sampler reads host resource counters.
type Sampler interface {
	// CPUTimes returns the busy and total cpu time since boot, in seconds
	CPUTimes() (busy, total float64, err error)
	// MemoryPercent returns the used memory in percent
	MemoryPercent() (float64, error)
}

// NewProcSampler creates a sampler reading /proc.
func NewProcSampler() (Sampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &procSampler{fs: fs}, nil
}

type procSampler struct {
	fs procfs.FS
}

func (p *procSampler) CPUTimes() (float64, float64, error) {
	stat, err := p.fs.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("read /proc/stat: %w", err)
	}
	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	return busy, busy + idle, nil
}

func (p *procSampler) MemoryPercent() (float64, error) {
	mi, err := p.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil || *mi.MemTotal == 0 {
		return 0, errors.New("meminfo lacks MemTotal or MemAvailable")
	}
	used := float64(*mi.MemTotal - *mi.MemAvailable)
	return used / float64(*mi.MemTotal) * 100, nil
}

// FixedSampler reports constant values, for hosts without /proc and for tests.
type FixedSampler struct {
	CPU    float64
	Memory float64
}

func (f FixedSampler) CPUTimes() (float64, float64, error) {
	return f.CPU, 100, nil
}

func (f FixedSampler) MemoryPercent() (float64, error) {
	return f.Memory, nil
}

// CollectorOptions configures a Collector.
type CollectorOptions struct {
	Sampler Sampler
	// Connections returns the number of active connections, optional
	Connections func() int
	Clock       func() time.Time
	Logger      *slog.Logger
}

// NewCollector creates a metrics collector.
func NewCollector(opts CollectorOptions) (*Collector, error) {
	if opts.Sampler == nil {
		return nil, errors.New("metrics collector requires a sampler")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		sampler: opts.Sampler,
		conns:   opts.Connections,
		now:     clock,
		started: clock(),
		logger:  logger.With("component", "metrics"),
	}, nil
}

// Collector samples local load indicators. It is purely observational.
type Collector struct {
	sampler Sampler
	conns   func() int
	now     func() time.Time
	started time.Time
	logger  *slog.Logger

	mu        sync.RWMutex
	last      model.NodeMetrics
	prevBusy  float64
	prevTotal float64
}

// Sample takes a new snapshot. On a sampler error the previous values are kept
// for the failing indicator and the error is returned with the partial snapshot.
func (c *Collector) Sample() (model.NodeMetrics, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.last
	var errs []error

	busy, total, err := c.sampler.CPUTimes()
	if err != nil {
		errs = append(errs, err)
	} else {
		dBusy, dTotal := busy-c.prevBusy, total-c.prevTotal
		if dTotal > 0 {
			m.CPU = clampPercent(dBusy / dTotal * 100)
		}
		c.prevBusy, c.prevTotal = busy, total
	}

	mem, err := c.sampler.MemoryPercent()
	if err != nil {
		errs = append(errs, err)
	} else {
		m.Memory = clampPercent(mem)
	}

	if c.conns != nil {
		m.ActiveConnections = c.conns()
	}
	m.UptimeSeconds = int64(now.Sub(c.started).Seconds())
	m.SampledAt = now
	c.last = m

	if len(errs) > 0 {
		err := errors.Join(errs...)
		c.logger.Warn("failed to sample metrics", "error", err.Error())
		return m, err
	}
	return m, nil
}

// Last returns the latest snapshot.
func (c *Collector) Last() model.NodeMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
