// Package telemetry samples hardware utilization while a pipeline phase
// runs. One collector serves one run: a single background goroutine appends
// to an ordered buffer at a fixed interval and Stop drains it. A disabled
// collector costs nothing.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Phase names the pipeline stage a sample was taken during.
type Phase string

const (
	PhaseBuild Phase = "build"
	PhaseProve Phase = "prove"
)

// Sample is one utilization reading. GPU fields are present only when a GPU
// sampler is available.
type Sample struct {
	Timestamp      time.Time `json:"timestamp"`
	Phase          Phase     `json:"phase"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryBytes    uint64    `json:"memory_bytes"`
	GPUPercent     *float64  `json:"gpu_percent,omitempty"`
	GPUMemoryBytes *uint64   `json:"gpu_memory_bytes,omitempty"`
}

// Collector accumulates samples across the phases of a single run. Start and
// Stop are called from the run's goroutine; only the sampling goroutine
// writes to the buffer.
type Collector struct {
	enabled  bool
	interval time.Duration
	gpu      *gpuSampler

	mu      sync.Mutex
	samples []Sample

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector returns an enabled collector sampling at interval. GPU
// sampling is attached when nvidia-smi is on the path.
func NewCollector(interval time.Duration) *Collector {
	c := &Collector{enabled: true, interval: interval, gpu: detectGPU()}
	if c.gpu != nil {
		log.Debug().Msg("GPU telemetry available via nvidia-smi")
	}
	return c
}

// Disabled returns a collector whose Start and Stop are no-ops.
func Disabled() *Collector {
	return &Collector{}
}

// Start launches the sampling goroutine for phase. It returns immediately:
// the sampled phase must never wait on telemetry.
func (c *Collector) Start(ctx context.Context, phase Phase) {
	if !c.enabled {
		return
	}
	c.halt()

	sampleCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(sampleCtx, phase, c.done)
}

// Stop halts sampling and returns every sample collected so far, in order.
func (c *Collector) Stop() []Sample {
	if !c.enabled {
		return nil
	}
	c.halt()

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sample, len(c.samples))
	copy(out, c.samples)
	return out
}

func (c *Collector) halt() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}

func (c *Collector) run(ctx context.Context, phase Phase, done chan struct{}) {
	defer close(done)

	// First reading up front so even sub-interval phases leave a trace.
	c.record(ctx, phase)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.record(ctx, phase)
		}
	}
}

func (c *Collector) record(ctx context.Context, phase Phase) {
	s := Sample{Timestamp: time.Now(), Phase: phase}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryBytes = vm.Used
	}
	if c.gpu != nil {
		if util, memBytes, err := c.gpu.sample(ctx); err == nil {
			s.GPUPercent = &util
			s.GPUMemoryBytes = &memBytes
		}
	}

	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}
