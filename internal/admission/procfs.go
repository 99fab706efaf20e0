package admission

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
)

var _ Sampler = (*ProcSampler)(nil)

// minCPUWindow is the CPU time, summed over all cores in seconds, that must
// elapse before a new CPU figure is computed. Samples taken closer together
// repeat the last figure and keep the baseline.
const minCPUWindow = 0.1

// ProcSampler reads host CPU and memory usage from /proc. CPU usage is the
// busy share of CPU time since the baseline sample; the very first sample
// measures since boot. A burst of samples within [minCPUWindow] reports the
// last computed figure instead of an empty delta.
type ProcSampler struct {
	fs procfs.FS

	mu        sync.Mutex
	prevBusy  float64
	prevTotal float64
	lastCPU   float64
	hasPrev   bool
}

// NewProcSampler opens the default /proc mount.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("admission: open procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

// NewProcSamplerAt opens a procfs mounted at mountPoint, for tests and
// containers with a relocated /proc.
func NewProcSamplerAt(mountPoint string) (*ProcSampler, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("admission: open procfs %q: %w", mountPoint, err)
	}
	return &ProcSampler{fs: fs}, nil
}

// Sample implements [Sampler].
func (p *ProcSampler) Sample(ctx context.Context) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	stat, err := p.fs.Stat()
	if err != nil {
		return Usage{}, fmt.Errorf("%w: read stat: %v", ErrMetricsUnavailable, err)
	}
	mem, err := p.fs.Meminfo()
	if err != nil {
		return Usage{}, fmt.Errorf("%w: read meminfo: %v", ErrMetricsUnavailable, err)
	}
	if mem.MemTotal == nil || mem.MemAvailable == nil || *mem.MemTotal == 0 {
		return Usage{}, fmt.Errorf("%w: meminfo lacks MemTotal/MemAvailable", ErrMetricsUnavailable)
	}

	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	total := idle + busy

	p.mu.Lock()
	cpu := p.cpu(busy, total)
	p.mu.Unlock()

	ram := 100 * (1 - float64(*mem.MemAvailable)/float64(*mem.MemTotal))
	return Usage{CPUPercent: cpu, RAMPercent: ram}, nil
}

// cpu advances the baseline when enough CPU time has passed and returns the
// current figure. p.mu must be held.
func (p *ProcSampler) cpu(busy, total float64) float64 {
	dBusy, dTotal := busy, total
	if p.hasPrev {
		dBusy, dTotal = busy-p.prevBusy, total-p.prevTotal
		if dTotal < 0 {
			// Counters went backwards; start over from here.
			p.prevBusy, p.prevTotal = busy, total
			return p.lastCPU
		}
		if dTotal < minCPUWindow {
			return p.lastCPU
		}
	}
	if dTotal > 0 {
		p.lastCPU = 100 * dBusy / dTotal
	}
	p.prevBusy, p.prevTotal, p.hasPrev = busy, total, true
	return p.lastCPU
}
