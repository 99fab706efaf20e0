// Package admission implements the process-wide capacity guard that decides
// whether a new connection may be accepted.
//
// The guard is an admission gate, not a scheduler: it answers yes or no for
// new connections from a CPU/RAM snapshot and from the rolling ratio of
// recognition processing time to audio duration. In-flight work is never
// throttled.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrMetricsUnavailable is returned by a [Sampler] that cannot read system
// usage.
var ErrMetricsUnavailable = errors.New("admission: system metrics unavailable")

// Usage is a point-in-time resource snapshot in percent (0–100).
type Usage struct {
	CPUPercent float64
	RAMPercent float64
}

// Sampler reads current system usage.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// SamplerFunc adapts a plain function to [Sampler].
type SamplerFunc func(ctx context.Context) (Usage, error)

// Sample calls f(ctx).
func (f SamplerFunc) Sample(ctx context.Context) (Usage, error) { return f(ctx) }

// Limits are the admission ceilings. They may be replaced at runtime via
// [Guard.SetLimits].
type Limits struct {
	// MaxCPU and MaxRAM are usage ceilings in percent.
	MaxCPU float64 `yaml:"max_cpu_percent"`
	MaxRAM float64 `yaml:"max_ram_percent"`

	// MaxLatencyRatio is the ceiling for the average processing/audio ratio.
	MaxLatencyRatio float64 `yaml:"max_latency_ratio"`

	// MinSamples is how many ratios must be reported before the latency
	// ceiling applies.
	MinSamples int `yaml:"min_samples"`

	// FailClosed rejects every connection when the sampler errors. When
	// false, connections are admitted on the latency check alone.
	FailClosed bool `yaml:"fail_closed"`
}

// DefaultLimits returns the compiled defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxCPU:          90,
		MaxRAM:          90,
		MaxLatencyRatio: 3.0,
		MinSamples:      6,
		FailClosed:      true,
	}
}

// DefaultHistory is the bounded number of latency ratios kept.
const DefaultHistory = 20

// Rejection reasons returned by [Guard.CheckAvailability].
const (
	ReasonCPU         = "cpu"
	ReasonRAM         = "ram"
	ReasonLatency     = "latency"
	ReasonUnavailable = "metrics_unavailable"
)

// Guard is the capacity gate. It is safe for concurrent use.
type Guard struct {
	sampler Sampler
	log     *slog.Logger

	mu      sync.Mutex
	limits  Limits
	history []float64 // FIFO, oldest first
	size    int
}

// Option configures a [Guard].
type Option func(*Guard)

// WithHistorySize overrides [DefaultHistory].
func WithHistorySize(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.size = n
		}
	}
}

// WithLogger sets the logger for rejections.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

// NewGuard returns a Guard reading system usage from sampler.
func NewGuard(limits Limits, sampler Sampler, opts ...Option) *Guard {
	g := &Guard{
		sampler: sampler,
		log:     slog.Default(),
		limits:  limits,
		size:    DefaultHistory,
	}
	for _, o := range opts {
		o(g)
	}
	g.history = make([]float64, 0, g.size)
	return g
}

// Limits returns the active ceilings.
func (g *Guard) Limits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits
}

// SetLimits replaces the active ceilings. The latency history is kept.
func (g *Guard) SetLimits(l Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = l
}

// CheckAvailability decides whether a new connection may be admitted. On
// rejection the reason is a human-readable string whose first word is one of
// the Reason constants.
func (g *Guard) CheckAvailability(ctx context.Context) (bool, string) {
	limits := g.Limits()

	if avg, n := g.average(); n >= limits.MinSamples && avg > limits.MaxLatencyRatio {
		return false, fmt.Sprintf("%s: average processing ratio %.2fx exceeds %.2fx", ReasonLatency, avg, limits.MaxLatencyRatio)
	}

	if g.sampler == nil {
		if limits.FailClosed {
			return false, ReasonUnavailable + ": no system metrics source"
		}
		return true, ""
	}
	u, err := g.sampler.Sample(ctx)
	if err != nil {
		if limits.FailClosed {
			g.log.Warn("admission: system metrics unavailable, rejecting", "err", err)
			return false, ReasonUnavailable + ": system metrics unavailable"
		}
		g.log.Warn("admission: system metrics unavailable, admitting", "err", err)
		return true, ""
	}
	if u.CPUPercent > limits.MaxCPU {
		return false, fmt.Sprintf("%s: usage %.1f%% exceeds %.1f%%", ReasonCPU, u.CPUPercent, limits.MaxCPU)
	}
	if u.RAMPercent > limits.MaxRAM {
		return false, fmt.Sprintf("%s: usage %.1f%% exceeds %.1f%%", ReasonRAM, u.RAMPercent, limits.MaxRAM)
	}
	return true, ""
}

// ReportProcessingMetrics records one completed recognition. Reports with a
// non-positive audio duration are ignored.
func (g *Guard) ReportProcessingMetrics(audioSec, processingSec float64) {
	if audioSec <= 0 || processingSec < 0 {
		return
	}
	r := processingSec / audioSec

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.history) == g.size {
		copy(g.history, g.history[1:])
		g.history = g.history[:g.size-1]
	}
	g.history = append(g.history, r)
}

// AverageRatio returns the mean of the recorded ratios and how many there are.
func (g *Guard) AverageRatio() (float64, int) {
	return g.average()
}

func (g *Guard) average() (float64, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.history)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, r := range g.history {
		sum += r
	}
	return sum / float64(n), n
}
