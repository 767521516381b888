package processor

import (
	"fmt"
	"sync"
)

// MemoryPressure is the host memory pressure level reported by the
// embedding application.
type MemoryPressure int

const (
	// MemoryNormal means no memory pressure.
	MemoryNormal MemoryPressure = iota

	// MemoryWarning means the host is under moderate pressure; processing
	// continues with longer inter-task delays.
	MemoryWarning

	// MemoryCritical means the host is about to start reclaiming memory;
	// processing must not run.
	MemoryCritical
)

// String returns a human-readable pressure level.
func (p MemoryPressure) String() string {
	switch p {
	case MemoryNormal:
		return "normal"
	case MemoryWarning:
		return "warning"
	case MemoryCritical:
		return "critical"
	default:
		return fmt.Sprintf("pressure(%d)", int(p))
	}
}

// DefaultCPUThreshold is the CPU usage fraction above which background
// processing yields to foreground work.
const DefaultCPUThreshold = 0.10

// CPUSampler reports current process CPU usage as a 0..1 fraction.
// Injected so tests and embedders can supply a real sampler; the default
// always reports zero usage.
type CPUSampler func() float64

// ResourceGate decides whether background layout processing may run.
//
// The gate blocks processing when:
//   - device low-power mode is active
//   - memory pressure is critical
//   - sampled CPU usage exceeds the configured threshold
//
// Power-state and memory-pressure changes are pushed in by the embedder
// via SetLowPower and SetMemoryPressure; CPU usage is pulled from the
// sampler on every check.
//
// Thread Safety:
//
//	Safe for concurrent use.
type ResourceGate struct {
	mu           sync.Mutex
	lowPower     bool
	pressure     MemoryPressure
	cpuThreshold float64
	sampleCPU    CPUSampler
}

// NewResourceGate creates a gate with the given CPU threshold and sampler.
// A non-positive threshold uses DefaultCPUThreshold; a nil sampler reports
// zero CPU usage.
func NewResourceGate(cpuThreshold float64, sampler CPUSampler) *ResourceGate {
	if cpuThreshold <= 0 {
		cpuThreshold = DefaultCPUThreshold
	}
	if sampler == nil {
		sampler = func() float64 { return 0 }
	}
	return &ResourceGate{
		cpuThreshold: cpuThreshold,
		sampleCPU:    sampler,
	}
}

// Allow reports whether processing may run right now. The reason is empty
// when allowed and names the blocking condition otherwise.
func (g *ResourceGate) Allow() (bool, string) {
	g.mu.Lock()
	lowPower := g.lowPower
	pressure := g.pressure
	threshold := g.cpuThreshold
	sample := g.sampleCPU
	g.mu.Unlock()

	if lowPower {
		return false, "low-power mode active"
	}
	if pressure == MemoryCritical {
		return false, "memory pressure critical"
	}
	if cpu := sample(); cpu > threshold {
		return false, fmt.Sprintf("cpu usage %.0f%% above %.0f%% threshold", cpu*100, threshold*100)
	}
	return true, ""
}

// SetLowPower records the device power state.
func (g *ResourceGate) SetLowPower(active bool) {
	g.mu.Lock()
	g.lowPower = active
	g.mu.Unlock()
}

// LowPower reports the recorded power state.
func (g *ResourceGate) LowPower() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lowPower
}

// SetMemoryPressure records the host memory pressure level.
func (g *ResourceGate) SetMemoryPressure(p MemoryPressure) {
	g.mu.Lock()
	g.pressure = p
	g.mu.Unlock()
}

// Pressure reports the recorded memory pressure level.
func (g *ResourceGate) Pressure() MemoryPressure {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pressure
}
