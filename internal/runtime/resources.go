package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ResourceUsage is a coarse sample of the sidecar process, reported in the
// extended metadata.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
	GCCycles    uint64  `json:"gc_cycles"`
}

const (
	sampleCPU        = "/sched/cpu:seconds"
	sampleHeap       = "/memory/classes/heap/objects:bytes"
	sampleGoroutines = "/sched/goroutines:goroutines"
	sampleGCCycles   = "/gc/cycles/total:gc-cycles"
)

// resourceTracker reads runtime/metrics samples. CPU is the share of all
// cores used since the previous snapshot; the first snapshot reports zero.
type resourceTracker struct {
	mu         sync.Mutex
	samples    []metrics.Sample
	lastCPU    float64
	lastSample time.Time
	numCPU     float64
	now        func() time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: newResourceSamples(),
		numCPU:  float64(runtime.NumCPU()),
		now:     time.Now,
	}
}

func newResourceSamples() []metrics.Sample {
	return []metrics.Sample{
		{Name: sampleCPU},
		{Name: sampleHeap},
		{Name: sampleGoroutines},
		{Name: sampleGCCycles},
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = newResourceSamples()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.numCPU == 0 {
		r.numCPU = float64(runtime.NumCPU())
	}
	metrics.Read(r.samples)

	var usage ResourceUsage
	cpu, haveCPU := 0.0, false
	for _, s := range r.samples {
		switch s.Name {
		case sampleCPU:
			if s.Value.Kind() == metrics.KindFloat64 {
				cpu, haveCPU = s.Value.Float64(), true
			}
		case sampleHeap:
			usage.MemoryBytes = uint64Sample(s)
		case sampleGoroutines:
			usage.Goroutines = int(uint64Sample(s))
		case sampleGCCycles:
			usage.GCCycles = uint64Sample(s)
		}
	}
	// Older runtimes lack the goroutine sample.
	if usage.Goroutines == 0 {
		usage.Goroutines = runtime.NumGoroutine()
	}

	now := r.now()
	if haveCPU {
		if !r.lastSample.IsZero() {
			wall := now.Sub(r.lastSample).Seconds()
			if wall > 0 {
				usage.CPUPercent = (cpu - r.lastCPU) / wall / r.numCPU * 100
			}
		}
		r.lastCPU = cpu
	}
	r.lastSample = now
	return usage
}

func uint64Sample(s metrics.Sample) uint64 {
	if s.Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s.Value.Uint64()
}
