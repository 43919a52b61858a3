// Package accounting turns process resource usage and storage I/O statistics
// into attempt counters.
package accounting

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"DistCommit/internal/counters"
	"DistCommit/internal/logger"
	"DistCommit/internal/storage"
)

// MemSample is the subset of runtime memory statistics the accountant uses.
type MemSample struct {
	CommittedHeapBytes int64
	GCPauseTotalMillis int64
}

// MemSampler reads the current runtime memory statistics.
type MemSampler func() MemSample

func RuntimeMemSampler() MemSample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemSample{
		CommittedHeapBytes: int64(ms.HeapSys - ms.HeapReleased),
		GCPauseTotalMillis: int64(ms.PauseTotalNs / 1e6),
	}
}

// Config wires an Accountant. Tree may be nil when no process-tree sampler
// is available; Mem defaults to RuntimeMemSampler.
type Config struct {
	Counters *counters.Set
	Registry *storage.Registry
	Tree     ProcessTree
	Mem      MemSampler
	Logger   *logger.Logger
}

// Accountant maintains resource and storage counters for one attempt.
type Accountant struct {
	mu       sync.Mutex
	counters *counters.Set
	registry *storage.Registry
	tree     ProcessTree
	mem      MemSampler
	logger   *logger.Logger

	initCPUMillis int64
	lastGCMillis  int64
	updaters      map[string]*StatisticUpdater
}

func New(cfg Config) (*Accountant, error) {
	if cfg.Counters == nil {
		return nil, errors.New("counters are required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("statistics registry is required")
	}
	if cfg.Mem == nil {
		cfg.Mem = RuntimeMemSampler
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("INFO").Named("accounting")
	}
	return &Accountant{
		counters: cfg.Counters,
		registry: cfg.Registry,
		tree:     cfg.Tree,
		mem:      cfg.Mem,
		logger:   cfg.Logger,
		updaters: make(map[string]*StatisticUpdater),
	}, nil
}

// HasProcessTree reports whether CPU and memory counters are maintained.
func (a *Accountant) HasProcessTree() bool {
	return a.tree != nil
}

// SampleBaseline records the CPU time already consumed by the host process so
// later reports only cover this attempt. It also seeds the GC baseline.
func (a *Accountant) SampleBaseline() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastGCMillis = a.mem().GCPauseTotalMillis
	if a.tree == nil {
		return nil
	}
	if err := a.tree.Update(); err != nil {
		return fmt.Errorf("failed to sample cpu baseline: %w", err)
	}
	a.initCPUMillis = a.tree.CumulativeCPUMillis()
	a.logger.Debug("CPU baseline sampled: cpu_ms=%d", a.initCPUMillis)
	return nil
}

// Refresh overwrites the resource counters with current values.
func (a *Accountant) Refresh() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshLocked()
}

func (a *Accountant) refreshLocked() error {
	sample := a.mem()
	a.counters.Set(counters.CommittedHeapBytes, sample.CommittedHeapBytes)

	if delta := sample.GCPauseTotalMillis - a.lastGCMillis; delta > 0 {
		a.counters.Increment(counters.GCTimeMillis, delta)
	}
	a.lastGCMillis = sample.GCPauseTotalMillis

	if a.tree == nil {
		return nil
	}
	if err := a.tree.Update(); err != nil {
		return fmt.Errorf("failed to sample process tree: %w", err)
	}
	a.counters.Set(counters.CPUMilliseconds, a.tree.CumulativeCPUMillis()-a.initCPUMillis)
	a.counters.Set(counters.PhysicalMemoryBytes, a.tree.RSSBytes())
	a.counters.Set(counters.VirtualMemoryBytes, a.tree.VirtualBytes())
	return nil
}

// UpdateStorageStatistics emits per-scheme I/O deltas since the last call.
func (a *Accountant) UpdateStorageStatistics() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updateStorageLocked()
}

func (a *Accountant) updateStorageLocked() {
	for scheme, stats := range a.registry.ByScheme() {
		u, ok := a.updaters[scheme]
		if !ok {
			u = NewStatisticUpdater(scheme)
			a.updaters[scheme] = u
			a.logger.Debug("Tracking storage scheme: scheme=%s", scheme)
		}
		u.Update(a.counters, stats)
	}
}

// Update performs a full counter refresh: storage deltas, then resources.
func (a *Accountant) Update() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.updateStorageLocked()
	return a.refreshLocked()
}

// Schemes returns the schemes an updater has been created for.
func (a *Accountant) Schemes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.updaters))
	for s := range a.updaters {
		out = append(out, s)
	}
	return out
}

func (a *Accountant) updater(scheme string) *StatisticUpdater {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.updaters[scheme]
}
