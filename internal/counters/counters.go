package counters

import (
	"sort"
	"sync"
)

// Task counter names.
const (
	CPUMilliseconds     = "CPU_MILLISECONDS"
	PhysicalMemoryBytes = "PHYSICAL_MEMORY_BYTES"
	VirtualMemoryBytes  = "VIRTUAL_MEMORY_BYTES"
	CommittedHeapBytes  = "COMMITTED_HEAP_BYTES"
	GCTimeMillis        = "GC_TIME_MILLIS"

	MapInputRecords     = "MAP_INPUT_RECORDS"
	MapOutputRecords    = "MAP_OUTPUT_RECORDS"
	ReduceInputGroups   = "REDUCE_INPUT_GROUPS"
	ReduceInputRecords  = "REDUCE_INPUT_RECORDS"
	ReduceOutputRecords = "REDUCE_OUTPUT_RECORDS"
)

// Per-scheme storage counter suffixes. The full name is "<SCHEME>_<suffix>".
const (
	BytesRead    = "BYTES_READ"
	BytesWritten = "BYTES_WRITTEN"
	ReadOps      = "READ_OPS"
	LargeReadOps = "LARGE_READ_OPS"
	WriteOps     = "WRITE_OPS"
)

// Set is the counter set of one attempt. Snapshot may be called from a
// reporter goroutine while the attempt mutates the set.
type Set struct {
	mu     sync.RWMutex
	values map[string]int64
}

func NewSet() *Set {
	return &Set{values: make(map[string]int64)}
}

// Set overwrites a counter. Used for current-snapshot counters.
func (s *Set) Set(name string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// Increment adds delta to a counter, creating it at zero first.
func (s *Set) Increment(name string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] += delta
}

func (s *Set) Value(name string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[name]
}

func (s *Set) Lookup(name string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Snapshot returns a copy of all counters.
func (s *Set) Snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for k := range s.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SchemeCounter returns the counter name for a storage statistic of scheme.
func SchemeCounter(scheme, suffix string) string {
	return upper(scheme) + "_" + suffix
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
			b[i] = c - 'a' + 'A'
		case c == '-' || c == '.' || c == '+':
			b[i] = '_'
		}
	}
	return string(b)
}
