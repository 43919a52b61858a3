package storage

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Data is a point-in-time copy of cumulative I/O statistics.
type Data struct {
	BytesRead    int64
	BytesWritten int64
	ReadOps      int64
	LargeReadOps int64
	WriteOps     int64
}

func (d Data) Add(o Data) Data {
	return Data{
		BytesRead:    d.BytesRead + o.BytesRead,
		BytesWritten: d.BytesWritten + o.BytesWritten,
		ReadOps:      d.ReadOps + o.ReadOps,
		LargeReadOps: d.LargeReadOps + o.LargeReadOps,
		WriteOps:     d.WriteOps + o.WriteOps,
	}
}

func (d Data) Sub(o Data) Data {
	return Data{
		BytesRead:    d.BytesRead - o.BytesRead,
		BytesWritten: d.BytesWritten - o.BytesWritten,
		ReadOps:      d.ReadOps - o.ReadOps,
		LargeReadOps: d.LargeReadOps - o.LargeReadOps,
		WriteOps:     d.WriteOps - o.WriteOps,
	}
}

// Statistics holds cumulative I/O counts for one filesystem implementation
// of a scheme. All methods are safe for concurrent use.
type Statistics struct {
	scheme string
	owner  string

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	readOps      atomic.Int64
	largeReadOps atomic.Int64
	writeOps     atomic.Int64
}

func (s *Statistics) Scheme() string { return s.scheme }
func (s *Statistics) Owner() string  { return s.owner }

func (s *Statistics) IncrementBytesRead(n int64)    { s.bytesRead.Add(n) }
func (s *Statistics) IncrementBytesWritten(n int64) { s.bytesWritten.Add(n) }
func (s *Statistics) IncrementReadOps(n int64)      { s.readOps.Add(n) }
func (s *Statistics) IncrementLargeReadOps(n int64) { s.largeReadOps.Add(n) }
func (s *Statistics) IncrementWriteOps(n int64)     { s.writeOps.Add(n) }

func (s *Statistics) Data() Data {
	return Data{
		BytesRead:    s.bytesRead.Load(),
		BytesWritten: s.bytesWritten.Load(),
		ReadOps:      s.readOps.Load(),
		LargeReadOps: s.largeReadOps.Load(),
		WriteOps:     s.writeOps.Load(),
	}
}

// Registry is the enumerable collection of storage statistics shared by every
// filesystem in the process. Entries are never removed.
type Registry struct {
	mu    sync.Mutex
	stats map[string]*Statistics // scheme + "\x00" + owner
}

func NewRegistry() *Registry {
	return &Registry{stats: make(map[string]*Statistics)}
}

// Statistics returns the statistics for (scheme, owner), creating it on first use.
func (r *Registry) Statistics(scheme, owner string) *Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := scheme + "\x00" + owner
	s, ok := r.stats[key]
	if !ok {
		s = &Statistics{scheme: scheme, owner: owner}
		r.stats[key] = s
	}
	return s
}

// All returns every registered statistics entry ordered by scheme then owner.
func (r *Registry) All() []*Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Statistics, 0, len(r.stats))
	for _, s := range r.stats {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].scheme != out[j].scheme {
			return out[i].scheme < out[j].scheme
		}
		return out[i].owner < out[j].owner
	})
	return out
}

// ByScheme groups All by scheme.
func (r *Registry) ByScheme() map[string][]*Statistics {
	grouped := make(map[string][]*Statistics)
	for _, s := range r.All() {
		grouped[s.scheme] = append(grouped[s.scheme], s)
	}
	return grouped
}
