package accounting

import (
	"DistCommit/internal/counters"
	"DistCommit/internal/storage"
)

// StatisticUpdater tracks the cumulative statistics of one scheme already
// reported, and adds only the growth since then to the counters.
type StatisticUpdater struct {
	scheme string
	last   storage.Data

	readCounter      string
	writeCounter     string
	readOpsCounter   string
	largeReadCounter string
	writeOpsCounter  string
}

func NewStatisticUpdater(scheme string) *StatisticUpdater {
	return &StatisticUpdater{
		scheme:           scheme,
		readCounter:      counters.SchemeCounter(scheme, counters.BytesRead),
		writeCounter:     counters.SchemeCounter(scheme, counters.BytesWritten),
		readOpsCounter:   counters.SchemeCounter(scheme, counters.ReadOps),
		largeReadCounter: counters.SchemeCounter(scheme, counters.LargeReadOps),
		writeOpsCounter:  counters.SchemeCounter(scheme, counters.WriteOps),
	}
}

func (u *StatisticUpdater) Scheme() string { return u.scheme }

// Last returns the cumulative totals covered by previous updates.
func (u *StatisticUpdater) Last() storage.Data { return u.last }

// Update sums stats and increments counters by the delta from the last call.
func (u *StatisticUpdater) Update(set *counters.Set, stats []*storage.Statistics) {
	var total storage.Data
	for _, s := range stats {
		total = total.Add(s.Data())
	}
	delta := total.Sub(u.last)
	u.last = total

	add := func(name string, v int64) {
		if v != 0 {
			set.Increment(name, v)
		}
	}
	add(u.readCounter, delta.BytesRead)
	add(u.writeCounter, delta.BytesWritten)
	add(u.readOpsCounter, delta.ReadOps)
	add(u.largeReadCounter, delta.LargeReadOps)
	add(u.writeOpsCounter, delta.WriteOps)
}
