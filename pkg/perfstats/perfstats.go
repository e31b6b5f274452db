package perfstats

import (
	"sort"
	"sync"
	"time"
)

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// Profile is a set of named TimeAccumulators that is safe for concurrent use.
// The SSN model records one sample per predict and backward call.
type Profile struct {
	lock  sync.Mutex
	items map[string]*TimeAccumulator
}

func NewProfile() *Profile {
	return &Profile{
		items: map[string]*TimeAccumulator{},
	}
}

func (p *Profile) AddSample(key string, v time.Duration) {
	p.lock.Lock()
	defer p.lock.Unlock()
	acc := p.items[key]
	if acc == nil {
		acc = &TimeAccumulator{}
		p.items[key] = acc
	}
	acc.AddSample(v)
}

func (p *Profile) Reset() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.items = map[string]*TimeAccumulator{}
}

// ProfileEntry is one row of a Profile report
type ProfileEntry struct {
	Key string
	TimeAccumulator
}

// Report returns a copy of all entries, most expensive (by total time) first
func (p *Profile) Report() []ProfileEntry {
	p.lock.Lock()
	entries := make([]ProfileEntry, 0, len(p.items))
	for k, v := range p.items {
		entries = append(entries, ProfileEntry{Key: k, TimeAccumulator: *v})
	}
	p.lock.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Total != entries[j].Total {
			return entries[i].Total > entries[j].Total
		}
		return entries[i].Key < entries[j].Key
	})
	return entries
}
