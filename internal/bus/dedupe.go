package bus

import (
	"sync"

	"tickstream/pkg/market"
)

type lastSeen struct {
	price float64
	ts    int64
	stale bool
}

// ChangeFilter remembers the last (price, ts, stale) per series and passes
// a tick only when one of them differs. Each consumer owns its own filter.
type ChangeFilter struct {
	mu   sync.Mutex
	last map[market.SeriesKey]lastSeen
}

func NewChangeFilter() *ChangeFilter {
	return &ChangeFilter{last: make(map[market.SeriesKey]lastSeen)}
}

// Changed reports whether t carries new information and records it if so.
func (f *ChangeFilter) Changed(t market.Tick) bool {
	cur := lastSeen{price: t.Price, ts: t.TimestampMs, stale: t.Stale}
	key := t.Key()

	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.last[key]; ok && prev == cur {
		return false
	}
	f.last[key] = cur
	return true
}

// Filter returns the subset of ticks that changed, in order.
func (f *ChangeFilter) Filter(ticks []market.Tick) []market.Tick {
	var out []market.Tick
	for _, t := range ticks {
		if f.Changed(t) {
			out = append(out, t)
		}
	}
	return out
}

// Forget drops the remembered state for key.
func (f *ChangeFilter) Forget(key market.SeriesKey) {
	f.mu.Lock()
	delete(f.last, key)
	f.mu.Unlock()
}
