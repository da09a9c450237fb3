package market

import (
	"sort"
	"sync"
	"time"
)

// TickStore keeps one TickRing per series and is the only source used to
// rebuild candles.
type TickStore struct {
	globalMu sync.RWMutex
	data     map[SeriesKey]*seriesRing
	capacity int
}

type seriesRing struct {
	mu   sync.Mutex
	ring *TickRing
}

func NewTickStore(capacity int) *TickStore {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &TickStore{
		data:     make(map[SeriesKey]*seriesRing),
		capacity: capacity,
	}
}

// Add appends a tick to its series ring, creating the ring on first use.
func (s *TickStore) Add(t Tick) {
	key := t.Key()

	// Fast path: lock per-series ring only
	s.globalMu.RLock()
	store, ok := s.data[key]
	s.globalMu.RUnlock()

	if !ok {
		s.globalMu.Lock()
		if store, ok = s.data[key]; !ok {
			store = &seriesRing{ring: NewTickRing(s.capacity)}
			s.data[key] = store
		}
		s.globalMu.Unlock()
	}

	store.mu.Lock()
	store.ring.Append(t)
	store.mu.Unlock()
}

// Ticks returns a copy of the buffered ticks of a series, oldest first.
func (s *TickStore) Ticks(key SeriesKey) []Tick {
	s.globalMu.RLock()
	store, ok := s.data[key]
	s.globalMu.RUnlock()
	if !ok {
		return nil
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	return store.ring.All()
}

// Latest returns the newest tick of a series.
func (s *TickStore) Latest(key SeriesKey) (Tick, bool) {
	s.globalMu.RLock()
	store, ok := s.data[key]
	s.globalMu.RUnlock()
	if !ok {
		return Tick{}, false
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	return store.ring.Latest()
}

// Candles rebuilds candles for a series from its raw ticks.
func (s *TickStore) Candles(key SeriesKey, tf Timeframe, now time.Time) []Candle {
	return BuildCandles(s.Ticks(key), tf, now)
}

// Keys returns every series that has received at least one tick, sorted.
func (s *TickStore) Keys() []SeriesKey {
	s.globalMu.RLock()
	defer s.globalMu.RUnlock()

	keys := make([]SeriesKey, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// CountAll returns the total number of ticks stored across all series.
func (s *TickStore) CountAll() int {
	s.globalMu.RLock()
	defer s.globalMu.RUnlock()

	total := 0
	for _, store := range s.data {
		store.mu.Lock()
		total += store.ring.Len()
		store.mu.Unlock()
	}
	return total
}
