// Package freshness picks, per logical asset, between the last pushed tick
// and the last polled quote.
package freshness

import (
	"sync"
	"time"

	"tickstream/pkg/market"
)

// DefaultMaxSkew is how old a pushed tick may be and still count as fresh.
const DefaultMaxSkew = 15 * time.Second

// Source tells where a Quote came from.
type Source int

const (
	SourceUnknown   Source = iota // nothing received yet
	SourcePush                    // fresh streamed tick
	SourcePoll                    // polled fallback value
	SourceStalePush               // streamed tick that is flagged stale or too old
)

func (s Source) String() string {
	switch s {
	case SourcePush:
		return "push"
	case SourcePoll:
		return "poll"
	case SourceStalePush:
		return "stale_push"
	default:
		return "unknown"
	}
}

// Quote is the price-only view of an asset.
type Quote struct {
	Price       float64
	TimestampMs int64
	Stale       bool
	Provider    string
	Symbol      string
	Source      Source
}

type pollValue struct {
	price      float64
	receivedAt time.Time
}

type record struct {
	push    *market.Tick
	poll    *pollValue
	updated time.Time
}

// Arbiter holds one freshness record per asset id. Records live in memory only.
type Arbiter struct {
	mu      sync.RWMutex
	records map[string]*record
	maxSkew time.Duration
	now     func() time.Time
}

func New(maxSkew time.Duration) *Arbiter {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Arbiter{
		records: make(map[string]*record),
		maxSkew: maxSkew,
		now:     time.Now,
	}
}

// WithClock replaces the clock. Used by tests.
func (a *Arbiter) WithClock(now func() time.Time) *Arbiter {
	a.now = now
	return a
}

// Push records a streamed tick for assetID.
func (a *Arbiter) Push(assetID string, t market.Tick) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.recordLocked(assetID)
	r.push = &t
	r.updated = a.now()
}

// Poll records a polled value, timestamped at receipt.
func (a *Arbiter) Poll(assetID string, price float64, receivedAt time.Time) {
	if receivedAt.IsZero() {
		receivedAt = a.now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.recordLocked(assetID)
	r.poll = &pollValue{price: price, receivedAt: receivedAt}
	r.updated = a.now()
}

// Current returns the preferred value for assetID: a fresh push, then the
// polled value, then a stale push. ok is false when nothing is known.
func (a *Arbiter) Current(assetID string) (Quote, bool) {
	a.mu.RLock()
	r, found := a.records[assetID]
	var push *market.Tick
	var poll *pollValue
	if found {
		push, poll = r.push, r.poll
	}
	a.mu.RUnlock()

	now := a.now()
	switch {
	case push != nil && a.fresh(*push, now):
		return quoteFromTick(*push, SourcePush), true
	case poll != nil:
		return Quote{
			Price:       poll.price,
			TimestampMs: poll.receivedAt.UnixMilli(),
			Stale:       false,
			Source:      SourcePoll,
		}, true
	case push != nil:
		q := quoteFromTick(*push, SourceStalePush)
		q.Stale = true
		return q, true
	default:
		return Quote{Source: SourceUnknown}, false
	}
}

// Forget drops the record of assetID.
func (a *Arbiter) Forget(assetID string) {
	a.mu.Lock()
	delete(a.records, assetID)
	a.mu.Unlock()
}

// Len returns the number of tracked assets.
func (a *Arbiter) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}

// fresh: not flagged stale, and either untimestamped or younger than maxSkew.
func (a *Arbiter) fresh(t market.Tick, now time.Time) bool {
	if t.Stale {
		return false
	}
	if t.TimestampMs == 0 {
		return true
	}
	return now.UnixMilli()-t.TimestampMs < a.maxSkew.Milliseconds()
}

func (a *Arbiter) recordLocked(assetID string) *record {
	r, ok := a.records[assetID]
	if !ok {
		r = &record{}
		a.records[assetID] = r
	}
	return r
}

func quoteFromTick(t market.Tick, src Source) Quote {
	return Quote{
		Price:       t.Price,
		TimestampMs: t.TimestampMs,
		Stale:       t.Stale,
		Provider:    t.Provider,
		Symbol:      t.Symbol,
		Source:      src,
	}
}
