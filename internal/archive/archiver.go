// Package archive periodically persists finalized candles rebuilt from the
// in-memory tick buffers.
package archive

import (
	"context"
	"sync"
	"time"

	"tickstream/internal/metrics"
	"tickstream/pkg/market"

	"go.uber.org/zap"
)

// Source yields the buffered series and their candles. *market.TickStore satisfies it.
type Source interface {
	Keys() []market.SeriesKey
	Candles(key market.SeriesKey, tf market.Timeframe, now time.Time) []market.Candle
}

// CandleWriter stores finalized candles and reports how many rows were new.
type CandleWriter interface {
	WriteCandles(ctx context.Context, key market.SeriesKey, tf market.Timeframe, candles []market.Candle) (int, error)
}

// LatestReader is implemented by writers that can report the newest bucket
// they already hold for a series. The archiver asks once per series.
type LatestReader interface {
	LatestBucket(ctx context.Context, key market.SeriesKey, tf market.Timeframe) (int64, bool, error)
}

// Archiver writes each finalized bucket of every series once. Buckets are
// tracked per series so a rebuilt history is not rewritten on every pass.
type Archiver struct {
	src      Source
	w        CandleWriter
	tf       market.Timeframe
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	last    map[market.SeriesKey]int64 // newest archived bucket start
	checked map[market.SeriesKey]bool  // LatestReader already consulted

	log     *zap.Logger
	metrics *metrics.Recorder
}

func New(src Source, w CandleWriter, tf market.Timeframe, interval time.Duration, log *zap.Logger, rec *metrics.Recorder) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Archiver{
		src:      src,
		w:        w,
		tf:       tf,
		interval: interval,
		timeout:  5 * time.Second,
		now:      time.Now,
		last:     make(map[market.SeriesKey]int64),
		checked:  make(map[market.SeriesKey]bool),
		log:      log,
		metrics:  rec,
	}
}

// WithClock replaces the wall clock used to decide finalization.
func (a *Archiver) WithClock(now func() time.Time) *Archiver {
	a.now = now
	return a
}

// Run flushes every interval until ctx is done, then flushes once more.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), a.timeout)
			a.Flush(final)
			cancel()
			return
		case <-ticker.C:
			a.Flush(ctx)
		}
	}
}

// Flush writes the finalized candles that were not archived yet and returns
// the number of new rows. A failing series is retried on the next pass.
func (a *Archiver) Flush(ctx context.Context) int {
	now := a.now()
	total := 0

	for _, key := range a.src.Keys() {
		a.resume(ctx, key)
		pending := a.pending(key, a.src.Candles(key, a.tf, now))
		if len(pending) == 0 {
			continue
		}

		wctx, cancel := context.WithTimeout(ctx, a.timeout)
		n, err := a.w.WriteCandles(wctx, key, a.tf, pending)
		cancel()
		if err != nil {
			a.log.Warn("failed to archive candles",
				zap.Stringer("series", key),
				zap.Int("candles", len(pending)),
				zap.Error(err),
			)
			continue
		}

		a.mu.Lock()
		a.last[key] = pending[len(pending)-1].BucketStart
		a.mu.Unlock()
		total += n
	}

	if total > 0 {
		a.metrics.CandlesArchived(a.tf.String(), total)
		a.log.Debug("archived candles", zap.Int("rows", total), zap.Stringer("timeframe", a.tf))
	}
	return total
}

func (a *Archiver) pending(key market.SeriesKey, candles []market.Candle) []market.Candle {
	a.mu.Lock()
	last, seen := a.last[key]
	a.mu.Unlock()

	var out []market.Candle
	for _, c := range candles {
		if !c.Finalized || (seen && c.BucketStart <= last) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (a *Archiver) resume(ctx context.Context, key market.SeriesKey) {
	r, ok := a.w.(LatestReader)
	if !ok {
		return
	}
	a.mu.Lock()
	done := a.checked[key]
	a.mu.Unlock()
	if done {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, a.timeout)
	bucket, found, err := r.LatestBucket(rctx, key, a.tf)
	cancel()
	if err != nil {
		a.log.Debug("failed to read latest archived bucket", zap.Stringer("series", key), zap.Error(err))
		return
	}

	a.mu.Lock()
	a.checked[key] = true
	a.mu.Unlock()
	if found {
		a.Resume(key, bucket)
	}
}

// Resume seeds the newest archived bucket of key, e.g. from the database on startup.
func (a *Archiver) Resume(key market.SeriesKey, bucketStart int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.last[key]; !ok || bucketStart > cur {
		a.last[key] = bucketStart
	}
}
