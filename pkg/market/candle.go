package market

import (
	"sort"
	"time"
)

// Candle is an OHLCV aggregate of the ticks falling into one bucket.
// The last candle returned by BuildCandles may still be live (Finalized=false)
// and will change on the next rebuild.
type Candle struct {
	BucketStart int64   `json:"bucketStart"` // milliseconds since epoch
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	Finalized   bool    `json:"finalized"`
}

// BucketStart returns floor(ts / width) * width.
func BucketStart(ts int64, tf Timeframe) int64 {
	width := tf.Millis()
	b := ts / width
	if ts%width != 0 && ts < 0 {
		b--
	}
	return b * width
}

// BuildCandles buckets raw ticks into candles of width tf, ordered by bucket.
// Ticks are sorted by timestamp first (stable, so equal timestamps keep
// arrival order) so Close is always the chronologically last price.
// Candles are always derived from ticks, never resampled from other candles.
func BuildCandles(ticks []Tick, tf Timeframe, now time.Time) []Candle {
	if len(ticks) == 0 || !tf.IsValid() {
		return nil
	}

	sorted := make([]Tick, len(ticks))
	copy(sorted, ticks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TimestampMs < sorted[j].TimestampMs
	})

	width := tf.Millis()
	nowMs := now.UnixMilli()

	candles := make([]Candle, 0, 16)
	for _, t := range sorted {
		start := BucketStart(t.TimestampMs, tf)
		n := len(candles)
		if n == 0 || candles[n-1].BucketStart != start {
			candles = append(candles, Candle{
				BucketStart: start,
				Open:        t.Price,
				High:        t.Price,
				Low:         t.Price,
				Close:       t.Price,
				Volume:      t.Volume,
			})
			continue
		}

		c := &candles[n-1]
		if t.Price > c.High {
			c.High = t.Price
		}
		if t.Price < c.Low {
			c.Low = t.Price
		}
		c.Close = t.Price
		c.Volume += t.Volume
	}

	for i := range candles {
		candles[i].Finalized = nowMs > candles[i].BucketStart+width
	}
	return candles
}

// LiveCandle returns the most recent candle if it is not yet finalized.
func LiveCandle(candles []Candle) (Candle, bool) {
	if len(candles) == 0 {
		return Candle{}, false
	}
	last := candles[len(candles)-1]
	if last.Finalized {
		return Candle{}, false
	}
	return last, true
}

// SortCandles orders candles by bucket start.
func SortCandles(candles []Candle) {
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].BucketStart < candles[j].BucketStart
	})
}

// MergeCandles overlays live candles on historical ones. Where both have
// the same bucket the live candle wins. The result is sorted by bucket.
func MergeCandles(history, live []Candle) []Candle {
	byBucket := make(map[int64]Candle, len(history)+len(live))
	for _, c := range history {
		byBucket[c.BucketStart] = c
	}
	for _, c := range live {
		byBucket[c.BucketStart] = c
	}

	out := make([]Candle, 0, len(byBucket))
	for _, c := range byBucket {
		out = append(out, c)
	}
	SortCandles(out)
	return out
}
