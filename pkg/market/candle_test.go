package market

import (
	"testing"
	"time"
)

func tick(ts int64, price float64) Tick {
	return NewTick("binance", "BTCUSDT", price, ts, "", false, 0)
}

// go test -v --run TestBuildCandlesSingleBucket
func TestBuildCandlesSingleBucket(t *testing.T) {
	ticks := []Tick{tick(0, 100), tick(1000, 105), tick(2000, 98)}
	tf := Timeframe(5 * time.Second)

	live := BuildCandles(ticks, tf, time.UnixMilli(4000))
	if len(live) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(live))
	}
	c := live[0]
	if c.Open != 100 || c.High != 105 || c.Low != 98 || c.Close != 98 {
		t.Errorf("unexpected OHLC: %+v", c)
	}
	if c.Finalized {
		t.Error("candle must be live before bucket end")
	}

	// finalized only once now > bucketStart + T
	if BuildCandles(ticks, tf, time.UnixMilli(5000))[0].Finalized {
		t.Error("candle must not be finalized at exactly bucketStart+T")
	}
	if !BuildCandles(ticks, tf, time.UnixMilli(5001))[0].Finalized {
		t.Error("candle must be finalized after bucketStart+T")
	}
}

// go test -v --run TestBuildCandlesOutOfOrder
func TestBuildCandlesOutOfOrder(t *testing.T) {
	ordered := []Tick{tick(0, 100), tick(1000, 105), tick(2000, 98)}
	shuffled := []Tick{tick(2000, 98), tick(0, 100), tick(1000, 105)}
	tf := Timeframe(5 * time.Second)
	now := time.UnixMilli(10_000)

	a := BuildCandles(ordered, tf, now)
	b := BuildCandles(shuffled, tf, now)
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected one candle each, got %d and %d", len(a), len(b))
	}
	if a[0] != b[0] {
		t.Errorf("rebuild must not depend on insertion order: %+v vs %+v", a[0], b[0])
	}
	if b[0].Close != 98 || b[0].Open != 100 {
		t.Errorf("close must be chronologically last tick: %+v", b[0])
	}
}

// go test -v --run TestBuildCandlesBuckets
func TestBuildCandlesBuckets(t *testing.T) {
	ticks := []Tick{
		NewTick("binance", "BTCUSDT", 10, 59_000, "", false, 1),
		NewTick("binance", "BTCUSDT", 11, 60_000, "", false, 2),
		NewTick("binance", "BTCUSDT", 9, 61_000, "", false, 0),
		NewTick("binance", "BTCUSDT", 12, 125_000, "", false, 0.5),
	}

	candles := BuildCandles(ticks, Timeframe1m, time.UnixMilli(130_000))
	if len(candles) != 3 {
		t.Fatalf("expected 3 candles, got %d", len(candles))
	}

	wantStarts := []int64{0, 60_000, 120_000}
	for i, c := range candles {
		if c.BucketStart != wantStarts[i] {
			t.Errorf("candle %d: bucket %d, want %d", i, c.BucketStart, wantStarts[i])
		}
	}
	if candles[1].Volume != 2 || candles[1].Low != 9 || candles[1].Close != 9 {
		t.Errorf("unexpected second candle: %+v", candles[1])
	}
	if !candles[0].Finalized || !candles[1].Finalized || candles[2].Finalized {
		t.Errorf("unexpected finalized flags: %+v", candles)
	}

	live, ok := LiveCandle(candles)
	if !ok || live.BucketStart != 120_000 {
		t.Errorf("expected live candle at 120000, got %+v ok=%v", live, ok)
	}
}

// go test -v --run TestBuildCandlesTimeframeSwitch
func TestBuildCandlesTimeframeSwitch(t *testing.T) {
	var ticks []Tick
	for i := int64(0); i < 120; i++ {
		ticks = append(ticks, tick(i*1000, float64(100+i%7)))
	}
	now := time.UnixMilli(200_000)

	minute := BuildCandles(ticks, Timeframe1m, now)
	fiveSec := BuildCandles(ticks, Timeframe5s, now)
	minuteAgain := BuildCandles(ticks, Timeframe1m, now)

	if len(minute) != 2 || len(fiveSec) != 24 {
		t.Fatalf("unexpected counts: 1m=%d 5s=%d", len(minute), len(fiveSec))
	}
	for i := range minute {
		if minute[i] != minuteAgain[i] {
			t.Errorf("rebuild after switching timeframe differs at %d", i)
		}
	}
}

func TestBuildCandlesEmpty(t *testing.T) {
	if got := BuildCandles(nil, Timeframe1m, time.Now()); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
	if got := BuildCandles([]Tick{tick(0, 1)}, Timeframe(0), time.Now()); got != nil {
		t.Errorf("expected nil for zero timeframe, got %v", got)
	}
}

func TestBucketStartNegative(t *testing.T) {
	if got := BucketStart(-1, Timeframe1s); got != -1000 {
		t.Errorf("BucketStart(-1) = %d, want -1000", got)
	}
}

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("15m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tf.Millis() != 900_000 || tf.String() != "15m" {
		t.Errorf("unexpected timeframe %v (%d ms)", tf, tf.Millis())
	}
	if _, err := ParseTimeframe("7m"); err == nil {
		t.Error("expected error for unknown label")
	}
}

func TestMergeCandlesLiveWins(t *testing.T) {
	history := []Candle{
		{BucketStart: 120_000, Close: 3, Finalized: true},
		{BucketStart: 0, Close: 1, Finalized: true},
		{BucketStart: 60_000, Close: 2, Finalized: true},
	}
	live := []Candle{
		{BucketStart: 120_000, Close: 30},
		{BucketStart: 180_000, Close: 40},
	}

	got := MergeCandles(history, live)
	if len(got) != 4 {
		t.Fatalf("expected 4 candles, got %d", len(got))
	}
	for i, want := range []float64{1, 2, 30, 40} {
		if got[i].Close != want {
			t.Errorf("candle %d close = %v, want %v", i, got[i].Close, want)
		}
	}
	if got[2].Finalized {
		t.Error("live candle must keep its own finalized flag")
	}
}
