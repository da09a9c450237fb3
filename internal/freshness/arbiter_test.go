package freshness

import (
	"testing"
	"time"

	"tickstream/pkg/market"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// go test -v --run TestPollWinsOverOldPush
func TestPollWinsOverOldPush(t *testing.T) {
	now := time.UnixMilli(1_700_000_100_000)
	a := New(0).WithClock(fixedClock(now))

	a.Push("BTC", market.NewTick("binance", "BTCUSDT", 10, now.UnixMilli()-20_000, "", false, 0))
	a.Poll("BTC", 11, now.Add(-2*time.Second))

	q, ok := a.Current("BTC")
	if !ok || q.Price != 11 || q.Source != SourcePoll {
		t.Fatalf("expected poll value 11, got %+v ok=%v", q, ok)
	}
}

func TestFreshPushWins(t *testing.T) {
	now := time.UnixMilli(1_700_000_100_000)
	a := New(15 * time.Second).WithClock(fixedClock(now))

	a.Poll("ETH", 2000, now)
	a.Push("ETH", market.NewTick("binance", "ETHUSDT", 2001, now.UnixMilli()-14_999, "", false, 0))

	q, ok := a.Current("ETH")
	if !ok || q.Price != 2001 || q.Source != SourcePush || q.Symbol != "ETHUSDT" {
		t.Fatalf("expected fresh push, got %+v", q)
	}
}

func TestPushFreshnessRules(t *testing.T) {
	now := time.UnixMilli(1_700_000_100_000)
	cases := []struct {
		name string
		tick market.Tick
		want Source
	}{
		{"no timestamp is trusted", market.NewTick("x", "A", 1, 0, "", false, 0), SourcePush},
		{"flagged stale", market.NewTick("x", "A", 1, now.UnixMilli(), "", true, 0), SourceStalePush},
		{"exactly at skew", market.NewTick("x", "A", 1, now.UnixMilli()-15_000, "", false, 0), SourceStalePush},
		{"just inside skew", market.NewTick("x", "A", 1, now.UnixMilli()-14_999, "", false, 0), SourcePush},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := New(0).WithClock(fixedClock(now))
			a.Push("A", tc.tick)
			q, ok := a.Current("A")
			if !ok || q.Source != tc.want {
				t.Errorf("source = %s, want %s", q.Source, tc.want)
			}
			if tc.want == SourceStalePush && !q.Stale {
				t.Error("stale push must be reported stale")
			}
		})
	}
}

func TestUnknownAsset(t *testing.T) {
	a := New(0)
	q, ok := a.Current("DOGE")
	if ok || q.Source != SourceUnknown || q.Source.String() != "unknown" {
		t.Fatalf("expected unknown, got %+v ok=%v", q, ok)
	}

	a.Poll("DOGE", 0.1, time.Time{})
	if _, ok := a.Current("DOGE"); !ok {
		t.Fatal("polled asset should be known")
	}
	a.Forget("DOGE")
	if _, ok := a.Current("DOGE"); ok || a.Len() != 0 {
		t.Error("forgotten asset should be unknown")
	}
}
