package market

import (
	"strings"
	"time"
)

// SeriesKey identifies one provider-native price series (e.g. binance:BTCUSDT).
type SeriesKey struct {
	Provider string `json:"provider"`
	Symbol   string `json:"symbol"`
}

// NewSeriesKey normalizes provider to lower case and symbol to upper case.
func NewSeriesKey(provider, symbol string) SeriesKey {
	return SeriesKey{
		Provider: strings.ToLower(strings.TrimSpace(provider)),
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
	}
}

func (k SeriesKey) String() string {
	return k.Provider + ":" + k.Symbol
}

// Tick is a single timestamped price observation for a provider+symbol pair.
// Ticks are passed by value and never modified after decoding.
type Tick struct {
	Provider     string  `json:"provider"`
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	TimestampMs  int64   `json:"ts"`     // event time (milliseconds since epoch)
	ISOTimestamp string  `json:"iso"`    // event time as RFC3339, as sent by the source
	Stale        bool    `json:"stale"`  // source flagged this value as not current
	Volume       float64 `json:"volume"` // zero when the source sends no volume
}

// NewTick builds a tick and fills ISOTimestamp from ts when iso is empty.
func NewTick(provider, symbol string, price float64, ts int64, iso string, stale bool, volume float64) Tick {
	key := NewSeriesKey(provider, symbol)
	if iso == "" && ts > 0 {
		iso = time.UnixMilli(ts).UTC().Format(time.RFC3339Nano)
	}
	return Tick{
		Provider:     key.Provider,
		Symbol:       key.Symbol,
		Price:        price,
		TimestampMs:  ts,
		ISOTimestamp: iso,
		Stale:        stale,
		Volume:       volume,
	}
}

// Key returns the series the tick belongs to.
func (t Tick) Key() SeriesKey {
	return SeriesKey{Provider: t.Provider, Symbol: t.Symbol}
}

// Time returns the event time, or the zero time when the tick carries none.
func (t Tick) Time() time.Time {
	if t.TimestampMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.TimestampMs)
}
