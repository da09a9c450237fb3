package market

import (
	"fmt"
	"time"
)

// Timeframe is the bucket width used when rebuilding candles from ticks.
type Timeframe time.Duration

// TimeframeMeta holds the wire label and the duration of a named timeframe.
type TimeframeMeta struct {
	Label    string
	Duration time.Duration
}

const (
	Timeframe1s  = Timeframe(time.Second)
	Timeframe5s  = Timeframe(5 * time.Second)
	Timeframe1m  = Timeframe(time.Minute)
	Timeframe5m  = Timeframe(5 * time.Minute)
	Timeframe15m = Timeframe(15 * time.Minute)
	Timeframe30m = Timeframe(30 * time.Minute)
	Timeframe1h  = Timeframe(time.Hour)
	Timeframe4h  = Timeframe(4 * time.Hour)
	Timeframe1d  = Timeframe(24 * time.Hour)
)

// validTimeframes maps the labels used in config and REST queries to durations.
var validTimeframes = map[string]TimeframeMeta{
	"1s":  {Label: "1s", Duration: time.Second},
	"5s":  {Label: "5s", Duration: 5 * time.Second},
	"1m":  {Label: "1m", Duration: time.Minute},
	"5m":  {Label: "5m", Duration: 5 * time.Minute},
	"15m": {Label: "15m", Duration: 15 * time.Minute},
	"30m": {Label: "30m", Duration: 30 * time.Minute},
	"1h":  {Label: "1h", Duration: time.Hour},
	"4h":  {Label: "4h", Duration: 4 * time.Hour},
	"1d":  {Label: "1d", Duration: 24 * time.Hour},
}

// ParseTimeframe parses a label such as "1m" or "4h".
func ParseTimeframe(s string) (Timeframe, error) {
	meta, ok := validTimeframes[s]
	if !ok {
		return 0, fmt.Errorf("invalid timeframe: %s", s)
	}
	return Timeframe(meta.Duration), nil
}

// Millis returns the bucket width in milliseconds.
func (tf Timeframe) Millis() int64 {
	return time.Duration(tf).Milliseconds()
}

// IsValid reports whether tf can be used for bucketing (at least one millisecond).
func (tf Timeframe) IsValid() bool {
	return tf.Millis() > 0
}

// String returns the known label, or the Go duration form for ad-hoc widths.
func (tf Timeframe) String() string {
	for label, meta := range validTimeframes {
		if meta.Duration == time.Duration(tf) {
			return label
		}
	}
	return time.Duration(tf).String()
}
