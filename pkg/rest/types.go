package rest

import "encoding/json"

// Response is the envelope every aggregator REST endpoint replies with.
type Response struct {
	Code    int             `json:"code"`    // 0 means success
	Message string          `json:"message"` // human-readable error, empty on success
	Result  json.RawMessage `json:"result"`  // decoded per endpoint
	Time    int64           `json:"time"`    // server time, ms
}

// quoteResult is the payload of GET /v1/quote.
type quoteResult struct {
	Provider string `json:"provider"`
	Symbol   string `json:"symbol"`
	Price    string `json:"price"`
	TS       int64  `json:"ts"`
	Stale    bool   `json:"stale"`
}

// candlesResult is the payload of GET /v1/candles. Each row is
// [start, open, high, low, close, volume] with prices as decimal strings.
type candlesResult struct {
	Provider string     `json:"provider"`
	Symbol   string     `json:"symbol"`
	Interval string     `json:"interval"`
	List     [][]string `json:"list"`
}

// Quote is the last known price of a symbol.
type Quote struct {
	Provider    string
	Symbol      string
	Price       float64
	TimestampMs int64
	Stale       bool
}
