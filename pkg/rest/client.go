// Package rest talks to the aggregator's REST collaborators: last known
// quotes for the polling fallback and historical candles for backfill.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tickstream/pkg/market"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when the endpoint knows nothing about a symbol.
var ErrNotFound = errors.New("rest: not found")

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// LastQuote fetches the last known quote of symbol.
func (c *Client) LastQuote(ctx context.Context, symbol string) (Quote, error) {
	q := url.Values{}
	q.Set("symbol", symbol)

	var res quoteResult
	if err := c.get(ctx, "/v1/quote", q, &res); err != nil {
		return Quote{}, err
	}

	price, err := decimal.NewFromString(res.Price)
	if err != nil {
		return Quote{}, fmt.Errorf("parse price %q: %w", res.Price, err)
	}
	return Quote{
		Provider:    res.Provider,
		Symbol:      res.Symbol,
		Price:       price.InexactFloat64(),
		TimestampMs: res.TS,
		Stale:       res.Stale,
	}, nil
}

// Candles fetches historical candles of a series between start and end.
// Every returned candle is finalized.
func (c *Client) Candles(ctx context.Context, key market.SeriesKey, tf market.Timeframe,
	start, end time.Time) ([]market.Candle, error) {
	q := url.Values{}
	q.Set("provider", key.Provider)
	q.Set("symbol", key.Symbol)
	q.Set("interval", tf.String())
	q.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("end", strconv.FormatInt(end.UnixMilli(), 10))

	var res candlesResult
	if err := c.get(ctx, "/v1/candles", q, &res); err != nil {
		return nil, err
	}
	return ParseCandleRows(res.List), nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, dst any) error {
	endpoint := c.baseURL + path + "?" + query.Encode()

	// Construct the GET request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", path, query.Get("symbol"), ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("aggregator error (%d): %s", resp.StatusCode, body)
	}

	var raw Response
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if raw.Code != 0 {
		return fmt.Errorf("aggregator error %d: %s", raw.Code, raw.Message)
	}

	if err := json.Unmarshal(raw.Result, dst); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// ParseCandleRows converts [start, open, high, low, close, volume] rows to
// candles sorted by bucket. Incomplete or unparsable rows are skipped.
func ParseCandleRows(rows [][]string) []market.Candle {
	var out []market.Candle
	for _, row := range rows {
		if len(row) < 6 {
			continue // skip incomplete row
		}
		start, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}

		var vals [5]float64
		ok := true
		for i := range vals {
			d, err := decimal.NewFromString(row[i+1])
			if err != nil {
				ok = false
				break
			}
			vals[i] = d.InexactFloat64()
		}
		if !ok {
			continue
		}

		out = append(out, market.Candle{
			BucketStart: start,
			Open:        vals[0],
			High:        vals[1],
			Low:         vals[2],
			Close:       vals[3],
			Volume:      vals[4],
			Finalized:   true,
		})
	}
	market.SortCandles(out)
	return out
}
