package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tickstream/internal/bus"
	"tickstream/internal/direct"
	"tickstream/internal/freshness"
	"tickstream/internal/stream"
	"tickstream/pkg/market"
	"tickstream/pkg/protocol"
	"tickstream/pkg/rest"
)

// pipeConn is an in-memory stream.Conn fed through in.
type pipeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []string
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errors.New("closed")
	}
}

func (c *pipeConn) WriteMessage(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(b))
	return nil
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

type pipeDialer struct{ conn *pipeConn }

func (d pipeDialer) Dial(context.Context, string, func()) (stream.Conn, error) {
	return d.conn, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// offline builds a service without an aggregator endpoint.
func offline(t *testing.T, opts Options) *Service {
	t.Helper()
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.Init()
	t.Cleanup(s.Shutdown)
	return s
}

// go test -v --run TestAggregatorTicksReachPriceAndCandles
func TestAggregatorTicksReachPriceAndCandles(t *testing.T) {
	conn := newPipeConn()
	s, err := New(Options{Stream: stream.Options{URL: "ws://aggregator.test/ws", Dialer: pipeDialer{conn: conn}}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := s.Subscribe(protocol.AutoRoute{AssetID: "BTC"}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if n, _ := s.Subscribe(protocol.AutoRoute{AssetID: "BTC"}); n != 2 {
		t.Fatalf("expected ref count 2, got %d", n)
	}
	s.Init()
	defer s.Shutdown()

	waitFor(t, "open", func() bool { return s.Stats().State == stream.StateOpen })
	if got := conn.frames(); len(got) != 1 {
		t.Fatalf("expected one replayed subscribe, got %v", got)
	}

	now := time.Now().UnixMilli()
	conn.in <- []byte(`{"type":"ticks","data":"not-an-array"}`)
	conn.in <- []byte(fmt.Sprintf(`{"type":"ticks","data":[{"provider":"binance","symbol":"BTC","price":100,"ts":%d},{"provider":"binance","symbol":"BTC","price":101,"ts":%d}]}`, now-1, now))

	waitFor(t, "price", func() bool { _, ok := s.Price("BTC"); return ok })
	q, _ := s.Price("BTC")
	if q.Price != 101 || q.Source != freshness.SourcePush || q.Provider != "binance" {
		t.Errorf("unexpected quote %+v", q)
	}

	series := market.NewSeriesKey("binance", "BTC")
	candles := s.BuildCandles(series, market.Timeframe1m)
	if len(candles) == 0 || candles[len(candles)-1].Close != 101 {
		t.Errorf("unexpected candles %+v", candles)
	}
	if st := s.Stats(); st.Subscriptions != 1 || st.Ticks != 2 || st.Series != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestUnsubscribeForgetsAutoAsset(t *testing.T) {
	s := offline(t, Options{})
	key := protocol.AutoRoute{AssetID: "ETH"}.Key()

	s.Subscribe(protocol.AutoRoute{AssetID: "ETH"})
	s.bus.Emit(bus.Ticks{Ticks: []market.Tick{market.NewTick("coinbase", "eth", 3000, time.Now().UnixMilli(), "", false, 0)}})
	if _, ok := s.Price("ETH"); !ok {
		t.Fatal("expected a price after the first matching tick")
	}

	if n := s.Unsubscribe(key); n != 0 {
		t.Fatalf("expected zero refs, got %d", n)
	}
	if _, ok := s.Price("ETH"); ok {
		t.Error("price should be unknown after the last unsubscribe")
	}
	if s.registry.Has(key) {
		t.Error("registry entry should be removed")
	}
}

func TestLinkAndWatch(t *testing.T) {
	s := offline(t, Options{})
	series := market.NewSeriesKey("finnhub", "AAPL")
	s.Link("apple", series)

	var seen []float64
	off := s.Watch(series, func(tk market.Tick) { seen = append(seen, tk.Price) })

	tick := market.NewTick("finnhub", "AAPL", 190, time.Now().UnixMilli(), "", false, 0)
	other := market.NewTick("finnhub", "MSFT", 400, time.Now().UnixMilli(), "", false, 0)
	s.bus.Emit(bus.Ticks{Ticks: []market.Tick{tick, other}})
	s.bus.Emit(bus.Ticks{Ticks: []market.Tick{tick}})
	off()
	s.bus.Emit(bus.Ticks{Ticks: []market.Tick{market.NewTick("finnhub", "AAPL", 191, time.Now().UnixMilli(), "", false, 0)}})

	if len(seen) != 1 || seen[0] != 190 {
		t.Errorf("unexpected watched prices %v", seen)
	}
	if q, ok := s.Price("apple"); !ok || q.Price != 191 {
		t.Errorf("linked price = %+v %v", q, ok)
	}

	s.Unlink("apple")
	if _, ok := s.Price("apple"); ok {
		t.Error("unlinked asset should be unknown")
	}
}

func TestMissingEndpointIsReported(t *testing.T) {
	s, err := New(Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	var errs []error
	s.bus.OnError(func(e bus.Error) { errs = append(errs, e.Err) })

	s.Init()
	defer s.Shutdown()

	if len(errs) != 1 || !errors.Is(errs[0], stream.ErrNoEndpoint) {
		t.Errorf("unexpected errors %v", errs)
	}
	if s.Stats().State != stream.StateIdle {
		t.Errorf("state = %s", s.Stats().State)
	}
}

func newQuoteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/quote", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"result":{"provider":"binance","symbol":"BTCUSDT","price":"11","ts":1700000000000}}`)
	})
	mux.HandleFunc("/v1/candles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"result":{"list":[
			["1699999980000","1","2","0.5","1.5","1"],
			["1700000040000","2","3","1","2.5","1"]
		]}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// go test -v --run TestRefreshQuoteFallsBackToPoll
func TestRefreshQuoteFallsBackToPoll(t *testing.T) {
	srv := newQuoteServer(t)
	now := time.UnixMilli(1_700_000_100_000)
	s := offline(t, Options{REST: rest.NewClient(srv.URL, time.Second), Now: func() time.Time { return now }})

	series := market.NewSeriesKey("binance", "BTCUSDT")
	s.Link("BTC", series)
	s.bus.Emit(bus.Ticks{Ticks: []market.Tick{market.NewTick("binance", "BTCUSDT", 10, now.UnixMilli()-20_000, "", false, 0)}})

	if err := s.RefreshQuote(context.Background(), "BTC", "BTCUSDT"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	q, ok := s.Price("BTC")
	if !ok || q.Price != 11 || q.Source != freshness.SourcePoll {
		t.Errorf("expected the polled value, got %+v", q)
	}
}

func TestHistoryOverlaysLiveCandles(t *testing.T) {
	srv := newQuoteServer(t)
	const base = 1_699_999_980_000 // minute aligned
	now := time.UnixMilli(base + 90_000)
	s := offline(t, Options{REST: rest.NewClient(srv.URL, time.Second), Now: func() time.Time { return now }})

	series := market.NewSeriesKey("binance", "BTCUSDT")
	s.bus.Emit(bus.Ticks{Ticks: []market.Tick{
		market.NewTick("binance", "BTCUSDT", 9, base+61_000, "", false, 0),
		market.NewTick("binance", "BTCUSDT", 8, base+62_000, "", false, 0),
	}})

	candles, err := s.History(context.Background(), series, market.Timeframe1m,
		time.UnixMilli(base), time.UnixMilli(base+120_000))
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %+v", candles)
	}
	if candles[0].Close != 1.5 || !candles[0].Finalized {
		t.Errorf("unexpected historical candle %+v", candles[0])
	}
	if candles[1].Close != 8 || candles[1].Finalized {
		t.Errorf("live candle should win, got %+v", candles[1])
	}
}

func TestRESTOperationsWithoutEndpoint(t *testing.T) {
	s := offline(t, Options{})
	if err := s.RefreshQuote(context.Background(), "BTC", "BTC"); !errors.Is(err, ErrNoREST) {
		t.Errorf("unexpected error %v", err)
	}
	if _, err := s.History(context.Background(), market.SeriesKey{}, market.Timeframe1m, time.Now(), time.Now()); !errors.Is(err, ErrNoREST) {
		t.Errorf("unexpected error %v", err)
	}
}

type stubAdapter struct {
	mu      sync.Mutex
	started bool
	closed  bool
	symbols []string
}

func (a *stubAdapter) Start() { a.mu.Lock(); a.started = true; a.mu.Unlock() }
func (a *stubAdapter) Close() { a.mu.Lock(); a.closed = true; a.mu.Unlock() }
func (a *stubAdapter) Subscribe(s string) {
	a.mu.Lock()
	a.symbols = append(a.symbols, s)
	a.mu.Unlock()
}
func (a *stubAdapter) Unsubscribe(string) {}

// go test -v --run TestSubscribeDirectRoutesByAssetClass
func TestSubscribeDirectRoutesByAssetClass(t *testing.T) {
	var mu sync.Mutex
	built := map[string]*stubAdapter{}
	factory := func(name string) func(string) direct.Adapter {
		return func(symbol string) direct.Adapter {
			mu.Lock()
			defer mu.Unlock()
			a := &stubAdapter{}
			built[name+":"+symbol] = a
			return a
		}
	}
	s := offline(t, Options{Providers: func(*bus.Bus) []direct.Provider {
		return []direct.Provider{
			{Name: direct.ProviderBinance, New: factory(direct.ProviderBinance)},
			{Name: direct.ProviderFinnhub, Multiplexed: true, New: factory(direct.ProviderFinnhub)},
		}
	}})

	series, err := s.SubscribeDirect("BTC-USD")
	if err != nil {
		t.Fatalf("crypto subscribe failed: %v", err)
	}
	if series != market.NewSeriesKey("binance", "BTCUSDT") {
		t.Errorf("unexpected crypto series %s", series)
	}
	if _, err := s.SubscribeDirect("AAPL"); err != nil {
		t.Fatalf("equity subscribe failed: %v", err)
	}
	if s.Stats().Adapters != 2 {
		t.Errorf("expected 2 adapters, got %d", s.Stats().Adapters)
	}

	if err := s.UnsubscribeDirect("BTC-USD"); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	mu.Lock()
	btc := built["binance:BTCUSDT"]
	mu.Unlock()
	if btc == nil || !btc.closed {
		t.Error("binance adapter should be closed after the last release")
	}
}

type memWriter struct {
	mu   sync.Mutex
	rows int
}

func (w *memWriter) WriteCandles(_ context.Context, _ market.SeriesKey, _ market.Timeframe, candles []market.Candle) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows += len(candles)
	return len(candles), nil
}

func TestShutdownFlushesArchive(t *testing.T) {
	w := &memWriter{}
	s, err := New(Options{Archive: &ArchiveOptions{Writer: w, Timeframe: market.Timeframe1m, Interval: time.Hour}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.Init()
	s.bus.Emit(bus.Ticks{Ticks: []market.Tick{market.NewTick("binance", "BTCUSDT", 1, 60_000, "", false, 0)}})
	s.Shutdown()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rows != 1 {
		t.Errorf("expected 1 archived candle, got %d", w.rows)
	}
}
