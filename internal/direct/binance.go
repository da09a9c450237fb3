package direct

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"tickstream/internal/bus"
	"tickstream/internal/metrics"
	"tickstream/pkg/market"

	"github.com/creasty/defaults"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const ProviderBinance = "binance"

// BinanceConfig configures the per-symbol Binance trade stream.
type BinanceConfig struct {
	URL        string        `default:"wss://stream.binance.com:9443/ws"`
	RetryDelay time.Duration `default:"3s"`
}

// Binance streams public trades of one symbol, one socket per symbol.
type Binance struct {
	loop
	url    string
	symbol string // native, upper case
	nextID atomic.Int64
}

type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type binanceTrade struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	Maker     bool   `json:"m"`
}

func NewBinance(cfg BinanceConfig, symbol string, b *bus.Bus, log *zap.Logger, rec *metrics.Recorder) *Binance {
	if log == nil {
		log = zap.NewNop()
	}
	if err := defaults.Set(&cfg); err != nil {
		log.Warn("invalid binance defaults", zap.Error(err))
	}
	symbol = strings.ToUpper(symbol)
	return &Binance{
		loop: loop{
			provider:   ProviderBinance,
			retryDelay: cfg.RetryDelay,
			bus:        b,
			log:        log.With(zap.String("provider", ProviderBinance), zap.String("symbol", symbol)),
			metrics:    rec,
		},
		url:    cfg.URL,
		symbol: symbol,
	}
}

func (a *Binance) Start()             { a.start(a.session) }
func (a *Binance) Close()             { a.stop() }
func (a *Binance) Subscribe(string)   {}
func (a *Binance) Unsubscribe(string) {}

// stream is the Binance stream name, e.g. "btcusdt@trade".
func (a *Binance) stream() string {
	return strings.ToLower(a.symbol) + "@trade"
}

func (a *Binance) session(ctx context.Context, opened func()) error {
	ws, _, err := websocket.Dial(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.url, err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "shutdown")
	ws.SetReadLimit(1 << 20)

	// the stream forgets subscriptions on reconnect, so subscribe on every open
	req := binanceRequest{Method: "SUBSCRIBE", Params: []string{a.stream()}, ID: a.nextID.Add(1)}
	if err := wsjson.Write(ctx, ws, req); err != nil {
		return fmt.Errorf("subscribe %s: %w", a.stream(), err)
	}
	opened()

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		a.handle(data)
	}
}

func (a *Binance) handle(data []byte) {
	var tr binanceTrade
	if err := json.Unmarshal(data, &tr); err != nil {
		a.log.Debug("unparsable message", zap.Error(err))
		return
	}
	if tr.Event != "trade" {
		return // subscription replies
	}

	price, err := decimal.NewFromString(tr.Price)
	if err != nil {
		a.log.Debug("bad trade price", zap.String("price", tr.Price), zap.Error(err))
		return
	}
	var volume float64
	if qty, err := decimal.NewFromString(tr.Quantity); err == nil {
		volume = qty.InexactFloat64()
	}

	tick := market.NewTick(ProviderBinance, tr.Symbol, price.InexactFloat64(), tr.TradeTime, "", false, volume)
	a.metrics.Ticks(ProviderBinance, 1)
	a.bus.Emit(bus.Ticks{Source: ProviderBinance, Ticks: []market.Tick{tick}})
}
