package direct

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"tickstream/internal/bus"
	"tickstream/internal/metrics"
	"tickstream/pkg/market"

	"github.com/creasty/defaults"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const ProviderFinnhub = "finnhub"

// FinnhubConfig configures the shared Finnhub trade stream.
type FinnhubConfig struct {
	URL        string `default:"wss://ws.finnhub.io"`
	APIKey     string
	RetryDelay time.Duration `default:"3s"`
}

// Finnhub multiplexes every subscribed symbol over one socket.
type Finnhub struct {
	loop
	url    string
	apiKey string

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols map[string]struct{}
}

type finnhubFrame struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

type finnhubTrade struct {
	S string  `json:"s"`
	P float64 `json:"p"`
	V float64 `json:"v"`
	T int64   `json:"t"` // ms
}

type finnhubMessage struct {
	Type string         `json:"type"`
	Data []finnhubTrade `json:"data"`
	Msg  string         `json:"msg"`
}

func NewFinnhub(cfg FinnhubConfig, b *bus.Bus, log *zap.Logger, rec *metrics.Recorder) *Finnhub {
	if log == nil {
		log = zap.NewNop()
	}
	if err := defaults.Set(&cfg); err != nil {
		log.Warn("invalid finnhub defaults", zap.Error(err))
	}
	return &Finnhub{
		loop: loop{
			provider:   ProviderFinnhub,
			retryDelay: cfg.RetryDelay,
			bus:        b,
			log:        log.With(zap.String("provider", ProviderFinnhub)),
			metrics:    rec,
		},
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		symbols: make(map[string]struct{}),
	}
}

func (a *Finnhub) Start() { a.start(a.session) }
func (a *Finnhub) Close() { a.stop() }

// Subscribe adds symbol to the set and subscribes it right away when
// connected. The whole set is re-subscribed on every open.
func (a *Finnhub) Subscribe(symbol string) {
	symbol = strings.ToUpper(symbol)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.symbols[symbol]; ok {
		return
	}
	a.symbols[symbol] = struct{}{}
	if a.conn != nil {
		if err := a.writeLocked(finnhubFrame{Type: "subscribe", Symbol: symbol}); err != nil {
			a.log.Warn("subscribe failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

// Unsubscribe removes symbol. A failed send is not retried.
func (a *Finnhub) Unsubscribe(symbol string) {
	symbol = strings.ToUpper(symbol)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.symbols[symbol]; !ok {
		return
	}
	delete(a.symbols, symbol)
	if a.conn != nil {
		if err := a.writeLocked(finnhubFrame{Type: "unsubscribe", Symbol: symbol}); err != nil {
			a.log.Debug("unsubscribe failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

// Symbols returns the subscribed set, sorted.
func (a *Finnhub) Symbols() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.symbolsLocked()
}

func (a *Finnhub) session(ctx context.Context, opened func()) error {
	u := a.url
	if a.apiKey != "" {
		u = fmt.Sprintf("%s?token=%s", a.url, url.QueryEscape(a.apiKey))
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("finnhub connect: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	a.mu.Lock()
	a.conn = conn
	for _, s := range a.symbolsLocked() {
		if err := a.writeLocked(finnhubFrame{Type: "subscribe", Symbol: s}); err != nil {
			a.conn = nil
			a.mu.Unlock()
			return fmt.Errorf("subscribe %s: %w", s, err)
		}
	}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
	}()
	opened()

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("finnhub read: %w", err)
		}
		a.handle(b)
	}
}

func (a *Finnhub) handle(b []byte) {
	var m finnhubMessage
	if err := json.Unmarshal(b, &m); err != nil {
		a.log.Debug("unparsable message", zap.Error(err))
		return
	}

	switch m.Type {
	case "trade":
		ticks := make([]market.Tick, 0, len(m.Data))
		for _, d := range m.Data {
			if d.S == "" {
				continue
			}
			ticks = append(ticks, market.NewTick(ProviderFinnhub, d.S, d.P, d.T, "", false, d.V))
		}
		if len(ticks) == 0 {
			return
		}
		a.metrics.Ticks(ProviderFinnhub, len(ticks))
		a.bus.Emit(bus.Ticks{Source: ProviderFinnhub, Ticks: ticks})
	case "error":
		a.metrics.AdapterError(ProviderFinnhub)
		a.log.Warn("finnhub reported an error", zap.String("message", m.Msg))
		a.bus.Emit(bus.ErrorMsg{Message: m.Msg})
	default:
		// ping and anything newer
	}
}

func (a *Finnhub) writeLocked(v any) error {
	if err := a.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return a.conn.WriteJSON(v)
}

func (a *Finnhub) symbolsLocked() []string {
	out := make([]string, 0, len(a.symbols))
	for s := range a.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
