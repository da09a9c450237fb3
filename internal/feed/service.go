// Package feed is the consumer-facing entry point of the market-data layer.
// A Service owns one aggregator connection, the direct adapters, the tick
// buffers and the freshness records, and lives from Init to Shutdown.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tickstream/internal/archive"
	"tickstream/internal/bus"
	"tickstream/internal/direct"
	"tickstream/internal/freshness"
	"tickstream/internal/metrics"
	"tickstream/internal/stream"
	"tickstream/pkg/market"
	"tickstream/pkg/protocol"
	"tickstream/pkg/rest"

	"go.uber.org/zap"
)

// ErrNoREST is returned by the REST-backed operations when no base URL is configured.
var ErrNoREST = errors.New("feed: rest endpoint not configured")

// Options configures a Service. Zero values fall back to package defaults.
type Options struct {
	Stream       stream.Options
	RingCapacity int
	MaxSkew      time.Duration

	Binance direct.BinanceConfig
	Finnhub direct.FinnhubConfig
	// Providers overrides the default Binance and Finnhub adapters.
	Providers func(b *bus.Bus) []direct.Provider
	Router    *direct.Router

	REST         *rest.Client
	PollInterval time.Duration // 0 disables background quote polling

	Archive *ArchiveOptions

	Logger  *zap.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// ArchiveOptions enables the periodic candle archive.
type ArchiveOptions struct {
	Writer    archive.CandleWriter
	Timeframe market.Timeframe
	Interval  time.Duration
}

// asset is one logical asset tracked by the freshness arbiter.
type asset struct {
	series market.SeriesKey // zero until linked
	auto   bool             // linked from the first tick whose symbol is the asset id
}

// Stats is a point-in-time view of the service.
type Stats struct {
	State         stream.State
	Attempt       int
	Subscriptions int
	Adapters      int
	Series        int
	Ticks         int
	Assets        int
}

type Service struct {
	bus      *bus.Bus
	registry *stream.Registry
	refs     *stream.RefCounter
	manager  *stream.Manager
	pool     *direct.Pool
	router   direct.Router
	store    *market.TickStore
	arbiter  *freshness.Arbiter
	rest     *rest.Client
	archiver *archive.Archiver

	pollInterval time.Duration
	now          func() time.Time
	log          *zap.Logger
	metrics      *metrics.Recorder

	mu      sync.Mutex
	assets  map[string]*asset
	started bool
	offs    []func()
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires every component but opens no connection until Init.
func New(opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = freshness.DefaultMaxSkew
	}
	log := opts.Logger

	b := bus.New(log.Named("bus"), opts.Metrics)
	registry := stream.NewRegistry()
	registry.OnCount(opts.Metrics.SetSubscriptions)

	streamOpts := opts.Stream
	if streamOpts.Logger == nil {
		streamOpts.Logger = log.Named("stream")
	}
	if streamOpts.Metrics == nil {
		streamOpts.Metrics = opts.Metrics
	}
	manager, err := stream.NewManager(registry, b, streamOpts)
	if err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}

	providers := defaultProviders(opts, b)
	if opts.Providers != nil {
		providers = opts.Providers(b)
	}
	router := direct.DefaultRouter()
	if opts.Router != nil {
		router = *opts.Router
	}

	s := &Service{
		bus:          b,
		registry:     registry,
		refs:         stream.NewRefCounter(registry),
		manager:      manager,
		pool:         direct.NewPool(log.Named("direct"), opts.Metrics, providers...),
		router:       router,
		store:        market.NewTickStore(opts.RingCapacity),
		arbiter:      freshness.New(opts.MaxSkew).WithClock(opts.Now),
		rest:         opts.REST,
		pollInterval: opts.PollInterval,
		now:          opts.Now,
		log:          log,
		metrics:      opts.Metrics,
		assets:       make(map[string]*asset),
	}

	if a := opts.Archive; a != nil && a.Writer != nil {
		s.archiver = archive.New(s.store, a.Writer, a.Timeframe, a.Interval, log.Named("archive"), opts.Metrics).
			WithClock(opts.Now)
	}
	return s, nil
}

func defaultProviders(opts Options, b *bus.Bus) []direct.Provider {
	log := opts.Logger.Named("direct")
	return []direct.Provider{
		{
			Name: direct.ProviderBinance,
			New: func(symbol string) direct.Adapter {
				return direct.NewBinance(opts.Binance, symbol, b, log, opts.Metrics)
			},
		},
		{
			Name:        direct.ProviderFinnhub,
			Multiplexed: true,
			New: func(string) direct.Adapter {
				return direct.NewFinnhub(opts.Finnhub, b, log, opts.Metrics)
			},
		},
	}
}

// Init registers the internal tick consumer, connects to the aggregator and
// starts the background workers. Calling it twice is a no-op.
func (s *Service) Init() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.offs = append(s.offs, s.bus.OnTicks(s.record))
	s.mu.Unlock()

	s.manager.Connect()

	if s.archiver != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.archiver.Run(ctx)
		}()
	}
	if s.rest != nil && s.pollInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pollQuotes(ctx)
		}()
	}
	s.log.Info("feed service started", zap.String("url", s.manager.URL()))
}

// Shutdown closes the aggregator connection without reconnecting, closes
// every direct adapter and waits for the background workers.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	offs := s.offs
	s.offs = nil
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.manager.Close()
	s.pool.Close()
	s.wg.Wait()
	for _, off := range offs {
		off()
	}
	s.log.Info("feed service stopped")
}

// Subscribe attaches one consumer to route and returns its new ref count.
// Only the first consumer of a key puts a subscribe frame on the wire.
func (s *Service) Subscribe(route protocol.Route) (int, error) {
	n, err := s.refs.Attach(route)
	if err != nil {
		return 0, err
	}
	if r, ok := route.(protocol.AutoRoute); ok {
		id := strings.TrimSpace(r.AssetID)
		s.mu.Lock()
		if _, exists := s.assets[id]; !exists {
			s.assets[id] = &asset{auto: true}
		}
		s.mu.Unlock()
	}
	return n, nil
}

// Unsubscribe detaches one consumer of key and returns the remaining count.
// The last detach sends a best-effort unsubscribe frame.
func (s *Service) Unsubscribe(key protocol.Key) int {
	n := s.refs.Detach(key)
	if n == 0 && key.Mode == protocol.ModeAuto {
		s.mu.Lock()
		if a, ok := s.assets[key.Symbol]; ok && a.auto {
			delete(s.assets, key.Symbol)
			s.arbiter.Forget(key.Symbol)
		}
		s.mu.Unlock()
	}
	return n
}

// SubscribeDirect routes symbol to a direct provider and returns the series
// its ticks will arrive on.
func (s *Service) SubscribeDirect(symbol string) (market.SeriesKey, error) {
	provider, native, err := s.router.Route(symbol)
	if err != nil {
		return market.SeriesKey{}, err
	}
	if err := s.pool.Acquire(provider, native); err != nil {
		return market.SeriesKey{}, err
	}
	return market.NewSeriesKey(provider, native), nil
}

func (s *Service) UnsubscribeDirect(symbol string) error {
	provider, native, err := s.router.Route(symbol)
	if err != nil {
		return err
	}
	s.pool.Release(provider, native)
	return nil
}

// On registers a listener for one event kind.
func (s *Service) On(k bus.Kind, h bus.Handler) (off func()) {
	return s.bus.On(k, h)
}

func (s *Service) OnTicks(fn func(bus.Ticks)) (off func()) {
	return s.bus.OnTicks(fn)
}

// Watch calls fn for ticks of one series whose price, timestamp or stale
// flag changed since the previous call.
func (s *Service) Watch(series market.SeriesKey, fn func(market.Tick)) (off func()) {
	filter := bus.NewChangeFilter()
	return s.bus.OnTicks(func(e bus.Ticks) {
		for _, t := range e.Ticks {
			if t.Key() == series && filter.Changed(t) {
				fn(t)
			}
		}
	})
}

// BuildCandles rebuilds the candles of series at tf from its raw ticks.
func (s *Service) BuildCandles(series market.SeriesKey, tf market.Timeframe) []market.Candle {
	return s.store.Candles(series, tf, s.now())
}

// Latest returns the newest buffered tick of series.
func (s *Service) Latest(series market.SeriesKey) (market.Tick, bool) {
	return s.store.Latest(series)
}

// Link makes ticks of series the push value of assetID.
func (s *Service) Link(assetID string, series market.SeriesKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[strings.TrimSpace(assetID)] = &asset{series: series}
}

// Unlink stops tracking assetID and drops its freshness record.
func (s *Service) Unlink(assetID string) {
	assetID = strings.TrimSpace(assetID)
	s.mu.Lock()
	delete(s.assets, assetID)
	s.mu.Unlock()
	s.arbiter.Forget(assetID)
}

// Price returns the current value of assetID chosen between the pushed
// tick and the polled quote. False means the price is unknown.
func (s *Service) Price(assetID string) (freshness.Quote, bool) {
	return s.arbiter.Current(strings.TrimSpace(assetID))
}

// RefreshQuote fetches the last known quote of symbol and records it as the
// polled value of assetID.
func (s *Service) RefreshQuote(ctx context.Context, assetID, symbol string) error {
	if s.rest == nil {
		return ErrNoREST
	}
	q, err := s.rest.LastQuote(ctx, symbol)
	if err != nil {
		return fmt.Errorf("refresh quote %s: %w", assetID, err)
	}
	s.arbiter.Poll(strings.TrimSpace(assetID), q.Price, s.now())
	return nil
}

// History returns REST candles of series in [from, to) overlaid with the
// candles rebuilt from the buffered ticks. Live candles win per bucket.
func (s *Service) History(ctx context.Context, series market.SeriesKey, tf market.Timeframe, from, to time.Time) ([]market.Candle, error) {
	if s.rest == nil {
		return nil, ErrNoREST
	}
	hist, err := s.rest.Candles(ctx, series, tf, from, to)
	if err != nil && !errors.Is(err, rest.ErrNotFound) {
		return nil, fmt.Errorf("history %s: %w", series, err)
	}

	lo, hi := market.BucketStart(from.UnixMilli(), tf), to.UnixMilli()
	var live []market.Candle
	for _, c := range s.BuildCandles(series, tf) {
		if c.BucketStart >= lo && c.BucketStart < hi {
			live = append(live, c)
		}
	}
	return market.MergeCandles(hist, live), nil
}

// Stats reports the current state of the service.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	assets := len(s.assets)
	s.mu.Unlock()

	return Stats{
		State:         s.manager.State(),
		Attempt:       s.manager.Attempt(),
		Subscriptions: s.registry.Len(),
		Adapters:      s.pool.Len(),
		Series:        len(s.store.Keys()),
		Ticks:         s.store.CountAll(),
		Assets:        assets,
	}
}

// Manager exposes the aggregator connection for reconfiguration.
func (s *Service) Manager() *stream.Manager { return s.manager }

// record buffers every tick and pushes it to the assets linked to its series.
func (s *Service) record(e bus.Ticks) {
	for _, t := range e.Ticks {
		s.store.Add(t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.assets) == 0 {
		return
	}
	for _, t := range e.Ticks {
		key := t.Key()
		for id, a := range s.assets {
			if a.series == (market.SeriesKey{}) && a.auto && strings.EqualFold(id, t.Symbol) {
				a.series = key
				s.log.Debug("linked asset", zap.String("asset", id), zap.Stringer("series", key))
			}
			if a.series == key {
				s.arbiter.Push(id, t)
			}
		}
	}
}

func (s *Service) pollQuotes(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce refreshes every asset whose pushed value is not fresh.
func (s *Service) pollOnce(ctx context.Context) {
	type target struct{ id, symbol string }

	s.mu.Lock()
	targets := make([]target, 0, len(s.assets))
	for id, a := range s.assets {
		symbol := id
		if a.series.Symbol != "" {
			symbol = a.series.Symbol
		}
		targets = append(targets, target{id: id, symbol: symbol})
	}
	s.mu.Unlock()

	for _, t := range targets {
		if q, ok := s.arbiter.Current(t.id); ok && q.Source == freshness.SourcePush {
			continue
		}
		if err := s.RefreshQuote(ctx, t.id, t.symbol); err != nil && ctx.Err() == nil {
			s.log.Debug("quote refresh failed", zap.String("asset", t.id), zap.Error(err))
		}
	}
}
