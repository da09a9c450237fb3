package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tickstream/config"
	"tickstream/internal/direct"
	"tickstream/internal/feed"
	"tickstream/internal/metrics"
	"tickstream/internal/stream"
	"tickstream/logger"
	"tickstream/pkg/market"
	"tickstream/pkg/protocol"
	"tickstream/pkg/rest"
	"tickstream/pkg/storage/postgres"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: search ./config, ../config)")
	flag.Parse()

	// viper config
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	// prometheus
	rec := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	opts := feed.Options{
		Stream: stream.Options{
			URL:         cfg.Stream.URL,
			IdleTimeout: cfg.Stream.IdleTimeout,
			Backoff: stream.Backoff{
				Base:      cfg.Stream.BaseDelay,
				Max:       cfg.Stream.MaxDelay,
				MaxJitter: cfg.Stream.MaxJitter,
			},
			Dialer: stream.WebsocketDialer{
				HandshakeTimeout: cfg.Stream.HandshakeTimeout,
				WriteTimeout:     cfg.Stream.WriteTimeout,
			},
		},
		RingCapacity: cfg.Buffer.RingCapacity,
		MaxSkew:      cfg.Freshness.MaxSkew,
		Binance: direct.BinanceConfig{
			URL:        cfg.Direct.Binance.URL,
			RetryDelay: cfg.Direct.Binance.RetryDelay,
		},
		Finnhub: direct.FinnhubConfig{
			URL:        cfg.Direct.Finnhub.URL,
			APIKey:     cfg.Direct.Finnhub.APIKey,
			RetryDelay: cfg.Direct.Finnhub.RetryDelay,
		},
		PollInterval: cfg.REST.PollInterval,
		Logger:       log,
		Metrics:      rec,
	}
	if cfg.REST.BaseURL != "" {
		opts.REST = rest.NewClient(cfg.REST.BaseURL, cfg.REST.Timeout)
	}

	// postgres candle archive
	if cfg.Archive.Enabled {
		tf, err := market.ParseTimeframe(cfg.Archive.Timeframe)
		if err != nil {
			log.Fatal("invalid archive timeframe", zap.Error(err))
		}
		db, err := postgres.InitializeAndMigrateCandleRecord(cfg.Postgres, cfg.Log.Environment, cfg.Archive.CreateDB)
		if err != nil {
			log.Fatal("failed to connect to DB", zap.Error(err))
		}
		defer db.Close()
		opts.Archive = &feed.ArchiveOptions{Writer: db, Timeframe: tf, Interval: cfg.Archive.Interval}
	}

	svc, err := feed.New(opts)
	if err != nil {
		log.Fatal("failed to build feed service", zap.Error(err))
	}

	for _, raw := range cfg.Stream.Routes {
		route, err := protocol.ParseRoute(raw)
		if err != nil {
			log.Warn("skipping invalid route", zap.String("route", raw), zap.Error(err))
			continue
		}
		if _, err := svc.Subscribe(route); err != nil {
			log.Warn("subscribe failed", zap.String("route", raw), zap.Error(err))
		}
	}

	svc.Init()

	for _, symbol := range cfg.Direct.Symbols {
		series, err := svc.SubscribeDirect(symbol)
		if err != nil {
			log.Warn("direct subscribe failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		log.Info("direct subscription", zap.String("symbol", symbol), zap.Stringer("series", series))
	}

	// periodic stats
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				st := svc.Stats()
				log.Info("feed stats",
					zap.Stringer("state", st.State),
					zap.Int("attempt", st.Attempt),
					zap.Int("subscriptions", st.Subscriptions),
					zap.Int("adapters", st.Adapters),
					zap.Int("series", st.Series),
					zap.Int("ticks", st.Ticks),
				)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", zap.String("signal", s.String()))

	close(done)
	svc.Shutdown()
}
