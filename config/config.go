package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Stream    StreamConfig    `mapstructure:"stream"`
	Direct    DirectConfig    `mapstructure:"direct"`
	REST      RESTConfig      `mapstructure:"rest"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	Freshness FreshnessConfig `mapstructure:"freshness"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Log       LogConfig       `mapstructure:"log"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
}

// StreamConfig configures the aggregator connection. An empty URL is
// allowed; connecting then reports a configuration error.
type StreamConfig struct {
	URL              string        `mapstructure:"url"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout" default:"45s"`
	BaseDelay        time.Duration `mapstructure:"base_delay" default:"1s"`
	MaxDelay         time.Duration `mapstructure:"max_delay" default:"30s" validate:"gtefield=BaseDelay"`
	MaxJitter        time.Duration `mapstructure:"max_jitter" default:"800ms"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" default:"10s"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" default:"5s"`
	Routes           []string      `mapstructure:"routes"` // "auto:<assetId>" or "<provider>:<symbol>"
}

type DirectConfig struct {
	Binance BinanceConfig `mapstructure:"binance"`
	Finnhub FinnhubConfig `mapstructure:"finnhub"`
	Symbols []string      `mapstructure:"symbols"` // routed by asset class
}

type BinanceConfig struct {
	URL        string        `mapstructure:"url" default:"wss://stream.binance.com:9443/ws"`
	RetryDelay time.Duration `mapstructure:"retry_delay" default:"3s"`
}

type FinnhubConfig struct {
	URL        string        `mapstructure:"url" default:"wss://ws.finnhub.io"`
	APIKey     string        `mapstructure:"api_key"`
	RetryDelay time.Duration `mapstructure:"retry_delay" default:"3s"`
}

type RESTConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout" default:"10s"`
	PollInterval time.Duration `mapstructure:"poll_interval" default:"30s"`
}

type BufferConfig struct {
	RingCapacity int `mapstructure:"ring_capacity" default:"5000" validate:"min=1"`
}

type FreshnessConfig struct {
	MaxSkew time.Duration `mapstructure:"max_skew" default:"15s"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" default:":9102"`
}

// ArchiveConfig controls the postgres archive of finalized candles.
type ArchiveConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Timeframe string        `mapstructure:"timeframe" default:"1m" validate:"oneof=1s 5s 1m 5m 15m 30m 1h 4h 1d"`
	Interval  time.Duration `mapstructure:"interval" default:"30s"`
	CreateDB  bool          `mapstructure:"create_db"`
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level" default:"info"`      // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format" default:"json"`     // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"`               // file path to store logs (optional)
	Environment string `mapstructure:"environment" default:"dev"` // environment: "dev" or "prod"
}

// Load reads config.yaml and overrides it with environment variables
// (e.g. STREAM_URL, DIRECT_FINNHUB_API_KEY). An explicit file path wins
// over the search path. Keys missing from the file keep their defaults.
func Load(path ...string) (*Config, error) {
	v := viper.New()

	if len(path) > 0 && path[0] != "" {
		v.SetConfigFile(path[0])
	} else {
		v.SetConfigName("config") // config.yaml
		v.SetConfigType("yaml")
		for _, p := range searchPaths() {
			v.AddConfigPath(p)
		}
	}

	// Support environment variables with dot notation (e.g., STREAM_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func searchPaths() []string {
	paths := []string{"./config", "../config", "../../config"}

	ex, err := os.Executable()
	if err == nil && !strings.Contains(ex, "go-build") {
		paths = append(paths, filepath.Join(filepath.Dir(ex), "../config"))
	}
	return paths
}
