package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"candlefeedv1/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Subscriptions
	MonitoredSymbols []string
	MonitoredMarkets []model.Market

	// Upstream endpoints
	SpotWSURL      string
	FuturesWSURL   string
	SpotRESTURL    string
	FuturesRESTURL string

	// Live path
	MaxMemoryCandles     int
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HealthCheckInterval  time.Duration
	PersistForming       bool

	// Backfill
	BackfillMaxPerRequest int
	BackfillRequestDelay  time.Duration
	BackfillBatchSize     int
	BackfillMaxRetries    int

	// Infrastructure
	SQLitePath    string
	RedisAddr     string // empty disables the redis mirror
	RedisPassword string
	MetricsAddr   string
	APIAddr       string
}

// defaultSymbols is the 10-major-pairs default for MONITORED_SYMBOLS.
const defaultSymbols = "BTCUSDT,ETHUSDT,BNBUSDT,SOLUSDT,XRPUSDT,ADAUSDT,DOGEUSDT,AVAXUSDT,LINKUSDT,DOTUSDT"

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		MonitoredSymbols: splitList(getEnv("MONITORED_SYMBOLS", defaultSymbols)),
		MonitoredMarkets: parseMarkets(getEnv("MONITORED_MARKETS", "SPOT,FUTURES")),

		SpotWSURL:      getEnv("SPOT_WS_URL", "wss://stream.binance.com:9443"),
		FuturesWSURL:   getEnv("FUTURES_WS_URL", "wss://fstream.binance.com"),
		SpotRESTURL:    getEnv("SPOT_REST_URL", "https://api.binance.com"),
		FuturesRESTURL: getEnv("FUTURES_REST_URL", "https://fapi.binance.com"),

		MaxMemoryCandles:     getEnvInt("MAX_MEMORY_CANDLES", 200),
		ReconnectInterval:    getEnvMs("RECONNECT_INTERVAL_MS", 5000),
		MaxReconnectAttempts: getEnvInt("MAX_RECONNECT_ATTEMPTS", 5),
		HealthCheckInterval:  getEnvMs("HEALTH_CHECK_INTERVAL_MS", 60000),
		PersistForming:       getEnvBool("PERSIST_FORMING", false),

		BackfillMaxPerRequest: getEnvInt("BACKFILL_MAX_CANDLES_PER_REQUEST", 1500),
		BackfillRequestDelay:  getEnvMs("BACKFILL_REQUEST_DELAY_MS", 200),
		BackfillBatchSize:     getEnvInt("BACKFILL_BATCH_SIZE", 500),
		BackfillMaxRetries:    getEnvInt("BACKFILL_MAX_RETRIES", 3),

		SQLitePath:    getEnv("SQLITE_PATH", "data/candles.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
	}
}

// Keys expands MonitoredSymbols x MonitoredMarkets into partition keys.
func (c *Config) Keys() []model.Key {
	keys := make([]model.Key, 0, len(c.MonitoredSymbols)*len(c.MonitoredMarkets))
	for _, m := range c.MonitoredMarkets {
		for _, s := range c.MonitoredSymbols {
			keys = append(keys, model.Key{Symbol: s, Market: m})
		}
	}
	return keys
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseMarkets(s string) []model.Market {
	var out []model.Market
	for _, p := range splitList(s) {
		switch model.Market(p) {
		case model.MarketSpot, model.MarketFutures:
			out = append(out, model.Market(p))
		default:
			log.Printf("[config] skipping unknown market %q", p)
		}
	}
	if len(out) == 0 {
		out = []model.Market{model.MarketSpot, model.MarketFutures}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvMs(key string, fallbackMs int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackMs)) * time.Millisecond
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}
