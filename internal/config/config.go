// Package config loads feed configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"dexfeed/internal/domain"
)

// Config holds all runtime settings for the feed.
type Config struct {
	// Chain settings
	ChainID       string
	RPCUrl        string
	WSUrl         string
	PollInterval  time.Duration
	RPCRateLimit  float64
	BatchSize     int64
	FinalityDepth int64
	StartBlock    int64

	// Candle settings
	BaseTimeframe domain.Timeframe
	Timeframes    []domain.Timeframe
	GracePeriod   time.Duration
	FlushInterval time.Duration

	// Pools to index
	Pools []domain.Pool

	// Sink settings
	ClickHouseDSN string
	RedisAddr     string

	// Checkpoint settings
	PostgresDSN string

	// Observability
	MetricsAddr string
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present.
func Load() (*Config, error) {
	// Missing .env is fine; explicit env vars always win.
	_ = godotenv.Load()

	baseTF, err := domain.ParseTimeframe(getEnv("BASE_TIMEFRAME", "1m"))
	if err != nil {
		return nil, fmt.Errorf("BASE_TIMEFRAME: %w", err)
	}

	timeframes, err := parseTimeframes(getEnv("TIMEFRAMES", "5m,15m,1h,4h,1d"))
	if err != nil {
		return nil, fmt.Errorf("TIMEFRAMES: %w", err)
	}

	pools, err := parsePools(getEnv("POOLS", ""))
	if err != nil {
		return nil, fmt.Errorf("POOLS: %w", err)
	}

	return &Config{
		ChainID:       getEnv("CHAIN_ID", "eth-mainnet"),
		RPCUrl:        getEnv("RPC_URL", "http://localhost:8545"),
		WSUrl:         getEnv("WS_URL", ""),
		PollInterval:  getDurationEnv("POLL_INTERVAL", 2*time.Second),
		RPCRateLimit:  getFloatEnv("RPC_RATE_LIMIT", 0),
		BatchSize:     int64(getIntEnv("BATCH_SIZE", 64)),
		FinalityDepth: int64(getIntEnv("FINALITY_DEPTH", 12)),
		StartBlock:    int64(getIntEnv("START_BLOCK", 0)),

		BaseTimeframe: baseTF,
		Timeframes:    timeframes,
		GracePeriod:   getDurationEnv("GRACE_PERIOD", 2*baseTF.Duration()),
		FlushInterval: getDurationEnv("FLUSH_INTERVAL", 5*time.Second),

		Pools: pools,

		ClickHouseDSN: getEnv("CLICKHOUSE_DSN", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),

		MetricsAddr: getEnv("METRICS_ADDR", ":9091"),
	}, nil
}

// parseTimeframes decodes a comma-separated timeframe list.
func parseTimeframes(s string) ([]domain.Timeframe, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var out []domain.Timeframe
	for _, part := range strings.Split(s, ",") {
		tf, err := domain.ParseTimeframe(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}

// parsePools decodes a comma-separated pool list. Each entry is
// "poolID:pairID:baseAsset:quoteAsset:feeTierBps".
func parsePools(s string) ([]domain.Pool, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var pools []domain.Pool
	for _, entry := range strings.Split(s, ",") {
		fields := strings.Split(strings.TrimSpace(entry), ":")
		if len(fields) != 5 {
			return nil, fmt.Errorf("pool entry %q: expected 5 fields, got %d", entry, len(fields))
		}

		feeTier, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("pool entry %q: fee tier: %w", entry, err)
		}

		pools = append(pools, domain.Pool{
			PoolID:     fields[0],
			PairID:     fields[1],
			BaseAsset:  fields[2],
			QuoteAsset: fields[3],
			FeeTierBps: feeTier,
		})
	}
	return pools, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
