package config

import (
	"testing"
	"time"

	"dexfeed/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.BaseTimeframe != domain.Timeframe1m {
		t.Errorf("base timeframe = %s", cfg.BaseTimeframe)
	}
	if len(cfg.Timeframes) != 5 {
		t.Errorf("timeframes = %v", cfg.Timeframes)
	}
	if cfg.FinalityDepth != 12 {
		t.Errorf("finality depth = %d", cfg.FinalityDepth)
	}
	if cfg.GracePeriod != 2*time.Minute {
		t.Errorf("grace period = %s", cfg.GracePeriod)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BASE_TIMEFRAME", "5m")
	t.Setenv("TIMEFRAMES", "15m,1h")
	t.Setenv("FINALITY_DEPTH", "32")
	t.Setenv("POOLS", "0xabc:WETH-USDC:WETH:USDC:30, 0xdef:WETH-USDC:WETH:USDC:5")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.BaseTimeframe != domain.Timeframe5m {
		t.Errorf("base timeframe = %s", cfg.BaseTimeframe)
	}
	if len(cfg.Timeframes) != 2 || cfg.Timeframes[0] != domain.Timeframe15m {
		t.Errorf("timeframes = %v", cfg.Timeframes)
	}
	if cfg.FinalityDepth != 32 {
		t.Errorf("finality depth = %d", cfg.FinalityDepth)
	}

	if len(cfg.Pools) != 2 {
		t.Fatalf("pools = %v", cfg.Pools)
	}
	if cfg.Pools[0].PoolID != "0xabc" || cfg.Pools[0].FeeTierBps != 30 {
		t.Errorf("pool[0] = %+v", cfg.Pools[0])
	}
	if cfg.Pools[1].PoolID != "0xdef" || cfg.Pools[1].FeeTierBps != 5 {
		t.Errorf("pool[1] = %+v", cfg.Pools[1])
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("BASE_TIMEFRAME", "2w")
	if _, err := Load(); err == nil {
		t.Error("expected error for bad base timeframe")
	}
	t.Setenv("BASE_TIMEFRAME", "1m")

	t.Setenv("POOLS", "not-enough-fields")
	if _, err := Load(); err == nil {
		t.Error("expected error for malformed pool entry")
	}
}
