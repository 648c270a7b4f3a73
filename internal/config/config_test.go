package config_test

import (
	"testing"

	"github.com/Flex-Community/perpcore/internal/config"
)

func TestDefaultTradingConfig_Valid(t *testing.T) {
	cfg := config.DefaultTradingConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Tokens[0].Symbol != "USDC" {
		t.Errorf("repayment order must start with USDC, got %s", cfg.Tokens[0].Symbol)
	}
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.TradingConfig)
	}{
		{"zero funding interval", func(c *config.TradingConfig) { c.FundingInterval = 0 }},
		{"negative dev fee", func(c *config.TradingConfig) { c.DevFeeBps = -1 }},
		{"dev fee at denominator", func(c *config.TradingConfig) { c.DevFeeBps = 10_000 }},
		{"no tokens", func(c *config.TradingConfig) { c.Tokens = nil }},
		{"duplicate token", func(c *config.TradingConfig) {
			c.Tokens = append(c.Tokens, c.Tokens[0])
		}},
		{"im below mm", func(c *config.TradingConfig) {
			c.Markets[0].InitialMarginBps = 10
			c.Markets[0].MaintenanceMarginBps = 50
		}},
		{"zero mm", func(c *config.TradingConfig) { c.Markets[0].MaintenanceMarginBps = 0 }},
		{"nil skew scale", func(c *config.TradingConfig) { c.Markets[0].MaxSkewScaleE30 = nil }},
		{"unknown asset class", func(c *config.TradingConfig) { c.Markets[0].AssetClass = 99 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.DefaultTradingConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLookups(t *testing.T) {
	cfg := config.DefaultTradingConfig()

	tok, ok := cfg.Token("WETH")
	if !ok || tok.AssetID != "ETH" || tok.Decimals != 18 {
		t.Errorf("WETH lookup: got %+v ok=%v", tok, ok)
	}
	if _, ok := cfg.Token("DOGE"); ok {
		t.Error("unknown token must not resolve")
	}

	market, ok := cfg.Market(1)
	if !ok || market.AssetID != "BTC" {
		t.Errorf("market 1 lookup: got %+v ok=%v", market, ok)
	}
	if _, ok := cfg.Market(42); ok {
		t.Error("unknown market must not resolve")
	}

	ac, ok := cfg.AssetClass(config.AssetClassCrypto)
	if !ok || ac.BaseBorrowingRate.Sign() <= 0 {
		t.Errorf("crypto asset class lookup: got %+v ok=%v", ac, ok)
	}
}

func TestDefaultRuntime_Defaults(t *testing.T) {
	rt := config.DefaultRuntime()
	if rt.NATSURL == "" || rt.PostgresURL == "" {
		t.Error("runtime endpoints must have defaults")
	}
	if rt.PersistBatchSize <= 0 || rt.PersistChanSize <= 0 {
		t.Error("persist sizes must default positive")
	}
	if rt.PersistFlushTimeout <= 0 {
		t.Errorf("flush timeout: got %v", rt.PersistFlushTimeout)
	}
}
