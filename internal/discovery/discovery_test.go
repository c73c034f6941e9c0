package discovery

import (
	"math"
	"testing"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/bybit"

	"github.com/rs/zerolog"
)

func testDiscoveryConfig() config.DiscoveryConfig {
	return config.DiscoveryConfig{
		TopSymbols:       2,
		MinVolume24h:     1_000_000,
		MinVolatilityPct: 2,
	}
}

func activeTicker(symbol string, chgPct, turnover float64) bybit.Ticker {
	return bybit.Ticker{
		Symbol:         symbol,
		LastPrice:      100,
		PriceChg24hPct: chgPct,
		Turnover24h:    turnover,
		High24h:        105,
		Low24h:         95,
	}
}

func TestEligible(t *testing.T) {
	cfg := testDiscoveryConfig()

	tests := []struct {
		name   string
		ticker bybit.Ticker
		want   bool
	}{
		{"liquid mover passes", activeTicker("BTCUSDT", 0.05, 5_000_000), true},
		{"negative move passes", activeTicker("ETHUSDT", -0.03, 5_000_000), true},
		{"non-usdt quote", activeTicker("BTCUSD", 0.05, 5_000_000), false},
		{"alt-stable pair", activeTicker("USDCUSDT", 0.05, 5_000_000), false},
		{"leveraged up token", activeTicker("BTCUPUSDT", 0.05, 5_000_000), false},
		{"leveraged bear token", activeTicker("ETHBEARUSDT", 0.05, 5_000_000), false},
		{"marker inside the base", activeTicker("SUPERUSDT", 0.05, 5_000_000), false},
		{"marker at the start", activeTicker("DOWNTOWNUSDT", 0.05, 5_000_000), false},
		{"thin turnover", activeTicker("XYZUSDT", 0.05, 500_000), false},
		{"barely moving", activeTicker("ABCUSDT", 0.01, 5_000_000), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Eligible(tt.ticker, cfg); got != tt.want {
				t.Errorf("Eligible(%s) = %v, want %v", tt.ticker.Symbol, got, tt.want)
			}
		})
	}
}

func TestScore(t *testing.T) {
	// 5% move on 10M turnover: 5 * 10 = 50.
	got := Score(activeTicker("BTCUSDT", 0.05, 10_000_000))
	if math.Abs(got-50) > 1e-9 {
		t.Errorf("Score = %v, want 50", got)
	}
}

func TestSelectRanksAndTruncates(t *testing.T) {
	svc := NewService(nil, nil, testDiscoveryConfig(), zerolog.Nop())

	tickers := []bybit.Ticker{
		activeTicker("LOWUSDT", 0.03, 2_000_000),  // score 6
		activeTicker("TOPUSDT", 0.08, 10_000_000), // score 80
		activeTicker("MIDUSDT", 0.05, 5_000_000),  // score 25
		activeTicker("OUTUSD", 0.09, 50_000_000),  // filtered: not USDT
	}

	coins := svc.Select(tickers)
	if len(coins) != 2 {
		t.Fatalf("expected top 2, got %d", len(coins))
	}
	if coins[0].Symbol != "TOPUSDT" || coins[1].Symbol != "MIDUSDT" {
		t.Errorf("expected TOPUSDT, MIDUSDT; got %s, %s", coins[0].Symbol, coins[1].Symbol)
	}
	if coins[0].Score <= coins[1].Score {
		t.Errorf("expected descending scores, got %v then %v", coins[0].Score, coins[1].Score)
	}
	// (105 - 95) / 95 * 100
	if math.Abs(coins[0].Volatility24h-10.526315789) > 1e-6 {
		t.Errorf("expected range volatility ~10.53, got %v", coins[0].Volatility24h)
	}
	if math.Abs(coins[0].PriceChange24h-8) > 1e-9 {
		t.Errorf("expected 8%% change, got %v", coins[0].PriceChange24h)
	}
}
