// Package discovery maintains the tradeable-universe watchlist: all linear
// USDT perpetuals filtered down to liquid, moving coins and ranked by an
// activity score.
package discovery

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/bybit"
	"bybit-trading-pipeline/internal/kv"

	"github.com/rs/zerolog"
)

// leveraged-token and alternative-stable patterns excluded from the universe
var (
	excludedQuoteSubstrings = []string{"USDC", "BUSD", "DAI", "TUSD"}
	excludedTokenMarkers    = []string{"UP", "DOWN", "BEAR", "BULL"}
)

// Exchange is the slice of the Bybit client discovery needs.
type Exchange interface {
	GetTickers(ctx context.Context) ([]bybit.Ticker, error)
}

// Service periodically refreshes the watchlist in Redis.
type Service struct {
	exchange Exchange
	store    *kv.Store
	cfg      config.DiscoveryConfig
	logger   zerolog.Logger
}

func NewService(exchange Exchange, store *kv.Store, cfg config.DiscoveryConfig, logger zerolog.Logger) *Service {
	return &Service{exchange: exchange, store: store, cfg: cfg, logger: logger}
}

// Run executes one cycle immediately, then on every tick until the context
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.cycle(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

// cycle publishes a fresh snapshot. A failed ticker fetch skips the cycle
// and leaves the previous snapshot in place until it expires.
func (s *Service) cycle(ctx context.Context) {
	started := time.Now()

	tickers, err := s.exchange.GetTickers(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("ticker fetch failed, skipping discovery cycle")
		return
	}

	coins := s.Select(tickers)
	version, err := s.store.PublishDiscovery(ctx, coins, s.cfg.SnapshotTTL)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to publish discovery snapshot")
		return
	}

	s.logger.Info().
		Int64("version", version).
		Int("tickers", len(tickers)).
		Int("selected", len(coins)).
		Dur("elapsed", time.Since(started)).
		Msg("discovery cycle complete")
}

// Select applies the universe filters and returns the top coins by score.
func (s *Service) Select(tickers []bybit.Ticker) []kv.Coin {
	coins := make([]kv.Coin, 0, len(tickers))
	for _, t := range tickers {
		if !Eligible(t, s.cfg) {
			continue
		}
		coins = append(coins, kv.Coin{
			Symbol:         t.Symbol,
			Price:          t.LastPrice,
			Turnover24h:    t.Turnover24h,
			PriceChange24h: t.PriceChg24hPct * 100,
			Volatility24h:  rangeVolatility(t),
			Score:          Score(t),
		})
	}

	sort.Slice(coins, func(i, j int) bool { return coins[i].Score > coins[j].Score })
	if len(coins) > s.cfg.TopSymbols {
		coins = coins[:s.cfg.TopSymbols]
	}
	return coins
}

// Eligible reports whether a ticker belongs in the watchlist.
func Eligible(t bybit.Ticker, cfg config.DiscoveryConfig) bool {
	if !strings.HasSuffix(t.Symbol, "USDT") {
		return false
	}
	base := strings.TrimSuffix(t.Symbol, "USDT")
	for _, sub := range excludedQuoteSubstrings {
		if strings.Contains(base, sub) {
			return false
		}
	}
	for _, marker := range excludedTokenMarkers {
		if strings.Contains(base, marker) {
			return false
		}
	}
	if t.Turnover24h < cfg.MinVolume24h {
		return false
	}
	if math.Abs(t.PriceChg24hPct*100) < cfg.MinVolatilityPct {
		return false
	}
	return true
}

// Score ranks a coin by how much it moved weighted by how liquid it is.
func Score(t bybit.Ticker) float64 {
	return math.Abs(t.PriceChg24hPct*100) * t.Turnover24h / 1_000_000
}

// rangeVolatility is the 24h high/low range as a percentage of the low.
func rangeVolatility(t bybit.Ticker) float64 {
	if t.Low24h <= 0 {
		return 0
	}
	return (t.High24h - t.Low24h) / t.Low24h * 100
}
