// Package market assembles the per-symbol evaluation context shared by the
// analyzer and the position finder.
package market

import (
	"context"
	"fmt"

	"bybit-trading-pipeline/internal/bybit"
	"bybit-trading-pipeline/internal/indicators"
	"bybit-trading-pipeline/internal/signal"
	"bybit-trading-pipeline/internal/trend"

	"github.com/rs/zerolog"
)

// FibSpans maps the higher timeframes used for fibonacci context to the
// number of days of history fetched for each.
var FibSpans = []struct {
	Interval string
	Days     int
}{
	{"5", 1},
	{"15", 2},
	{"30", 5},
	{"240", 7},
	{"D", 30},
}

// Source is the slice of the Bybit client the builder needs.
type Source interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]bybit.Kline, error)
	GetKlinesForDays(ctx context.Context, symbol, interval string, days int) ([]bybit.Kline, error)
	GetTicker(ctx context.Context, symbol string) (*bybit.Ticker, error)
	GetInstrumentInfo(ctx context.Context, symbol string) (*bybit.InstrumentInfo, error)
}

// ContextBuilder fetches instrument rules, multi-timeframe fibonacci levels,
// the BTC trend and the funding sentiment for one symbol.
type ContextBuilder struct {
	src    Source
	logger zerolog.Logger
}

func NewContextBuilder(src Source, logger zerolog.Logger) *ContextBuilder {
	return &ContextBuilder{src: src, logger: logger}
}

// Build assembles the evaluation context. A missing ticker degrades to
// neutral funding; every other fetch failure is an error.
func (b *ContextBuilder) Build(ctx context.Context, symbol string) (*signal.Context, error) {
	instrument, err := b.src.GetInstrumentInfo(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("instrument fetch failed: %w", err)
	}

	fib := make(indicators.MultiTimeframeFib, len(FibSpans))
	for _, span := range FibSpans {
		klines, err := b.src.GetKlinesForDays(ctx, symbol, span.Interval, span.Days)
		if err != nil {
			return nil, fmt.Errorf("fibonacci klines fetch for %s failed: %w", span.Interval, err)
		}
		if len(klines) > 0 {
			fib[span.Interval] = indicators.FibFromKlines(klines)
		}
	}

	btcKlines, err := b.src.GetKlines(ctx, "BTCUSDT", "1", 60)
	if err != nil {
		return nil, fmt.Errorf("btc kline fetch failed: %w", err)
	}
	btcTrend := trend.BTCSnapshot(btcKlines)

	ticker, err := b.src.GetTicker(ctx, symbol)
	if err != nil {
		b.logger.Warn().Err(err).Str("symbol", symbol).Msg("ticker fetch failed, funding treated as neutral")
		ticker = nil
	}
	funding := signal.FundingFromTicker(ticker)

	return &signal.Context{
		Symbol:     symbol,
		Instrument: instrument,
		Fib:        fib,
		BTCTrend:   btcTrend,
		Funding:    funding,
	}, nil
}
