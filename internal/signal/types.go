// Package signal implements the multi-factor entry engine shared by the
// backtest analyzer and the position finder.
package signal

import (
	"time"

	"bybit-trading-pipeline/internal/bybit"
	"bybit-trading-pipeline/internal/indicators"
	"bybit-trading-pipeline/internal/trend"
)

type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

type Strategy string

const (
	StrategyBasic    Strategy = "BASIC"
	StrategyAdvanced Strategy = "ADVANCED"
)

type FundingSentiment string

const (
	LongHeavy  FundingSentiment = "LONG_HEAVY"
	ShortHeavy FundingSentiment = "SHORT_HEAVY"
	Neutral    FundingSentiment = "NEUTRAL"
)

// FundingInfo is the crowd-positioning gauge derived from the funding rate.
type FundingInfo struct {
	Rate      float64          `json:"funding_rate"`
	RatePct   float64          `json:"funding_rate_pct"`
	Sentiment FundingSentiment `json:"sentiment"`
}

// FundingFromTicker classifies funding sentiment. A nil ticker (delisted or
// unquoted symbol) yields a neutral gauge, never an error.
func FundingFromTicker(t *bybit.Ticker) FundingInfo {
	if t == nil {
		return FundingInfo{Sentiment: Neutral}
	}
	info := FundingInfo{
		Rate:    t.FundingRate,
		RatePct: t.FundingRate * 100,
	}
	switch {
	case t.FundingRate > 0.0001:
		info.Sentiment = LongHeavy
	case t.FundingRate < -0.0001:
		info.Sentiment = ShortHeavy
	default:
		info.Sentiment = Neutral
	}
	return info
}

// FibTouch records one timeframe whose retracement grid sits on the price.
type FibTouch struct {
	Timeframe string  `json:"timeframe"`
	Level     string  `json:"level"`
	Price     float64 `json:"price"`
}

// Context carries the per-symbol inputs that are computed once and shared by
// every strategy evaluated on a bar.
type Context struct {
	Symbol     string
	Instrument *bybit.InstrumentInfo
	Fib        indicators.MultiTimeframeFib
	BTCTrend   trend.Snapshot
	Funding    FundingInfo
}

// Signal is an emitted entry decision. The engine returns nil when no
// strategy clears its gate.
type Signal struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"type"`
	Strategy   Strategy  `json:"strategy"`
	Confidence float64   `json:"confidence"`

	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Timestamp  time.Time `json:"timestamp"`

	RSI        float64    `json:"rsi"`
	BBPosition float64    `json:"bb_position"`
	BBWidth    float64    `json:"bb_width"`
	FibTouches []FibTouch `json:"fib_touches,omitempty"`

	ExpectedProfit float64 `json:"expected_profit"`
	ExpectedLoss   float64 `json:"expected_loss"`
	TotalFee       float64 `json:"total_fee"`
	NetProfit      float64 `json:"net_profit"`
	PositionSize   float64 `json:"position_size"`
	Leverage       int     `json:"leverage"`

	BTCTrend  trend.Snapshot `json:"btc_trend"`
	CoinTrend trend.Snapshot `json:"coin_trend"`
	Funding   FundingInfo    `json:"funding_info"`
	Reason    string         `json:"trend_reason"`
}
