package signal

import (
	"math"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/bybit"
	"bybit-trading-pipeline/internal/indicators"
	"bybit-trading-pipeline/internal/trend"
)

// coinTrendBars is the lookback for the per-coin trend snapshot.
const coinTrendBars = 30

// Engine evaluates the entry strategies on a candle window. Strategies are
// tried in priority order; the first one clearing its confidence gate wins.
type Engine struct {
	cfg config.TradingConfig
}

func NewEngine(cfg config.TradingConfig) *Engine {
	return &Engine{cfg: cfg}
}

// MinCandles is the smallest window the engine will evaluate.
func (e *Engine) MinCandles() int {
	return e.cfg.BBPeriod + 10
}

// Series holds indicator series precomputed once over a candle window, so a
// backtest walking the window does not recompute them per bar.
type Series struct {
	Bands indicators.Bands
	RSI   []float64
	MA5   []float64
	MA20  []float64
}

// Precompute builds the indicator series for a window.
func (e *Engine) Precompute(klines []bybit.Kline) Series {
	closes := indicators.Closes(klines)
	return Series{
		Bands: indicators.Bollinger(closes, e.cfg.BBPeriod, e.cfg.BBStdDev),
		RSI:   indicators.RSI(closes, e.cfg.RSIPeriod),
		MA5:   indicators.SMA(closes, 5),
		MA20:  indicators.SMA(closes, 20),
	}
}

// Evaluate runs the engine on the most recent bar of the window. Returns nil
// when no strategy clears its gate or the window is too short.
func (e *Engine) Evaluate(ctx Context, klines []bybit.Kline) *Signal {
	if len(klines) < e.MinCandles() {
		return nil
	}
	series := e.Precompute(klines)
	return e.EvaluateBar(ctx, klines, series, len(klines)-1)
}

// EvaluateBar runs the engine on bar i of a window whose indicator series
// were precomputed. The caller guarantees i ≥ MinCandles()-1.
func (e *Engine) EvaluateBar(ctx Context, klines []bybit.Kline, series Series, i int) *Signal {
	if i < 1 || i >= len(klines) || ctx.Instrument == nil {
		return nil
	}

	rsi := series.RSI[i]
	upper := series.Bands.Upper[i]
	lower := series.Bands.Lower[i]
	width := series.Bands.Width[i]
	if math.IsNaN(rsi) || math.IsNaN(upper) || math.IsNaN(lower) {
		return nil
	}

	latest := klines[i]
	prev := klines[i-1]
	close := latest.Close
	coin := trend.CoinSnapshot(klines[:i+1], coinTrendBars)
	levels := ctx.Fib.Merged()

	bbPosition := 0.0
	if upper != lower {
		bbPosition = (close - lower) / (upper - lower)
	}

	// Advanced: short into an established downtrend.
	if coin.Direction == trend.Downtrend {
		if ok, reason, conf := shortOnDowntrend(close, levels, ctx.BTCTrend, coin, ctx.Funding, rsi); ok && conf >= 80 {
			return e.build(ctx, Short, StrategyAdvanced, conf, reason, nil, latest, coin, rsi, bbPosition, width)
		}
	}

	// Advanced: long with an established uptrend.
	if coin.Direction == trend.Uptrend {
		if ok, reason, conf := longOnUptrend(close, levels, ctx.BTCTrend, coin, ctx.Funding, rsi); ok && conf >= 80 {
			return e.build(ctx, Long, StrategyAdvanced, conf, reason, nil, latest, coin, rsi, bbPosition, width)
		}
	}

	// Advanced: bounce off a nearby support.
	if ok, reason, conf := longAtSupport(close, levels, ctx.BTCTrend, ctx.Funding, rsi, bbPosition); ok && conf >= 85 {
		return e.build(ctx, Long, StrategyAdvanced, conf, reason, nil, latest, coin, rsi, bbPosition, width)
	}

	// Basic long: lower-band touch with a confirmed bounce.
	prevRSI := series.RSI[i-1]
	touches := e.fibTouches(ctx, close)
	if close <= lower*1.015 && width > 1.5 {
		rsiSignal := rsi < 35 && rsi > prevRSI
		fibSignal := len(touches) >= 1
		uptrend := maFilter(series.MA5[i], series.MA20[i], true)
		strongBounce := close > prev.Low && close > latest.Open &&
			latest.Open != 0 && (close-latest.Open)/latest.Open > 0.002
		body := math.Abs(close - latest.Open)
		lowerShadow := math.Min(latest.Open, close) - latest.Low
		upperShadow := latest.High - math.Max(latest.Open, close)
		isHammer := lowerShadow > body*2 && upperShadow < body*0.5

		if (rsiSignal || fibSignal) && uptrend && (strongBounce || isHammer) {
			if ok, reason := trend.ShouldEnterLong(ctx.BTCTrend, coin); ok {
				return e.build(ctx, Long, StrategyBasic, 60, reason, touches, latest, coin, rsi, bbPosition, width)
			}
		}
	}

	// Basic short: upper-band touch with a confirmed rejection.
	if close >= upper*0.985 && width > 1.5 {
		rsiSignal := rsi > 65 && rsi < prevRSI
		fibSignal := len(touches) >= 1
		downtrend := maFilter(series.MA5[i], series.MA20[i], false)
		strongDrop := close < prev.High && close < latest.Open &&
			latest.Open != 0 && (latest.Open-close)/latest.Open > 0.002
		body := math.Abs(close - latest.Open)
		lowerShadow := math.Min(latest.Open, close) - latest.Low
		upperShadow := latest.High - math.Max(latest.Open, close)
		isShootingStar := upperShadow > body*2 && lowerShadow < body*0.5

		if (rsiSignal || fibSignal) && downtrend && (strongDrop || isShootingStar) {
			if ok, reason := trend.ShouldEnterShort(ctx.BTCTrend, coin); ok {
				return e.build(ctx, Short, StrategyBasic, 60, reason, touches, latest, coin, rsi, bbPosition, width)
			}
		}
	}

	return nil
}

// build quantises the bracket, checks its ordering and the fee-adjusted
// profit floor, and assembles the signal. Any violation suppresses the
// signal.
func (e *Engine) build(ctx Context, dir Direction, strategy Strategy, confidence float64, reason string, touches []FibTouch, latest bybit.Kline, coin trend.Snapshot, rsi, bbPosition, bbWidth float64) *Signal {
	entry := ctx.Instrument.RoundToTick(latest.Close)
	if entry == 0 {
		return nil
	}

	var stop, take float64
	if dir == Long {
		stop = ctx.Instrument.RoundToTick(entry * (1 - e.cfg.StopLossPct))
		take = ctx.Instrument.RoundToTick(entry * (1 + e.cfg.TakeProfitPct))
		if !(stop < entry && entry < take) {
			return nil
		}
	} else {
		stop = ctx.Instrument.RoundToTick(entry * (1 + e.cfg.StopLossPct))
		take = ctx.Instrument.RoundToTick(entry * (1 - e.cfg.TakeProfitPct))
		if !(take < entry && entry < stop) {
			return nil
		}
	}

	leverage := float64(e.cfg.Leverage)
	expectedProfit := e.cfg.PositionSize * e.cfg.TakeProfitPct * leverage
	expectedLoss := e.cfg.PositionSize * e.cfg.StopLossPct * leverage
	totalFee := 2 * e.cfg.PositionSize * leverage * e.cfg.TakerFee
	netProfit := expectedProfit - totalFee
	if netProfit < e.cfg.MinProfitTarget {
		return nil
	}

	return &Signal{
		Symbol:         ctx.Symbol,
		Direction:      dir,
		Strategy:       strategy,
		Confidence:     confidence,
		EntryPrice:     entry,
		StopLoss:       stop,
		TakeProfit:     take,
		Timestamp:      latest.OpenTime,
		RSI:            rsi,
		BBPosition:     bbPosition,
		BBWidth:        bbWidth,
		FibTouches:     touches,
		ExpectedProfit: expectedProfit,
		ExpectedLoss:   expectedLoss,
		TotalFee:       totalFee,
		NetProfit:      netProfit,
		PositionSize:   e.cfg.PositionSize,
		Leverage:       e.cfg.Leverage,
		BTCTrend:       ctx.BTCTrend,
		CoinTrend:      coin,
		Funding:        ctx.Funding,
		Reason:         reason,
	}
}

func (e *Engine) fibTouches(ctx Context, price float64) []FibTouch {
	var touches []FibTouch
	for tf, fib := range ctx.Fib {
		if near, name, level := fib.IsNearLevel(price, e.cfg.FibTolerance); near {
			touches = append(touches, FibTouch{Timeframe: tf, Level: name, Price: level})
		}
	}
	return touches
}

// maFilter applies the moving-average direction filter, passing when the
// window is too short to compute MA20.
func maFilter(ma5, ma20 float64, wantUp bool) bool {
	if math.IsNaN(ma5) || math.IsNaN(ma20) {
		return true
	}
	if wantUp {
		return ma5 > ma20
	}
	return ma5 < ma20
}
