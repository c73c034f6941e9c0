// Package backtest replays the entry engine over historical candles and
// simulates the resulting trades.
package backtest

import (
	"time"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/bybit"
	"bybit-trading-pipeline/internal/signal"
)

// Trade is one simulated round trip.
type Trade struct {
	Symbol     string
	Direction  signal.Direction
	Strategy   signal.Strategy
	Confidence float64
	EntryTime  time.Time
	ExitTime   time.Time
	EntryPrice float64
	ExitPrice  float64
	GrossPnL   float64
	Fees       float64
	NetPnL     float64
	Win        bool
	BarsHeld   int
	RSI        float64
}

// Result statuses.
const (
	StatusCompleted = "completed"
	StatusNoTrades  = "no_trades"
	StatusFailed    = "failed"
)

// Best-strategy markers for degenerate results.
const (
	BestStrategyNone  = "NONE"
	BestStrategyError = "ERROR"
)

// Result aggregates the simulated trades for one (symbol, timeframe).
type Result struct {
	Symbol        string
	Timeframe     string
	TotalTrades   int
	WinningTrades int
	WinRate       float64
	TotalPnL      float64
	AvgWin        float64
	AvgLoss       float64
	ConfidenceAvg float64
	BestStrategy  string
	AnalysisTime  time.Duration
	Status        string
	Trades        []Trade
}

// Engine drives the replay. The indicator series and the per-symbol context
// (fibonacci, BTC trend, funding) are computed once per run; only the coin
// trend moves with the bar.
type Engine struct {
	signals *signal.Engine
	cfg     config.TradingConfig
}

func NewEngine(cfg config.TradingConfig) *Engine {
	return &Engine{signals: signal.NewEngine(cfg), cfg: cfg}
}

// Run walks the candle window from the warmup boundary, evaluating the entry
// engine on every bar and simulating forward from each emitted signal.
func (e *Engine) Run(ctx signal.Context, timeframe string, klines []bybit.Kline) *Result {
	started := time.Now()
	result := &Result{
		Symbol:       ctx.Symbol,
		Timeframe:    timeframe,
		BestStrategy: BestStrategyNone,
		Status:       StatusNoTrades,
	}

	if len(klines) < e.signals.MinCandles() {
		result.AnalysisTime = time.Since(started)
		return result
	}

	series := e.signals.Precompute(klines)
	for i := e.signals.MinCandles(); i < len(klines); i++ {
		sig := e.signals.EvaluateBar(ctx, klines, series, i)
		if sig == nil {
			continue
		}
		if trade := e.simulate(klines, i, sig); trade != nil {
			result.Trades = append(result.Trades, *trade)
		}
	}

	e.aggregate(result)
	result.AnalysisTime = time.Since(started)
	return result
}

// simulate walks forward from the entry bar until the bracket is touched.
// When both sides are inside one bar the stop is taken first, for both
// directions. A position still open at the end of the window is discarded.
func (e *Engine) simulate(klines []bybit.Kline, entryIdx int, sig *signal.Signal) *Trade {
	leverage := float64(sig.Leverage)

	for i := entryIdx + 1; i < len(klines); i++ {
		candle := klines[i]

		var exitPrice float64
		var win bool
		switch sig.Direction {
		case signal.Long:
			if candle.Low <= sig.StopLoss {
				exitPrice, win = sig.StopLoss, false
			} else if candle.High >= sig.TakeProfit {
				exitPrice, win = sig.TakeProfit, true
			} else {
				continue
			}
		case signal.Short:
			if candle.High >= sig.StopLoss {
				exitPrice, win = sig.StopLoss, false
			} else if candle.Low <= sig.TakeProfit {
				exitPrice, win = sig.TakeProfit, true
			} else {
				continue
			}
		default:
			return nil
		}

		changePct := (exitPrice - sig.EntryPrice) / sig.EntryPrice
		if sig.Direction == signal.Short {
			changePct = -changePct
		}
		grossPnL := sig.PositionSize * changePct * leverage
		fees := 2 * sig.PositionSize * leverage * e.cfg.TakerFee

		return &Trade{
			Symbol:     sig.Symbol,
			Direction:  sig.Direction,
			Strategy:   sig.Strategy,
			Confidence: sig.Confidence,
			EntryTime:  sig.Timestamp,
			ExitTime:   candle.OpenTime,
			EntryPrice: sig.EntryPrice,
			ExitPrice:  exitPrice,
			GrossPnL:   grossPnL,
			Fees:       fees,
			NetPnL:     grossPnL - fees,
			Win:        win,
			BarsHeld:   i - entryIdx,
			RSI:        sig.RSI,
		}
	}
	return nil
}

func (e *Engine) aggregate(result *Result) {
	if len(result.Trades) == 0 {
		return
	}

	var wins int
	var sumWin, sumLoss, sumConfidence float64
	var winCount, lossCount int

	counts := make(map[signal.Strategy]int)
	var order []signal.Strategy

	for _, t := range result.Trades {
		result.TotalPnL += t.NetPnL
		sumConfidence += t.Confidence
		if t.Win {
			wins++
			sumWin += t.NetPnL
			winCount++
		} else {
			sumLoss += t.NetPnL
			lossCount++
		}
		if _, seen := counts[t.Strategy]; !seen {
			order = append(order, t.Strategy)
		}
		counts[t.Strategy]++
	}

	result.TotalTrades = len(result.Trades)
	result.WinningTrades = wins
	result.WinRate = float64(wins) / float64(result.TotalTrades) * 100
	result.ConfidenceAvg = sumConfidence / float64(result.TotalTrades)
	if winCount > 0 {
		result.AvgWin = sumWin / float64(winCount)
	}
	if lossCount > 0 {
		result.AvgLoss = sumLoss / float64(lossCount)
	}

	// Modal strategy; a tie goes to the strategy seen first.
	best := order[0]
	for _, s := range order[1:] {
		if counts[s] > counts[best] {
			best = s
		}
	}
	result.BestStrategy = string(best)
	result.Status = StatusCompleted
}
