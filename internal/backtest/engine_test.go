package backtest

import (
	"math"
	"testing"
	"time"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/bybit"
	"bybit-trading-pipeline/internal/signal"
)

func testConfig() config.TradingConfig {
	return config.TradingConfig{
		PositionSize:    100,
		Leverage:        10,
		StopLossPct:     0.01,
		TakeProfitPct:   0.02,
		TakerFee:        0.0006,
		MinProfitTarget: 7,
		BBPeriod:        20,
		BBStdDev:        2,
		RSIPeriod:       14,
		FibTolerance:    0.02,
	}
}

func bar(ts int64, open, high, low, close float64) bybit.Kline {
	return bybit.Kline{
		OpenTime: time.Unix(ts, 0),
		Open:     open, High: high, Low: low, Close: close,
		Volume: 1,
	}
}

func longSignal() *signal.Signal {
	return &signal.Signal{
		Symbol:       "TESTUSDT",
		Direction:    signal.Long,
		Strategy:     signal.StrategyBasic,
		Confidence:   60,
		EntryPrice:   100,
		StopLoss:     99,
		TakeProfit:   102,
		PositionSize: 100,
		Leverage:     10,
	}
}

func shortSignal() *signal.Signal {
	s := longSignal()
	s.Direction = signal.Short
	s.StopLoss = 101
	s.TakeProfit = 98
	return s
}

func TestSimulateLongStopFirst(t *testing.T) {
	engine := NewEngine(testConfig())

	// The exit bar spans both bracket sides; the stop must win.
	klines := []bybit.Kline{
		bar(0, 100, 100.5, 99.5, 100),
		bar(60, 100, 103, 98, 101),
	}

	trade := engine.simulate(klines, 0, longSignal())
	if trade == nil {
		t.Fatal("expected a filled trade")
	}
	if trade.Win {
		t.Error("stop-first bar must close as a loss")
	}
	if trade.ExitPrice != 99 {
		t.Errorf("expected exit at the stop 99, got %v", trade.ExitPrice)
	}
	// -1% * 100 * 10x = -10 gross, 1.2 in fees.
	if math.Abs(trade.NetPnL-(-11.2)) > 1e-9 {
		t.Errorf("expected net -11.2, got %v", trade.NetPnL)
	}
	if trade.BarsHeld != 1 {
		t.Errorf("expected 1 bar held, got %d", trade.BarsHeld)
	}
}

func TestSimulateShortTakeProfit(t *testing.T) {
	engine := NewEngine(testConfig())

	klines := []bybit.Kline{
		bar(0, 100, 100.5, 99.5, 100),
		bar(60, 100, 100.5, 99.2, 99.5),
		bar(120, 99.5, 100.2, 97.9, 98.1),
	}

	trade := engine.simulate(klines, 0, shortSignal())
	if trade == nil {
		t.Fatal("expected a filled trade")
	}
	if !trade.Win {
		t.Error("expected a winning short")
	}
	if trade.ExitPrice != 98 {
		t.Errorf("expected exit at the target 98, got %v", trade.ExitPrice)
	}
	// Short gain: price fell 2%, 100 * 10x = 20 gross minus 1.2 fees.
	if math.Abs(trade.NetPnL-18.8) > 1e-9 {
		t.Errorf("expected net 18.8, got %v", trade.NetPnL)
	}
	if trade.BarsHeld != 2 {
		t.Errorf("expected 2 bars held, got %d", trade.BarsHeld)
	}
}

func TestSimulateShortStopFirst(t *testing.T) {
	engine := NewEngine(testConfig())

	// Both sides inside one bar again, short this time.
	klines := []bybit.Kline{
		bar(0, 100, 100.5, 99.5, 100),
		bar(60, 100, 101.5, 97.5, 99),
	}

	trade := engine.simulate(klines, 0, shortSignal())
	if trade == nil {
		t.Fatal("expected a filled trade")
	}
	if trade.Win || trade.ExitPrice != 101 {
		t.Errorf("expected the stop at 101 first, got win=%v exit=%v", trade.Win, trade.ExitPrice)
	}
	if math.Abs(trade.NetPnL-(-11.2)) > 1e-9 {
		t.Errorf("expected net -11.2, got %v", trade.NetPnL)
	}
}

func TestSimulateOpenAtEnd(t *testing.T) {
	engine := NewEngine(testConfig())

	// Neither side is ever touched.
	klines := []bybit.Kline{
		bar(0, 100, 100.5, 99.5, 100),
		bar(60, 100, 101, 99.5, 100.5),
		bar(120, 100.5, 101.5, 99.8, 101),
	}

	if trade := engine.simulate(klines, 0, longSignal()); trade != nil {
		t.Fatalf("a position still open at the end must be discarded, got %+v", trade)
	}
}

func TestAggregate(t *testing.T) {
	engine := NewEngine(testConfig())

	result := &Result{
		Symbol:    "TESTUSDT",
		Timeframe: "3",
		Trades: []Trade{
			{Strategy: signal.StrategyAdvanced, Confidence: 90, NetPnL: 18.8, Win: true},
			{Strategy: signal.StrategyBasic, Confidence: 60, NetPnL: -11.2, Win: false},
			{Strategy: signal.StrategyAdvanced, Confidence: 85, NetPnL: 18.8, Win: true},
			{Strategy: signal.StrategyBasic, Confidence: 65, NetPnL: 18.8, Win: true},
		},
	}
	engine.aggregate(result)

	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	if result.TotalTrades != 4 || result.WinningTrades != 3 {
		t.Errorf("expected 4 trades / 3 wins, got %d/%d", result.TotalTrades, result.WinningTrades)
	}
	if result.WinRate != 75 {
		t.Errorf("expected 75%% win rate, got %v", result.WinRate)
	}
	if math.Abs(result.TotalPnL-45.2) > 1e-9 {
		t.Errorf("expected total pnl 45.2, got %v", result.TotalPnL)
	}
	if math.Abs(result.AvgWin-18.8) > 1e-9 {
		t.Errorf("expected avg win 18.8, got %v", result.AvgWin)
	}
	if math.Abs(result.AvgLoss-(-11.2)) > 1e-9 {
		t.Errorf("expected avg loss -11.2, got %v", result.AvgLoss)
	}
	if math.Abs(result.ConfidenceAvg-75) > 1e-9 {
		t.Errorf("expected avg confidence 75, got %v", result.ConfidenceAvg)
	}
	// 2 ADVANCED vs 2 BASIC: the tie goes to the strategy seen first.
	if result.BestStrategy != string(signal.StrategyAdvanced) {
		t.Errorf("expected ADVANCED on the tie, got %s", result.BestStrategy)
	}
}

func TestAggregateEmpty(t *testing.T) {
	engine := NewEngine(testConfig())
	result := &Result{Symbol: "TESTUSDT", Timeframe: "3", BestStrategy: BestStrategyNone, Status: StatusNoTrades}
	engine.aggregate(result)

	if result.Status != StatusNoTrades || result.BestStrategy != BestStrategyNone {
		t.Errorf("expected no_trades/NONE preserved, got %s/%s", result.Status, result.BestStrategy)
	}
}

func TestRunWindowTooShort(t *testing.T) {
	engine := NewEngine(testConfig())
	ctx := signal.Context{Symbol: "TESTUSDT", Instrument: &bybit.InstrumentInfo{TickSize: 0.1, PriceScale: 1}}

	klines := make([]bybit.Kline, 10)
	for i := range klines {
		klines[i] = bar(int64(i)*60, 100, 100, 100, 100)
	}

	result := engine.Run(ctx, "3", klines)
	if result.Status != StatusNoTrades {
		t.Errorf("expected no_trades, got %s", result.Status)
	}
	if result.BestStrategy != BestStrategyNone {
		t.Errorf("expected NONE marker, got %s", result.BestStrategy)
	}
	if result.TotalTrades != 0 {
		t.Errorf("expected zero trades, got %d", result.TotalTrades)
	}
}
