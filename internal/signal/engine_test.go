package signal

import (
	"math"
	"testing"
	"time"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/bybit"
	"bybit-trading-pipeline/internal/indicators"
	"bybit-trading-pipeline/internal/trend"
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
		BacktestCandles: 1000,
	}
}

func testInstrument() *bybit.InstrumentInfo {
	return &bybit.InstrumentInfo{
		Symbol:      "TESTUSDT",
		TickSize:    0.1,
		PriceScale:  1,
		QtyStep:     0.01,
		QtyScale:    2,
		MinOrderQty: 0.01,
		MaxOrderQty: 10000,
	}
}

func flatCandles(n int, price float64) []bybit.Kline {
	klines := make([]bybit.Kline, n)
	for i := range klines {
		klines[i] = bybit.Kline{
			OpenTime: time.Unix(int64(i)*180, 0),
			Open:     price, High: price, Low: price, Close: price,
			Volume: 1,
		}
	}
	return klines
}

// sawDecline builds a downtrend that keeps the RSI off the floor: every odd
// bar loses 1.0 and every even bar recovers 0.6.
func sawDecline(n int, start float64) []bybit.Kline {
	klines := make([]bybit.Kline, n)
	c := start
	for i := range klines {
		if i > 0 {
			if i%2 == 1 {
				c -= 1.0
			} else {
				c += 0.6
			}
		}
		klines[i] = bybit.Kline{
			OpenTime: time.Unix(int64(i)*180, 0),
			Open:     c, High: c + 0.2, Low: c - 0.2, Close: c,
			Volume: 1,
		}
	}
	return klines
}

// steadyDecline loses step per bar, driving the RSI to zero.
func steadyDecline(n int, start, step float64) []bybit.Kline {
	klines := make([]bybit.Kline, n)
	for i := range klines {
		c := start - float64(i)*step
		klines[i] = bybit.Kline{
			OpenTime: time.Unix(int64(i)*180, 0),
			Open:     c, High: c + 0.05, Low: c - 0.05, Close: c,
			Volume: 1,
		}
	}
	return klines
}

func fibWith(levels map[string]float64) indicators.MultiTimeframeFib {
	return indicators.MultiTimeframeFib{
		"D": {Levels: levels},
	}
}

func TestEvaluateWindowTooShort(t *testing.T) {
	engine := NewEngine(testConfig())
	ctx := Context{
		Symbol:     "TESTUSDT",
		Instrument: testInstrument(),
		Fib:        fibWith(map[string]float64{"0.5": 95}),
	}

	// One candle short of the warmup requirement.
	klines := sawDecline(engine.MinCandles()-1, 112)
	if sig := engine.Evaluate(ctx, klines); sig != nil {
		t.Fatalf("expected nil below the warmup boundary, got %+v", sig)
	}
}

func TestEvaluateDowntrendShort(t *testing.T) {
	engine := NewEngine(testConfig())
	klines := sawDecline(40, 112)
	lastClose := klines[39].Close

	ctx := Context{
		Symbol:     "TESTUSDT",
		Instrument: testInstrument(),
		// Support far below leaves room to fall; resistance far above.
		Fib:      fibWith(map[string]float64{"0.0": 95, "1.0": 120}),
		BTCTrend: trend.Snapshot{Direction: trend.Downtrend, Strength: 40, PriceChangePct: -1.2},
		Funding:  FundingInfo{Rate: 0.0005, RatePct: 0.05, Sentiment: LongHeavy},
	}

	sig := engine.Evaluate(ctx, klines)
	if sig == nil {
		t.Fatal("expected a short signal on the downtrend")
	}
	if sig.Direction != Short {
		t.Fatalf("expected SHORT, got %s", sig.Direction)
	}
	if sig.Strategy != StrategyAdvanced {
		t.Errorf("expected ADVANCED strategy, got %s", sig.Strategy)
	}
	// coin downtrend 30 + room to fall 25 + BTC downtrend 20 + crowded longs 15
	if sig.Confidence != 90 {
		t.Errorf("expected confidence 90, got %v", sig.Confidence)
	}

	wantEntry := ctx.Instrument.RoundToTick(lastClose)
	if sig.EntryPrice != wantEntry {
		t.Errorf("expected entry %v, got %v", wantEntry, sig.EntryPrice)
	}
	wantStop := ctx.Instrument.RoundToTick(wantEntry * 1.01)
	wantTake := ctx.Instrument.RoundToTick(wantEntry * 0.98)
	if sig.StopLoss != wantStop || sig.TakeProfit != wantTake {
		t.Errorf("expected bracket stop %v take %v, got stop %v take %v", wantStop, wantTake, sig.StopLoss, sig.TakeProfit)
	}
	if !(sig.TakeProfit < sig.EntryPrice && sig.EntryPrice < sig.StopLoss) {
		t.Errorf("short bracket out of order: take %v entry %v stop %v", sig.TakeProfit, sig.EntryPrice, sig.StopLoss)
	}

	// 100 * 0.02 * 10 = 20 gross, 2 * 100 * 10 * 0.0006 = 1.2 fees.
	if math.Abs(sig.ExpectedProfit-20) > 1e-9 {
		t.Errorf("expected profit 20, got %v", sig.ExpectedProfit)
	}
	if math.Abs(sig.TotalFee-1.2) > 1e-9 {
		t.Errorf("expected fee 1.2, got %v", sig.TotalFee)
	}
	if math.Abs(sig.NetProfit-18.8) > 1e-9 {
		t.Errorf("expected net profit 18.8, got %v", sig.NetProfit)
	}
}

func TestEvaluateSupportBounceLong(t *testing.T) {
	engine := NewEngine(testConfig())
	// Steady decline pins the RSI at zero and the close to the lower band.
	klines := steadyDecline(40, 113.65, 0.35)
	lastClose := klines[39].Close // 100.0

	ctx := Context{
		Symbol:     "TESTUSDT",
		Instrument: testInstrument(),
		// Support half a percent below the close blocks the downtrend
		// short and arms the bounce.
		Fib:      fibWith(map[string]float64{"0.5": 99.5, "1.0": 120}),
		BTCTrend: trend.Snapshot{Direction: trend.Sideways, Strength: 45},
		Funding:  FundingInfo{Rate: -0.0005, RatePct: -0.05, Sentiment: ShortHeavy},
	}

	sig := engine.Evaluate(ctx, klines)
	if sig == nil {
		t.Fatal("expected a support-bounce long")
	}
	if sig.Direction != Long {
		t.Fatalf("expected LONG, got %s", sig.Direction)
	}
	if sig.Strategy != StrategyAdvanced {
		t.Errorf("expected ADVANCED strategy, got %s", sig.Strategy)
	}
	// near support 30 + oversold 25 + lower band 20 + BTC stable 5 + shorts crowded 10
	if sig.Confidence != 90 {
		t.Errorf("expected confidence 90, got %v", sig.Confidence)
	}

	wantEntry := ctx.Instrument.RoundToTick(lastClose)
	if sig.EntryPrice != wantEntry {
		t.Errorf("expected entry %v, got %v", wantEntry, sig.EntryPrice)
	}
	if !(sig.StopLoss < sig.EntryPrice && sig.EntryPrice < sig.TakeProfit) {
		t.Errorf("long bracket out of order: stop %v entry %v take %v", sig.StopLoss, sig.EntryPrice, sig.TakeProfit)
	}
}

func TestEvaluateRejectsNearSupportShort(t *testing.T) {
	engine := NewEngine(testConfig())
	klines := sawDecline(40, 112)

	ctx := Context{
		Symbol:     "TESTUSDT",
		Instrument: testInstrument(),
		// Support within 1% of the close: no room to fall, and the RSI
		// is too high for a bounce long.
		Fib:      fibWith(map[string]float64{"0.5": klines[39].Close * 0.995}),
		BTCTrend: trend.Snapshot{Direction: trend.Downtrend, Strength: 40},
		Funding:  FundingInfo{Sentiment: LongHeavy},
	}

	if sig := engine.Evaluate(ctx, klines); sig != nil {
		t.Fatalf("expected no signal near support, got %+v", sig)
	}
}

func TestEvaluateTickSnapToZero(t *testing.T) {
	cfg := testConfig()
	engine := NewEngine(cfg)
	klines := sawDecline(40, 112)

	// A tick far coarser than the price rounds the entry to zero, which
	// must suppress the signal rather than emit a degenerate bracket.
	instrument := testInstrument()
	instrument.TickSize = 1000
	instrument.PriceScale = 0

	ctx := Context{
		Symbol:     "TESTUSDT",
		Instrument: instrument,
		Fib:        fibWith(map[string]float64{"0.0": 95, "1.0": 120}),
		BTCTrend:   trend.Snapshot{Direction: trend.Downtrend, Strength: 40},
		Funding:    FundingInfo{Sentiment: LongHeavy},
	}

	if sig := engine.Evaluate(ctx, klines); sig != nil {
		t.Fatalf("expected nil when the entry quantises to zero, got %+v", sig)
	}
}

func TestEvaluateProfitFloor(t *testing.T) {
	cfg := testConfig()
	// Raise the floor above the 18.8 the bracket can net.
	cfg.MinProfitTarget = 25
	engine := NewEngine(cfg)
	klines := sawDecline(40, 112)

	ctx := Context{
		Symbol:     "TESTUSDT",
		Instrument: testInstrument(),
		Fib:        fibWith(map[string]float64{"0.0": 95, "1.0": 120}),
		BTCTrend:   trend.Snapshot{Direction: trend.Downtrend, Strength: 40},
		Funding:    FundingInfo{Sentiment: LongHeavy},
	}

	if sig := engine.Evaluate(ctx, klines); sig != nil {
		t.Fatalf("expected nil below the profit floor, got %+v", sig)
	}
}

func TestEvaluateFlatMarket(t *testing.T) {
	engine := NewEngine(testConfig())
	ctx := Context{
		Symbol:     "TESTUSDT",
		Instrument: testInstrument(),
		Fib:        fibWith(map[string]float64{"0.5": 95}),
		BTCTrend:   trend.Snapshot{Direction: trend.Sideways},
	}

	if sig := engine.Evaluate(ctx, flatCandles(40, 100)); sig != nil {
		t.Fatalf("expected no signal in a flat market, got %+v", sig)
	}
}

func TestFundingFromTicker(t *testing.T) {
	tests := []struct {
		name   string
		ticker *bybit.Ticker
		want   FundingSentiment
	}{
		{"nil ticker", nil, Neutral},
		{"long heavy", &bybit.Ticker{FundingRate: 0.0005}, LongHeavy},
		{"short heavy", &bybit.Ticker{FundingRate: -0.0005}, ShortHeavy},
		{"at threshold", &bybit.Ticker{FundingRate: 0.0001}, Neutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FundingFromTicker(tt.ticker); got.Sentiment != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got.Sentiment)
			}
		})
	}
}
