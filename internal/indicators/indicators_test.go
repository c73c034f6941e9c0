package indicators

import (
	"math"
	"testing"

	"bybit-trading-pipeline/internal/bybit"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSMA(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}
	out := SMA(closes, 3)

	if !math.IsNaN(out[0]) || !math.IsNaN(out[1]) {
		t.Errorf("expected NaN warmup, got %v, %v", out[0], out[1])
	}
	if !almostEqual(out[2], 2) {
		t.Errorf("expected SMA 2 at index 2, got %v", out[2])
	}
	if !almostEqual(out[4], 4) {
		t.Errorf("expected SMA 4 at index 4, got %v", out[4])
	}
}

func TestSMAWindowTooShort(t *testing.T) {
	out := SMA([]float64{1, 2}, 5)
	for i, v := range out {
		if !math.IsNaN(v) {
			t.Errorf("expected NaN at index %d, got %v", i, v)
		}
	}
}

func TestBollingerConstantSeries(t *testing.T) {
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 100
	}
	b := Bollinger(closes, 20, 2)

	last := len(closes) - 1
	if !almostEqual(b.Middle[last], 100) {
		t.Errorf("expected middle 100, got %v", b.Middle[last])
	}
	if !almostEqual(b.Upper[last], 100) || !almostEqual(b.Lower[last], 100) {
		t.Errorf("constant series should collapse the bands, got upper %v lower %v", b.Upper[last], b.Lower[last])
	}
	if !almostEqual(b.Width[last], 0) {
		t.Errorf("expected zero width, got %v", b.Width[last])
	}
	if !math.IsNaN(b.Middle[18]) {
		t.Errorf("expected NaN before warmup, got %v", b.Middle[18])
	}
}

func TestBollingerSampleStdev(t *testing.T) {
	// Period 2 keeps the arithmetic exact: window {1, 3} has mean 2 and
	// sample stdev sqrt(2).
	b := Bollinger([]float64{1, 3}, 2, 2)

	sd := math.Sqrt(2)
	if !almostEqual(b.Middle[1], 2) {
		t.Errorf("expected middle 2, got %v", b.Middle[1])
	}
	if !almostEqual(b.Upper[1], 2+2*sd) {
		t.Errorf("expected upper %v, got %v", 2+2*sd, b.Upper[1])
	}
	if !almostEqual(b.Lower[1], 2-2*sd) {
		t.Errorf("expected lower %v, got %v", 2-2*sd, b.Lower[1])
	}
}

func TestRSIAllGains(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5, 6}
	out := RSI(closes, 3)

	if !almostEqual(out[5], 100) {
		t.Errorf("expected RSI 100 on a pure rally, got %v", out[5])
	}
}

func TestRSIBalanced(t *testing.T) {
	// Alternating +1/-1 deltas give equal average gain and loss, RSI 50.
	closes := []float64{10, 11, 10, 11, 10, 11, 10}
	out := RSI(closes, 2)

	last := len(closes) - 1
	if !almostEqual(out[last], 50) {
		t.Errorf("expected RSI 50, got %v", out[last])
	}
	if !math.IsNaN(out[1]) {
		t.Errorf("expected NaN before warmup, got %v", out[1])
	}
}

func TestRSIWindowTooShort(t *testing.T) {
	out := RSI([]float64{1, 2, 3}, 14)
	for i, v := range out {
		if !math.IsNaN(v) {
			t.Errorf("expected NaN at index %d, got %v", i, v)
		}
	}
}

func TestATRConstantRange(t *testing.T) {
	klines := make([]bybit.Kline, 5)
	for i := range klines {
		klines[i] = bybit.Kline{High: 101, Low: 99, Close: 100}
	}
	atr, vol := ATR(klines, 3)

	if !math.IsNaN(atr[1]) {
		t.Errorf("expected NaN before warmup, got %v", atr[1])
	}
	if !almostEqual(atr[4], 2) {
		t.Errorf("expected ATR 2, got %v", atr[4])
	}
	// 2 on a close of 100 is 2% volatility.
	if !almostEqual(vol[4], 2) {
		t.Errorf("expected 2%% volatility, got %v", vol[4])
	}
}

func TestATRGapDominatesRange(t *testing.T) {
	klines := []bybit.Kline{
		{High: 101, Low: 99, Close: 100},
		// Gap up: the distance from the prior close dominates high-low.
		{High: 105, Low: 104, Close: 104.5},
	}
	atr, _ := ATR(klines, 1)

	if !almostEqual(atr[1], 5) {
		t.Errorf("expected true range 5 across the gap, got %v", atr[1])
	}
}

func TestATRWindowTooShort(t *testing.T) {
	atr, vol := ATR(make([]bybit.Kline, 3), 3)
	for i := range atr {
		if !math.IsNaN(atr[i]) || !math.IsNaN(vol[i]) {
			t.Errorf("expected NaN at index %d, got %v/%v", i, atr[i], vol[i])
		}
	}
}
