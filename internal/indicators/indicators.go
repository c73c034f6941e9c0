// Package indicators provides the technical indicators used by the entry
// engine and the backtester. All series functions return slices aligned with
// the input; warmup positions hold NaN.
package indicators

import (
	"math"

	"bybit-trading-pipeline/internal/bybit"
)

// Bands holds a Bollinger Band series. Width is the band spread as a
// percentage of the middle band.
type Bands struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
	Width  []float64
}

// Closes extracts the close series from a candle window.
func Closes(klines []bybit.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

// Bollinger computes Bollinger Bands over the close series.
func Bollinger(closes []float64, period int, stdDev float64) Bands {
	n := len(closes)
	b := Bands{
		Upper:  nanSlice(n),
		Middle: nanSlice(n),
		Lower:  nanSlice(n),
		Width:  nanSlice(n),
	}
	if period < 2 || n < period {
		return b
	}

	for i := period - 1; i < n; i++ {
		window := closes[i-period+1 : i+1]
		mean := meanOf(window)
		sd := stdevOf(window, mean)

		b.Middle[i] = mean
		b.Upper[i] = mean + sd*stdDev
		b.Lower[i] = mean - sd*stdDev
		if mean != 0 {
			b.Width[i] = (b.Upper[i] - b.Lower[i]) / mean * 100
		}
	}
	return b
}

// RSI computes the relative strength index using rolling-mean gains and
// losses over the period.
func RSI(closes []float64, period int) []float64 {
	n := len(closes)
	out := nanSlice(n)
	if period < 1 || n <= period {
		return out
	}

	gains := make([]float64, n)
	losses := make([]float64, n)
	for i := 1; i < n; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains[i] = delta
		} else {
			losses[i] = -delta
		}
	}

	for i := period; i < n; i++ {
		avgGain := meanOf(gains[i-period+1 : i+1])
		avgLoss := meanOf(losses[i-period+1 : i+1])
		if avgLoss == 0 {
			out[i] = 100
			continue
		}
		rs := avgGain / avgLoss
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// SMA computes the simple moving average series.
func SMA(closes []float64, period int) []float64 {
	n := len(closes)
	out := nanSlice(n)
	if period < 1 || n < period {
		return out
	}
	sum := 0.0
	for i, c := range closes {
		sum += c
		if i >= period {
			sum -= closes[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// ATR computes the average true range as a rolling mean of the true range,
// with the volatility expressed as a percentage of the close.
func ATR(klines []bybit.Kline, period int) (atr, volatilityPct []float64) {
	n := len(klines)
	atr = nanSlice(n)
	volatilityPct = nanSlice(n)
	if period < 1 || n < period+1 {
		return atr, volatilityPct
	}

	tr := make([]float64, n)
	tr[0] = klines[0].High - klines[0].Low
	for i := 1; i < n; i++ {
		hl := klines[i].High - klines[i].Low
		hc := math.Abs(klines[i].High - klines[i-1].Close)
		lc := math.Abs(klines[i].Low - klines[i-1].Close)
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}

	for i := period - 1; i < n; i++ {
		atr[i] = meanOf(tr[i-period+1 : i+1])
		if klines[i].Close != 0 {
			volatilityPct[i] = atr[i] / klines[i].Close * 100
		}
	}
	return atr, volatilityPct
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdevOf is the sample standard deviation, matching a rolling std with
// one degree of freedom.
func stdevOf(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}
