package indicators

import (
	"math"

	"bybit-trading-pipeline/internal/bybit"
)

// Fibonacci retracement ratios, keyed the way levels are reported.
var fibRatios = map[string]float64{
	"0.0":   0.0,
	"0.236": 0.236,
	"0.382": 0.382,
	"0.5":   0.5,
	"0.618": 0.618,
	"0.786": 0.786,
	"1.0":   1.0,
}

// Ratios checked when asking whether a price sits on a meaningful level.
var retracementKeys = []string{"0.382", "0.5", "0.618", "0.786"}

// FibLevels holds the retracement grid for one timeframe's high-low range.
type FibLevels struct {
	High   float64
	Low    float64
	Range  float64
	Levels map[string]float64
}

// FibFromRange computes the retracement levels from a high-low range.
func FibFromRange(high, low float64) FibLevels {
	diff := high - low
	levels := make(map[string]float64, len(fibRatios))
	for name, ratio := range fibRatios {
		levels[name] = low + diff*ratio
	}
	return FibLevels{High: high, Low: low, Range: diff, Levels: levels}
}

// FibFromKlines computes the retracement levels from a candle window's
// extremes.
func FibFromKlines(klines []bybit.Kline) FibLevels {
	if len(klines) == 0 {
		return FibLevels{Levels: map[string]float64{}}
	}
	high := klines[0].High
	low := klines[0].Low
	for _, k := range klines[1:] {
		if k.High > high {
			high = k.High
		}
		if k.Low < low {
			low = k.Low
		}
	}
	return FibFromRange(high, low)
}

// IsNearLevel reports whether the price sits within tolerance of one of the
// retracement levels (0.382 through 0.786). Returns the matched level.
func (f FibLevels) IsNearLevel(price, tolerance float64) (bool, string, float64) {
	if price <= 0 {
		return false, "", 0
	}
	for _, name := range retracementKeys {
		level, ok := f.Levels[name]
		if !ok {
			continue
		}
		if math.Abs(price-level)/price <= tolerance {
			return true, name, level
		}
	}
	return false, "", 0
}

// MultiTimeframeFib maps a timeframe to its retracement grid. Immutable per
// engine invocation.
type MultiTimeframeFib map[string]FibLevels

// Merged flattens every timeframe's levels into one map keyed
// "<timeframe>_<ratio>".
func (m MultiTimeframeFib) Merged() map[string]float64 {
	out := make(map[string]float64)
	for tf, fib := range m {
		for name, price := range fib.Levels {
			out[tf+"_"+name] = price
		}
	}
	return out
}

// NearestSupport returns the tightest level strictly below price across all
// timeframes.
func (m MultiTimeframeFib) NearestSupport(price float64) (float64, bool) {
	best := 0.0
	found := false
	for _, level := range m.Merged() {
		if level < price && level > best {
			best = level
			found = true
		}
	}
	return best, found
}

// NearestResistance returns the tightest level strictly above price across
// all timeframes.
func (m MultiTimeframeFib) NearestResistance(price float64) (float64, bool) {
	best := math.MaxFloat64
	found := false
	for _, level := range m.Merged() {
		if level > price && level < best {
			best = level
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return best, true
}

// TimeframesNear counts how many timeframes have a retracement level within
// tolerance of the price.
func (m MultiTimeframeFib) TimeframesNear(price, tolerance float64) int {
	count := 0
	for _, fib := range m {
		if near, _, _ := fib.IsNearLevel(price, tolerance); near {
			count++
		}
	}
	return count
}
