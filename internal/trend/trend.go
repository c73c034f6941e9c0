// Package trend classifies short-horizon market direction for BTC and for
// individual coins, and applies the directional entry gates.
package trend

import (
	"fmt"
	"math"

	"bybit-trading-pipeline/internal/bybit"
	"bybit-trading-pipeline/internal/indicators"
)

type Direction string

const (
	Uptrend   Direction = "UPTREND"
	Downtrend Direction = "DOWNTREND"
	Sideways  Direction = "SIDEWAYS"
	Unknown   Direction = "UNKNOWN"
)

type VolumeTrend string

const (
	VolumeIncreasing VolumeTrend = "INCREASING"
	VolumeDecreasing VolumeTrend = "DECREASING"
	VolumeUnknown    VolumeTrend = "UNKNOWN"
)

// Snapshot is one trend classification with its supporting measurements.
type Snapshot struct {
	Direction      Direction   `json:"trend"`
	Strength       float64     `json:"strength"`
	PriceChangePct float64     `json:"price_change_pct"`
	MA5            float64     `json:"ma_5"`
	MA20           float64     `json:"ma_20"`
	VolumeTrend    VolumeTrend `json:"volume_trend,omitempty"`
}

// BTCSnapshot classifies the market direction from BTC 1-minute candles
// (typically 60 of them). Threshold 0.3% on the first-to-last change.
func BTCSnapshot(klines []bybit.Kline) Snapshot {
	return classify(klines, len(klines), 0.3, 10, false)
}

// CoinSnapshot classifies a coin's direction from the last `bars` candles
// (default 30) at its own timeframe. Threshold 0.5%, and the volume trend is
// recorded by comparing the two halves of the window.
func CoinSnapshot(klines []bybit.Kline, bars int) Snapshot {
	return classify(klines, bars, 0.5, 5, true)
}

func classify(klines []bybit.Kline, bars int, changeThreshold, changeWeight float64, withVolume bool) Snapshot {
	if len(klines) < 20 {
		snap := Snapshot{Direction: Unknown}
		if withVolume {
			snap.VolumeTrend = VolumeUnknown
		}
		return snap
	}
	if bars > 0 && len(klines) > bars {
		klines = klines[len(klines)-bars:]
	}

	closes := indicators.Closes(klines)
	ma5 := lastValid(indicators.SMA(closes, 5))
	ma20 := lastValid(indicators.SMA(closes, 20))

	first := closes[0]
	last := closes[len(closes)-1]
	changePct := 0.0
	if first != 0 {
		changePct = (last - first) / first * 100
	}

	maDiffPct := 0.0
	if ma20 > 0 {
		maDiffPct = (ma5 - ma20) / ma20 * 100
	}

	snap := Snapshot{
		PriceChangePct: changePct,
		MA5:            ma5,
		MA20:           ma20,
	}
	switch {
	case ma5 > ma20 && changePct > changeThreshold:
		snap.Direction = Uptrend
		snap.Strength = math.Min(100, math.Abs(maDiffPct)*50+math.Abs(changePct)*changeWeight)
	case ma5 < ma20 && changePct < -changeThreshold:
		snap.Direction = Downtrend
		snap.Strength = math.Min(100, math.Abs(maDiffPct)*50+math.Abs(changePct)*changeWeight)
	default:
		snap.Direction = Sideways
		snap.Strength = 50 - math.Min(50, math.Abs(maDiffPct)*25)
	}

	if withVolume {
		half := len(klines) / 2
		firstHalf := meanVolume(klines[:half])
		secondHalf := meanVolume(klines[half:])
		if secondHalf > firstHalf {
			snap.VolumeTrend = VolumeIncreasing
		} else {
			snap.VolumeTrend = VolumeDecreasing
		}
	}
	return snap
}

// ShouldEnterLong applies the directional gate for long entries: no strong
// BTC downtrend, coin not in a downtrend, coin actually trending up.
func ShouldEnterLong(btc, coin Snapshot) (bool, string) {
	if btc.Direction == Downtrend && btc.Strength > 60 {
		return false, fmt.Sprintf("strong BTC downtrend (%.2f%%)", btc.PriceChangePct)
	}
	if coin.Direction == Downtrend {
		return false, fmt.Sprintf("coin in downtrend (%.2f%%)", coin.PriceChangePct)
	}
	if coin.Direction == Uptrend && coin.VolumeTrend == VolumeIncreasing {
		return true, fmt.Sprintf("strong uptrend (coin %.2f%%, BTC %.2f%%)", coin.PriceChangePct, btc.PriceChangePct)
	}
	if coin.Direction == Uptrend {
		return true, fmt.Sprintf("uptrend on fading volume (coin %.2f%%)", coin.PriceChangePct)
	}
	return false, fmt.Sprintf("sideways (coin %.2f%%, BTC %.2f%%)", coin.PriceChangePct, btc.PriceChangePct)
}

// ShouldEnterShort is the mirror gate for short entries.
func ShouldEnterShort(btc, coin Snapshot) (bool, string) {
	if btc.Direction == Uptrend && btc.Strength > 60 {
		return false, fmt.Sprintf("strong BTC uptrend (%.2f%%)", btc.PriceChangePct)
	}
	if coin.Direction == Uptrend {
		return false, fmt.Sprintf("coin in uptrend (%.2f%%)", coin.PriceChangePct)
	}
	if coin.Direction == Downtrend && coin.VolumeTrend == VolumeIncreasing {
		return true, fmt.Sprintf("strong downtrend (coin %.2f%%, BTC %.2f%%)", coin.PriceChangePct, btc.PriceChangePct)
	}
	if coin.Direction == Downtrend {
		return true, fmt.Sprintf("downtrend on fading volume (coin %.2f%%)", coin.PriceChangePct)
	}
	return false, fmt.Sprintf("sideways (coin %.2f%%, BTC %.2f%%)", coin.PriceChangePct, btc.PriceChangePct)
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i]
		}
	}
	return 0
}

func meanVolume(klines []bybit.Kline) float64 {
	if len(klines) == 0 {
		return 0
	}
	sum := 0.0
	for _, k := range klines {
		sum += k.Volume
	}
	return sum / float64(len(klines))
}
