package signal

import (
	"fmt"
	"math"

	"bybit-trading-pipeline/internal/trend"
)

// fibDistance measures the gap to the tightest retracement level on either
// side of the price, over the union of all timeframes' levels.
type fibDistance struct {
	supportName    string
	supportPrice   float64
	supportDistPct float64
	hasSupport     bool

	resistanceName    string
	resistancePrice   float64
	resistanceDistPct float64
	hasResistance     bool

	roomToFall bool
	roomToRise bool
}

func analyzeFibDistance(price float64, levels map[string]float64) *fibDistance {
	if len(levels) == 0 || price <= 0 {
		return nil
	}

	d := &fibDistance{resistancePrice: math.MaxFloat64}
	for name, level := range levels {
		if level < price && level > d.supportPrice {
			d.supportName = name
			d.supportPrice = level
			d.hasSupport = true
		}
		if level > price && level < d.resistancePrice {
			d.resistanceName = name
			d.resistancePrice = level
			d.hasResistance = true
		}
	}

	if d.hasSupport {
		d.supportDistPct = (price - d.supportPrice) / price * 100
		d.roomToFall = d.supportDistPct > 1.0
	}
	if d.hasResistance {
		d.resistanceDistPct = (d.resistancePrice - price) / price * 100
		d.roomToRise = d.resistanceDistPct > 1.0
	} else {
		d.resistancePrice = 0
	}
	return d
}

// shortOnDowntrend scores a short taken into an established downtrend with
// room left above the nearest support. Contributions: coin downtrend 30,
// room to fall 25, BTC downtrend 20 or sideways 10, funding long-heavy +15
// or short-heavy -10, RSI above 50 +10. Rejected outright on a strong BTC
// uptrend or an oversold RSI.
func shortOnDowntrend(price float64, levels map[string]float64, btc, coin trend.Snapshot, funding FundingInfo, rsi float64) (bool, string, float64) {
	dist := analyzeFibDistance(price, levels)
	if dist == nil {
		return false, "no fibonacci data", 0
	}

	var reasons []string
	confidence := 0.0

	if coin.Direction != trend.Downtrend {
		return false, "coin not in downtrend", 0
	}
	reasons = append(reasons, fmt.Sprintf("coin downtrend (%.2f%%)", coin.PriceChangePct))
	confidence += 30

	if !dist.roomToFall {
		return false, "near fibonacci support, bounce likely", 0
	}
	reasons = append(reasons, fmt.Sprintf("%.1f%% room to support", dist.supportDistPct))
	confidence += 25

	if btc.Direction == trend.Uptrend && btc.Strength > 60 {
		return false, "strong BTC uptrend, countertrend risk", 0
	}
	if btc.Direction == trend.Downtrend {
		reasons = append(reasons, fmt.Sprintf("BTC falling too (%.2f%%)", btc.PriceChangePct))
		confidence += 20
	} else {
		reasons = append(reasons, fmt.Sprintf("BTC sideways (%.2f%%)", btc.PriceChangePct))
		confidence += 10
	}

	if funding.Sentiment == LongHeavy {
		reasons = append(reasons, fmt.Sprintf("longs crowded (funding %.3f%%)", funding.RatePct))
		confidence += 15
	} else if funding.Sentiment == ShortHeavy {
		reasons = append(reasons, fmt.Sprintf("shorts crowded (funding %.3f%%)", funding.RatePct))
		confidence -= 10
	}

	if rsi < 30 {
		return false, "RSI oversold, bounce risk", 0
	}
	if rsi > 50 {
		reasons = append(reasons, fmt.Sprintf("RSI has room (%.1f)", rsi))
		confidence += 10
	}

	if confidence >= 60 {
		return true, joinReasons(reasons), confidence
	}
	return false, fmt.Sprintf("confidence too low (%.0f)", confidence), confidence
}

// longOnUptrend is the mirror of shortOnDowntrend.
func longOnUptrend(price float64, levels map[string]float64, btc, coin trend.Snapshot, funding FundingInfo, rsi float64) (bool, string, float64) {
	dist := analyzeFibDistance(price, levels)
	if dist == nil {
		return false, "no fibonacci data", 0
	}

	var reasons []string
	confidence := 0.0

	if coin.Direction != trend.Uptrend {
		return false, "coin not in uptrend", 0
	}
	reasons = append(reasons, fmt.Sprintf("coin uptrend (%.2f%%)", coin.PriceChangePct))
	confidence += 30

	if !dist.roomToRise {
		return false, "near fibonacci resistance", 0
	}
	reasons = append(reasons, fmt.Sprintf("%.1f%% room to resistance", dist.resistanceDistPct))
	confidence += 25

	if btc.Direction == trend.Downtrend && btc.Strength > 60 {
		return false, "strong BTC downtrend, countertrend risk", 0
	}
	if btc.Direction == trend.Uptrend {
		reasons = append(reasons, fmt.Sprintf("BTC rising too (%.2f%%)", btc.PriceChangePct))
		confidence += 20
	} else {
		reasons = append(reasons, fmt.Sprintf("BTC sideways (%.2f%%)", btc.PriceChangePct))
		confidence += 10
	}

	if funding.Sentiment == ShortHeavy {
		reasons = append(reasons, fmt.Sprintf("shorts crowded (funding %.3f%%)", funding.RatePct))
		confidence += 15
	} else if funding.Sentiment == LongHeavy {
		reasons = append(reasons, fmt.Sprintf("longs crowded (funding %.3f%%)", funding.RatePct))
		confidence -= 10
	}

	if rsi > 70 {
		return false, "RSI overbought, pullback risk", 0
	}
	if rsi < 50 {
		reasons = append(reasons, fmt.Sprintf("RSI has room (%.1f)", rsi))
		confidence += 10
	}

	if confidence >= 60 {
		return true, joinReasons(reasons), confidence
	}
	return false, fmt.Sprintf("confidence too low (%.0f)", confidence), confidence
}

// longAtSupport scores a bounce long taken against a nearby support with an
// oversold RSI and price pinned to the lower Bollinger band.
func longAtSupport(price float64, levels map[string]float64, btc trend.Snapshot, funding FundingInfo, rsi, bbPosition float64) (bool, string, float64) {
	dist := analyzeFibDistance(price, levels)
	if dist == nil || !dist.hasSupport {
		return false, "no support data", 0
	}

	var reasons []string
	confidence := 0.0

	if dist.supportDistPct > 1.0 {
		return false, fmt.Sprintf("support %.1f%% away", dist.supportDistPct), 0
	}
	reasons = append(reasons, fmt.Sprintf("near %s support (%.2f%%)", dist.supportName, dist.supportDistPct))
	confidence += 30

	if rsi > 35 {
		return false, fmt.Sprintf("RSI not oversold (%.1f)", rsi), 0
	}
	reasons = append(reasons, fmt.Sprintf("RSI oversold (%.1f)", rsi))
	confidence += 25

	if bbPosition > 0.2 {
		return false, fmt.Sprintf("not at lower band (%.0f%%)", bbPosition*100), 0
	}
	reasons = append(reasons, fmt.Sprintf("lower band (%.0f%%)", bbPosition*100))
	confidence += 20

	if btc.Direction == trend.Downtrend && btc.Strength > 70 {
		return false, "BTC falling hard, bounce unlikely", 0
	}
	if btc.Direction == trend.Uptrend {
		reasons = append(reasons, fmt.Sprintf("BTC rising (%.2f%%)", btc.PriceChangePct))
		confidence += 15
	} else {
		reasons = append(reasons, fmt.Sprintf("BTC stable (%.2f%%)", btc.PriceChangePct))
		confidence += 5
	}

	if funding.Sentiment == ShortHeavy {
		reasons = append(reasons, fmt.Sprintf("shorts crowded (funding %.3f%%)", funding.RatePct))
		confidence += 10
	}

	if confidence >= 65 {
		return true, joinReasons(reasons), confidence
	}
	return false, fmt.Sprintf("confidence too low (%.0f)", confidence), confidence
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += " | "
		}
		out += r
	}
	return out
}
