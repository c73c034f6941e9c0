package bybit

import "math"

// RoundToTick quantises a price to the symbol's tick size and trims the
// float noise using the tick's decimal scale.
func (i *InstrumentInfo) RoundToTick(price float64) float64 {
	if i.TickSize <= 0 {
		return price
	}
	snapped := math.Round(price/i.TickSize) * i.TickSize
	return roundToScale(snapped, i.PriceScale)
}

// RoundToStep quantises a quantity to the symbol's lot step.
func (i *InstrumentInfo) RoundToStep(qty float64) float64 {
	if i.QtyStep <= 0 {
		return qty
	}
	snapped := math.Round(qty/i.QtyStep) * i.QtyStep
	return roundToScale(snapped, i.QtyScale)
}

// ClampQty bounds a quantity to the exchange's min/max order size.
func (i *InstrumentInfo) ClampQty(qty float64) float64 {
	if i.MinOrderQty > 0 && qty < i.MinOrderQty {
		qty = i.MinOrderQty
	}
	if i.MaxOrderQty > 0 && qty > i.MaxOrderQty {
		qty = i.MaxOrderQty
	}
	return qty
}

func roundToScale(v float64, scale int) float64 {
	pow := math.Pow(10, float64(scale))
	return math.Round(v*pow) / pow
}
