package bybit

import (
	"math"
	"testing"
)

func TestRoundToTick(t *testing.T) {
	info := &InstrumentInfo{TickSize: 0.1, PriceScale: 1}

	tests := []struct {
		price float64
		want  float64
	}{
		{100.44, 100.4},
		{100.45, 100.5},
		{100.0, 100.0},
		// Below half a tick the price snaps to zero.
		{0.04, 0},
	}
	for _, tt := range tests {
		if got := info.RoundToTick(tt.price); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("RoundToTick(%v) = %v, want %v", tt.price, got, tt.want)
		}
	}
}

func TestRoundToTickSubPenny(t *testing.T) {
	info := &InstrumentInfo{TickSize: 0.0001, PriceScale: 4}
	if got := info.RoundToTick(0.023456); math.Abs(got-0.0235) > 1e-12 {
		t.Errorf("RoundToTick = %v, want 0.0235", got)
	}
}

func TestRoundToStep(t *testing.T) {
	info := &InstrumentInfo{QtyStep: 0.01, QtyScale: 2}
	if got := info.RoundToStep(10.567); math.Abs(got-10.57) > 1e-9 {
		t.Errorf("RoundToStep = %v, want 10.57", got)
	}
}

func TestClampQty(t *testing.T) {
	info := &InstrumentInfo{MinOrderQty: 0.1, MaxOrderQty: 100}

	if got := info.ClampQty(0.05); got != 0.1 {
		t.Errorf("expected clamp up to 0.1, got %v", got)
	}
	if got := info.ClampQty(500); got != 100 {
		t.Errorf("expected clamp down to 100, got %v", got)
	}
	if got := info.ClampQty(50); got != 50 {
		t.Errorf("expected 50 unchanged, got %v", got)
	}
}

func TestDecimalsOf(t *testing.T) {
	tests := []struct {
		step string
		want int
	}{
		{"0.001", 3},
		{"0.1", 1},
		{"1", 0},
		{"0.010", 2},
	}
	for _, tt := range tests {
		if got := decimalsOf(tt.step); got != tt.want {
			t.Errorf("decimalsOf(%q) = %d, want %d", tt.step, got, tt.want)
		}
	}
}

func TestAPIErrorMessage(t *testing.T) {
	err := &APIError{Code: 110043, Message: "leverage not modified"}
	want := "bybit error 110043: leverage not modified"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
