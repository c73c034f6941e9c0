package trend

import (
	"testing"
	"time"

	"bybit-trading-pipeline/internal/bybit"
)

// ramp builds candles whose closes move linearly from start by step per bar.
func ramp(n int, start, step, volume float64) []bybit.Kline {
	klines := make([]bybit.Kline, n)
	for i := range klines {
		c := start + float64(i)*step
		klines[i] = bybit.Kline{
			OpenTime: time.Unix(int64(i)*60, 0),
			Open:     c,
			High:     c,
			Low:      c,
			Close:    c,
			Volume:   volume,
		}
	}
	return klines
}

func TestBTCSnapshotUptrend(t *testing.T) {
	// +2% over 60 bars with rising MAs.
	snap := BTCSnapshot(ramp(60, 100, 2.0/59, 1))

	if snap.Direction != Uptrend {
		t.Fatalf("expected UPTREND, got %s", snap.Direction)
	}
	if snap.Strength <= 0 || snap.Strength > 100 {
		t.Errorf("strength out of range: %v", snap.Strength)
	}
	if snap.PriceChangePct < 1.9 || snap.PriceChangePct > 2.1 {
		t.Errorf("expected ~2%% change, got %v", snap.PriceChangePct)
	}
}

func TestBTCSnapshotDowntrend(t *testing.T) {
	snap := BTCSnapshot(ramp(60, 100, -2.0/59, 1))
	if snap.Direction != Downtrend {
		t.Fatalf("expected DOWNTREND, got %s", snap.Direction)
	}
}

func TestBTCSnapshotSideways(t *testing.T) {
	snap := BTCSnapshot(ramp(60, 100, 0, 1))
	if snap.Direction != Sideways {
		t.Fatalf("expected SIDEWAYS, got %s", snap.Direction)
	}
	if snap.Strength != 50 {
		t.Errorf("flat series should score neutral strength, got %v", snap.Strength)
	}
}

func TestSnapshotTooFewCandles(t *testing.T) {
	snap := BTCSnapshot(ramp(19, 100, 1, 1))
	if snap.Direction != Unknown {
		t.Fatalf("expected UNKNOWN below 20 candles, got %s", snap.Direction)
	}

	coin := CoinSnapshot(ramp(19, 100, 1, 1), 30)
	if coin.Direction != Unknown || coin.VolumeTrend != VolumeUnknown {
		t.Fatalf("expected UNKNOWN coin snapshot, got %s/%s", coin.Direction, coin.VolumeTrend)
	}
}

func TestCoinSnapshotVolumeTrend(t *testing.T) {
	klines := ramp(30, 100, 0.1, 10)
	for i := 15; i < 30; i++ {
		klines[i].Volume = 20
	}
	snap := CoinSnapshot(klines, 30)

	if snap.Direction != Uptrend {
		t.Fatalf("expected UPTREND, got %s", snap.Direction)
	}
	if snap.VolumeTrend != VolumeIncreasing {
		t.Errorf("expected INCREASING volume, got %s", snap.VolumeTrend)
	}
}

func TestShouldEnterLong(t *testing.T) {
	up := Snapshot{Direction: Uptrend, VolumeTrend: VolumeIncreasing}
	down := Snapshot{Direction: Downtrend}
	strongDown := Snapshot{Direction: Downtrend, Strength: 75}
	weakDown := Snapshot{Direction: Downtrend, Strength: 40}
	sideways := Snapshot{Direction: Sideways}

	tests := []struct {
		name string
		btc  Snapshot
		coin Snapshot
		want bool
	}{
		{"strong btc downtrend rejects", strongDown, up, false},
		{"weak btc downtrend allows coin uptrend", weakDown, up, true},
		{"coin downtrend rejects", sideways, down, false},
		{"coin uptrend enters", sideways, up, true},
		{"sideways coin rejects", sideways, sideways, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := ShouldEnterLong(tt.btc, tt.coin)
			if got != tt.want {
				t.Errorf("ShouldEnterLong = %v (%s), want %v", got, reason, tt.want)
			}
		})
	}
}

func TestShouldEnterShort(t *testing.T) {
	up := Snapshot{Direction: Uptrend}
	strongUp := Snapshot{Direction: Uptrend, Strength: 80}
	down := Snapshot{Direction: Downtrend, VolumeTrend: VolumeDecreasing}
	sideways := Snapshot{Direction: Sideways}

	tests := []struct {
		name string
		btc  Snapshot
		coin Snapshot
		want bool
	}{
		{"strong btc uptrend rejects", strongUp, down, false},
		{"coin uptrend rejects", sideways, up, false},
		{"coin downtrend enters", sideways, down, true},
		{"sideways coin rejects", sideways, sideways, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := ShouldEnterShort(tt.btc, tt.coin)
			if got != tt.want {
				t.Errorf("ShouldEnterShort = %v (%s), want %v", got, reason, tt.want)
			}
		})
	}
}
