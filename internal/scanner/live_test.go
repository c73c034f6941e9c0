package scanner

import (
	"context"
	"testing"
	"time"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/bybit"

	"github.com/rs/zerolog"
)

func testLiveScanner(minVolatility float64) *LiveScanner {
	cfg := config.ScannerConfig{MinVolatility: minVolatility}
	trading := config.TradingConfig{RSIPeriod: 14, EntryTimeframe: "3"}
	return NewLiveScanner(nil, nil, cfg, trading, "entry-signals", false, zerolog.Nop())
}

func TestBeatStopsWithContext(t *testing.T) {
	ls := testLiveScanner(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		ls.beat(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat loop did not stop on context cancel")
	}
}

func TestOnCloseShortWindow(t *testing.T) {
	ls := testLiveScanner(0)

	// Below the RSI warmup nothing is published; a publish would hit the
	// nil broker.
	for i := 0; i < 14; i++ {
		ls.onClose(context.Background(), "TESTUSDT", bybit.Kline{High: 101, Low: 99, Close: 100})
	}
	if len(ls.windows["TESTUSDT"]) != 14 {
		t.Fatalf("expected 14 buffered candles, got %d", len(ls.windows["TESTUSDT"]))
	}
}

func TestOnCloseQuietSymbolSkipped(t *testing.T) {
	// The decline drives the RSI to the floor, but the ATR volatility sits
	// far below the scan floor: no signal, so the nil broker stays untouched.
	ls := testLiveScanner(10)

	for i := 0; i < 20; i++ {
		c := 120 - float64(i)
		ls.onClose(context.Background(), "TESTUSDT", bybit.Kline{High: c + 0.5, Low: c - 0.5, Close: c})
	}
}

func TestSymbolOfTopic(t *testing.T) {
	if got := symbolOfTopic("kline.3.BTCUSDT"); got != "BTCUSDT" {
		t.Errorf("expected BTCUSDT, got %s", got)
	}
	if got := symbolOfTopic("noseparator"); got != "noseparator" {
		t.Errorf("expected passthrough, got %s", got)
	}
}
