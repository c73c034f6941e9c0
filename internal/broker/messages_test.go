package broker

import "testing"

func TestBacktestTaskValidate(t *testing.T) {
	task := BacktestTask{Version: MessageVersion, ScanID: "scan-1", Symbol: "BTCUSDT", Timeframe: "3"}
	if err := task.Validate(); err != nil {
		t.Errorf("expected valid task, got %v", err)
	}

	for _, tt := range []struct {
		name string
		task BacktestTask
	}{
		{"missing scan id", BacktestTask{Symbol: "BTCUSDT", Timeframe: "3"}},
		{"missing symbol", BacktestTask{ScanID: "scan-1", Timeframe: "3"}},
		{"missing timeframe", BacktestTask{ScanID: "scan-1", Symbol: "BTCUSDT"}},
	} {
		if err := tt.task.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestTradingSignalValidate(t *testing.T) {
	sig := TradingSignal{Symbol: "BTCUSDT", Timeframe: "3m"}
	if err := sig.Validate(); err != nil {
		t.Errorf("expected valid signal, got %v", err)
	}
	if err := (&TradingSignal{Timeframe: "3m"}).Validate(); err == nil {
		t.Error("expected error for missing symbol")
	}
}

func TestEntrySignalValidate(t *testing.T) {
	sig := EntrySignal{Symbol: "BTCUSDT", Direction: "LONG"}
	if err := sig.Validate(); err != nil {
		t.Errorf("expected valid signal, got %v", err)
	}
	if err := (&EntrySignal{Symbol: "BTCUSDT", Direction: "SIDEWAYS"}).Validate(); err == nil {
		t.Error("expected error for invalid direction")
	}
}
