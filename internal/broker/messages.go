package broker

import "fmt"

// MessageVersion is stamped into every published message. Consumers accept
// any message carrying the required fields; unknown fields are ignored for
// forward compatibility.
const MessageVersion = 1

// BacktestTask fans one (symbol, timeframe) evaluation out to the analyzers.
type BacktestTask struct {
	Version        int     `json:"version"`
	ScanID         string  `json:"scan_id"`
	Symbol         string  `json:"symbol"`
	Timeframe      string  `json:"timeframe"`
	Volatility24h  float64 `json:"volatility_24h"`
	Turnover       float64 `json:"turnover"`
	Price          float64 `json:"price"`
	PriceChange24h float64 `json:"price_change_24h"`
	Timestamp      int64   `json:"timestamp"`
}

func (t *BacktestTask) Validate() error {
	if t.ScanID == "" {
		return fmt.Errorf("backtest task missing scan_id")
	}
	if t.Symbol == "" {
		return fmt.Errorf("backtest task missing symbol")
	}
	if t.Timeframe == "" {
		return fmt.Errorf("backtest task missing timeframe")
	}
	return nil
}

// TradingSignal instructs the finders to hunt for a live entry on the
// selected (symbol, timeframe, strategy).
type TradingSignal struct {
	Version       int     `json:"version"`
	SelectorID    string  `json:"selector_id"`
	Symbol        string  `json:"symbol"`
	Timeframe     string  `json:"timeframe"` // labelled, e.g. "3m"
	Strategy      string  `json:"strategy"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	ConfidenceAvg float64 `json:"confidence_avg"`
	ScanID        string  `json:"scan_id"`
	Volatility24h float64 `json:"volatility_24h"`
	Price         float64 `json:"price"`
	Timestamp     int64   `json:"timestamp"`
}

func (s *TradingSignal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("trading signal missing symbol")
	}
	if s.Timeframe == "" {
		return fmt.Errorf("trading signal missing timeframe")
	}
	return nil
}

// EntrySignal is the live-scanner opportunity message (optional path).
type EntrySignal struct {
	Version    int     `json:"version"`
	ScannerID  string  `json:"scanner_id"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"` // LONG or SHORT
	Confidence float64 `json:"confidence"`
	Price      float64 `json:"price"`
	Timestamp  int64   `json:"timestamp"`
}

func (s *EntrySignal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("entry signal missing symbol")
	}
	if s.Direction != "LONG" && s.Direction != "SHORT" {
		return fmt.Errorf("entry signal has invalid direction %q", s.Direction)
	}
	return nil
}
