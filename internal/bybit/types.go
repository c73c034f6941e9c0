package bybit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kline is one OHLCV candle. Bybit returns klines newest-first; the client
// reverses them so callers always see oldest-first.
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Turnover float64
}

// Ticker is a 24h ticker snapshot for a linear-perpetual symbol.
type Ticker struct {
	Symbol         string
	LastPrice      float64
	Bid1Price      float64
	Ask1Price      float64
	PriceChg24hPct float64 // fractional, e.g. 0.0312 for +3.12%
	High24h        float64
	Low24h         float64
	Volume24h      float64
	Turnover24h    float64
	FundingRate    float64
}

// InstrumentInfo carries the exchange quantisation rules for a symbol.
type InstrumentInfo struct {
	Symbol      string
	TickSize    float64
	MinPrice    float64
	MaxPrice    float64
	QtyStep     float64
	MinOrderQty float64
	MaxOrderQty float64
	PriceScale  int
	QtyScale    int
}

// Position is an open futures position on the exchange.
type Position struct {
	Symbol   string
	Side     string // Buy or Sell
	Size     float64
	AvgPrice float64
	Leverage float64
}

// Order is an open order on the exchange.
type Order struct {
	OrderID   string
	Symbol    string
	Side      string
	OrderType string
	Qty       float64
	Price     float64
	Status    string
}

// OrderResult is the acknowledgement returned when an order is placed.
type OrderResult struct {
	OrderID     string
	OrderLinkID string
}

// WalletBalance is the unified-account balance summary.
type WalletBalance struct {
	TotalEquity           float64
	TotalAvailableBalance float64
}

// APIError is a non-zero retCode returned by the exchange.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit error %d: %s", e.Code, e.Message)
}

const (
	// ErrLeverageNotModified is returned when the requested leverage is
	// already set; callers treat it as success.
	ErrLeverageNotModified = 110043
)

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// decimalsOf derives the number of decimal places from an exchange filter
// value such as "0.001".
func decimalsOf(step string) int {
	step = strings.TrimRight(step, "0")
	if i := strings.Index(step, "."); i >= 0 {
		return len(step) - i - 1
	}
	return 0
}
