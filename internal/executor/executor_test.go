package executor

import (
	"context"
	"errors"
	"math"
	"testing"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/bybit"
	"bybit-trading-pipeline/internal/storage"

	"github.com/rs/zerolog"
)

// scriptedExchange returns canned responses and records order placements.
type scriptedExchange struct {
	ticker       *bybit.Ticker
	instrument   *bybit.InstrumentInfo
	balance      *bybit.WalletBalance
	positions    []bybit.Position
	orders       []bybit.Order
	positionsErr error
	ordersErr    error
	placed       int
}

func (m *scriptedExchange) GetTicker(ctx context.Context, symbol string) (*bybit.Ticker, error) {
	return m.ticker, nil
}

func (m *scriptedExchange) GetInstrumentInfo(ctx context.Context, symbol string) (*bybit.InstrumentInfo, error) {
	return m.instrument, nil
}

func (m *scriptedExchange) GetWalletBalance(ctx context.Context) (*bybit.WalletBalance, error) {
	return m.balance, nil
}

func (m *scriptedExchange) GetPositions(ctx context.Context, symbol string) ([]bybit.Position, error) {
	return m.positions, m.positionsErr
}

func (m *scriptedExchange) GetOpenOrders(ctx context.Context, symbol string) ([]bybit.Order, error) {
	return m.orders, m.ordersErr
}

func (m *scriptedExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *scriptedExchange) PlaceMarketOrder(ctx context.Context, symbol, side, qty, stopLoss, takeProfit string) (*bybit.OrderResult, error) {
	m.placed++
	return &bybit.OrderResult{OrderID: "order-1"}, nil
}

func gateConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		MinConfidence:  60,
		MinVolume24h:   1000,
		MaxSpreadPct:   0.001,
		PriceTolerance: 0.005,
	}
}

func healthyTicker(last float64) *bybit.Ticker {
	return &bybit.Ticker{
		Symbol:    "TESTUSDT",
		LastPrice: last,
		Bid1Price: last - 0.025,
		Ask1Price: last + 0.025,
		Volume24h: 50000,
	}
}

func TestGate(t *testing.T) {
	cfg := gateConfig()

	tests := []struct {
		name         string
		positionType string
		entry        float64
		ticker       *bybit.Ticker
		wantPass     bool
	}{
		{"long at entry", "LONG", 100, healthyTicker(100), true},
		{"short at entry", "SHORT", 100, healthyTicker(100), true},
		{"no entry price", "LONG", 0, healthyTicker(100), false},
		{
			"thin volume",
			"LONG", 100,
			&bybit.Ticker{LastPrice: 100, Bid1Price: 99.99, Ask1Price: 100.01, Volume24h: 500},
			false,
		},
		{
			"wide spread",
			"LONG", 100,
			&bybit.Ticker{LastPrice: 100, Bid1Price: 100, Ask1Price: 100.2, Volume24h: 50000},
			false,
		},
		{
			"spread exactly at limit",
			"LONG", 100,
			&bybit.Ticker{LastPrice: 100, Bid1Price: 100, Ask1Price: 100.1, Volume24h: 50000},
			true,
		},
		// 0.5% drift sits exactly on the tolerance and passes, but a long
		// 0.5% above the entry has run past the no-chase band.
		{"long drifted down to tolerance", "LONG", 100, healthyTicker(99.5), true},
		{"long ran above entry", "LONG", 100, healthyTicker(100.5), false},
		{"long just under no-chase", "LONG", 100, healthyTicker(100.2), true},
		{"short drifted up to tolerance", "SHORT", 100, healthyTicker(100.5), true},
		{"short ran below entry", "SHORT", 100, healthyTicker(99.5), false},
		{"drifted past tolerance", "LONG", 100, healthyTicker(99.4), false},
		{"unknown position type", "HEDGE", 100, healthyTicker(100), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := Gate(tt.positionType, tt.entry, tt.ticker, cfg)
			if pass := reason == ""; pass != tt.wantPass {
				t.Errorf("Gate = %q, wantPass %v", reason, tt.wantPass)
			}
		})
	}
}

func TestQuantity(t *testing.T) {
	instrument := &bybit.InstrumentInfo{
		QtyStep:     0.1,
		QtyScale:    1,
		MinOrderQty: 0.1,
		MaxOrderQty: 100,
	}

	// 100 margin at 10x is 1000 notional; at entry 100 that is 10 contracts.
	if got := Quantity(100, 10, 100, instrument); math.Abs(got-10) > 1e-9 {
		t.Errorf("Quantity = %v, want 10", got)
	}

	// Quantisation to the step.
	if got := Quantity(100, 10, 97, instrument); math.Abs(got-10.3) > 1e-9 {
		t.Errorf("Quantity = %v, want 10.3", got)
	}

	// A huge entry quantises below the exchange minimum; never bump up.
	if got := Quantity(100, 10, 50000, instrument); got != 0 {
		t.Errorf("expected 0 below the minimum order size, got %v", got)
	}

	// The max clamp still applies.
	if got := Quantity(100, 100, 50, instrument); got != 100 {
		t.Errorf("expected clamp to 100, got %v", got)
	}

	if got := Quantity(100, 10, 0, instrument); got != 0 {
		t.Errorf("expected 0 on a zero entry, got %v", got)
	}
	if got := Quantity(100, 10, 100, nil); got != 0 {
		t.Errorf("expected 0 on a missing instrument, got %v", got)
	}
}

func TestSymbolEngaged(t *testing.T) {
	tests := []struct {
		name     string
		exchange *scriptedExchange
		want     bool
	}{
		{"clean symbol", &scriptedExchange{}, false},
		{
			"open position",
			&scriptedExchange{positions: []bybit.Position{{Symbol: "TESTUSDT", Side: "Buy", Size: 1}}},
			true,
		},
		{
			"open order",
			&scriptedExchange{orders: []bybit.Order{{OrderID: "o1", Symbol: "TESTUSDT"}}},
			true,
		},
		{
			"position lookup failure blocks",
			&scriptedExchange{positionsErr: errors.New("timeout")},
			true,
		},
		{
			"order lookup failure blocks",
			&scriptedExchange{ordersErr: errors.New("timeout")},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &Service{exchange: tt.exchange, logger: zerolog.Nop()}
			engaged, _ := svc.symbolEngaged(context.Background(), "TESTUSDT")
			if engaged != tt.want {
				t.Errorf("symbolEngaged = %v, want %v", engaged, tt.want)
			}
		})
	}
}

func TestTryExecuteSkipsEngagedSymbol(t *testing.T) {
	// All market gates pass, but the exchange already holds the symbol:
	// no order may be placed.
	exchange := &scriptedExchange{
		ticker:    healthyTicker(100),
		positions: []bybit.Position{{Symbol: "TESTUSDT", Side: "Buy", Size: 1}},
	}
	svc := &Service{
		exchange: exchange,
		cfg:      gateConfig(),
		trading:  config.TradingConfig{PositionSize: 100},
		logger:   zerolog.Nop(),
	}

	proposal := storage.Proposal{
		Symbol:       "TESTUSDT",
		PositionType: "LONG",
		Confidence:   "80",
		EntryPrice:   "100",
		Leverage:     10,
	}
	svc.tryExecute(context.Background(), &proposal)

	if exchange.placed != 0 {
		t.Fatalf("expected no order on an engaged symbol, got %d placements", exchange.placed)
	}
}

func TestMarginAvailable(t *testing.T) {
	svc := &Service{
		trading: config.TradingConfig{PositionSize: 100},
		logger:  zerolog.Nop(),
	}

	// 100 at 10x needs 10 of initial margin.
	svc.exchange = &scriptedExchange{balance: &bybit.WalletBalance{TotalAvailableBalance: 10}}
	if ok, reason := svc.marginAvailable(context.Background(), 10); !ok {
		t.Errorf("expected margin exactly at the requirement to pass, got %q", reason)
	}

	svc.exchange = &scriptedExchange{balance: &bybit.WalletBalance{TotalAvailableBalance: 9.99}}
	if ok, _ := svc.marginAvailable(context.Background(), 10); ok {
		t.Error("expected insufficient margin to fail")
	}

	// Without leverage the full position size must be available.
	svc.exchange = &scriptedExchange{balance: &bybit.WalletBalance{TotalAvailableBalance: 50}}
	if ok, _ := svc.marginAvailable(context.Background(), 0); ok {
		t.Error("expected unleveraged requirement to be the full size")
	}
}
