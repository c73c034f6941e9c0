// Package executor is the single live-trading service: it claims the leader
// lock, walks the active position proposals and places the surviving ones on
// the exchange as bracketed market orders.
package executor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/bybit"
	"bybit-trading-pipeline/internal/kv"
	"bybit-trading-pipeline/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// noChasePct bounds how far past the planned entry a fill may chase.
const noChasePct = 0.002

// Exchange is the slice of the Bybit client the executor needs.
type Exchange interface {
	GetTicker(ctx context.Context, symbol string) (*bybit.Ticker, error)
	GetInstrumentInfo(ctx context.Context, symbol string) (*bybit.InstrumentInfo, error)
	GetWalletBalance(ctx context.Context) (*bybit.WalletBalance, error)
	GetPositions(ctx context.Context, symbol string) ([]bybit.Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]bybit.Order, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceMarketOrder(ctx context.Context, symbol, side, qty, stopLoss, takeProfit string) (*bybit.OrderResult, error)
}

// Service is the order executor.
type Service struct {
	instanceID string
	exchange   Exchange
	store      *kv.Store
	positions  *storage.PositionsRepo
	cfg        config.ExecutorConfig
	trading    config.TradingConfig
	logger     zerolog.Logger
}

func NewService(exchange Exchange, store *kv.Store, positions *storage.PositionsRepo, cfg config.ExecutorConfig, trading config.TradingConfig, logger zerolog.Logger) *Service {
	return &Service{
		instanceID: fmt.Sprintf("executor-%s", uuid.NewString()[:8]),
		exchange:   exchange,
		store:      store,
		positions:  positions,
		cfg:        cfg,
		trading:    trading,
		logger:     logger,
	}
}

// Run contends for the leader lock and, while holding it, scans the proposal
// table on every tick. Losing the lock demotes the instance back to standby.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	leader := false
	defer func() {
		if leader {
			if err := s.store.ReleaseLeaderLock(context.Background(), s.instanceID); err != nil {
				s.logger.Warn().Err(err).Msg("leader lock release failed")
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if !leader {
			ok, err := s.store.AcquireLeaderLock(ctx, s.instanceID, s.cfg.LockTTL)
			if err != nil {
				s.logger.Error().Err(err).Msg("leader lock acquisition failed")
				continue
			}
			if !ok {
				continue
			}
			leader = true
			s.logger.Info().Str("instance", s.instanceID).Msg("acquired executor leadership")
		} else {
			ok, err := s.store.RenewLeaderLock(ctx, s.instanceID, s.cfg.LockTTL)
			if err != nil || !ok {
				s.logger.Warn().Err(err).Msg("lost executor leadership")
				leader = false
				continue
			}
		}

		s.cycle(ctx)
	}
}

func (s *Service) cycle(ctx context.Context) {
	proposals, err := s.positions.Active(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load active proposals")
		return
	}

	for i := range proposals {
		s.tryExecute(ctx, &proposals[i])
	}
}

// tryExecute runs one proposal through the pre-trade gates and, when they
// all pass, places the order and transitions the row. Gate rejections leave
// the proposal active until its TTL expires.
func (s *Service) tryExecute(ctx context.Context, p *storage.Proposal) {
	log := s.logger.With().
		Str("symbol", p.Symbol).
		Str("signal_id", p.SignalID).
		Logger()

	confidence := storage.ParseDec(p.Confidence)
	if confidence < s.cfg.MinConfidence {
		log.Debug().Float64("confidence", confidence).Msg("gate: confidence too low")
		return
	}

	ticker, err := s.exchange.GetTicker(ctx, p.Symbol)
	if err != nil {
		log.Error().Err(err).Msg("ticker fetch failed")
		return
	}
	if ticker == nil {
		log.Warn().Msg("gate: symbol no longer quoted")
		return
	}

	entry := storage.ParseDec(p.EntryPrice)
	if reason := Gate(p.PositionType, entry, ticker, s.cfg); reason != "" {
		log.Debug().Str("reason", reason).Msg("gate: market conditions reject")
		return
	}

	// The finder checked at proposal time; a position opened since then
	// must still block the order.
	if engaged, reason := s.symbolEngaged(ctx, p.Symbol); engaged {
		log.Info().Str("reason", reason).Msg("gate: symbol already engaged on exchange")
		return
	}

	if ok, reason := s.marginAvailable(ctx, p.Leverage); !ok {
		log.Warn().Str("reason", reason).Msg("gate: insufficient margin")
		return
	}

	instrument, err := s.exchange.GetInstrumentInfo(ctx, p.Symbol)
	if err != nil {
		log.Error().Err(err).Msg("instrument fetch failed")
		return
	}

	if err := s.exchange.SetLeverage(ctx, p.Symbol, p.Leverage); err != nil {
		log.Error().Err(err).Msg("leverage setup failed")
		return
	}

	qty := Quantity(storage.ParseDec(p.PositionSize), p.Leverage, entry, instrument)
	if qty <= 0 {
		log.Warn().Msg("gate: computed quantity below minimum order size")
		return
	}

	side := "Buy"
	if p.PositionType == "SHORT" {
		side = "Sell"
	}
	qtyStr := strconv.FormatFloat(qty, 'f', instrument.QtyScale, 64)
	stopStr := strconv.FormatFloat(storage.ParseDec(p.StopLoss), 'f', instrument.PriceScale, 64)
	takeStr := strconv.FormatFloat(storage.ParseDec(p.TakeProfit), 'f', instrument.PriceScale, 64)

	order, err := s.exchange.PlaceMarketOrder(ctx, p.Symbol, side, qtyStr, stopStr, takeStr)
	if err != nil {
		log.Error().Err(err).Msg("order placement failed")
		return
	}

	executedPrice := storage.Dec(ticker.LastPrice)
	won, err := s.positions.MarkExecuting(ctx, p.Symbol, p.SignalTimestamp, order.OrderID, executedPrice)
	if err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("order placed but status transition failed")
		return
	}
	if !won {
		log.Warn().Str("order_id", order.OrderID).Msg("order placed but proposal was no longer active")
		return
	}

	log.Info().
		Str("order_id", order.OrderID).
		Str("side", side).
		Str("qty", qtyStr).
		Float64("price", ticker.LastPrice).
		Msg("position opened")
}

// Gate applies the market-condition checks to a proposal. Returns an empty
// string when the trade may proceed, otherwise the rejection reason. Every
// tolerance is inclusive: a value sitting exactly on a limit passes.
func Gate(positionType string, entry float64, ticker *bybit.Ticker, cfg config.ExecutorConfig) string {
	if entry <= 0 {
		return "proposal has no entry price"
	}
	current := ticker.LastPrice
	if current <= 0 {
		return "no current price"
	}

	if ticker.Volume24h < cfg.MinVolume24h {
		return fmt.Sprintf("24h volume %.2f below minimum", ticker.Volume24h)
	}

	if ticker.Bid1Price > 0 && ticker.Ask1Price > ticker.Bid1Price {
		spread := (ticker.Ask1Price - ticker.Bid1Price) / ticker.Bid1Price
		if spread > cfg.MaxSpreadPct {
			return fmt.Sprintf("spread %.4f%% too wide", spread*100)
		}
	}

	drift := math.Abs(current-entry) / entry
	if drift > cfg.PriceTolerance {
		return fmt.Sprintf("price drifted %.4f%% from entry", drift*100)
	}

	switch positionType {
	case "LONG":
		if current > entry*(1+noChasePct) {
			return "price ran above long entry"
		}
	case "SHORT":
		if current < entry*(1-noChasePct) {
			return "price ran below short entry"
		}
	default:
		return fmt.Sprintf("unknown position type %q", positionType)
	}
	return ""
}

// symbolEngaged reports whether the exchange already carries a position or
// open order on the symbol. Lookup failures err on the safe side and report
// engaged.
func (s *Service) symbolEngaged(ctx context.Context, symbol string) (bool, string) {
	positions, err := s.exchange.GetPositions(ctx, symbol)
	if err != nil {
		return true, fmt.Sprintf("position lookup failed: %v", err)
	}
	if len(positions) > 0 {
		return true, "open position on exchange"
	}

	orders, err := s.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		return true, fmt.Sprintf("order lookup failed: %v", err)
	}
	if len(orders) > 0 {
		return true, "open orders on exchange"
	}
	return false, ""
}

// marginAvailable checks the wallet's available balance against the initial
// margin one more position needs.
func (s *Service) marginAvailable(ctx context.Context, leverage int) (bool, string) {
	balance, err := s.exchange.GetWalletBalance(ctx)
	if err != nil {
		return false, fmt.Sprintf("balance fetch failed: %v", err)
	}

	required := s.trading.PositionSize
	if leverage > 0 {
		required = s.trading.PositionSize / float64(leverage)
	}
	if balance.TotalAvailableBalance < required {
		return false, fmt.Sprintf("available balance %.2f below required margin %.2f", balance.TotalAvailableBalance, required)
	}
	return true, ""
}

// Quantity converts the configured margin and leverage into a quantised
// contract quantity. Returns 0 when the result cannot satisfy the minimum
// order size.
func Quantity(positionSize float64, leverage int, entry float64, instrument *bybit.InstrumentInfo) float64 {
	if entry <= 0 || instrument == nil {
		return 0
	}
	notional := positionSize * float64(leverage)
	qty := instrument.RoundToStep(notional / entry)
	if qty < instrument.MinOrderQty {
		// Bumping up to the exchange minimum would silently oversize the
		// position, so reject instead.
		return 0
	}
	return instrument.ClampQty(qty)
}
