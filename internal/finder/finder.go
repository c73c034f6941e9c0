// Package finder turns trading signals into actionable position proposals:
// it re-evaluates the entry engine on live candles and, when an entry holds
// up, writes a fully-priced proposal for the executor.
package finder

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/broker"
	"bybit-trading-pipeline/internal/bybit"
	"bybit-trading-pipeline/internal/market"
	"bybit-trading-pipeline/internal/signal"
	"bybit-trading-pipeline/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// proposalTTL bounds how long an unexecuted proposal stays actionable.
	proposalTTL = 5 * time.Minute

	// dupWindow is the lookback for the duplicate-proposal check.
	dupWindow = 5 * time.Minute

	// Similarity thresholds for the duplicate check.
	similarEntryPct  = 0.005
	similarConfDelta = 5.0
)

// Exchange extends the market source with the position and order lookups the
// duplicate checks need.
type Exchange interface {
	market.Source
	GetPositions(ctx context.Context, symbol string) ([]bybit.Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]bybit.Order, error)
}

// Service is one finder worker.
type Service struct {
	finderID  string
	exchange  Exchange
	context   *market.ContextBuilder
	broker    *broker.Broker
	positions *storage.PositionsRepo
	engine    *signal.Engine
	cfg       config.TradingConfig
	queue     string
	logger    zerolog.Logger
}

func NewService(exchange Exchange, b *broker.Broker, positions *storage.PositionsRepo, cfg config.TradingConfig, queue string, logger zerolog.Logger) *Service {
	return &Service{
		finderID:  fmt.Sprintf("finder-%s", uuid.NewString()[:8]),
		exchange:  exchange,
		context:   market.NewContextBuilder(exchange, logger),
		broker:    b,
		positions: positions,
		engine:    signal.NewEngine(cfg),
		cfg:       cfg,
		queue:     queue,
		logger:    logger,
	}
}

// Run consumes the signal queue until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.broker.DeclareQueue(s.queue); err != nil {
		return err
	}
	return s.broker.Consume(ctx, s.queue, s.finderID, s.handle)
}

// handle processes one trading signal. Domain-negative outcomes (no entry,
// duplicate, already positioned) acknowledge; only a storage failure
// requeues.
func (s *Service) handle(ctx context.Context, body []byte) error {
	var sig broker.TradingSignal
	if err := json.Unmarshal(body, &sig); err != nil {
		s.logger.Error().Err(err).Msg("dropping unparseable signal")
		return nil
	}
	if err := sig.Validate(); err != nil {
		s.logger.Error().Err(err).Msg("dropping invalid signal")
		return nil
	}

	log := s.logger.With().
		Str("symbol", sig.Symbol).
		Str("timeframe", sig.Timeframe).
		Logger()

	interval := strings.TrimSuffix(sig.Timeframe, "m")
	entry, err := s.FindEntry(ctx, sig.Symbol, interval)
	if err != nil {
		log.Error().Err(err).Msg("entry evaluation failed")
		return nil
	}
	if entry == nil {
		log.Debug().Msg("no live entry on this signal")
		return nil
	}

	if positioned, reason := s.alreadyPositioned(ctx, sig.Symbol); positioned {
		log.Info().Str("reason", reason).Msg("skipping proposal, symbol already engaged")
		return nil
	}

	skip, err := s.duplicateCheck(ctx, entry)
	if err != nil {
		log.Warn().Err(err).Msg("duplicate check failed, proceeding")
	} else if skip {
		log.Info().Msg("skipping duplicate proposal")
		return nil
	}

	proposal := s.BuildProposal(entry, sig.ScanID, interval)
	if err := s.positions.Save(ctx, proposal); err != nil {
		return fmt.Errorf("failed to save proposal for %s: %w", sig.Symbol, err)
	}

	log.Info().
		Str("signal_id", proposal.SignalID).
		Str("direction", string(entry.Direction)).
		Float64("confidence", entry.Confidence).
		Float64("entry_price", entry.EntryPrice).
		Msg("position proposal saved")
	return nil
}

// Entry is an emitted live entry annotated with its support and resistance
// context.
type Entry struct {
	*signal.Signal
	FibSupport     float64
	FibResistance  float64
	FibDistancePct float64
}

// FindEntry fetches a candle window sized to the timeframe and evaluates the
// entry engine on the latest bar.
func (s *Service) FindEntry(ctx context.Context, symbol, interval string) (*Entry, error) {
	days := daySpan(interval)
	klines, err := s.exchange.GetKlinesForDays(ctx, symbol, interval, days)
	if err != nil {
		return nil, fmt.Errorf("kline fetch failed: %w", err)
	}
	if len(klines) > s.cfg.BacktestCandles {
		klines = klines[len(klines)-s.cfg.BacktestCandles:]
	}

	sigCtx, err := s.context.Build(ctx, symbol)
	if err != nil {
		return nil, err
	}

	sig := s.engine.Evaluate(*sigCtx, klines)
	if sig == nil {
		return nil, nil
	}
	sig.Timestamp = time.Now()
	return annotate(sig, sigCtx), nil
}

// daySpan maps the signal timeframe to the history window evaluated on it.
func daySpan(interval string) int {
	minutes, err := strconv.Atoi(interval)
	if err != nil {
		return 42
	}
	switch {
	case minutes <= 5:
		return 4
	case minutes <= 15:
		return 11
	case minutes <= 60:
		return 21
	default:
		return 42
	}
}

// annotate derives the nearest support and resistance for the entry. Levels
// default to 5% off the entry when the grid has nothing on that side.
func annotate(sig *signal.Signal, sigCtx *signal.Context) *Entry {
	support, ok := sigCtx.Fib.NearestSupport(sig.EntryPrice)
	if !ok {
		support = sig.EntryPrice * 0.95
	}
	resistance, ok := sigCtx.Fib.NearestResistance(sig.EntryPrice)
	if !ok {
		resistance = sig.EntryPrice * 1.05
	}
	distancePct := 0.0
	if sig.EntryPrice > 0 {
		distancePct = math.Abs(sig.EntryPrice-support) / sig.EntryPrice * 100
	}
	return &Entry{
		Signal:         sig,
		FibSupport:     support,
		FibResistance:  resistance,
		FibDistancePct: distancePct,
	}
}

// alreadyPositioned reports whether the exchange already holds exposure on
// the symbol. Lookup failures err on the safe side and report engaged.
func (s *Service) alreadyPositioned(ctx context.Context, symbol string) (bool, string) {
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

// duplicateCheck looks for a recent proposal on the same symbol. An
// executing proposal always blocks; an active one blocks only when the new
// entry is essentially the same trade.
func (s *Service) duplicateCheck(ctx context.Context, entry *Entry) (bool, error) {
	since := time.Now().Add(-dupWindow).Unix()
	recent, err := s.positions.Recent(ctx, entry.Symbol, since)
	if err != nil {
		return false, err
	}
	if recent == nil {
		return false, nil
	}
	if recent.Status == storage.PositionExecuting {
		return true, nil
	}
	return Similar(recent, entry.Signal), nil
}

// Similar reports whether a new entry duplicates an existing proposal: same
// direction, entry within 0.5% and confidence within 5 points.
func Similar(existing *storage.Proposal, entry *signal.Signal) bool {
	if existing.PositionType != string(entry.Direction) {
		return false
	}
	existingEntry := storage.ParseDec(existing.EntryPrice)
	if existingEntry <= 0 {
		return false
	}
	if math.Abs(entry.EntryPrice-existingEntry)/existingEntry >= similarEntryPct {
		return false
	}
	existingConf := storage.ParseDec(existing.Confidence)
	return math.Abs(entry.Confidence-existingConf) <= similarConfDelta
}

// BuildProposal converts an emitted entry into its persisted form.
func (s *Service) BuildProposal(entry *Entry, scanID, timeframe string) storage.Proposal {
	now := time.Now()

	riskReward := 0.0
	if denom := math.Abs(entry.EntryPrice - entry.StopLoss); denom > 0 {
		riskReward = math.Abs(entry.TakeProfit-entry.EntryPrice) / denom
	}

	btcTrend, _ := json.Marshal(entry.BTCTrend)
	coinTrend, _ := json.Marshal(entry.CoinTrend)
	funding, _ := json.Marshal(entry.Funding)

	return storage.Proposal{
		Symbol:          entry.Symbol,
		SignalTimestamp: now.Unix(),
		SignalID:        fmt.Sprintf("signal-%s-%s", now.UTC().Format("20060102-150405"), entry.Symbol),
		ScanID:          scanID,
		Strategy:        string(entry.Strategy),
		Timeframe:       timeframe,
		PositionType:    string(entry.Direction),
		Confidence:      storage.Dec4(entry.Confidence),
		EntryPrice:      storage.Dec(entry.EntryPrice),
		StopLoss:        storage.Dec(entry.StopLoss),
		TakeProfit:      storage.Dec(entry.TakeProfit),
		PositionSize:    storage.Dec(entry.PositionSize),
		Leverage:        entry.Leverage,
		RSI:             storage.Dec4(entry.RSI),
		BBPosition:      storage.Dec4(entry.BBPosition),
		BBWidth:         storage.Dec4(entry.BBWidth),
		BTCTrend:        btcTrend,
		CoinTrend:       coinTrend,
		FundingInfo:     funding,
		FibSupport:      storage.Dec(entry.FibSupport),
		FibResistance:   storage.Dec(entry.FibResistance),
		FibDistancePct:  storage.Dec4(entry.FibDistancePct),
		ExpectedProfit:  storage.Dec(entry.ExpectedProfit),
		ExpectedLoss:    storage.Dec(entry.ExpectedLoss),
		TotalFee:        storage.Dec(entry.TotalFee),
		NetProfit:       storage.Dec(entry.NetProfit),
		RiskReward:      storage.Dec4(riskReward),
		Status:          storage.PositionActive,
		TTL:             now.Add(proposalTTL).Unix(),
	}
}
