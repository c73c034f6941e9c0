// Package selector promotes proven backtest scorecards into trading
// signals for the position finders.
package selector

import (
	"context"
	"fmt"
	"time"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/broker"
	"bybit-trading-pipeline/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service runs the periodic selection cycle.
type Service struct {
	selectorID string
	results    *storage.ResultsRepo
	broker     *broker.Broker
	cfg        config.SelectorConfig
	queue      string
	logger     zerolog.Logger
}

func NewService(results *storage.ResultsRepo, b *broker.Broker, cfg config.SelectorConfig, queue string, logger zerolog.Logger) *Service {
	return &Service{
		selectorID: fmt.Sprintf("selector-%s", uuid.NewString()[:8]),
		results:    results,
		broker:     b,
		cfg:        cfg,
		queue:      queue,
		logger:     logger,
	}
}

// Run executes one cycle immediately, then on every tick.
func (s *Service) Run(ctx context.Context) error {
	if err := s.broker.DeclareQueue(s.queue); err != nil {
		return err
	}

	s.cycle(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Service) cycle(ctx context.Context) {
	records, err := s.results.ActiveRecords(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load scan records")
		return
	}

	published := 0
	for _, rec := range records {
		tf, tr, ok := s.pick(rec)
		if !ok {
			continue
		}
		sig := broker.TradingSignal{
			Version:       broker.MessageVersion,
			SelectorID:    s.selectorID,
			Symbol:        rec.Symbol,
			Timeframe:     tf + "m",
			Strategy:      tr.BestStrategy,
			WinRate:       storage.ParseDec(tr.WinRate),
			TotalPnL:      storage.ParseDec(tr.TotalPnL),
			ConfidenceAvg: storage.ParseDec(tr.ConfidenceAvg),
			ScanID:        rec.ScanID,
			Volatility24h: storage.ParseDec(rec.Volatility24h),
			Price:         storage.ParseDec(rec.Price),
			Timestamp:     time.Now().Unix(),
		}
		if err := s.broker.Publish(ctx, s.queue, &sig); err != nil {
			s.logger.Error().Err(err).Str("symbol", rec.Symbol).Str("timeframe", tf).Msg("signal publish failed")
			continue
		}
		published++
		s.logger.Info().
			Str("symbol", rec.Symbol).
			Str("timeframe", sig.Timeframe).
			Str("strategy", sig.Strategy).
			Float64("win_rate", sig.WinRate).
			Float64("total_pnl", sig.TotalPnL).
			Msg("trading signal published")
	}

	s.logger.Info().Int("records", len(records)).Int("signals", published).Msg("selection cycle complete")
}

// pick returns the scorecard the record's optimal timeframe points at, when
// that scorecard qualifies. At most one candidate per symbol; other
// timeframes are never considered.
func (s *Service) pick(rec storage.ScanRecord) (string, storage.TimeframeResult, bool) {
	tr, ok := rec.Timeframes[rec.OptimalTimeframe]
	if !ok || !s.Qualifies(tr) {
		return "", storage.TimeframeResult{}, false
	}
	return rec.OptimalTimeframe, tr, true
}

// Qualifies applies the promotion thresholds. Every comparison is inclusive:
// a scorecard sitting exactly on a threshold is promoted.
func (s *Service) Qualifies(tr storage.TimeframeResult) bool {
	if tr.Status != "completed" {
		return false
	}
	if tr.TotalTrades < s.cfg.MinTrades {
		return false
	}
	if storage.ParseDec(tr.WinRate) < s.cfg.MinWinRate {
		return false
	}
	if storage.ParseDec(tr.TotalPnL) < s.cfg.MinPnL {
		return false
	}
	return true
}
