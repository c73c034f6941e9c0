// Package analyzer consumes backtest tasks, replays the entry engine over
// historical candles and merges the scorecards into storage.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/backtest"
	"bybit-trading-pipeline/internal/broker"
	"bybit-trading-pipeline/internal/market"
	"bybit-trading-pipeline/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service is one analyzer worker.
type Service struct {
	analyzerID string
	exchange   market.Source
	context    *market.ContextBuilder
	broker     *broker.Broker
	results    *storage.ResultsRepo
	engine     *backtest.Engine
	cfg        config.TradingConfig
	queue      string
	logger     zerolog.Logger
}

func NewService(exchange market.Source, b *broker.Broker, results *storage.ResultsRepo, cfg config.TradingConfig, queue string, logger zerolog.Logger) *Service {
	return &Service{
		analyzerID: fmt.Sprintf("analyzer-%s", uuid.NewString()[:8]),
		exchange:   exchange,
		context:    market.NewContextBuilder(exchange, logger),
		broker:     b,
		results:    results,
		engine:     backtest.NewEngine(cfg),
		cfg:        cfg,
		queue:      queue,
		logger:     logger,
	}
}

// Run consumes the task queue until the context is cancelled. One task is in
// flight at a time; slow analyses simply spread across worker instances.
func (s *Service) Run(ctx context.Context) error {
	if err := s.broker.DeclareQueue(s.queue); err != nil {
		return err
	}
	return s.broker.Consume(ctx, s.queue, s.analyzerID, s.handle)
}

// handle processes one task. Poison messages are dropped; exchange failures
// are recorded as failed results so a dead symbol cannot clog the queue;
// storage failures requeue.
func (s *Service) handle(ctx context.Context, body []byte) error {
	var task broker.BacktestTask
	if err := json.Unmarshal(body, &task); err != nil {
		s.logger.Error().Err(err).Msg("dropping unparseable task")
		return nil
	}
	if err := task.Validate(); err != nil {
		s.logger.Error().Err(err).Msg("dropping invalid task")
		return nil
	}

	log := s.logger.With().
		Str("scan_id", task.ScanID).
		Str("symbol", task.Symbol).
		Str("timeframe", task.Timeframe).
		Logger()

	result, err := s.Analyze(ctx, task.Symbol, task.Timeframe)
	if err != nil {
		log.Error().Err(err).Msg("analysis failed, recording failed result")
		result = &backtest.Result{
			Symbol:       task.Symbol,
			Timeframe:    task.Timeframe,
			BestStrategy: backtest.BestStrategyError,
			Status:       backtest.StatusFailed,
		}
	}

	snap := storage.TickerSnapshot{
		Volatility24h:  storage.Dec(task.Volatility24h),
		Turnover:       storage.Dec(task.Turnover),
		Price:          storage.Dec(task.Price),
		PriceChange24h: storage.Dec(task.PriceChange24h),
	}
	if err := s.results.UpsertTimeframe(ctx, task.Symbol, task.ScanID, s.analyzerID, task.Timeframe, scorecard(result), snap); err != nil {
		return fmt.Errorf("failed to store result for %s/%s: %w", task.Symbol, task.Timeframe, err)
	}

	log.Info().
		Str("status", result.Status).
		Int("trades", result.TotalTrades).
		Float64("total_pnl", result.TotalPnL).
		Float64("win_rate", result.WinRate).
		Msg("task analyzed")
	return nil
}

// Analyze fetches the market context and replays the entry engine over the
// candle window.
func (s *Service) Analyze(ctx context.Context, symbol, timeframe string) (*backtest.Result, error) {
	klines, err := s.exchange.GetKlines(ctx, symbol, timeframe, s.cfg.BacktestCandles)
	if err != nil {
		return nil, fmt.Errorf("kline fetch failed: %w", err)
	}

	sigCtx, err := s.context.Build(ctx, symbol)
	if err != nil {
		return nil, err
	}

	return s.engine.Run(*sigCtx, timeframe, klines), nil
}

// scorecard converts a backtest result to its persisted decimal-string form.
func scorecard(r *backtest.Result) storage.TimeframeResult {
	return storage.TimeframeResult{
		TotalTrades:    r.TotalTrades,
		WinningTrades:  r.WinningTrades,
		WinRate:        storage.Dec4(r.WinRate),
		TotalPnL:       storage.Dec(r.TotalPnL),
		AvgWin:         storage.Dec(r.AvgWin),
		AvgLoss:        storage.Dec(r.AvgLoss),
		ConfidenceAvg:  storage.Dec4(r.ConfidenceAvg),
		BestStrategy:   r.BestStrategy,
		AnalysisTimeMs: r.AnalysisTime.Milliseconds(),
		Status:         r.Status,
	}
}
