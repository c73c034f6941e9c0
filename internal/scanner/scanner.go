// Package scanner turns the discovery watchlist into backtest work: each
// cycle it picks the most volatile coins, garbage-collects results for
// dropped coins and fans one task per (coin, timeframe) out to the analyzers.
package scanner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/broker"
	"bybit-trading-pipeline/internal/kv"
	"bybit-trading-pipeline/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service runs the periodic scan cycle.
type Service struct {
	scannerID string
	store     *kv.Store
	broker    *broker.Broker
	results   *storage.ResultsRepo
	history   *storage.HistoryRepo
	cfg       config.ScannerConfig
	queue     string
	logger    zerolog.Logger
}

func NewService(store *kv.Store, b *broker.Broker, results *storage.ResultsRepo, history *storage.HistoryRepo, cfg config.ScannerConfig, queue string, logger zerolog.Logger) *Service {
	return &Service{
		scannerID: fmt.Sprintf("scanner-%s", uuid.NewString()[:8]),
		store:     store,
		broker:    b,
		results:   results,
		history:   history,
		cfg:       cfg,
		queue:     queue,
		logger:    logger,
	}
}

// Run executes one cycle immediately, then on every tick. Heartbeats refresh
// more often than cycles so liveness survives a long scan interval.
func (s *Service) Run(ctx context.Context) error {
	if err := s.broker.DeclareQueue(s.queue); err != nil {
		return err
	}

	s.heartbeat(ctx)
	s.cycle(ctx)

	cycleTicker := time.NewTicker(s.cfg.Interval)
	defer cycleTicker.Stop()
	beatTicker := time.NewTicker(30 * time.Second)
	defer beatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-beatTicker.C:
			s.heartbeat(ctx)
		case <-cycleTicker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Service) heartbeat(ctx context.Context) {
	if err := s.store.Heartbeat(ctx, s.scannerID); err != nil {
		s.logger.Warn().Err(err).Msg("heartbeat failed")
	}
	if removed, err := s.store.SweepStaleScanners(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("stale scanner sweep failed")
	} else if len(removed) > 0 {
		s.logger.Info().Strs("scanners", removed).Msg("deregistered stale scanners")
	}
}

func (s *Service) cycle(ctx context.Context) {
	started := time.Now()
	scanID := fmt.Sprintf("scan-%s-%s", started.UTC().Format("20060102-150405"), uuid.NewString()[:8])
	log := s.logger.With().Str("scan_id", scanID).Logger()

	snapshot, err := s.store.LatestDiscovery(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read discovery snapshot")
		return
	}
	if snapshot == nil || len(snapshot.Coins) == 0 {
		log.Warn().Msg("no discovery snapshot available, skipping scan cycle")
		return
	}

	selected := s.SelectCoins(snapshot.Coins)
	symbols := make([]string, len(selected))
	for i, c := range selected {
		symbols[i] = c.Symbol
	}

	removed := s.removedSince(ctx, symbols)
	if len(removed) > 0 {
		if n, err := s.results.DeleteSymbols(ctx, removed); err != nil {
			log.Error().Err(err).Msg("failed to delete results for dropped coins")
		} else {
			log.Info().Strs("coins", removed).Int64("rows", n).Msg("dropped coins cleaned up")
		}
	}

	published := 0
	totalTasks := len(selected) * len(s.cfg.Timeframes)
	now := time.Now().Unix()
	for _, coin := range selected {
		for _, tf := range s.cfg.Timeframes {
			task := broker.BacktestTask{
				Version:        broker.MessageVersion,
				ScanID:         scanID,
				Symbol:         coin.Symbol,
				Timeframe:      tf,
				Volatility24h:  coin.Volatility24h,
				Turnover:       coin.Turnover24h,
				Price:          coin.Price,
				PriceChange24h: coin.PriceChange24h,
				Timestamp:      now,
			}
			if err := s.broker.Publish(ctx, s.queue, &task); err != nil {
				log.Error().Err(err).Str("symbol", coin.Symbol).Str("timeframe", tf).Msg("task publish failed")
				continue
			}
			published++
		}
	}

	status := "completed"
	if published < totalTasks {
		status = "partial"
	}
	h := storage.ScanHistory{
		ScanID:            scanID,
		ScanTimestamp:     started.Unix(),
		ScannerID:         s.scannerID,
		SelectedCoins:     symbols,
		RemovedCoins:      removed,
		TotalTasks:        totalTasks,
		MessagesPublished: published,
		ScanDurationMs:    time.Since(started).Milliseconds(),
		Status:            status,
	}
	if err := s.history.Save(ctx, h); err != nil {
		log.Error().Err(err).Msg("failed to save scan history")
	}

	log.Info().
		Int("selected", len(selected)).
		Int("published", published).
		Int("total_tasks", totalTasks).
		Dur("elapsed", time.Since(started)).
		Msg("scan cycle complete")
}

// SelectCoins keeps coins inside the tradeable volatility band and returns
// the most volatile ones first, capped at the configured count.
func (s *Service) SelectCoins(coins []kv.Coin) []kv.Coin {
	eligible := make([]kv.Coin, 0, len(coins))
	for _, c := range coins {
		if c.Volatility24h < s.cfg.MinVolatility || c.Volatility24h > s.cfg.MaxVolatility {
			continue
		}
		eligible = append(eligible, c)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Volatility24h > eligible[j].Volatility24h
	})
	if len(eligible) > s.cfg.TopCoins {
		eligible = eligible[:s.cfg.TopCoins]
	}
	return eligible
}

// removedSince diffs the current selection against the previous cycle.
func (s *Service) removedSince(ctx context.Context, current []string) []string {
	previous, err := s.history.Latest(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load previous scan history")
		return nil
	}
	if previous == nil {
		return nil
	}

	keep := make(map[string]bool, len(current))
	for _, sym := range current {
		keep[sym] = true
	}
	var removed []string
	for _, sym := range previous.SelectedCoins {
		if !keep[sym] {
			removed = append(removed, sym)
		}
	}
	return removed
}
