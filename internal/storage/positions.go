package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Position proposal statuses.
const (
	PositionActive    = "active"
	PositionExecuting = "executing"
	PositionExpired   = "expired"
)

// Proposal is one actionable position row written by the finder. Price and
// money fields are decimal strings; trend and funding context rides along as
// JSON for the operator surfaces.
type Proposal struct {
	Symbol          string
	SignalTimestamp int64
	SignalID        string
	ScanID          string
	Strategy        string
	Timeframe       string
	PositionType    string // LONG or SHORT
	Confidence      string
	EntryPrice      string
	StopLoss        string
	TakeProfit      string
	PositionSize    string
	Leverage        int
	RSI             string
	BBPosition      string
	BBWidth         string
	BTCTrend        json.RawMessage
	CoinTrend       json.RawMessage
	FundingInfo     json.RawMessage
	FibSupport      string
	FibResistance   string
	FibDistancePct  string
	ExpectedProfit  string
	ExpectedLoss    string
	TotalFee        string
	NetProfit       string
	RiskReward      string
	Status          string
	TTL             int64
	Version         int
	OrderID         string
	ExecutedPrice   string
	ExecutedAt      *time.Time
}

// PositionsRepo reads and writes position proposals.
type PositionsRepo struct {
	db     *DB
	logger zerolog.Logger
}

func NewPositionsRepo(db *DB, logger zerolog.Logger) *PositionsRepo {
	return &PositionsRepo{db: db, logger: logger}
}

// Save replaces any still-active proposal for the symbol with the new one,
// keeping at most one open proposal per symbol. Executing rows are never
// touched; the finder checks for them before calling Save.
func (r *PositionsRepo) Save(ctx context.Context, p Proposal) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin proposal save: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM positions WHERE symbol = $1 AND status = $2`,
		p.Symbol, PositionActive,
	); err != nil {
		return fmt.Errorf("failed to clear stale proposals for %s: %w", p.Symbol, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO positions
		 (symbol, signal_timestamp, signal_id, scan_id, strategy, timeframe,
		  position_type, confidence, entry_price, stop_loss, take_profit,
		  position_size, leverage, rsi, bb_position, bb_width,
		  btc_trend, coin_trend, funding_info,
		  fib_support, fib_resistance, fib_distance_pct,
		  expected_profit, expected_loss, total_fee, net_profit, risk_reward,
		  status, ttl, version)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,
		         $17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,1)`,
		p.Symbol, p.SignalTimestamp, p.SignalID, p.ScanID, p.Strategy, p.Timeframe,
		p.PositionType, p.Confidence, p.EntryPrice, p.StopLoss, p.TakeProfit,
		p.PositionSize, p.Leverage, nullable(p.RSI), nullable(p.BBPosition), nullable(p.BBWidth),
		rawOrNull(p.BTCTrend), rawOrNull(p.CoinTrend), rawOrNull(p.FundingInfo),
		nullable(p.FibSupport), nullable(p.FibResistance), nullable(p.FibDistancePct),
		nullable(p.ExpectedProfit), nullable(p.ExpectedLoss), nullable(p.TotalFee),
		nullable(p.NetProfit), nullable(p.RiskReward),
		PositionActive, p.TTL,
	)
	if err != nil {
		return fmt.Errorf("failed to insert proposal for %s: %w", p.Symbol, err)
	}

	return tx.Commit(ctx)
}

// Recent returns the newest open proposal for the symbol at or after the
// given timestamp, or nil when there is none.
func (r *PositionsRepo) Recent(ctx context.Context, symbol string, since int64) (*Proposal, error) {
	row := r.db.Pool.QueryRow(ctx,
		selectProposal+`
		 WHERE symbol = $1 AND signal_timestamp >= $2
		   AND status IN ($3, $4)
		 ORDER BY signal_timestamp DESC
		 LIMIT 1`,
		symbol, since, PositionActive, PositionExecuting,
	)
	p, err := scanProposal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recent proposal for %s: %w", symbol, err)
	}
	return p, nil
}

// Active returns the open proposals, newest first. Stale rows transition to
// expired on the way.
func (r *PositionsRepo) Active(ctx context.Context) ([]Proposal, error) {
	now := time.Now().Unix()
	if _, err := r.db.Pool.Exec(ctx,
		`UPDATE positions SET status = $1, updated_at = CURRENT_TIMESTAMP
		 WHERE status = $2 AND ttl < $3`,
		PositionExpired, PositionActive, now,
	); err != nil {
		r.logger.Warn().Err(err).Msg("proposal expiry sweep failed")
	}

	rows, err := r.db.Pool.Query(ctx,
		selectProposal+`
		 WHERE status = $1
		 ORDER BY signal_timestamp DESC`,
		PositionActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active proposals: %w", err)
	}
	defer rows.Close()

	var proposals []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal row: %w", err)
		}
		proposals = append(proposals, *p)
	}
	return proposals, rows.Err()
}

// MarkExecuting transitions one proposal from active to executing, stamping
// the exchange order. The WHERE clause makes the transition conditional: a
// second executor loses the race and gets false back.
func (r *PositionsRepo) MarkExecuting(ctx context.Context, symbol string, signalTimestamp int64, orderID, executedPrice string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE positions
		 SET status = $1, order_id = $2, executed_price = $3,
		     executed_at = CURRENT_TIMESTAMP, version = version + 1,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE symbol = $4 AND signal_timestamp = $5 AND status = $6`,
		PositionExecuting, orderID, executedPrice,
		symbol, signalTimestamp, PositionActive,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark proposal executing for %s: %w", symbol, err)
	}
	return tag.RowsAffected() == 1, nil
}

const selectProposal = `
		SELECT symbol, signal_timestamp, COALESCE(signal_id,''), COALESCE(scan_id,''),
		       strategy, timeframe, position_type,
		       confidence::text, entry_price::text, stop_loss::text, take_profit::text,
		       position_size::text, leverage,
		       COALESCE(rsi::text,''), COALESCE(bb_position::text,''), COALESCE(bb_width::text,''),
		       COALESCE(btc_trend,'null'), COALESCE(coin_trend,'null'), COALESCE(funding_info,'null'),
		       COALESCE(fib_support::text,''), COALESCE(fib_resistance::text,''),
		       COALESCE(fib_distance_pct::text,''),
		       COALESCE(expected_profit::text,''), COALESCE(expected_loss::text,''),
		       COALESCE(total_fee::text,''), COALESCE(net_profit::text,''),
		       COALESCE(risk_reward::text,''),
		       status, ttl, version, COALESCE(order_id,''), COALESCE(executed_price::text,''),
		       executed_at
		FROM positions`

func scanProposal(row pgx.Row) (*Proposal, error) {
	var p Proposal
	err := row.Scan(
		&p.Symbol, &p.SignalTimestamp, &p.SignalID, &p.ScanID,
		&p.Strategy, &p.Timeframe, &p.PositionType,
		&p.Confidence, &p.EntryPrice, &p.StopLoss, &p.TakeProfit,
		&p.PositionSize, &p.Leverage,
		&p.RSI, &p.BBPosition, &p.BBWidth,
		&p.BTCTrend, &p.CoinTrend, &p.FundingInfo,
		&p.FibSupport, &p.FibResistance, &p.FibDistancePct,
		&p.ExpectedProfit, &p.ExpectedLoss, &p.TotalFee, &p.NetProfit,
		&p.RiskReward,
		&p.Status, &p.TTL, &p.Version, &p.OrderID, &p.ExecutedPrice,
		&p.ExecutedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNull(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
