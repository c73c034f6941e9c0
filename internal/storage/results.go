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

// mergeWindow groups analyzer writes for one symbol into a single row.
// Tasks from one scan cycle land well inside an hour of each other.
const mergeWindow = time.Hour

// resultTTL expires scorecards a day after their scan.
const resultTTL = 24 * time.Hour

// TimeframeResult is the persisted scorecard for one timeframe of a symbol.
// Monetary fields are decimal strings.
type TimeframeResult struct {
	TotalTrades    int    `json:"total_trades"`
	WinningTrades  int    `json:"winning_trades"`
	WinRate        string `json:"win_rate"`
	TotalPnL       string `json:"total_pnl"`
	AvgWin         string `json:"avg_win"`
	AvgLoss        string `json:"avg_loss"`
	ConfidenceAvg  string `json:"confidence_avg"`
	BestStrategy   string `json:"best_strategy"`
	AnalysisTimeMs int64  `json:"analysis_time_ms"`
	Status         string `json:"status"`
}

// ScanRecord is one symbol's row in scan_results.
type ScanRecord struct {
	Symbol           string
	ScanTimestamp    int64
	ScanID           string
	AnalyzerID       string
	Volatility24h    string
	Turnover         string
	Price            string
	PriceChange24h   string
	Timeframes       map[string]TimeframeResult
	OptimalTimeframe string
	OptimalPnL       string
	OptimalWinRate   string
	Status           string
	TTL              int64
	Version          int
}

// TickerSnapshot carries the market stats stamped onto a record at write time.
type TickerSnapshot struct {
	Volatility24h  string
	Turnover       string
	Price          string
	PriceChange24h string
}

// ResultsRepo reads and writes scan_results.
type ResultsRepo struct {
	db     *DB
	logger zerolog.Logger
}

func NewResultsRepo(db *DB, logger zerolog.Logger) *ResultsRepo {
	return &ResultsRepo{db: db, logger: logger}
}

// UpsertTimeframe merges one timeframe scorecard into the symbol's current
// row. Writes within mergeWindow of the latest row for the symbol land in
// that row; otherwise a new row is created. The optimal_* fields are
// recomputed from the merged timeframe map on every write.
func (r *ResultsRepo) UpsertTimeframe(ctx context.Context, symbol, scanID, analyzerID, timeframe string, tr TimeframeResult, snap TickerSnapshot) error {
	now := time.Now().Unix()
	cutoff := now - int64(mergeWindow.Seconds())

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin results upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	var scanTimestamp int64
	var timeframesJSON []byte
	var version int
	err = tx.QueryRow(ctx,
		`SELECT scan_timestamp, timeframes, version
		 FROM scan_results
		 WHERE symbol = $1 AND scan_timestamp >= $2
		 ORDER BY scan_timestamp DESC
		 LIMIT 1
		 FOR UPDATE`,
		symbol, cutoff,
	).Scan(&scanTimestamp, &timeframesJSON, &version)

	timeframes := make(map[string]TimeframeResult)
	fresh := false
	switch {
	case err == nil:
		if err := json.Unmarshal(timeframesJSON, &timeframes); err != nil {
			return fmt.Errorf("failed to decode timeframes for %s: %w", symbol, err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		fresh = true
		scanTimestamp = now
	default:
		return fmt.Errorf("failed to load scan record for %s: %w", symbol, err)
	}

	timeframes[timeframe] = tr
	optimalTF, optimalPnL, optimalWinRate := optimalOf(timeframes)

	mergedJSON, err := json.Marshal(timeframes)
	if err != nil {
		return fmt.Errorf("failed to encode timeframes for %s: %w", symbol, err)
	}

	if fresh {
		_, err = tx.Exec(ctx,
			`INSERT INTO scan_results
			 (symbol, scan_timestamp, scan_id, analyzer_id,
			  volatility_24h, turnover, price, price_change_24h,
			  timeframes, optimal_timeframe, optimal_pnl, optimal_win_rate,
			  status, ttl, version)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'active',$13,1)`,
			symbol, scanTimestamp, scanID, analyzerID,
			snap.Volatility24h, snap.Turnover, snap.Price, snap.PriceChange24h,
			mergedJSON, optimalTF, optimalPnL, optimalWinRate,
			scanTimestamp+int64(resultTTL.Seconds()),
		)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE scan_results
			 SET timeframes = $3, optimal_timeframe = $4, optimal_pnl = $5,
			     optimal_win_rate = $6, scan_id = $7, analyzer_id = $8,
			     version = version + 1, updated_at = CURRENT_TIMESTAMP
			 WHERE symbol = $1 AND scan_timestamp = $2`,
			symbol, scanTimestamp,
			mergedJSON, optimalTF, optimalPnL, optimalWinRate,
			scanID, analyzerID,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to write scan record for %s: %w", symbol, err)
	}

	return tx.Commit(ctx)
}

// optimalOf picks the timeframe with the highest completed total_pnl.
// Symbols with no completed timeframe keep empty optimal fields.
func optimalOf(timeframes map[string]TimeframeResult) (string, string, string) {
	var bestTF, bestPnL, bestWinRate string
	for tf, tr := range timeframes {
		if tr.Status != "completed" {
			continue
		}
		if bestTF == "" || CmpDec(tr.TotalPnL, bestPnL) > 0 {
			bestTF, bestPnL, bestWinRate = tf, tr.TotalPnL, tr.WinRate
		}
	}
	if bestTF == "" {
		return "", "0", "0"
	}
	return bestTF, bestPnL, bestWinRate
}

// ActiveRecords returns the live scan records, newest first, skipping
// expired rows. Expired rows are purged opportunistically.
func (r *ResultsRepo) ActiveRecords(ctx context.Context) ([]ScanRecord, error) {
	now := time.Now().Unix()
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM scan_results WHERE ttl < $1`, now); err != nil {
		r.logger.Warn().Err(err).Msg("scan_results ttl purge failed")
	}

	rows, err := r.db.Pool.Query(ctx,
		`SELECT symbol, scan_timestamp, COALESCE(scan_id,''), COALESCE(analyzer_id,''),
		        COALESCE(volatility_24h::text,'0'), COALESCE(turnover::text,'0'),
		        COALESCE(price::text,'0'), COALESCE(price_change_24h::text,'0'),
		        timeframes, COALESCE(optimal_timeframe,''),
		        COALESCE(optimal_pnl::text,'0'), COALESCE(optimal_win_rate::text,'0'),
		        status, ttl, version
		 FROM scan_results
		 WHERE status = 'active' AND ttl >= $1
		 ORDER BY scan_timestamp DESC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan records: %w", err)
	}
	defer rows.Close()

	var records []ScanRecord
	for rows.Next() {
		var rec ScanRecord
		var timeframesJSON []byte
		if err := rows.Scan(
			&rec.Symbol, &rec.ScanTimestamp, &rec.ScanID, &rec.AnalyzerID,
			&rec.Volatility24h, &rec.Turnover, &rec.Price, &rec.PriceChange24h,
			&timeframesJSON, &rec.OptimalTimeframe,
			&rec.OptimalPnL, &rec.OptimalWinRate,
			&rec.Status, &rec.TTL, &rec.Version,
		); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		rec.Timeframes = make(map[string]TimeframeResult)
		if err := json.Unmarshal(timeframesJSON, &rec.Timeframes); err != nil {
			return nil, fmt.Errorf("failed to decode timeframes for %s: %w", rec.Symbol, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteSymbols removes the scan records of coins dropped from the watchlist.
func (r *ResultsRepo) DeleteSymbols(ctx context.Context, symbols []string) (int64, error) {
	if len(symbols) == 0 {
		return 0, nil
	}
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM scan_results WHERE symbol = ANY($1)`, symbols)
	if err != nil {
		return 0, fmt.Errorf("failed to delete scan records: %w", err)
	}
	return tag.RowsAffected(), nil
}
