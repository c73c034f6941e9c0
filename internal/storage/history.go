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

const historyTTL = 7 * 24 * time.Hour

// ScanHistory is the bookkeeping row for one scanner cycle.
type ScanHistory struct {
	ScanID            string
	ScanTimestamp     int64
	ScannerID         string
	SelectedCoins     []string
	RemovedCoins      []string
	TotalTasks        int
	MessagesPublished int
	ScanDurationMs    int64
	Status            string
	TTL               int64
}

// HistoryRepo reads and writes scan_history.
type HistoryRepo struct {
	db     *DB
	logger zerolog.Logger
}

func NewHistoryRepo(db *DB, logger zerolog.Logger) *HistoryRepo {
	return &HistoryRepo{db: db, logger: logger}
}

// Save inserts one scan cycle record.
func (r *HistoryRepo) Save(ctx context.Context, h ScanHistory) error {
	selected, err := json.Marshal(h.SelectedCoins)
	if err != nil {
		return fmt.Errorf("failed to encode selected coins: %w", err)
	}
	removed, err := json.Marshal(h.RemovedCoins)
	if err != nil {
		return fmt.Errorf("failed to encode removed coins: %w", err)
	}
	if h.TTL == 0 {
		h.TTL = h.ScanTimestamp + int64(historyTTL.Seconds())
	}

	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO scan_history
		 (scan_id, scan_timestamp, scanner_id, selected_coins, removed_coins,
		  total_tasks, messages_published, scan_duration_ms, status, ttl)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		h.ScanID, h.ScanTimestamp, h.ScannerID, selected, removed,
		h.TotalTasks, h.MessagesPublished, h.ScanDurationMs, h.Status, h.TTL,
	)
	if err != nil {
		return fmt.Errorf("failed to save scan history: %w", err)
	}
	return nil
}

// Latest returns the most recent scan cycle, or nil when none exists yet.
// Used by the scanner to diff the current watchlist against the previous one.
func (r *HistoryRepo) Latest(ctx context.Context) (*ScanHistory, error) {
	now := time.Now().Unix()
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM scan_history WHERE ttl < $1`, now); err != nil {
		r.logger.Warn().Err(err).Msg("scan_history ttl purge failed")
	}

	var h ScanHistory
	var selected, removed []byte
	err := r.db.Pool.QueryRow(ctx,
		`SELECT scan_id, scan_timestamp, COALESCE(scanner_id,''),
		        selected_coins, removed_coins,
		        total_tasks, messages_published, scan_duration_ms, status, ttl
		 FROM scan_history
		 ORDER BY scan_timestamp DESC
		 LIMIT 1`,
	).Scan(&h.ScanID, &h.ScanTimestamp, &h.ScannerID, &selected, &removed,
		&h.TotalTasks, &h.MessagesPublished, &h.ScanDurationMs, &h.Status, &h.TTL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest scan history: %w", err)
	}

	if err := json.Unmarshal(selected, &h.SelectedCoins); err != nil {
		return nil, fmt.Errorf("failed to decode selected coins: %w", err)
	}
	if err := json.Unmarshal(removed, &h.RemovedCoins); err != nil {
		return nil, fmt.Errorf("failed to decode removed coins: %w", err)
	}
	return &h, nil
}
