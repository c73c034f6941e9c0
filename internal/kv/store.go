// Package kv is the Redis key-value layer: the discovery snapshot handoff,
// scanner liveness and the executor leader lock.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bybit-trading-pipeline/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	discoveryLatestKey  = "discovery:latest"
	discoveryVersionKey = "discovery:version"
	discoveryChannel    = "discovery:update"

	scannerSetKey   = "scanner:active"
	heartbeatKeyFmt = "scanner:%s:heartbeat"
	heartbeatTTL    = 60 * time.Second

	executorLockKey = "executor:leader"
)

// Coin is one discovered symbol with the stats the scanner ranks on.
type Coin struct {
	Symbol         string  `json:"symbol"`
	Price          float64 `json:"price"`
	Turnover24h    float64 `json:"turnover_24h"`
	PriceChange24h float64 `json:"price_change_24h"`
	Volatility24h  float64 `json:"volatility_24h"`
	Score          float64 `json:"score"`
}

// DiscoverySnapshot is the versioned watchlist published by discovery.
type DiscoverySnapshot struct {
	Version   int64  `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Coins     []Coin `json:"coins"`
}

// Store wraps the Redis client.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewStore connects to Redis and verifies the connection.
func NewStore(cfg config.RedisConfig, logger zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr()).Msg("connected to redis")
	return &Store{client: client, logger: logger}, nil
}

// Close releases the Redis connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// PublishDiscovery stores the new watchlist under a fresh version and expiry.
// The pub/sub notification is best effort; consumers poll the key anyway.
func (s *Store) PublishDiscovery(ctx context.Context, coins []Coin, ttl time.Duration) (int64, error) {
	version, err := s.client.Incr(ctx, discoveryVersionKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to bump discovery version: %w", err)
	}

	snapshot := DiscoverySnapshot{
		Version:   version,
		Timestamp: time.Now().Unix(),
		Coins:     coins,
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return 0, fmt.Errorf("failed to encode discovery snapshot: %w", err)
	}

	if err := s.client.Set(ctx, discoveryLatestKey, payload, ttl).Err(); err != nil {
		return 0, fmt.Errorf("failed to store discovery snapshot: %w", err)
	}

	if err := s.client.Publish(ctx, discoveryChannel, version).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("discovery update notification failed")
	}
	return version, nil
}

// LatestDiscovery fetches the current watchlist, or nil when none is live.
func (s *Store) LatestDiscovery(ctx context.Context) (*DiscoverySnapshot, error) {
	payload, err := s.client.Get(ctx, discoveryLatestKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read discovery snapshot: %w", err)
	}

	var snapshot DiscoverySnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode discovery snapshot: %w", err)
	}
	return &snapshot, nil
}

// Heartbeat registers a scanner instance and refreshes its liveness key.
func (s *Store) Heartbeat(ctx context.Context, scannerID string) error {
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, scannerSetKey, scannerID)
	pipe.Set(ctx, fmt.Sprintf(heartbeatKeyFmt, scannerID), time.Now().Unix(), heartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record heartbeat for %s: %w", scannerID, err)
	}
	return nil
}

// SweepStaleScanners drops registered scanners whose heartbeat key expired.
func (s *Store) SweepStaleScanners(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, scannerSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list scanners: %w", err)
	}

	var removed []string
	for _, id := range members {
		exists, err := s.client.Exists(ctx, fmt.Sprintf(heartbeatKeyFmt, id)).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to check heartbeat for %s: %w", id, err)
		}
		if exists == 0 {
			if err := s.client.SRem(ctx, scannerSetKey, id).Err(); err != nil {
				return removed, fmt.Errorf("failed to deregister %s: %w", id, err)
			}
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// AcquireLeaderLock takes the executor singleton lock. Only one executor
// instance holds it at a time; the others idle and retry.
func (s *Store) AcquireLeaderLock(ctx context.Context, instanceID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, executorLockKey, instanceID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	return ok, nil
}

// RenewLeaderLock extends the lock only while this instance still owns it.
func (s *Store) RenewLeaderLock(ctx context.Context, instanceID string, ttl time.Duration) (bool, error) {
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0`
	res, err := s.client.Eval(ctx, script, []string{executorLockKey}, instanceID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to renew leader lock: %w", err)
	}
	return res == 1, nil
}

// ReleaseLeaderLock drops the lock if this instance owns it.
func (s *Store) ReleaseLeaderLock(ctx context.Context, instanceID string) error {
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0`
	if err := s.client.Eval(ctx, script, []string{executorLockKey}, instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	return nil
}
