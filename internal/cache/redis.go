package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"crypto-price-alerts/internal/asset"
	"crypto-price-alerts/internal/config"
	"crypto-price-alerts/internal/storage"
)

// LatestCache keeps the most recent observed price per symbol in Redis.
type LatestCache struct {
	client *redis.Client
	ttl    time.Duration
}

type latestEntry struct {
	Symbol          string    `json:"symbol"`
	USDPrice        string    `json:"usd_price"`
	SourceTimestamp time.Time `json:"source_ts"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// NewLatestCache connects to Redis and verifies the connection.
func NewLatestCache(ctx context.Context, cfg config.RedisConfig) (*LatestCache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &LatestCache{client: client, ttl: cfg.TTL}, nil
}

// Close releases the Redis connection pool.
func (c *LatestCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// maxSetAttempts bounds optimistic retries when concurrent writers race on a key.
const maxSetAttempts = 10

// SetLatest records point as the latest price of its symbol unless the cached
// entry is newer. The compare and the write run in one WATCH/MULTI
// transaction, so writers in other processes cannot interleave.
func (c *LatestCache) SetLatest(ctx context.Context, point storage.PricePoint) error {
	data, err := encodeEntry(point)
	if err != nil {
		return err
	}
	key := latestKey(point.Symbol)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			// an undecodable entry is overwritten
			if current, decodeErr := decodeEntry(raw); decodeErr == nil && current.SourceTimestamp.After(point.SourceTimestamp) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxSetAttempts; attempt++ {
		err := c.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("failed to set latest price in redis: %w", err)
		}
	}
	return fmt.Errorf("failed to set latest price in redis after %d attempts: %w", maxSetAttempts, redis.TxFailedErr)
}

// GetLatest returns the cached latest price for symbol. ok is false on a miss.
func (c *LatestCache) GetLatest(ctx context.Context, symbol asset.Symbol) (storage.PricePoint, bool, error) {
	data, err := c.client.Get(ctx, latestKey(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return storage.PricePoint{}, false, nil
		}
		return storage.PricePoint{}, false, fmt.Errorf("failed to get latest price from redis: %w", err)
	}
	point, err := decodeEntry(data)
	if err != nil {
		return storage.PricePoint{}, false, err
	}
	return point, true, nil
}

func latestKey(symbol asset.Symbol) string {
	return fmt.Sprintf("latest:%s", symbol)
}

func encodeEntry(point storage.PricePoint) ([]byte, error) {
	data, err := json.Marshal(latestEntry{
		Symbol:          string(point.Symbol),
		USDPrice:        point.USDPrice.String(),
		SourceTimestamp: point.SourceTimestamp.UTC(),
		RecordedAt:      point.RecordedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal price: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (storage.PricePoint, error) {
	var entry latestEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return storage.PricePoint{}, fmt.Errorf("failed to unmarshal price: %w", err)
	}
	symbol, err := asset.Parse(entry.Symbol)
	if err != nil {
		return storage.PricePoint{}, err
	}
	price, err := decimal.NewFromString(entry.USDPrice)
	if err != nil {
		return storage.PricePoint{}, fmt.Errorf("parse cached price %q: %w", entry.USDPrice, err)
	}
	return storage.PricePoint{
		Symbol:          symbol,
		USDPrice:        price,
		SourceTimestamp: entry.SourceTimestamp,
		RecordedAt:      entry.RecordedAt,
	}, nil
}
