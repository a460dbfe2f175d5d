package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/wallet_ledger/internal/ledger"
)

const (
	keyPrefix       = "idempotency:v1:"
	defaultTTL      = 24 * time.Hour
	defaultDeadline = 2 * time.Second
)

type storedRecord struct {
	Fingerprint string          `json:"fingerprint"`
	Response    json.RawMessage `json:"response"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RedisCache keeps copies of idempotency records in Redis so that replays
// do not hit Postgres. Entries expire after ttl; the durable table does not.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache constructs a replay cache on top of client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns the cached record for key, if any.
func (c *RedisCache) Get(ctx context.Context, key string) (ledger.IdempotencyRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDeadline)
	defer cancel()

	raw, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ledger.IdempotencyRecord{}, false, nil
		}
		return ledger.IdempotencyRecord{}, false, fmt.Errorf("get %s: %w", key, err)
	}

	var stored storedRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return ledger.IdempotencyRecord{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return ledger.IdempotencyRecord{
		Key:         key,
		Fingerprint: stored.Fingerprint,
		Response:    stored.Response,
		CreatedAt:   stored.CreatedAt,
	}, true, nil
}

// Put stores record until the cache TTL elapses.
func (c *RedisCache) Put(ctx context.Context, record ledger.IdempotencyRecord) error {
	payload, err := json.Marshal(storedRecord{
		Fingerprint: record.Fingerprint,
		Response:    record.Response,
		CreatedAt:   record.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", record.Key, err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultDeadline)
	defer cancel()

	if err := c.client.Set(ctx, keyPrefix+record.Key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", record.Key, err)
	}
	return nil
}
