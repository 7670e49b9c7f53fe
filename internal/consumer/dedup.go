package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "msgcenter:dedup:"

// RedisDeduper tracks envelope IDs whose delivery attempt has completed,
// with a TTL'd key per envelope. The check is read-only; an envelope is
// marked only after the attempt finishes, so a crash mid-delivery leaves
// the key unset and the reaper's redelivery goes through.
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDeduper(rdb *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, envelopeID int64) (bool, error) {
	n, err := d.rdb.Exists(ctx, dedupKey(envelopeID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, envelopeID int64) error {
	if err := d.rdb.Set(ctx, dedupKey(envelopeID), "1", d.ttl).Err(); err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}
	return nil
}

func dedupKey(envelopeID int64) string {
	return fmt.Sprintf("%s%d", dedupKeyPrefix, envelopeID)
}
