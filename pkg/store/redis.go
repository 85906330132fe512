package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pagecached/pagecached/pkg/logging"
)

// redisKeyPrefix namespaces tier keys so Purge never touches foreign
// data on a shared Redis.
const redisKeyPrefix = "pagecache:"

// RedisTier is a shared accelerated tier on Redis, for deployments where
// several processes serve the same page store and invalidation must be
// visible to all of them.
type RedisTier struct {
	redis      *redis.Client
	defaultTTL time.Duration
	logger     zerolog.Logger
}

// NewRedisTier creates a Redis tier. Entries without an explicit ttl
// expire after defaultTTL.
func NewRedisTier(client *redis.Client, defaultTTL time.Duration) *RedisTier {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &RedisTier{
		redis:      client,
		defaultTTL: defaultTTL,
		logger:     logging.NewLogger("redis-tier"),
	}
}

func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := t.redis.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			t.logger.Warn().Err(err).Str("key", key).Msg("Redis tier read failed")
		}
		return nil, false
	}
	return data, true
}

func (t *RedisTier) Put(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	if err := t.redis.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("Redis tier write failed")
	}
}

func (t *RedisTier) Delete(ctx context.Context, key string) {
	if err := t.redis.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("Redis tier delete failed")
	}
}

// Purge removes every tier key via prefix scan.
func (t *RedisTier) Purge(ctx context.Context) {
	iter := t.redis.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := t.redis.Del(ctx, iter.Val()).Err(); err != nil {
			t.logger.Warn().Err(err).Str("key", iter.Val()).Msg("Redis tier purge delete failed")
			return
		}
	}
	if err := iter.Err(); err != nil {
		t.logger.Warn().Err(err).Msg("Redis tier purge scan failed")
	}
}
