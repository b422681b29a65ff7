package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-slot-booking/internal/booking"
)

// AvailabilityCache stores rendered day availability as JSON. Misses and
// Redis failures fall through to the store; a failed write is only logged.
type AvailabilityCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewAvailabilityCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *AvailabilityCache {
	return &AvailabilityCache{client: client, ttl: ttl, logger: logger}
}

func cacheKey(ledgerKey string) string {
	return "availability:" + ledgerKey
}

func (c *AvailabilityCache) Get(ctx context.Context, key string) (*booking.DayAvailability, bool) {
	raw, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("ledger", key).Msg("availability cache read failed")
		}
		return nil, false
	}
	var day booking.DayAvailability
	if err := json.Unmarshal(raw, &day); err != nil {
		c.logger.Warn().Err(err).Str("ledger", key).Msg("availability cache entry corrupt")
		return nil, false
	}
	return &day, true
}

func (c *AvailabilityCache) Set(ctx context.Context, key string, day booking.DayAvailability) {
	raw, err := json.Marshal(day)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(key), raw, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("ledger", key).Msg("availability cache write failed")
	}
}

func (c *AvailabilityCache) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, cacheKey(k))
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		c.logger.Warn().Err(err).Strs("ledgers", keys).Msg("availability cache invalidation failed")
	}
}
