package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const defaultPricingTTL = 5 * time.Minute

// PricingKey names the cached pricing projection for a chapter.
func PricingKey(chapterID string) string {
	return "chapter:" + chapterID + ":pricing"
}

// Cached is a read-through Redis cache in front of another Catalog. Redis
// failures degrade to the inner catalog instead of failing the read.
type Cached struct {
	inner  Catalog
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewCached wires a Cached catalog. A zero ttl falls back to the default.
func NewCached(inner Catalog, client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *Cached {
	if ttl <= 0 {
		ttl = defaultPricingTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{inner: inner, client: client, ttl: ttl, logger: logger}
}

func (cached *Cached) ChapterPricing(ctx context.Context, chapterID string) (ChapterPricing, error) {
	key := PricingKey(chapterID)
	raw, err := cached.client.Get(ctx, key).Result()
	if err == nil {
		var pricing ChapterPricing
		if unmarshalErr := json.Unmarshal([]byte(raw), &pricing); unmarshalErr == nil {
			return pricing, nil
		}
		cached.logger.Warn("cached pricing unreadable", zap.String("key", key))
	} else if !errors.Is(err, redis.Nil) {
		cached.logger.Warn("pricing cache read failed", zap.String("key", key), zap.Error(err))
	}

	pricing, err := cached.inner.ChapterPricing(ctx, chapterID)
	if err != nil {
		return ChapterPricing{}, err
	}
	encoded, err := json.Marshal(pricing)
	if err == nil {
		if setErr := cached.client.Set(ctx, key, encoded, cached.ttl).Err(); setErr != nil {
			cached.logger.Warn("pricing cache write failed", zap.String("key", key), zap.Error(setErr))
		}
	}
	return pricing, nil
}
