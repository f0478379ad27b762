package cachenotify

import (
	"context"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisNotifier deletes stale cache keys from Redis. Failures are logged and
// dropped; the ledger transaction that triggered the notification has
// already committed and must not be affected.
type RedisNotifier struct {
	client redis.Cmdable
	logger *zap.Logger
}

// NewRedisNotifier wires a RedisNotifier.
func NewRedisNotifier(client redis.Cmdable, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{client: client, logger: logger}
}

func (notifier *RedisNotifier) BalanceChanged(ctx context.Context, userID string) {
	notifier.invalidate(ctx, BalanceKey(userID))
}

func (notifier *RedisNotifier) ChapterUnlocked(ctx context.Context, userID string, chapterID string) {
	notifier.invalidate(ctx, ChapterLockKey(chapterID), EntitlementsKey(userID), BalanceKey(userID))
}

func (notifier *RedisNotifier) invalidate(ctx context.Context, keys ...string) {
	if err := notifier.client.Del(ctx, keys...).Err(); err != nil {
		notifier.logger.Warn("cache invalidation failed",
			zap.Strings("keys", keys),
			zap.Error(err),
		)
	}
}
