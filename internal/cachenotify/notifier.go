// Package cachenotify emits invalidation signals for externally cached
// projections after a ledger mutation commits. Caching is a performance
// optimization, not a correctness boundary: every method is fire-and-forget
// and never surfaces an error to the caller.
package cachenotify

import "context"

// Notifier invalidates cached projections by entity key.
type Notifier interface {
	BalanceChanged(ctx context.Context, userID string)
	ChapterUnlocked(ctx context.Context, userID string, chapterID string)
}

// BalanceKey names the cached balance projection for a user.
func BalanceKey(userID string) string {
	return "user:" + userID + ":balance"
}

// ChapterLockKey names the cached lock state for a chapter.
func ChapterLockKey(chapterID string) string {
	return "chapter:" + chapterID + ":lock"
}

// EntitlementsKey names the cached unlocked-chapters view for a user.
func EntitlementsKey(userID string) string {
	return "user:" + userID + ":entitlements"
}

// Nop discards every notification.
type Nop struct{}

func (Nop) BalanceChanged(context.Context, string) {}

func (Nop) ChapterUnlocked(context.Context, string, string) {}
