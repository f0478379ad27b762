// Package catalog is the boundary to the content catalog collaborator, the
// source of chapter lock state and pricing. The ledger subsystem only reads
// from it.
package catalog

import (
	"context"
	"errors"
)

// ErrChapterNotFound reports an unknown chapter id.
var ErrChapterNotFound = errors.New("chapter not found")

// ChapterPricing is the unlock-relevant view of a chapter.
type ChapterPricing struct {
	ChapterID  string `json:"chapter_id"`
	IsLocked   bool   `json:"is_locked"`
	PriceCoins int64  `json:"price_coins"`
}

// Catalog reads chapter pricing.
type Catalog interface {
	ChapterPricing(ctx context.Context, chapterID string) (ChapterPricing, error)
}

// Static is an in-memory Catalog keyed by chapter id.
type Static map[string]ChapterPricing

func (static Static) ChapterPricing(_ context.Context, chapterID string) (ChapterPricing, error) {
	pricing, ok := static[chapterID]
	if !ok {
		return ChapterPricing{}, ErrChapterNotFound
	}
	return pricing, nil
}
