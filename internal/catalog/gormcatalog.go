package catalog

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Chapter mirrors the chapters table owned by the content management side.
type Chapter struct {
	ChapterID  string    `gorm:"primaryKey"`
	NovelID    string    `gorm:"not null;index"`
	Title      string    `gorm:"not null"`
	IsLocked   bool      `gorm:"not null;default:false"`
	PriceCoins int64     `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (Chapter) TableName() string { return "chapters" }

// GormCatalog reads chapter pricing from the shared relational database.
type GormCatalog struct {
	db *gorm.DB
}

// NewGormCatalog wires a GormCatalog.
func NewGormCatalog(db *gorm.DB) *GormCatalog {
	return &GormCatalog{db: db}
}

func (catalog *GormCatalog) ChapterPricing(ctx context.Context, chapterID string) (ChapterPricing, error) {
	var chapter Chapter
	err := catalog.db.WithContext(ctx).
		Select("chapter_id", "is_locked", "price_coins").
		Where("chapter_id = ?", chapterID).
		Take(&chapter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ChapterPricing{}, ErrChapterNotFound
		}
		return ChapterPricing{}, err
	}
	return ChapterPricing{
		ChapterID:  chapter.ChapterID,
		IsLocked:   chapter.IsLocked,
		PriceCoins: chapter.PriceCoins,
	}, nil
}

// Migrate creates or updates the chapters table. Intended for local and test
// environments; production schemas are owned by the content management side.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Chapter{})
}
