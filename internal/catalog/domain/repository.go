package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, product *Product) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Product, error)
	FindBySlug(ctx context.Context, db *gorm.DB, slug string) (*Product, error)
	FindByProviderPriceID(ctx context.Context, db *gorm.DB, providerPriceID string) (*Product, error)
	List(ctx context.Context, db *gorm.DB, activeOnly bool) ([]Product, error)
	DeactivateAbsent(ctx context.Context, db *gorm.DB, keepSlugs []string, now time.Time) (int64, error)
}
