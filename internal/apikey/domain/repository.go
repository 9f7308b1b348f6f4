package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, key *APIKey) error
	Update(ctx context.Context, db *gorm.DB, key *APIKey) error
	FindByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*APIKey, error)
	// FindActiveByHash matches is_active rows whose expiry is absent or in
	// the future. Nil with no error means no such key.
	FindActiveByHash(ctx context.Context, db *gorm.DB, hash string, now time.Time) (*APIKey, error)
	TouchLastUsed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	List(ctx context.Context, db *gorm.DB) ([]APIKey, error)
}
