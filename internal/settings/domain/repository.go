package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, key string) (*Setting, error)
	Upsert(ctx context.Context, db *gorm.DB, setting *Setting) error
	List(ctx context.Context, db *gorm.DB) ([]Setting, error)
}
