package repository

import (
	"context"

	"github.com/nsxo/enterprise-telegram-bot/internal/settings/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, key string) (*domain.Setting, error) {
	var setting domain.Setting
	err := db.WithContext(ctx).Raw(
		`SELECT key, value, updated_by, updated_at
		 FROM bot_settings WHERE key = ?`,
		key,
	).Scan(&setting).Error
	if err != nil {
		return nil, err
	}
	if setting.Key == "" {
		return nil, nil
	}
	return &setting, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, setting *domain.Setting) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO bot_settings (key, value, updated_by, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		   value = EXCLUDED.value,
		   updated_by = EXCLUDED.updated_by,
		   updated_at = EXCLUDED.updated_at`,
		setting.Key,
		setting.Value,
		setting.UpdatedBy,
		setting.UpdatedAt,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.Setting, error) {
	var settings []domain.Setting
	err := db.WithContext(ctx).Raw(
		`SELECT key, value, updated_by, updated_at
		 FROM bot_settings ORDER BY key`,
	).Scan(&settings).Error
	if err != nil {
		return nil, err
	}
	return settings, nil
}
