package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/nsxo/enterprise-telegram-bot/internal/apikey/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() apikeydomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, key *apikeydomain.APIKey) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO api_keys (id, key_id, name, scopes, key_hash, is_active, created_at, updated_at, last_used_at, expires_at, rotated_from_key_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID,
		key.KeyID,
		key.Name,
		key.Scopes,
		key.KeyHash,
		key.IsActive,
		key.CreatedAt,
		key.UpdatedAt,
		key.LastUsedAt,
		key.ExpiresAt,
		key.RotatedFromKeyID,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, key *apikeydomain.APIKey) error {
	return db.WithContext(ctx).Exec(
		`UPDATE api_keys
		 SET name = ?, scopes = ?, key_hash = ?, is_active = ?, updated_at = ?, last_used_at = ?, expires_at = ?, rotated_from_key_id = ?
		 WHERE key_id = ?`,
		key.Name,
		key.Scopes,
		key.KeyHash,
		key.IsActive,
		key.UpdatedAt,
		key.LastUsedAt,
		key.ExpiresAt,
		key.RotatedFromKeyID,
		key.KeyID,
	).Error
}

func (r *repo) FindByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*apikeydomain.APIKey, error) {
	var key apikeydomain.APIKey
	err := db.WithContext(ctx).Raw(
		`SELECT id, key_id, name, scopes, key_hash, is_active, created_at, updated_at, last_used_at, expires_at, rotated_from_key_id
		 FROM api_keys WHERE key_id = ?`,
		keyID,
	).Scan(&key).Error
	if err != nil {
		return nil, err
	}
	if key.ID == 0 {
		return nil, nil
	}
	return &key, nil
}

func (r *repo) FindActiveByHash(ctx context.Context, db *gorm.DB, hash string, now time.Time) (*apikeydomain.APIKey, error) {
	var key apikeydomain.APIKey
	err := db.WithContext(ctx).Raw(
		`SELECT id, key_id, name, scopes, key_hash, is_active, created_at, updated_at, last_used_at, expires_at, rotated_from_key_id
		 FROM api_keys
		 WHERE key_hash = ?
		   AND is_active = true
		   AND (expires_at IS NULL OR expires_at > ?)
		 LIMIT 1`,
		hash,
		now,
	).Scan(&key).Error
	if err != nil {
		return nil, err
	}
	if key.ID == 0 {
		return nil, nil
	}
	return &key, nil
}

func (r *repo) TouchLastUsed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		now,
		id,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]apikeydomain.APIKey, error) {
	var keys []apikeydomain.APIKey
	err := db.WithContext(ctx).Raw(
		`SELECT id, key_id, name, scopes, key_hash, is_active, created_at, updated_at, last_used_at, expires_at, rotated_from_key_id
		 FROM api_keys ORDER BY created_at DESC`,
	).Scan(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}
