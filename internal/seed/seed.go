package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/nsxo/enterprise-telegram-bot/internal/apikey/domain"
	settingsdomain "github.com/nsxo/enterprise-telegram-bot/internal/settings/domain"
	"gorm.io/gorm"
)

const bootstrapKeyName = "bootstrap"

// EnsureDefaultSettings inserts the well-known operator settings with their
// defaults. Existing rows are left alone so operator edits survive restarts.
func EnsureDefaultSettings(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	defaults := []settingsdomain.Setting{
		{Key: settingsdomain.KeyWelcomeMessage, Value: "Welcome! Send a message and our team will get back to you here."},
		{Key: settingsdomain.KeyMessageAckEnabled, Value: "true"},
		{Key: settingsdomain.KeyMessageAckText, Value: "Got it! We'll reply as soon as we can."},
		{Key: settingsdomain.KeyAutoCloseDays, Value: "0"},
	}

	ctx := context.Background()
	for _, s := range defaults {
		err := db.WithContext(ctx).
			Exec(`
				INSERT INTO bot_settings (key, value, updated_by, updated_at)
				VALUES (?, ?, 0, ?)
				ON CONFLICT (key) DO NOTHING
			`,
				s.Key,
				s.Value,
				time.Now().UTC(),
			).Error

		if err != nil {
			return err
		}
	}

	return nil
}

// EnsureBootstrapAPIKey seeds an admin:write API key from the configured
// plaintext so a fresh deployment can reach the admin API before any key
// exists. Only the sha256 hash is stored; the plaintext never reaches the
// database or the logs. Re-running with the same value is a no-op, and a
// changed value updates the hash in place.
func EnsureBootstrapAPIKey(db *gorm.DB, plaintext string) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	if plaintext == "" {
		return nil
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	hash := apikeydomain.HashAPIKey(plaintext)
	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var key apikeydomain.APIKey
		err := tx.WithContext(ctx).Where("key_id = ?", bootstrapKeyName).First(&key).Error
		if err == nil {
			if key.KeyHash == hash && key.IsActive {
				return nil
			}
			key.KeyHash = hash
			key.IsActive = true
			key.ExpiresAt = nil
			key.UpdatedAt = time.Now().UTC()
			return tx.WithContext(ctx).Save(&key).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		key = apikeydomain.APIKey{
			ID:        node.Generate(),
			KeyID:     bootstrapKeyName,
			Name:      bootstrapKeyName,
			Scopes:    []string{apikeydomain.ScopeAdminWrite},
			KeyHash:   hash,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.WithContext(ctx).Create(&key).Error
	})
}
