package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
)

// APIKey stores hashed admin API credentials. The plaintext secret exists
// only in the create/rotate response; every later comparison goes through
// the sha256 hash.
type APIKey struct {
	ID               snowflake.ID   `gorm:"primaryKey"`
	KeyID            string         `gorm:"column:key_id;type:text;not null;uniqueIndex:ux_api_keys_key_id"`
	Name             string         `gorm:"type:text;not null"`
	Scopes           pq.StringArray `gorm:"type:text[];not null"`
	KeyHash          string         `gorm:"column:key_hash;type:text;not null"`
	IsActive         bool           `gorm:"column:is_active;not null;default:true"`
	CreatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	LastUsedAt       *time.Time     `gorm:"column:last_used_at"`
	ExpiresAt        *time.Time     `gorm:"column:expires_at"`
	RotatedFromKeyID *string        `gorm:"column:rotated_from_key_id;type:text"`
}

// TableName sets the database table name.
func (APIKey) TableName() string { return "api_keys" }

// HasScope reports whether the key carries the scope. admin:write implies
// admin:read.
func (k *APIKey) HasScope(scope string) bool {
	for _, held := range k.Scopes {
		if held == scope {
			return true
		}
		if scope == ScopeAdminRead && held == ScopeAdminWrite {
			return true
		}
	}
	return false
}
