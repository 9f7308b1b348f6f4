package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Tier labels a user's service level. Stored as text so operators can add
// levels without a migration.
const (
	TierBasic   = "basic"
	TierPremium = "premium"
	TierVIP     = "vip"
)

// AdjustmentReason tags a balance mutation with its business cause.
type AdjustmentReason string

const (
	AdjustmentReasonPurchase   AdjustmentReason = "purchase"
	AdjustmentReasonRefund     AdjustmentReason = "refund"
	AdjustmentReasonAdminGrant AdjustmentReason = "admin_grant"
)

// User is the ledger row for one Telegram account. telegram_id is the sole
// natural key; credits may never go negative.
type User struct {
	ID                    snowflake.ID `gorm:"primaryKey" json:"id"`
	TelegramID            int64        `gorm:"not null;uniqueIndex:ux_users_telegram_id" json:"telegram_id"`
	Username              string       `gorm:"type:text" json:"username,omitempty"`
	FirstName             string       `gorm:"type:text" json:"first_name,omitempty"`
	LastName              string       `gorm:"type:text" json:"last_name,omitempty"`
	Credits               int64        `gorm:"not null;default:0" json:"credits"`
	Tier                  string       `gorm:"type:text;not null;default:'basic'" json:"tier"`
	BillingCustomerID     string       `gorm:"type:text;not null;default:''" json:"billing_customer_id,omitempty"`
	IsBanned              bool         `gorm:"not null;default:false" json:"is_banned"`
	BannedAt              *time.Time   `json:"banned_at,omitempty"`
	BanReason             string       `gorm:"type:text" json:"ban_reason,omitempty"`
	AutoRechargeEnabled   bool         `gorm:"not null;default:false" json:"auto_recharge_enabled"`
	AutoRechargeThreshold int64        `gorm:"not null;default:0" json:"auto_recharge_threshold"`
	AutoRechargeProductID snowflake.ID `gorm:"not null;default:0" json:"auto_recharge_product_id,omitempty"`
	LastSeenAt            *time.Time   `json:"last_seen_at,omitempty"`
	CreatedAt             time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt             time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// DisplayName is the label used for admin-facing thread names and cards.
func (u User) DisplayName() string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" && u.Username != "" {
		name = "@" + u.Username
	}
	if name == "" {
		name = "user"
	}
	return name
}
