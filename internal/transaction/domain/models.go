package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionStatus moves forward only: pending to completed or failed,
// completed to refunded. Every other edge is rejected.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusRefunded  TransactionStatus = "refunded"
)

// CanTransition reports whether the forward-only status graph allows the edge.
func CanTransition(from, to TransactionStatus) bool {
	switch from {
	case TransactionStatusPending:
		return to == TransactionStatusCompleted || to == TransactionStatusFailed
	case TransactionStatusCompleted:
		return to == TransactionStatusRefunded
	default:
		return false
	}
}

// Transaction is the unit of payment idempotency. idempotency_key is the
// natural key the webhook pipeline dedupes on; a zero ProductID means a
// manual grant with no catalog product behind it.
type Transaction struct {
	ID                 snowflake.ID      `gorm:"primaryKey" json:"id"`
	UserID             snowflake.ID      `gorm:"not null;index:ix_transactions_user_id" json:"user_id"`
	ProductID          snowflake.ID      `gorm:"not null;default:0" json:"product_id,omitempty"`
	IdempotencyKey     string            `gorm:"type:text;not null;uniqueIndex:ux_transactions_idempotency_key" json:"idempotency_key"`
	ProviderChargeID   string            `gorm:"type:text;not null;default:''" json:"provider_charge_id,omitempty"`
	ProviderSessionID  string            `gorm:"type:text;not null;default:''" json:"provider_session_id,omitempty"`
	AmountCents        int64             `gorm:"not null;default:0" json:"amount_cents"`
	CreditsGranted     int64             `gorm:"not null;default:0" json:"credits_granted"`
	TimeGrantedSeconds int64             `gorm:"not null;default:0" json:"time_granted_seconds"`
	Status             TransactionStatus `gorm:"type:text;not null;default:'pending'" json:"status"`
	Description        string            `gorm:"type:text;not null;default:''" json:"description,omitempty"`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }
