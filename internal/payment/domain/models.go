package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord is the dedupe row for a provider notification. The unique
// (provider, provider_event_id) pair absorbs redeliveries; ProcessedAt
// separates an event that was merely received from one whose effects are
// committed.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event,priority:2"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	TelegramID      int64          `json:"telegram_id" gorm:"not null;default:0"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	EventTypeCheckoutCompleted = "checkout_completed"
	EventTypePaymentSucceeded  = "payment_succeeded"
	EventTypePaymentFailed     = "payment_failed"
	EventTypeRefunded          = "refunded"
	EventTypeDisputeOpened     = "dispute_opened"
	EventTypeSubscriptionEnded = "subscription_ended"
)

// PaymentEvent is the canonical event parsed by adapters. TelegramID,
// ProductID, TransactionID and IdempotencyKey come from the checkout metadata
// contract when present; events outside that contract (refunds, disputes)
// resolve through ProviderPaymentID or BillingCustomerID instead.
type PaymentEvent struct {
	Provider          string
	ProviderEventID   string
	ProviderPaymentID string
	Type              string
	TelegramID        int64
	BillingCustomerID string
	ProductID         snowflake.ID
	TransactionID     snowflake.ID
	IdempotencyKey    string
	Amount            int64
	Currency          string
	Reason            string
	OccurredAt        time.Time
	RawPayload        []byte
}
