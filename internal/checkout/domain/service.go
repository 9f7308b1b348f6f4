package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type CreateSessionRequest struct {
	TelegramID int64 `json:"telegram_id"`
	// Product accepts a catalog slug or a product id.
	Product string `json:"product"`
}

type Session struct {
	TransactionID  snowflake.ID `json:"transaction_id"`
	SessionID      string       `json:"session_id"`
	PaymentURL     string       `json:"payment_url"`
	ProductName    string       `json:"product_name"`
	AmountCents    int64        `json:"amount_cents"`
	Currency       string       `json:"currency"`
	IdempotencyKey string       `json:"idempotency_key"`
}

type Service interface {
	// CreateSession prepares a provider checkout for one product. The user
	// row, the billing customer, and a pending transaction carrying a fresh
	// idempotency key all exist before the payment URL is handed out; the
	// grant itself only ever arrives through the webhook pipeline.
	CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error)
}

var (
	ErrInvalidProduct  = errors.New("invalid_product")
	ErrProductInactive = errors.New("product_inactive")
)
