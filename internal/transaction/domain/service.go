package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/pagination"
)

type CreateTransactionRequest struct {
	UserID             snowflake.ID
	ProductID          snowflake.ID
	IdempotencyKey     string
	ProviderSessionID  string
	AmountCents        int64
	CreditsGranted     int64
	TimeGrantedSeconds int64
	Status             TransactionStatus
	Description        string
	Metadata           map[string]any
}

type TransitionRequest struct {
	ID               snowflake.ID
	To               TransactionStatus
	ProviderChargeID string
	Metadata         map[string]any
}

// GrantRequest is a manual admin balance adjustment recorded as a completed
// transaction. Delta may be negative; the ledger overdraw rule still applies.
type GrantRequest struct {
	TelegramID  int64
	Delta       int64
	Description string
}

type ListTransactionRequest struct {
	pagination.Pagination
	UserID string            `form:"user_id"`
	Status TransactionStatus `form:"status"`
}

type ListTransactionResponse struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

type Service interface {
	Create(ctx context.Context, req CreateTransactionRequest) (Transaction, error)
	Get(ctx context.Context, id string) (Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (Transaction, error)
	// Transition enforces the forward-only status graph. Already-at-target is
	// reported as ErrInvalidTransition; callers wanting idempotent replays
	// check the current status first.
	Transition(ctx context.Context, req TransitionRequest) (Transaction, error)
	Grant(ctx context.Context, req GrantRequest) (Transaction, error)
	List(ctx context.Context, req ListTransactionRequest) (ListTransactionResponse, error)
}

var (
	ErrNotFound              = errors.New("not_found")
	ErrInvalidID             = errors.New("invalid_id")
	ErrInvalidUserID         = errors.New("invalid_user_id")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInvalidStatus         = errors.New("invalid_status")
	ErrInvalidDelta          = errors.New("invalid_delta")
	ErrInvalidTransition     = errors.New("invalid_transition")
	ErrDuplicateKey          = errors.New("duplicate_idempotency_key")
)
