package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ListTransactionFilter struct {
	UserID snowflake.ID
	Status TransactionStatus
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, transaction *Transaction) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Transaction, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*Transaction, error)
	// LockByIdempotencyKey takes the row lock the payment apply step
	// serializes on.
	LockByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*Transaction, error)
	FindByProviderChargeID(ctx context.Context, db *gorm.DB, chargeID string) (*Transaction, error)
	// TransitionStatus is a compare-and-swap on status; false means the row
	// was not in the expected from state.
	TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to TransactionStatus, now time.Time) (bool, error)
	SetProviderSession(ctx context.Context, db *gorm.DB, id snowflake.ID, sessionID string, now time.Time) error
	SetChargeDetails(ctx context.Context, db *gorm.DB, id snowflake.ID, chargeID string, amountCents int64, now time.Time) error
	SetMetadata(ctx context.Context, db *gorm.DB, id snowflake.ID, metadata datatypes.JSONMap, now time.Time) error
	List(ctx context.Context, db *gorm.DB, filter ListTransactionFilter, page pagination.Pagination) ([]*Transaction, error)
}
