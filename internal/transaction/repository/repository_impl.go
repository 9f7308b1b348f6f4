package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nsxo/enterprise-telegram-bot/internal/transaction/domain"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/option"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const transactionColumns = `id, user_id, product_id, idempotency_key, provider_charge_id,
		        provider_session_id, amount_cents, credits_granted, time_granted_seconds,
		        status, description, metadata, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert is a plain INSERT; the unique idempotency_key constraint is the
// dedupe arbiter, so a violation must reach the caller.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, transaction *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO transactions (id, user_id, product_id, idempotency_key, provider_charge_id,
		                           provider_session_id, amount_cents, credits_granted,
		                           time_granted_seconds, status, description, metadata,
		                           created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transaction.ID,
		transaction.UserID,
		transaction.ProductID,
		transaction.IdempotencyKey,
		transaction.ProviderChargeID,
		transaction.ProviderSessionID,
		transaction.AmountCents,
		transaction.CreditsGranted,
		transaction.TimeGrantedSeconds,
		transaction.Status,
		transaction.Description,
		transaction.Metadata,
		transaction.CreatedAt,
		transaction.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Transaction, error) {
	var transaction domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+`
		 FROM transactions WHERE id = ?`,
		id,
	).Scan(&transaction).Error
	if err != nil {
		return nil, err
	}
	if transaction.ID == 0 {
		return nil, nil
	}
	return &transaction, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*domain.Transaction, error) {
	var transaction domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+`
		 FROM transactions WHERE idempotency_key = ?`,
		key,
	).Scan(&transaction).Error
	if err != nil {
		return nil, err
	}
	if transaction.ID == 0 {
		return nil, nil
	}
	return &transaction, nil
}

func (r *repo) LockByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*domain.Transaction, error) {
	var transaction domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+`
		 FROM transactions WHERE idempotency_key = ?
		 FOR UPDATE`,
		key,
	).Scan(&transaction).Error
	if err != nil {
		return nil, err
	}
	if transaction.ID == 0 {
		return nil, nil
	}
	return &transaction, nil
}

func (r *repo) FindByProviderChargeID(ctx context.Context, db *gorm.DB, chargeID string) (*domain.Transaction, error) {
	var transaction domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+`
		 FROM transactions WHERE provider_charge_id = ?`,
		chargeID,
	).Scan(&transaction).Error
	if err != nil {
		return nil, err
	}
	if transaction.ID == 0 {
		return nil, nil
	}
	return &transaction, nil
}

func (r *repo) TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.TransactionStatus, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE transactions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to,
		now,
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) SetProviderSession(ctx context.Context, db *gorm.DB, id snowflake.ID, sessionID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE transactions SET provider_session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID,
		now,
		id,
	).Error
}

func (r *repo) SetChargeDetails(ctx context.Context, db *gorm.DB, id snowflake.ID, chargeID string, amountCents int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE transactions SET provider_charge_id = ?, amount_cents = ?, updated_at = ? WHERE id = ?`,
		chargeID,
		amountCents,
		now,
		id,
	).Error
}

func (r *repo) SetMetadata(ctx context.Context, db *gorm.DB, id snowflake.ID, metadata datatypes.JSONMap, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE transactions SET metadata = ?, updated_at = ? WHERE id = ?`,
		metadata,
		now,
		id,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListTransactionFilter, page pagination.Pagination) ([]*domain.Transaction, error) {
	var transactions []*domain.Transaction
	stmt := db.WithContext(ctx).Model(&domain.Transaction{})
	if filter.UserID != 0 {
		stmt = stmt.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	err := stmt.
		Order("created_at desc, id desc").
		Find(&transactions).Error
	if err != nil {
		return nil, err
	}
	return transactions, nil
}
