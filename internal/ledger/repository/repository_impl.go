package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nsxo/enterprise-telegram-bot/internal/ledger/domain"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/option"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/pagination"
	"gorm.io/gorm"
)

const userColumns = `id, telegram_id, username, first_name, last_name, credits, tier,
	        billing_customer_id, is_banned, banned_at, ban_reason,
	        auto_recharge_enabled, auto_recharge_threshold, auto_recharge_product_id,
	        last_seen_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Upsert inserts the user or refreshes profile fields on conflict. Credits,
// tier, ban state, and the billing customer link are never written here.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, user *domain.User) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO users (id, telegram_id, username, first_name, last_name,
		                    credits, tier, last_seen_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (telegram_id) DO UPDATE SET
		   username = EXCLUDED.username,
		   first_name = EXCLUDED.first_name,
		   last_name = EXCLUDED.last_name,
		   last_seen_at = EXCLUDED.last_seen_at,
		   updated_at = EXCLUDED.updated_at`,
		user.ID,
		user.TelegramID,
		user.Username,
		user.FirstName,
		user.LastName,
		user.Credits,
		user.Tier,
		user.LastSeenAt,
		user.CreatedAt,
		user.UpdatedAt,
	).Error
}

func (r *repo) FindByTelegramID(ctx context.Context, db *gorm.DB, telegramID int64) (*domain.User, error) {
	var user domain.User
	err := db.WithContext(ctx).Raw(
		`SELECT `+userColumns+`
		 FROM users WHERE telegram_id = ?`,
		telegramID,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.User, error) {
	var user domain.User
	err := db.WithContext(ctx).Raw(
		`SELECT `+userColumns+`
		 FROM users WHERE id = ?`,
		id,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) FindByBillingCustomerID(ctx context.Context, db *gorm.DB, billingCustomerID string) (*domain.User, error) {
	var user domain.User
	err := db.WithContext(ctx).Raw(
		`SELECT `+userColumns+`
		 FROM users WHERE billing_customer_id = ?`,
		billingCustomerID,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) LockByTelegramID(ctx context.Context, db *gorm.DB, telegramID int64) (*domain.User, error) {
	var user domain.User
	err := db.WithContext(ctx).Raw(
		`SELECT `+userColumns+`
		 FROM users WHERE telegram_id = ?
		 FOR UPDATE`,
		telegramID,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

// FindAutoRechargeDue returns users whose balance fell below their recharge
// threshold and who can actually be charged off-session.
func (r *repo) FindAutoRechargeDue(ctx context.Context, db *gorm.DB, limit int) ([]*domain.User, error) {
	var users []*domain.User
	err := db.WithContext(ctx).Raw(
		`SELECT `+userColumns+`
		 FROM users
		 WHERE auto_recharge_enabled = ?
		   AND is_banned = ?
		   AND billing_customer_id <> ''
		   AND auto_recharge_product_id <> 0
		   AND credits < auto_recharge_threshold
		 ORDER BY id
		 LIMIT ?`,
		true,
		false,
		limit,
	).Scan(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (r *repo) UpdateBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, balance int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE users SET credits = ?, updated_at = ? WHERE id = ?`,
		balance,
		now,
		id,
	).Error
}

func (r *repo) SetBillingCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, billingCustomerID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE users SET billing_customer_id = ?, updated_at = ? WHERE id = ?`,
		billingCustomerID,
		now,
		id,
	).Error
}

func (r *repo) SetBan(ctx context.Context, db *gorm.DB, id snowflake.ID, banned bool, reason string, bannedAt *time.Time, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE users SET is_banned = ?, ban_reason = ?, banned_at = ?, updated_at = ? WHERE id = ?`,
		banned,
		reason,
		bannedAt,
		now,
		id,
	).Error
}

func (r *repo) SetTier(ctx context.Context, db *gorm.DB, id snowflake.ID, tier string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE users SET tier = ?, updated_at = ? WHERE id = ?`,
		tier,
		now,
		id,
	).Error
}

func (r *repo) SetAutoRecharge(ctx context.Context, db *gorm.DB, id snowflake.ID, enabled bool, threshold int64, productID snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE users SET auto_recharge_enabled = ?, auto_recharge_threshold = ?,
		        auto_recharge_product_id = ?, updated_at = ?
		 WHERE id = ?`,
		enabled,
		threshold,
		productID,
		now,
		id,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListUserFilter, page pagination.Pagination) ([]*domain.User, error) {
	var users []*domain.User
	stmt := db.WithContext(ctx).Model(&domain.User{})
	if filter.Tier != "" {
		stmt = stmt.Where("tier = ?", filter.Tier)
	}
	if filter.Banned != nil {
		stmt = stmt.Where("is_banned = ?", *filter.Banned)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	err := stmt.
		Order("created_at desc, id desc").
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}
