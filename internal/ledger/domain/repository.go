package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, user *User) error
	FindByTelegramID(ctx context.Context, db *gorm.DB, telegramID int64) (*User, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	FindByBillingCustomerID(ctx context.Context, db *gorm.DB, billingCustomerID string) (*User, error)
	LockByTelegramID(ctx context.Context, db *gorm.DB, telegramID int64) (*User, error)
	FindAutoRechargeDue(ctx context.Context, db *gorm.DB, limit int) ([]*User, error)
	UpdateBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, balance int64, now time.Time) error
	SetBillingCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, billingCustomerID string, now time.Time) error
	SetBan(ctx context.Context, db *gorm.DB, id snowflake.ID, banned bool, reason string, bannedAt *time.Time, now time.Time) error
	SetTier(ctx context.Context, db *gorm.DB, id snowflake.ID, tier string, now time.Time) error
	SetAutoRecharge(ctx context.Context, db *gorm.DB, id snowflake.ID, enabled bool, threshold int64, productID snowflake.ID, now time.Time) error
	List(ctx context.Context, db *gorm.DB, filter ListUserFilter, page pagination.Pagination) ([]*User, error)
}
