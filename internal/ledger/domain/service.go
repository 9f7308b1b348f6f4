package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/pagination"
)

type UpsertUserRequest struct {
	TelegramID int64
	Username   string
	FirstName  string
	LastName   string
}

type AdjustBalanceRequest struct {
	TelegramID int64
	Delta      int64
	Reason     AdjustmentReason
}

type BanUserRequest struct {
	TelegramID int64
	Reason     string
}

type SetAutoRechargeRequest struct {
	TelegramID int64
	Enabled    bool
	Threshold  int64
	ProductID  string
}

type ListUserRequest struct {
	PageToken string
	PageSize  int32
	Tier      string
	Banned    *bool
}

type ListUserFilter struct {
	Tier   string
	Banned *bool
}

type ListUserResponse struct {
	pagination.PageInfo
	Users []User `json:"users"`
}

type Service interface {
	UpsertUser(context.Context, UpsertUserRequest) (User, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (User, error)
	GetByID(ctx context.Context, id snowflake.ID) (User, error)
	GetByBillingCustomerID(ctx context.Context, billingCustomerID string) (User, error)
	AdjustBalance(context.Context, AdjustBalanceRequest) (int64, error)
	LinkBillingCustomer(ctx context.Context, telegramID int64, billingCustomerID string) error
	Ban(context.Context, BanUserRequest) error
	Unban(ctx context.Context, telegramID int64) error
	SetTier(ctx context.Context, telegramID int64, tier string) error
	SetAutoRecharge(context.Context, SetAutoRechargeRequest) error
	List(context.Context, ListUserRequest) (ListUserResponse, error)
}

var (
	ErrInvalidTelegramID   = errors.New("invalid_telegram_id")
	ErrInvalidDelta        = errors.New("invalid_delta")
	ErrInvalidReason       = errors.New("invalid_reason")
	ErrInvalidTier         = errors.New("invalid_tier")
	ErrInvalidCustomerID   = errors.New("invalid_customer_id")
	ErrInvalidProduct      = errors.New("invalid_product")
	ErrInvalidThreshold    = errors.New("invalid_threshold")
	ErrNotFound            = errors.New("not_found")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrAlreadyLinked       = errors.New("billing_customer_already_linked")
	ErrUserBanned          = errors.New("user_banned")
)
