package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/nsxo/enterprise-telegram-bot/internal/audit/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/cache"
	"github.com/nsxo/enterprise-telegram-bot/internal/config"
	conversationdomain "github.com/nsxo/enterprise-telegram-bot/internal/conversation/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/ledger/domain"
	obsmetrics "github.com/nsxo/enterprise-telegram-bot/internal/observability/metrics"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Cfg           config.Config
	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Repo          domain.Repository
	Cache         cache.BotResolverCache
	Audit         auditdomain.Service
	Conversations conversationdomain.Service
	Obs           *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	cfg           config.Config
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	repo          domain.Repository
	cache         cache.BotResolverCache
	audit         auditdomain.Service
	conversations conversationdomain.Service
	obs           *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		cfg:           p.Cfg,
		db:            p.DB,
		log:           p.Log.Named("ledger.service"),
		genID:         p.GenID,
		repo:          p.Repo,
		cache:         p.Cache,
		audit:         p.Audit,
		conversations: p.Conversations,
		obs:           p.Obs,
	}
}

// UpsertUser registers the user on first contact and refreshes profile
// fields afterwards. Credits, tier, ban state and the billing link are
// owned by their own operations and never touched from here.
func (s *Service) UpsertUser(ctx context.Context, req domain.UpsertUserRequest) (domain.User, error) {
	if req.TelegramID <= 0 {
		return domain.User{}, domain.ErrInvalidTelegramID
	}

	now := time.Now().UTC()
	user := domain.User{
		ID:         s.genID.Generate(),
		TelegramID: req.TelegramID,
		Username:   strings.TrimSpace(req.Username),
		FirstName:  strings.TrimSpace(req.FirstName),
		LastName:   strings.TrimSpace(req.LastName),
		Credits:    0,
		Tier:       domain.TierBasic,
		LastSeenAt: &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.repo.Upsert(ctx, s.db, &user); err != nil {
		return domain.User{}, err
	}

	// The generated id loses to an existing row's id on conflict, so the
	// post-image has to come from a re-read.
	stored, err := s.repo.FindByTelegramID(ctx, s.db, req.TelegramID)
	if err != nil {
		return domain.User{}, err
	}
	if stored == nil {
		return domain.User{}, domain.ErrNotFound
	}

	s.cache.InvalidateUser(req.TelegramID)
	return *stored, nil
}

func (s *Service) GetByTelegramID(ctx context.Context, telegramID int64) (domain.User, error) {
	if telegramID <= 0 {
		return domain.User{}, domain.ErrInvalidTelegramID
	}

	if user, ok := s.cache.GetUser(telegramID); ok {
		return user, nil
	}

	user, err := s.repo.FindByTelegramID(ctx, s.db, telegramID)
	if err != nil {
		return domain.User{}, err
	}
	if user == nil {
		return domain.User{}, domain.ErrNotFound
	}

	s.cache.SetUser(*user)
	return *user, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (domain.User, error) {
	if id == 0 {
		return domain.User{}, domain.ErrNotFound
	}

	user, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.User{}, err
	}
	if user == nil {
		return domain.User{}, domain.ErrNotFound
	}
	return *user, nil
}

func (s *Service) GetByBillingCustomerID(ctx context.Context, billingCustomerID string) (domain.User, error) {
	billingCustomerID = strings.TrimSpace(billingCustomerID)
	if billingCustomerID == "" {
		return domain.User{}, domain.ErrInvalidCustomerID
	}

	user, err := s.repo.FindByBillingCustomerID(ctx, s.db, billingCustomerID)
	if err != nil {
		return domain.User{}, err
	}
	if user == nil {
		return domain.User{}, domain.ErrNotFound
	}
	return *user, nil
}

// AdjustBalance applies one signed delta under a row lock. The lock is the
// only serialization mechanism for concurrent adjustments to the same user;
// a rejected overdraw leaves the balance untouched.
func (s *Service) AdjustBalance(ctx context.Context, req domain.AdjustBalanceRequest) (int64, error) {
	if req.TelegramID <= 0 {
		return 0, domain.ErrInvalidTelegramID
	}
	if req.Delta == 0 {
		return 0, domain.ErrInvalidDelta
	}
	switch req.Reason {
	case domain.AdjustmentReasonPurchase, domain.AdjustmentReasonRefund, domain.AdjustmentReasonAdminGrant:
	default:
		return 0, domain.ErrInvalidReason
	}

	var newBalance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.repo.LockByTelegramID(ctx, tx, req.TelegramID)
		if err != nil {
			return err
		}
		if user == nil {
			return domain.ErrNotFound
		}

		if req.Delta < 0 && user.Credits+req.Delta < 0 {
			return domain.ErrInsufficientBalance
		}

		newBalance = user.Credits + req.Delta
		return s.repo.UpdateBalance(ctx, tx, user.ID, newBalance, time.Now().UTC())
	})
	if err != nil {
		status := "error"
		if err == domain.ErrInsufficientBalance || err == domain.ErrNotFound {
			status = "rejected"
		}
		s.obs.RecordLedgerAdjustment(ctx, string(req.Reason), status)
		return 0, err
	}

	s.cache.InvalidateUser(req.TelegramID)
	s.obs.RecordLedgerAdjustment(ctx, string(req.Reason), "applied")
	s.log.Info("balance adjusted",
		zap.Int64("telegram_id", req.TelegramID),
		zap.Int64("delta", req.Delta),
		zap.Int64("new_balance", newBalance),
		zap.String("reason", string(req.Reason)),
	)
	return newBalance, nil
}

// LinkBillingCustomer is a one-time set. Linking the same id again is a
// no-op; a different stored id is never overwritten.
func (s *Service) LinkBillingCustomer(ctx context.Context, telegramID int64, billingCustomerID string) error {
	if telegramID <= 0 {
		return domain.ErrInvalidTelegramID
	}
	billingCustomerID = strings.TrimSpace(billingCustomerID)
	if billingCustomerID == "" {
		return domain.ErrInvalidCustomerID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.repo.LockByTelegramID(ctx, tx, telegramID)
		if err != nil {
			return err
		}
		if user == nil {
			return domain.ErrNotFound
		}

		switch user.BillingCustomerID {
		case "":
			return s.repo.SetBillingCustomerID(ctx, tx, user.ID, billingCustomerID, time.Now().UTC())
		case billingCustomerID:
			return nil
		default:
			return domain.ErrAlreadyLinked
		}
	})
	if err != nil {
		return err
	}

	s.cache.InvalidateUser(telegramID)
	return nil
}

// Ban flags the user and archives their conversation so the admin side sees
// the thread leave the active list. Banned users are rejected at the routing
// edge before any thread work happens.
func (s *Service) Ban(ctx context.Context, req domain.BanUserRequest) error {
	if req.TelegramID <= 0 {
		return domain.ErrInvalidTelegramID
	}

	user, err := s.repo.FindByTelegramID(ctx, s.db, req.TelegramID)
	if err != nil {
		return err
	}
	if user == nil {
		return domain.ErrNotFound
	}
	if user.IsBanned {
		return nil
	}

	now := time.Now().UTC()
	if err := s.repo.SetBan(ctx, s.db, user.ID, true, strings.TrimSpace(req.Reason), &now, now); err != nil {
		return err
	}
	s.cache.InvalidateUser(req.TelegramID)

	if err := s.conversations.ArchiveThreadForUser(ctx, user.ID, s.cfg.AdminWorkspaceID, conversationdomain.ArchiveReasonUserBanned); err != nil {
		s.log.Warn("conversation archive on ban failed",
			zap.Int64("telegram_id", req.TelegramID),
			zap.Error(err),
		)
	}

	s.auditLog(ctx, "user.ban", user.ID, map[string]any{
		"telegram_id": req.TelegramID,
		"reason":      req.Reason,
	})
	return nil
}

func (s *Service) Unban(ctx context.Context, telegramID int64) error {
	if telegramID <= 0 {
		return domain.ErrInvalidTelegramID
	}

	user, err := s.repo.FindByTelegramID(ctx, s.db, telegramID)
	if err != nil {
		return err
	}
	if user == nil {
		return domain.ErrNotFound
	}
	if !user.IsBanned {
		return nil
	}

	if err := s.repo.SetBan(ctx, s.db, user.ID, false, "", nil, time.Now().UTC()); err != nil {
		return err
	}
	s.cache.InvalidateUser(telegramID)

	s.auditLog(ctx, "user.unban", user.ID, map[string]any{"telegram_id": telegramID})
	return nil
}

func (s *Service) SetTier(ctx context.Context, telegramID int64, tier string) error {
	if telegramID <= 0 {
		return domain.ErrInvalidTelegramID
	}
	tier = strings.ToLower(strings.TrimSpace(tier))
	switch tier {
	case domain.TierBasic, domain.TierPremium, domain.TierVIP:
	default:
		return domain.ErrInvalidTier
	}

	user, err := s.repo.FindByTelegramID(ctx, s.db, telegramID)
	if err != nil {
		return err
	}
	if user == nil {
		return domain.ErrNotFound
	}

	if err := s.repo.SetTier(ctx, s.db, user.ID, tier, time.Now().UTC()); err != nil {
		return err
	}
	s.cache.InvalidateUser(telegramID)

	s.auditLog(ctx, "user.set_tier", user.ID, map[string]any{
		"telegram_id": telegramID,
		"tier":        tier,
	})
	return nil
}

func (s *Service) SetAutoRecharge(ctx context.Context, req domain.SetAutoRechargeRequest) error {
	if req.TelegramID <= 0 {
		return domain.ErrInvalidTelegramID
	}

	var productID snowflake.ID
	if req.Enabled {
		if req.Threshold <= 0 {
			return domain.ErrInvalidThreshold
		}
		parsed, err := snowflake.ParseString(strings.TrimSpace(req.ProductID))
		if err != nil || parsed == 0 {
			return domain.ErrInvalidProduct
		}
		productID = parsed
	}

	user, err := s.repo.FindByTelegramID(ctx, s.db, req.TelegramID)
	if err != nil {
		return err
	}
	if user == nil {
		return domain.ErrNotFound
	}

	threshold := req.Threshold
	if !req.Enabled {
		threshold = 0
	}
	if err := s.repo.SetAutoRecharge(ctx, s.db, user.ID, req.Enabled, threshold, productID, time.Now().UTC()); err != nil {
		return err
	}
	s.cache.InvalidateUser(req.TelegramID)
	s.auditLog(ctx, "user.set_auto_recharge", user.ID, map[string]any{
		"telegram_id": req.TelegramID,
		"enabled":     req.Enabled,
		"threshold":   threshold,
	})
	return nil
}

func (s *Service) List(ctx context.Context, req domain.ListUserRequest) (domain.ListUserResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	filter := domain.ListUserFilter{
		Tier:   strings.TrimSpace(req.Tier),
		Banned: req.Banned,
	}

	items, err := s.repo.List(ctx, s.db, filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListUserResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(user *domain.User) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        user.ID.String(),
			CreatedAt: user.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	users := make([]domain.User, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		users = append(users, *item)
	}

	resp := domain.ListUserResponse{Users: users}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) auditLog(ctx context.Context, action string, userID snowflake.ID, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	target := userID.String()
	if err := s.audit.AuditLog(ctx, "", nil, action, "user", &target, metadata); err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}
