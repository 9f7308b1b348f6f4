package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	auditdomain "github.com/nsxo/enterprise-telegram-bot/internal/audit/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/cache"
	ledgerdomain "github.com/nsxo/enterprise-telegram-bot/internal/ledger/domain"
	obsmetrics "github.com/nsxo/enterprise-telegram-bot/internal/observability/metrics"
	"github.com/nsxo/enterprise-telegram-bot/internal/transaction/domain"
	pkgdb "github.com/nsxo/enterprise-telegram-bot/pkg/db"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	LedgerRepo ledgerdomain.Repository
	Cache      cache.BotResolverCache
	Audit      auditdomain.Service
	Obs        *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	ledgerRepo ledgerdomain.Repository
	cache      cache.BotResolverCache
	audit      auditdomain.Service
	obs        *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("transaction.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		ledgerRepo: p.LedgerRepo,
		cache:      p.Cache,
		audit:      p.Audit,
		obs:        p.Obs,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateTransactionRequest) (domain.Transaction, error) {
	if req.UserID == 0 {
		return domain.Transaction{}, domain.ErrInvalidUserID
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return domain.Transaction{}, domain.ErrInvalidIdempotencyKey
	}
	switch req.Status {
	case domain.TransactionStatusPending, domain.TransactionStatusCompleted:
	default:
		return domain.Transaction{}, domain.ErrInvalidStatus
	}

	now := time.Now().UTC()
	transaction := domain.Transaction{
		ID:                 s.genID.Generate(),
		UserID:             req.UserID,
		ProductID:          req.ProductID,
		IdempotencyKey:     key,
		ProviderSessionID:  strings.TrimSpace(req.ProviderSessionID),
		AmountCents:        req.AmountCents,
		CreditsGranted:     req.CreditsGranted,
		TimeGrantedSeconds: req.TimeGrantedSeconds,
		Status:             req.Status,
		Description:        strings.TrimSpace(req.Description),
		Metadata:           datatypes.JSONMap(req.Metadata),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.Insert(ctx, s.db, &transaction); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return domain.Transaction{}, domain.ErrDuplicateKey
		}
		return domain.Transaction{}, err
	}
	return transaction, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Transaction, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || parsed == 0 {
		return domain.Transaction{}, domain.ErrInvalidID
	}

	transaction, err := s.repo.FindByID(ctx, s.db, parsed)
	if err != nil {
		return domain.Transaction{}, err
	}
	if transaction == nil {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return *transaction, nil
}

func (s *Service) GetByIdempotencyKey(ctx context.Context, key string) (domain.Transaction, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Transaction{}, domain.ErrInvalidIdempotencyKey
	}

	transaction, err := s.repo.FindByIdempotencyKey(ctx, s.db, key)
	if err != nil {
		return domain.Transaction{}, err
	}
	if transaction == nil {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return *transaction, nil
}

func (s *Service) Transition(ctx context.Context, req domain.TransitionRequest) (domain.Transaction, error) {
	if req.ID == 0 {
		return domain.Transaction{}, domain.ErrInvalidID
	}
	switch req.To {
	case domain.TransactionStatusCompleted, domain.TransactionStatusFailed, domain.TransactionStatusRefunded:
	default:
		return domain.Transaction{}, domain.ErrInvalidStatus
	}

	var from domain.TransactionStatus
	var updated domain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByID(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}
		from = current.Status
		if !domain.CanTransition(from, req.To) {
			return fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, from, req.To)
		}

		now := time.Now().UTC()
		swapped, err := s.repo.TransitionStatus(ctx, tx, req.ID, from, req.To, now)
		if err != nil {
			return err
		}
		if !swapped {
			// The row moved under us; the new state decides, not this call.
			return fmt.Errorf("%w: concurrent status change", domain.ErrInvalidTransition)
		}

		if chargeID := strings.TrimSpace(req.ProviderChargeID); chargeID != "" {
			if err := s.repo.SetChargeDetails(ctx, tx, req.ID, chargeID, current.AmountCents, now); err != nil {
				return err
			}
		}
		if len(req.Metadata) > 0 {
			merged := datatypes.JSONMap{}
			for k, v := range current.Metadata {
				merged[k] = v
			}
			for k, v := range req.Metadata {
				merged[k] = v
			}
			if err := s.repo.SetMetadata(ctx, tx, req.ID, merged, now); err != nil {
				return err
			}
		}

		post, err := s.repo.FindByID(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		if post == nil {
			return domain.ErrNotFound
		}
		updated = *post
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	obsmetrics.Scheduler().IncTransactionTransition(string(from), string(req.To))
	s.log.Info("transaction transitioned",
		zap.Int64("transaction_id", int64(req.ID)),
		zap.String("from", string(from)),
		zap.String("to", string(req.To)),
	)
	return updated, nil
}

// Grant records a manual balance adjustment as a completed transaction in the
// same database transaction that moves the balance.
func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (domain.Transaction, error) {
	if req.TelegramID <= 0 {
		return domain.Transaction{}, domain.ErrInvalidUserID
	}
	if req.Delta == 0 {
		return domain.Transaction{}, domain.ErrInvalidDelta
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "manual balance adjustment"
	}

	var transaction domain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.ledgerRepo.LockByTelegramID(ctx, tx, req.TelegramID)
		if err != nil {
			return err
		}
		if user == nil {
			return ledgerdomain.ErrNotFound
		}
		if req.Delta < 0 && user.Credits+req.Delta < 0 {
			return ledgerdomain.ErrInsufficientBalance
		}

		now := time.Now().UTC()
		transaction = domain.Transaction{
			ID:             s.genID.Generate(),
			UserID:         user.ID,
			IdempotencyKey: "grant:" + uuid.NewString(),
			CreditsGranted: req.Delta,
			Status:         domain.TransactionStatusCompleted,
			Description:    description,
			Metadata:       datatypes.JSONMap{"source": "admin_grant"},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.repo.Insert(ctx, tx, &transaction); err != nil {
			return err
		}
		return s.ledgerRepo.UpdateBalance(ctx, tx, user.ID, user.Credits+req.Delta, now)
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	s.cache.InvalidateUser(req.TelegramID)
	s.obs.RecordLedgerAdjustment(ctx, string(ledgerdomain.AdjustmentReasonAdminGrant), "applied")
	s.auditLog(ctx, "transaction.grant", transaction.ID, map[string]any{
		"telegram_id": req.TelegramID,
		"delta":       req.Delta,
	})
	return transaction, nil
}

func (s *Service) List(ctx context.Context, req domain.ListTransactionRequest) (domain.ListTransactionResponse, error) {
	filter := domain.ListTransactionFilter{}
	if userID := strings.TrimSpace(req.UserID); userID != "" {
		parsed, err := snowflake.ParseString(userID)
		if err != nil || parsed == 0 {
			return domain.ListTransactionResponse{}, domain.ErrInvalidUserID
		}
		filter.UserID = parsed
	}
	if req.Status != "" {
		switch req.Status {
		case domain.TransactionStatusPending, domain.TransactionStatusCompleted,
			domain.TransactionStatusFailed, domain.TransactionStatusRefunded:
			filter.Status = req.Status
		default:
			return domain.ListTransactionResponse{}, domain.ErrInvalidStatus
		}
	}

	pageSize := int32(req.PageSize)
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListTransactionResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(transaction *domain.Transaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        transaction.ID.String(),
			CreatedAt: transaction.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	transactions := make([]domain.Transaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		transactions = append(transactions, *item)
	}

	resp := domain.ListTransactionResponse{Transactions: transactions}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) auditLog(ctx context.Context, action string, transactionID snowflake.ID, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	target := transactionID.String()
	if err := s.audit.AuditLog(ctx, "", nil, action, "transaction", &target, metadata); err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}
