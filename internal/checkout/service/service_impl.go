package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	auditdomain "github.com/nsxo/enterprise-telegram-bot/internal/audit/domain"
	catalogdomain "github.com/nsxo/enterprise-telegram-bot/internal/catalog/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/checkout/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/config"
	ledgerdomain "github.com/nsxo/enterprise-telegram-bot/internal/ledger/domain"
	obsmetrics "github.com/nsxo/enterprise-telegram-bot/internal/observability/metrics"
	"github.com/nsxo/enterprise-telegram-bot/internal/providers/billing"
	transactiondomain "github.com/nsxo/enterprise-telegram-bot/internal/transaction/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Cfg             config.Config
	TransactionRepo transactiondomain.Repository
	Catalog         catalogdomain.Service
	Ledger          ledgerdomain.Service
	Billing         billing.Provider
	Audit           auditdomain.Service `optional:"true"`
	Obs             *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	cfg             config.Config
	transactionRepo transactiondomain.Repository
	catalog         catalogdomain.Service
	ledger          ledgerdomain.Service
	billing         billing.Provider
	audit           auditdomain.Service
	obs             *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("checkout.service"),
		genID:           p.GenID,
		cfg:             p.Cfg,
		transactionRepo: p.TransactionRepo,
		catalog:         p.Catalog,
		ledger:          p.Ledger,
		billing:         p.Billing,
		audit:           p.Audit,
		obs:             p.Obs,
	}
}

func (s *Service) CreateSession(ctx context.Context, req domain.CreateSessionRequest) (domain.Session, error) {
	if req.TelegramID <= 0 {
		return domain.Session{}, ledgerdomain.ErrInvalidTelegramID
	}
	ref := strings.TrimSpace(req.Product)
	if ref == "" {
		return domain.Session{}, domain.ErrInvalidProduct
	}

	product, err := s.resolveProduct(ctx, ref)
	if err != nil {
		return domain.Session{}, err
	}
	if !product.Active {
		return domain.Session{}, domain.ErrProductInactive
	}

	user, err := s.ensureUser(ctx, req.TelegramID)
	if err != nil {
		return domain.Session{}, err
	}
	if user.IsBanned {
		return domain.Session{}, ledgerdomain.ErrUserBanned
	}

	customerID := user.BillingCustomerID
	if customerID == "" {
		created, err := s.billing.CreateCustomer(ctx, billing.CreateCustomerRequest{
			TelegramID: user.TelegramID,
			Name:       displayName(user),
		})
		if err != nil {
			s.obs.RecordCheckoutSession(ctx, "error")
			return domain.Session{}, err
		}
		if err := s.ledger.LinkBillingCustomer(ctx, user.TelegramID, created); err != nil {
			return domain.Session{}, err
		}
		customerID = created
	}

	key := uuid.NewString()
	now := time.Now().UTC()
	record := transactiondomain.Transaction{
		ID:             s.genID.Generate(),
		UserID:         user.ID,
		ProductID:      product.ID,
		IdempotencyKey: key,
		AmountCents:    product.PriceCents,
		Status:         transactiondomain.TransactionStatusPending,
		Description:    product.Name,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if product.GrantType == catalogdomain.GrantTypeTime {
		record.TimeGrantedSeconds = product.GrantAmount
	} else {
		record.CreditsGranted = product.GrantAmount
	}
	if err := s.transactionRepo.Insert(ctx, s.db, &record); err != nil {
		return domain.Session{}, err
	}

	session, err := s.billing.CreateCheckoutSession(ctx, billing.CheckoutSessionRequest{
		CustomerID:     customerID,
		PriceID:        product.ProviderPriceID,
		SuccessURL:     s.cfg.CheckoutSuccessURL,
		CancelURL:      s.cfg.CheckoutCancelURL,
		IdempotencyKey: key,
		Metadata: map[string]string{
			"telegram_id":     strconv.FormatInt(user.TelegramID, 10),
			"product_id":      product.ID.String(),
			"transaction_id":  record.ID.String(),
			"idempotency_key": key,
		},
	})
	if err != nil {
		s.abandonTransaction(ctx, record.ID)
		s.obs.RecordCheckoutSession(ctx, "error")
		return domain.Session{}, err
	}

	if err := s.transactionRepo.SetProviderSession(ctx, s.db, record.ID, session.ID, time.Now().UTC()); err != nil {
		return domain.Session{}, err
	}

	s.obs.RecordCheckoutSession(ctx, "created")
	s.auditLog(ctx, user.TelegramID, record.ID, product.Slug, session.ID)
	s.log.Info("checkout session created",
		zap.Int64("telegram_id", user.TelegramID),
		zap.String("product", product.Slug),
		zap.String("session_id", session.ID),
	)

	return domain.Session{
		TransactionID:  record.ID,
		SessionID:      session.ID,
		PaymentURL:     session.URL,
		ProductName:    product.Name,
		AmountCents:    product.PriceCents,
		Currency:       product.Currency,
		IdempotencyKey: key,
	}, nil
}

func (s *Service) resolveProduct(ctx context.Context, ref string) (catalogdomain.Product, error) {
	lookup := catalogdomain.ProductRef{Slug: ref}
	if id, err := snowflake.ParseString(ref); err == nil && id != 0 {
		lookup = catalogdomain.ProductRef{ProductID: ref}
	}
	return s.catalog.Resolve(ctx, lookup)
}

func (s *Service) ensureUser(ctx context.Context, telegramID int64) (ledgerdomain.User, error) {
	user, err := s.ledger.GetByTelegramID(ctx, telegramID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ledgerdomain.ErrNotFound) {
		return ledgerdomain.User{}, err
	}
	return s.ledger.UpsertUser(ctx, ledgerdomain.UpsertUserRequest{TelegramID: telegramID})
}

// abandonTransaction marks the pending row failed when the provider refused
// the session. Best effort; a row left pending is still harmless because the
// idempotency key never reached the provider.
func (s *Service) abandonTransaction(ctx context.Context, id snowflake.ID) {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		swapped, err := s.transactionRepo.TransitionStatus(ctx, tx, id,
			transactiondomain.TransactionStatusPending, transactiondomain.TransactionStatusFailed, now)
		if err != nil {
			return err
		}
		if !swapped {
			return nil
		}
		return s.transactionRepo.SetMetadata(ctx, tx, id,
			datatypes.JSONMap{"failure_reason": "session_create_failed"}, now)
	})
	if err != nil {
		s.log.Warn("abandoned transaction not marked failed",
			zap.String("transaction_id", id.String()),
			zap.Error(err),
		)
	}
}

func displayName(user ledgerdomain.User) string {
	name := strings.TrimSpace(strings.TrimSpace(user.FirstName) + " " + strings.TrimSpace(user.LastName))
	if name == "" {
		name = strings.TrimSpace(user.Username)
	}
	return name
}

func (s *Service) auditLog(ctx context.Context, telegramID int64, transactionID snowflake.ID, slug, sessionID string) {
	if s.audit == nil {
		return
	}
	target := transactionID.String()
	err := s.audit.AuditLog(ctx, "", nil, "checkout.session_created", "transaction", &target, map[string]any{
		"telegram_id": telegramID,
		"product":     slug,
		"session_id":  sessionID,
	})
	if err != nil {
		s.log.Warn("audit log failed", zap.Error(err))
	}
}
