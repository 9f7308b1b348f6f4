package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/nsxo/enterprise-telegram-bot/internal/audit/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/cache"
	catalogdomain "github.com/nsxo/enterprise-telegram-bot/internal/catalog/domain"
	ledgerdomain "github.com/nsxo/enterprise-telegram-bot/internal/ledger/domain"
	obsmetrics "github.com/nsxo/enterprise-telegram-bot/internal/observability/metrics"
	"github.com/nsxo/enterprise-telegram-bot/internal/payment/domain"
	routingdomain "github.com/nsxo/enterprise-telegram-bot/internal/routing/domain"
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
	Repo            domain.Repository
	TransactionRepo transactiondomain.Repository
	LedgerRepo      ledgerdomain.Repository
	Catalog         catalogdomain.Service
	Ledger          ledgerdomain.Service
	Cache           cache.BotResolverCache
	Routing         routingdomain.Service `optional:"true"`
	Audit           auditdomain.Service   `optional:"true"`
	Obs             *obsmetrics.Metrics   `optional:"true"`
}

// Service applies verified payment events to the ledger. Every mutating
// handler commits the balance effect, the transaction status, and the event's
// processed marker in one database transaction; user and admin notifications
// happen after commit and never roll it back.
type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	repo            domain.Repository
	transactionRepo transactiondomain.Repository
	ledgerRepo      ledgerdomain.Repository
	catalog         catalogdomain.Service
	ledger          ledgerdomain.Service
	cache           cache.BotResolverCache
	routing         routingdomain.Service
	audit           auditdomain.Service
	obs             *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("payment.service"),
		genID:           p.GenID,
		repo:            p.Repo,
		transactionRepo: p.TransactionRepo,
		ledgerRepo:      p.LedgerRepo,
		catalog:         p.Catalog,
		ledger:          p.Ledger,
		cache:           p.Cache,
		routing:         p.Routing,
		audit:           p.Audit,
		obs:             p.Obs,
	}
}

func (s *Service) ProcessEvent(ctx context.Context, event *domain.PaymentEvent, payload []byte) error {
	if event == nil {
		return domain.ErrInvalidEvent
	}
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	if event.Provider == "" {
		return domain.ErrInvalidProvider
	}
	if !json.Valid(payload) {
		return domain.ErrInvalidPayload
	}
	if err := validateEvent(event); err != nil {
		return err
	}

	now := time.Now().UTC()
	received := domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		TelegramID:      event.TelegramID,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, event.Provider, event.ProviderEventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return domain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			s.obs.RecordPaymentEvent(ctx, event.Provider, event.Type, "duplicate")
			return domain.ErrEventAlreadyProcessed
		}
		// Received earlier but never marked processed: a crash between
		// insert and commit. The apply below re-runs against the same
		// idempotency keys, so re-processing is safe.
	}

	if err := s.apply(ctx, stored, event); err != nil {
		s.obs.RecordPaymentEvent(ctx, event.Provider, event.Type, "error")
		return err
	}

	s.obs.RecordPaymentEvent(ctx, event.Provider, event.Type, "processed")
	return nil
}

func validateEvent(event *domain.PaymentEvent) error {
	event.ProviderEventID = strings.TrimSpace(event.ProviderEventID)
	if event.ProviderEventID == "" {
		return domain.ErrInvalidEvent
	}
	event.Type = strings.TrimSpace(event.Type)
	if event.Type == "" {
		return domain.ErrInvalidEvent
	}
	if event.OccurredAt.IsZero() {
		return domain.ErrInvalidEvent
	}

	switch event.Type {
	case domain.EventTypeCheckoutCompleted, domain.EventTypePaymentSucceeded, domain.EventTypeRefunded:
		if event.Amount <= 0 {
			return domain.ErrInvalidAmount
		}
		currency := strings.TrimSpace(event.Currency)
		if currency == "" {
			return domain.ErrInvalidCurrency
		}
		event.Currency = strings.ToUpper(currency)
	case domain.EventTypePaymentFailed, domain.EventTypeDisputeOpened, domain.EventTypeSubscriptionEnded:
	default:
		return domain.ErrInvalidEvent
	}
	return nil
}

func (s *Service) apply(ctx context.Context, stored *domain.EventRecord, event *domain.PaymentEvent) error {
	switch event.Type {
	case domain.EventTypeCheckoutCompleted, domain.EventTypePaymentSucceeded:
		return s.settleGrant(ctx, stored, event)
	case domain.EventTypePaymentFailed:
		return s.settleFailure(ctx, stored, event)
	case domain.EventTypeRefunded:
		return s.settleRefund(ctx, stored, event)
	case domain.EventTypeDisputeOpened:
		return s.handleDispute(ctx, stored, event)
	case domain.EventTypeSubscriptionEnded:
		return s.handleSubscriptionEnded(ctx, stored, event)
	default:
		return domain.ErrInvalidEvent
	}
}

// settleGrant completes the purchase behind a successful checkout session or
// auto-recharge intent: the transaction row, the balance grant, the
// first-purchase billing customer link, and the processed marker commit
// together.
func (s *Service) settleGrant(ctx context.Context, stored *domain.EventRecord, event *domain.PaymentEvent) error {
	user, err := s.resolveUser(ctx, event)
	if err != nil {
		return err
	}
	if user == nil {
		return s.settleOrphan(ctx, stored, event, "no user mapping")
	}

	product, err := s.resolveProduct(ctx, event)
	if err != nil {
		return err
	}
	if product == nil {
		return s.failUnknownProduct(ctx, stored, event, user)
	}

	key := transactionKey(event)
	now := time.Now().UTC()
	var (
		balance   int64
		linked    bool
		duplicate bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.transactionRepo.LockByIdempotencyKey(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status != transactiondomain.TransactionStatusPending {
			// Another event already settled this purchase.
			duplicate = true
			return s.repo.MarkProcessed(ctx, tx, stored.ID, now)
		}

		locked, err := s.ledgerRepo.LockByTelegramID(ctx, tx, user.TelegramID)
		if err != nil {
			return err
		}
		if locked == nil {
			return ledgerdomain.ErrNotFound
		}

		if existing == nil {
			record := transactiondomain.Transaction{
				ID:               s.genID.Generate(),
				UserID:           locked.ID,
				ProductID:        product.ID,
				IdempotencyKey:   key,
				ProviderChargeID: event.ProviderPaymentID,
				AmountCents:      event.Amount,
				Status:           transactiondomain.TransactionStatusCompleted,
				Description:      product.Name,
				Metadata:         datatypes.JSONMap{"provider_event_id": event.ProviderEventID},
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if product.GrantType == catalogdomain.GrantTypeTime {
				record.TimeGrantedSeconds = product.GrantAmount
			} else {
				record.CreditsGranted = product.GrantAmount
			}
			if err := s.transactionRepo.Insert(ctx, tx, &record); err != nil {
				return err
			}
		} else {
			swapped, err := s.transactionRepo.TransitionStatus(ctx, tx, existing.ID,
				transactiondomain.TransactionStatusPending, transactiondomain.TransactionStatusCompleted, now)
			if err != nil {
				return err
			}
			if !swapped {
				return fmt.Errorf("%w: concurrent status change", transactiondomain.ErrInvalidTransition)
			}
			if err := s.transactionRepo.SetChargeDetails(ctx, tx, existing.ID, event.ProviderPaymentID, event.Amount, now); err != nil {
				return err
			}
		}

		balance = locked.Credits
		if product.GrantType != catalogdomain.GrantTypeTime {
			balance = locked.Credits + product.GrantAmount
			if err := s.ledgerRepo.UpdateBalance(ctx, tx, locked.ID, balance, now); err != nil {
				return err
			}
		}

		if locked.BillingCustomerID == "" && event.BillingCustomerID != "" {
			if err := s.ledgerRepo.SetBillingCustomerID(ctx, tx, locked.ID, event.BillingCustomerID, now); err != nil {
				return err
			}
			linked = true
		}

		return s.repo.MarkProcessed(ctx, tx, stored.ID, now)
	})
	if err != nil {
		return err
	}
	if duplicate {
		return nil
	}

	s.cache.InvalidateUser(user.TelegramID)
	s.obs.RecordLedgerAdjustment(ctx, string(ledgerdomain.AdjustmentReasonPurchase), "applied")
	s.auditLog(ctx, "payment.settled", stored, map[string]any{
		"telegram_id":             user.TelegramID,
		"product":                 product.Slug,
		"amount_cents":            event.Amount,
		"currency":                event.Currency,
		"provider_payment_id":     event.ProviderPaymentID,
		"billing_customer_linked": linked,
	})
	s.log.Info("payment settled",
		zap.Int64("telegram_id", user.TelegramID),
		zap.String("product", product.Slug),
		zap.Int64("amount_cents", event.Amount),
	)
	s.notifyUser(ctx, user.TelegramID, grantText(*product, balance))
	return nil
}

// settleRefund reverses the grant of a completed transaction. The debit is
// clamped at the current balance: the user never goes negative, the
// uncollected remainder is recorded on the transaction instead.
func (s *Service) settleRefund(ctx context.Context, stored *domain.EventRecord, event *domain.PaymentEvent) error {
	target, err := s.findRefundTarget(ctx, event)
	if err != nil {
		return err
	}
	if target == nil {
		return s.settleOrphan(ctx, stored, event, "no transaction for refund")
	}

	now := time.Now().UTC()
	var (
		debit     int64
		shortfall int64
		balance   int64
		owner     *ledgerdomain.User
		duplicate bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.transactionRepo.LockByIdempotencyKey(ctx, tx, target.IdempotencyKey)
		if err != nil {
			return err
		}
		if locked == nil {
			return transactiondomain.ErrNotFound
		}
		if locked.Status != transactiondomain.TransactionStatusCompleted {
			duplicate = true
			return s.repo.MarkProcessed(ctx, tx, stored.ID, now)
		}

		found, err := s.ledgerRepo.FindByID(ctx, tx, locked.UserID)
		if err != nil {
			return err
		}
		if found == nil {
			return ledgerdomain.ErrNotFound
		}
		lockedUser, err := s.ledgerRepo.LockByTelegramID(ctx, tx, found.TelegramID)
		if err != nil {
			return err
		}
		if lockedUser == nil {
			return ledgerdomain.ErrNotFound
		}
		owner = lockedUser

		swapped, err := s.transactionRepo.TransitionStatus(ctx, tx, locked.ID,
			transactiondomain.TransactionStatusCompleted, transactiondomain.TransactionStatusRefunded, now)
		if err != nil {
			return err
		}
		if !swapped {
			return fmt.Errorf("%w: concurrent status change", transactiondomain.ErrInvalidTransition)
		}

		granted := locked.CreditsGranted
		debit = granted
		if debit > lockedUser.Credits {
			debit = lockedUser.Credits
		}
		if debit < 0 {
			debit = 0
		}
		shortfall = granted - debit
		balance = lockedUser.Credits - debit
		if debit > 0 {
			if err := s.ledgerRepo.UpdateBalance(ctx, tx, lockedUser.ID, balance, now); err != nil {
				return err
			}
		}

		meta := datatypes.JSONMap{}
		for k, v := range locked.Metadata {
			meta[k] = v
		}
		meta["refund_amount_cents"] = event.Amount
		meta["refund_debit"] = debit
		if shortfall > 0 {
			meta["refund_shortfall"] = shortfall
		}
		if err := s.transactionRepo.SetMetadata(ctx, tx, locked.ID, meta, now); err != nil {
			return err
		}

		return s.repo.MarkProcessed(ctx, tx, stored.ID, now)
	})
	if err != nil {
		return err
	}
	if duplicate {
		return nil
	}

	s.cache.InvalidateUser(owner.TelegramID)
	s.obs.RecordLedgerAdjustment(ctx, string(ledgerdomain.AdjustmentReasonRefund), "applied")
	s.auditLog(ctx, "payment.refunded", stored, map[string]any{
		"telegram_id":         owner.TelegramID,
		"transaction_id":      target.ID.String(),
		"refund_amount_cents": event.Amount,
		"refund_debit":        debit,
		"refund_shortfall":    shortfall,
	})
	s.log.Info("refund settled",
		zap.Int64("telegram_id", owner.TelegramID),
		zap.Int64("debit", debit),
		zap.Int64("shortfall", shortfall),
	)
	s.notifyUser(ctx, owner.TelegramID,
		fmt.Sprintf("Your refund of %s was processed. %d credits were removed from your balance.",
			formatAmount(event.Amount, event.Currency), debit))
	return nil
}

func (s *Service) settleFailure(ctx context.Context, stored *domain.EventRecord, event *domain.PaymentEvent) error {
	now := time.Now().UTC()
	key := transactionKey(event)
	var marked bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.transactionRepo.LockByIdempotencyKey(ctx, tx, key)
		if err != nil {
			return err
		}
		if locked != nil && locked.Status == transactiondomain.TransactionStatusPending {
			swapped, err := s.transactionRepo.TransitionStatus(ctx, tx, locked.ID,
				transactiondomain.TransactionStatusPending, transactiondomain.TransactionStatusFailed, now)
			if err != nil {
				return err
			}
			if swapped {
				marked = true
				meta := datatypes.JSONMap{}
				for k, v := range locked.Metadata {
					meta[k] = v
				}
				meta["failure_reason"] = failureReason(event)
				if err := s.transactionRepo.SetMetadata(ctx, tx, locked.ID, meta, now); err != nil {
					return err
				}
			}
		}
		return s.repo.MarkProcessed(ctx, tx, stored.ID, now)
	})
	if err != nil {
		return err
	}

	s.auditLog(ctx, "payment.failed", stored, map[string]any{
		"telegram_id":         event.TelegramID,
		"provider_payment_id": event.ProviderPaymentID,
		"reason":              failureReason(event),
		"transaction_marked":  marked,
	})
	if event.TelegramID > 0 {
		s.notifyUser(ctx, event.TelegramID,
			"Your payment did not go through. No charge was made; you can try again from the shop.")
	}
	return nil
}

func (s *Service) handleDispute(ctx context.Context, stored *domain.EventRecord, event *domain.PaymentEvent) error {
	now := time.Now().UTC()
	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, now); err != nil {
		return err
	}

	var who string
	if txn, err := s.transactionRepo.FindByProviderChargeID(ctx, s.db, event.ProviderPaymentID); err == nil && txn != nil {
		if user, err := s.ledger.GetByID(ctx, txn.UserID); err == nil {
			who = fmt.Sprintf(" from user %d", user.TelegramID)
		}
	}

	s.auditLog(ctx, "payment.disputed", stored, map[string]any{
		"provider_payment_id": event.ProviderPaymentID,
		"amount_cents":        event.Amount,
		"currency":            event.Currency,
		"reason":              event.Reason,
	})
	s.log.Warn("payment disputed",
		zap.String("provider_payment_id", event.ProviderPaymentID),
		zap.String("reason", event.Reason),
	)
	s.notifyAdmin(ctx, fmt.Sprintf("⚠️ Dispute opened on %s%s: %s (%s). Respond in the provider dashboard.",
		event.ProviderPaymentID, who, formatAmount(event.Amount, event.Currency), event.Reason))
	return nil
}

func (s *Service) handleSubscriptionEnded(ctx context.Context, stored *domain.EventRecord, event *domain.PaymentEvent) error {
	user, err := s.resolveUser(ctx, event)
	if err != nil {
		return err
	}
	if user != nil && user.AutoRechargeEnabled {
		if err := s.ledger.SetAutoRecharge(ctx, ledgerdomain.SetAutoRechargeRequest{
			TelegramID: user.TelegramID,
			Enabled:    false,
		}); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, now); err != nil {
		return err
	}

	metadata := map[string]any{"billing_customer_id": event.BillingCustomerID}
	if user != nil {
		metadata["telegram_id"] = user.TelegramID
	}
	s.auditLog(ctx, "payment.subscription_ended", stored, metadata)
	if user != nil && user.AutoRechargeEnabled {
		s.notifyUser(ctx, user.TelegramID,
			"Auto-recharge was turned off because your saved payment method is no longer available.")
	}
	return nil
}

// settleOrphan records an event that could not be tied to a user or
// transaction. It is marked processed so the provider stops retrying; the
// admin decides what to do with the money.
func (s *Service) settleOrphan(ctx context.Context, stored *domain.EventRecord, event *domain.PaymentEvent, why string) error {
	now := time.Now().UTC()
	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, now); err != nil {
		return err
	}

	s.log.Warn("payment event unresolvable",
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("provider_payment_id", event.ProviderPaymentID),
		zap.String("reason", why),
	)
	s.auditLog(ctx, "payment.orphaned", stored, map[string]any{
		"provider_payment_id": event.ProviderPaymentID,
		"amount_cents":        event.Amount,
		"currency":            event.Currency,
		"reason":              why,
	})
	s.notifyAdmin(ctx, fmt.Sprintf("⚠️ Payment event %s (%s, %s) could not be matched to a user: %s.",
		event.ProviderEventID, event.ProviderPaymentID, formatAmount(event.Amount, event.Currency), why))
	return nil
}

// failUnknownProduct records the payment as a failed transaction so the money
// trail exists even though nothing was granted.
func (s *Service) failUnknownProduct(ctx context.Context, stored *domain.EventRecord, event *domain.PaymentEvent, user *ledgerdomain.User) error {
	key := transactionKey(event)
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.transactionRepo.LockByIdempotencyKey(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing == nil {
			record := transactiondomain.Transaction{
				ID:               s.genID.Generate(),
				UserID:           user.ID,
				IdempotencyKey:   key,
				ProviderChargeID: event.ProviderPaymentID,
				AmountCents:      event.Amount,
				Status:           transactiondomain.TransactionStatusFailed,
				Description:      "payment for unknown product",
				Metadata: datatypes.JSONMap{
					"failure_reason":    "unknown_product",
					"provider_event_id": event.ProviderEventID,
				},
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := s.transactionRepo.Insert(ctx, tx, &record); err != nil {
				return err
			}
		} else if existing.Status == transactiondomain.TransactionStatusPending {
			swapped, err := s.transactionRepo.TransitionStatus(ctx, tx, existing.ID,
				transactiondomain.TransactionStatusPending, transactiondomain.TransactionStatusFailed, now)
			if err != nil {
				return err
			}
			if swapped {
				meta := datatypes.JSONMap{}
				for k, v := range existing.Metadata {
					meta[k] = v
				}
				meta["failure_reason"] = "unknown_product"
				if err := s.transactionRepo.SetMetadata(ctx, tx, existing.ID, meta, now); err != nil {
					return err
				}
			}
		}
		return s.repo.MarkProcessed(ctx, tx, stored.ID, now)
	})
	if err != nil {
		return err
	}

	s.log.Warn("payment references no catalog product",
		zap.Int64("telegram_id", user.TelegramID),
		zap.String("provider_payment_id", event.ProviderPaymentID),
	)
	s.auditLog(ctx, "payment.unknown_product", stored, map[string]any{
		"telegram_id":         user.TelegramID,
		"provider_payment_id": event.ProviderPaymentID,
		"amount_cents":        event.Amount,
	})
	s.notifyAdmin(ctx, fmt.Sprintf("⚠️ Payment %s from user %d (%s) references no catalog product; recorded as failed, nothing granted.",
		event.ProviderPaymentID, user.TelegramID, formatAmount(event.Amount, event.Currency)))
	return nil
}

// resolveUser works through the identifiers an event may carry, strongest
// first: the metadata telegram id, the metadata transaction id, then the
// provider's billing customer id.
func (s *Service) resolveUser(ctx context.Context, event *domain.PaymentEvent) (*ledgerdomain.User, error) {
	if event.TelegramID > 0 {
		user, err := s.ledger.GetByTelegramID(ctx, event.TelegramID)
		if err == nil {
			return &user, nil
		}
		if !errors.Is(err, ledgerdomain.ErrNotFound) {
			return nil, err
		}
	}
	if event.TransactionID != 0 {
		txn, err := s.transactionRepo.FindByID(ctx, s.db, event.TransactionID)
		if err != nil {
			return nil, err
		}
		if txn != nil {
			user, err := s.ledger.GetByID(ctx, txn.UserID)
			if err == nil {
				return &user, nil
			}
			if !errors.Is(err, ledgerdomain.ErrNotFound) {
				return nil, err
			}
		}
	}
	if event.BillingCustomerID != "" {
		user, err := s.ledger.GetByBillingCustomerID(ctx, event.BillingCustomerID)
		if err == nil {
			return &user, nil
		}
		if !errors.Is(err, ledgerdomain.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func (s *Service) resolveProduct(ctx context.Context, event *domain.PaymentEvent) (*catalogdomain.Product, error) {
	productID := event.ProductID
	if productID == 0 && event.TransactionID != 0 {
		txn, err := s.transactionRepo.FindByID(ctx, s.db, event.TransactionID)
		if err != nil {
			return nil, err
		}
		if txn != nil {
			productID = txn.ProductID
		}
	}
	if productID == 0 {
		return nil, nil
	}

	product, err := s.catalog.Resolve(ctx, catalogdomain.ProductRef{ProductID: productID.String()})
	if err != nil {
		if errors.Is(err, catalogdomain.ErrUnknownProduct) || errors.Is(err, catalogdomain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &product, nil
}

func (s *Service) findRefundTarget(ctx context.Context, event *domain.PaymentEvent) (*transactiondomain.Transaction, error) {
	if key := strings.TrimSpace(event.IdempotencyKey); key != "" {
		txn, err := s.transactionRepo.FindByIdempotencyKey(ctx, s.db, key)
		if err != nil {
			return nil, err
		}
		if txn != nil {
			return txn, nil
		}
	}
	if paymentID := strings.TrimSpace(event.ProviderPaymentID); paymentID != "" {
		txn, err := s.transactionRepo.FindByProviderChargeID(ctx, s.db, paymentID)
		if err != nil {
			return nil, err
		}
		if txn != nil {
			return txn, nil
		}
	}
	if event.TransactionID != 0 {
		txn, err := s.transactionRepo.FindByID(ctx, s.db, event.TransactionID)
		if err != nil {
			return nil, err
		}
		if txn != nil {
			return txn, nil
		}
	}
	return nil, nil
}

func transactionKey(event *domain.PaymentEvent) string {
	if key := strings.TrimSpace(event.IdempotencyKey); key != "" {
		return key
	}
	return event.Provider + ":" + event.ProviderEventID
}

func failureReason(event *domain.PaymentEvent) string {
	if reason := strings.TrimSpace(event.Reason); reason != "" {
		return reason
	}
	return "payment_failed"
}

func grantText(product catalogdomain.Product, balance int64) string {
	name := html.EscapeString(product.Name)
	if product.GrantType == catalogdomain.GrantTypeTime {
		granted := (time.Duration(product.GrantAmount) * time.Second).String()
		return fmt.Sprintf("✅ Payment received for <b>%s</b>. %s of access added.", name, granted)
	}
	return fmt.Sprintf("✅ Payment received for <b>%s</b>. +%d credits, new balance %d.",
		name, product.GrantAmount, balance)
}

func formatAmount(cents int64, currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "USD"
	}
	whole := cents / 100
	frac := cents % 100
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%02d %s", whole, frac, currency)
}

func (s *Service) notifyUser(ctx context.Context, telegramID int64, text string) {
	if s.routing == nil || telegramID <= 0 {
		return
	}
	if err := s.routing.NotifyUser(ctx, telegramID, text); err != nil {
		s.log.Warn("payment notification not delivered",
			zap.Int64("telegram_id", telegramID),
			zap.Error(err),
		)
	}
}

func (s *Service) notifyAdmin(ctx context.Context, text string) {
	if s.routing == nil {
		return
	}
	if err := s.routing.NotifyAdmin(ctx, text); err != nil {
		s.log.Warn("admin notification not delivered", zap.Error(err))
	}
}

func (s *Service) auditLog(ctx context.Context, action string, stored *domain.EventRecord, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["provider"] = stored.Provider
	metadata["provider_event_id"] = stored.ProviderEventID
	metadata["event_type"] = stored.EventType

	target := stored.ID.String()
	if err := s.audit.AuditLog(ctx, "", nil, action, "payment_event", &target, metadata); err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}
