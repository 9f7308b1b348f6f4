package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/nsxo/enterprise-telegram-bot/internal/audit/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/cache"
	catalogdomain "github.com/nsxo/enterprise-telegram-bot/internal/catalog/domain"
	catalogrepo "github.com/nsxo/enterprise-telegram-bot/internal/catalog/repository"
	catalogservice "github.com/nsxo/enterprise-telegram-bot/internal/catalog/service"
	"github.com/nsxo/enterprise-telegram-bot/internal/checkout/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/config"
	conversationdomain "github.com/nsxo/enterprise-telegram-bot/internal/conversation/domain"
	ledgerdomain "github.com/nsxo/enterprise-telegram-bot/internal/ledger/domain"
	ledgerrepo "github.com/nsxo/enterprise-telegram-bot/internal/ledger/repository"
	ledgerservice "github.com/nsxo/enterprise-telegram-bot/internal/ledger/service"
	"github.com/nsxo/enterprise-telegram-bot/internal/providers/billing"
	transactionrepo "github.com/nsxo/enterprise-telegram-bot/internal/transaction/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeAudit struct {
	actions []string
}

func (f *fakeAudit) AuditLog(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeAudit) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

type fakeBilling struct {
	customers   int
	sessions    []billing.CheckoutSessionRequest
	customerErr error
	sessionErr  error
}

func (f *fakeBilling) CreateCustomer(ctx context.Context, req billing.CreateCustomerRequest) (string, error) {
	if f.customerErr != nil {
		return "", f.customerErr
	}
	f.customers++
	return fmt.Sprintf("cus_%d", f.customers), nil
}

func (f *fakeBilling) CreateCheckoutSession(ctx context.Context, req billing.CheckoutSessionRequest) (billing.CheckoutSession, error) {
	if f.sessionErr != nil {
		return billing.CheckoutSession{}, f.sessionErr
	}
	f.sessions = append(f.sessions, req)
	id := fmt.Sprintf("cs_test_%d", len(f.sessions))
	return billing.CheckoutSession{ID: id, URL: "https://checkout.example.com/pay/" + id}, nil
}

func (f *fakeBilling) CreatePaymentIntent(ctx context.Context, req billing.PaymentIntentRequest) (billing.PaymentIntent, error) {
	return billing.PaymentIntent{ID: "pi_test_1", Status: "processing"}, nil
}

func (f *fakeBilling) Ping(ctx context.Context) error { return nil }

type stubConversations struct{}

func (stubConversations) GetOrCreateThread(ctx context.Context, req conversationdomain.GetOrCreateThreadRequest) (*conversationdomain.Conversation, bool, error) {
	return nil, false, nil
}

func (stubConversations) ResolveUserForThread(ctx context.Context, workspaceID int64, topicID int) (snowflake.ID, error) {
	return 0, conversationdomain.ErrNotFound
}

func (stubConversations) ResolveUserForAdminMessage(ctx context.Context, workspaceID int64, adminMessageID int) (*conversationdomain.MessageRef, error) {
	return nil, nil
}

func (stubConversations) CloseThread(ctx context.Context, workspaceID int64, topicID int) error {
	return nil
}

func (stubConversations) ArchiveThread(ctx context.Context, workspaceID int64, topicID int, reason string) error {
	return nil
}

func (stubConversations) ArchiveThreadForUser(ctx context.Context, userID snowflake.ID, workspaceID int64, reason string) error {
	return nil
}

func (stubConversations) TouchActivity(ctx context.Context, id snowflake.ID, at time.Time) error {
	return nil
}

func (stubConversations) MarkRead(ctx context.Context, workspaceID int64, topicID int) error {
	return nil
}

func (stubConversations) SetPinnedMessage(ctx context.Context, id snowflake.ID, messageID int) error {
	return nil
}

func (stubConversations) RecordMessageRef(ctx context.Context, req conversationdomain.RecordMessageRefRequest) error {
	return nil
}

func (stubConversations) List(ctx context.Context, req conversationdomain.ListConversationRequest) (*conversationdomain.ListConversationResponse, error) {
	return &conversationdomain.ListConversationResponse{}, nil
}

func setupCheckoutDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_checkout_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	// SQLite support hack: remove FOR UPDATE clauses
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	})
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	})

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE users (
			id INTEGER PRIMARY KEY,
			telegram_id INTEGER NOT NULL UNIQUE,
			username TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			credits INTEGER NOT NULL DEFAULT 0,
			tier TEXT NOT NULL DEFAULT 'basic',
			billing_customer_id TEXT NOT NULL DEFAULT '',
			is_banned INTEGER NOT NULL DEFAULT 0,
			banned_at DATETIME,
			ban_reason TEXT NOT NULL DEFAULT '',
			auto_recharge_enabled INTEGER NOT NULL DEFAULT 0,
			auto_recharge_threshold INTEGER NOT NULL DEFAULT 0,
			auto_recharge_product_id INTEGER NOT NULL DEFAULT 0,
			last_seen_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE products (
			id INTEGER PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			provider_price_id TEXT NOT NULL,
			grant_type TEXT NOT NULL,
			grant_amount INTEGER NOT NULL,
			price_cents INTEGER NOT NULL,
			currency TEXT NOT NULL DEFAULT 'usd',
			sort_order INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE transactions (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL,
			product_id INTEGER NOT NULL DEFAULT 0,
			idempotency_key TEXT NOT NULL UNIQUE,
			provider_charge_id TEXT NOT NULL DEFAULT '',
			provider_session_id TEXT NOT NULL DEFAULT '',
			amount_cents INTEGER NOT NULL DEFAULT 0,
			credits_granted INTEGER NOT NULL DEFAULT 0,
			time_granted_seconds INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			description TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}

	return db
}

type checkoutFixture struct {
	svc     domain.Service
	db      *gorm.DB
	node    *snowflake.Node
	ledger  ledgerdomain.Service
	billing *fakeBilling
	audit   *fakeAudit
}

func newCheckoutFixture(t *testing.T) checkoutFixture {
	t.Helper()

	db := setupCheckoutDB(t)
	node, err := snowflake.NewNode(13)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	audit := &fakeAudit{}
	provider := &fakeBilling{}
	resolver := cache.NewBotResolverCache()

	ledgerSvc := ledgerservice.New(ledgerservice.Params{
		Cfg:           config.Config{AdminWorkspaceID: -1009900},
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Repo:          ledgerrepo.Provide(),
		Cache:         resolver,
		Audit:         audit,
		Conversations: stubConversations{},
	})
	catalogSvc := catalogservice.New(catalogservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  catalogrepo.Provide(),
	})
	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Cfg: config.Config{
			CheckoutSuccessURL: "https://t.me/supportbot?start=paid",
			CheckoutCancelURL:  "https://t.me/supportbot?start=cancelled",
		},
		TransactionRepo: transactionrepo.Provide(),
		Catalog:         catalogSvc,
		Ledger:          ledgerSvc,
		Billing:         provider,
		Audit:           audit,
	})

	return checkoutFixture{
		svc:     svc,
		db:      db,
		node:    node,
		ledger:  ledgerSvc,
		billing: provider,
		audit:   audit,
	}
}

func seedProduct(t *testing.T, fx checkoutFixture, slug, name, grantType string, grantAmount, priceCents int64, active bool) snowflake.ID {
	t.Helper()

	id := fx.node.Generate()
	now := time.Now().UTC()
	activeFlag := 0
	if active {
		activeFlag = 1
	}
	err := fx.db.Exec(
		`INSERT INTO products (id, slug, name, provider_price_id, grant_type, grant_amount, price_cents, currency, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'usd', ?, ?, ?)`,
		id, slug, name, "price_"+slug, grantType, grantAmount, priceCents, activeFlag, now, now,
	).Error
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return id
}

func countRows(t *testing.T, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()

	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return count
}

func TestCreateSessionFirstPurchase(t *testing.T) {
	fx := newCheckoutFixture(t)
	ctx := context.Background()
	seedProduct(t, fx, "credits-500", "Starter Pack", "credits", 500, 999, true)

	session, err := fx.svc.CreateSession(ctx, domain.CreateSessionRequest{
		TelegramID: 7555,
		Product:    "credits-500",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if session.PaymentURL != "https://checkout.example.com/pay/cs_test_1" {
		t.Fatalf("unexpected payment url: %s", session.PaymentURL)
	}
	if session.ProductName != "Starter Pack" || session.AmountCents != 999 {
		t.Fatalf("unexpected session summary: %+v", session)
	}
	if session.IdempotencyKey == "" {
		t.Fatalf("expected a fresh idempotency key")
	}

	// The buyer row is created on the fly and linked to the new customer.
	var customerID string
	if err := fx.db.Raw("SELECT billing_customer_id FROM users WHERE telegram_id = ?", int64(7555)).Scan(&customerID).Error; err != nil {
		t.Fatalf("scan billing_customer_id: %v", err)
	}
	if customerID != "cus_1" {
		t.Fatalf("expected billing customer cus_1, got %q", customerID)
	}

	if got := countRows(t, fx.db, "SELECT COUNT(1) FROM transactions WHERE status = 'pending' AND credits_granted = 500 AND provider_session_id = 'cs_test_1'"); got != 1 {
		t.Fatalf("expected 1 pending transaction with session id, got %d", got)
	}

	if len(fx.billing.sessions) != 1 {
		t.Fatalf("expected 1 provider session call, got %d", len(fx.billing.sessions))
	}
	req := fx.billing.sessions[0]
	if req.CustomerID != "cus_1" || req.PriceID != "price_credits-500" {
		t.Fatalf("unexpected provider request: %+v", req)
	}
	if req.SuccessURL != "https://t.me/supportbot?start=paid" {
		t.Fatalf("unexpected success url: %s", req.SuccessURL)
	}
	if req.Metadata["telegram_id"] != strconv.FormatInt(7555, 10) {
		t.Fatalf("expected telegram_id metadata, got %v", req.Metadata)
	}
	if req.Metadata["transaction_id"] != session.TransactionID.String() {
		t.Fatalf("expected transaction_id metadata to match, got %v", req.Metadata)
	}
	if req.Metadata["idempotency_key"] != session.IdempotencyKey || req.IdempotencyKey != session.IdempotencyKey {
		t.Fatalf("expected idempotency key threaded through, got %+v", req)
	}
}

func TestCreateSessionReusesBillingCustomer(t *testing.T) {
	fx := newCheckoutFixture(t)
	ctx := context.Background()
	seedProduct(t, fx, "credits-500", "Starter Pack", "credits", 500, 999, true)

	if _, err := fx.ledger.UpsertUser(ctx, ledgerdomain.UpsertUserRequest{TelegramID: 7556, FirstName: "Ada"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if err := fx.ledger.LinkBillingCustomer(ctx, 7556, "cus_existing"); err != nil {
		t.Fatalf("link billing customer: %v", err)
	}

	if _, err := fx.svc.CreateSession(ctx, domain.CreateSessionRequest{TelegramID: 7556, Product: "credits-500"}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if fx.billing.customers != 0 {
		t.Fatalf("expected no customer creation, got %d", fx.billing.customers)
	}
	if fx.billing.sessions[0].CustomerID != "cus_existing" {
		t.Fatalf("expected reuse of cus_existing, got %s", fx.billing.sessions[0].CustomerID)
	}
}

func TestCreateSessionByProductID(t *testing.T) {
	fx := newCheckoutFixture(t)
	ctx := context.Background()
	productID := seedProduct(t, fx, "day-pass", "Day Pass", "time_seconds", 86400, 1500, true)

	session, err := fx.svc.CreateSession(ctx, domain.CreateSessionRequest{
		TelegramID: 7557,
		Product:    productID.String(),
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.ProductName != "Day Pass" {
		t.Fatalf("expected Day Pass, got %s", session.ProductName)
	}

	if got := countRows(t, fx.db, "SELECT COUNT(1) FROM transactions WHERE time_granted_seconds = 86400 AND credits_granted = 0"); got != 1 {
		t.Fatalf("expected time grant on transaction, got %d matching rows", got)
	}
}

func TestCreateSessionInactiveProductRefused(t *testing.T) {
	fx := newCheckoutFixture(t)
	ctx := context.Background()
	seedProduct(t, fx, "legacy-pack", "Legacy Pack", "credits", 100, 499, false)

	_, err := fx.svc.CreateSession(ctx, domain.CreateSessionRequest{TelegramID: 7558, Product: "legacy-pack"})
	if !errors.Is(err, domain.ErrProductInactive) {
		t.Fatalf("expected ErrProductInactive, got %v", err)
	}
	if got := countRows(t, fx.db, "SELECT COUNT(1) FROM transactions"); got != 0 {
		t.Fatalf("expected no transactions, got %d", got)
	}
}

func TestCreateSessionUnknownProduct(t *testing.T) {
	fx := newCheckoutFixture(t)

	_, err := fx.svc.CreateSession(context.Background(), domain.CreateSessionRequest{TelegramID: 7559, Product: "mega-pack"})
	if !errors.Is(err, catalogdomain.ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
}

func TestCreateSessionBannedUserRefused(t *testing.T) {
	fx := newCheckoutFixture(t)
	ctx := context.Background()
	seedProduct(t, fx, "credits-500", "Starter Pack", "credits", 500, 999, true)

	if _, err := fx.ledger.UpsertUser(ctx, ledgerdomain.UpsertUserRequest{TelegramID: 7560, FirstName: "Mallory"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if err := fx.ledger.Ban(ctx, ledgerdomain.BanUserRequest{TelegramID: 7560, Reason: "chargeback abuse"}); err != nil {
		t.Fatalf("ban user: %v", err)
	}

	_, err := fx.svc.CreateSession(ctx, domain.CreateSessionRequest{TelegramID: 7560, Product: "credits-500"})
	if !errors.Is(err, ledgerdomain.ErrUserBanned) {
		t.Fatalf("expected ErrUserBanned, got %v", err)
	}
	if fx.billing.customers != 0 || len(fx.billing.sessions) != 0 {
		t.Fatalf("expected no provider calls for banned user")
	}
	if got := countRows(t, fx.db, "SELECT COUNT(1) FROM transactions"); got != 0 {
		t.Fatalf("expected no transactions, got %d", got)
	}
}

func TestCreateSessionProviderFailureMarksTransactionFailed(t *testing.T) {
	fx := newCheckoutFixture(t)
	ctx := context.Background()
	seedProduct(t, fx, "credits-500", "Starter Pack", "credits", 500, 999, true)
	fx.billing.sessionErr = errors.New("provider unavailable")

	_, err := fx.svc.CreateSession(ctx, domain.CreateSessionRequest{TelegramID: 7561, Product: "credits-500"})
	if err == nil || !strings.Contains(err.Error(), "provider unavailable") {
		t.Fatalf("expected provider error, got %v", err)
	}

	var status string
	if err := fx.db.Raw("SELECT status FROM transactions LIMIT 1").Scan(&status).Error; err != nil {
		t.Fatalf("scan status: %v", err)
	}
	if status != "failed" {
		t.Fatalf("expected failed transaction, got %s", status)
	}
	var metadata string
	if err := fx.db.Raw("SELECT metadata FROM transactions LIMIT 1").Scan(&metadata).Error; err != nil {
		t.Fatalf("scan metadata: %v", err)
	}
	if !strings.Contains(metadata, "session_create_failed") {
		t.Fatalf("expected session_create_failed in metadata, got %s", metadata)
	}
}
