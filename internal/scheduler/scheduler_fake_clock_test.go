package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/nsxo/enterprise-telegram-bot/internal/audit/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/cache"
	catalogdomain "github.com/nsxo/enterprise-telegram-bot/internal/catalog/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/clock"
	conversationdomain "github.com/nsxo/enterprise-telegram-bot/internal/conversation/domain"
	ledgerrepository "github.com/nsxo/enterprise-telegram-bot/internal/ledger/repository"
	obsmetrics "github.com/nsxo/enterprise-telegram-bot/internal/observability/metrics"
	"github.com/nsxo/enterprise-telegram-bot/internal/providers/billing"
	settingsdomain "github.com/nsxo/enterprise-telegram-bot/internal/settings/domain"
	transactionrepository "github.com/nsxo/enterprise-telegram-bot/internal/transaction/repository"
	transactionservice "github.com/nsxo/enterprise-telegram-bot/internal/transaction/service"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mocks for dependencies. The transaction service is real so the pending-row
// claim filter is exercised against actual rows.

type closedThread struct {
	workspaceID int64
	topicID     int
}

type mockConversationSvc struct {
	db     *gorm.DB
	closed []closedThread
}

func (m *mockConversationSvc) GetOrCreateThread(context.Context, conversationdomain.GetOrCreateThreadRequest) (*conversationdomain.Conversation, bool, error) {
	return nil, false, nil
}
func (m *mockConversationSvc) ResolveUserForThread(context.Context, int64, int) (snowflake.ID, error) {
	return 0, nil
}
func (m *mockConversationSvc) ResolveUserForAdminMessage(context.Context, int64, int) (*conversationdomain.MessageRef, error) {
	return nil, nil
}
func (m *mockConversationSvc) CloseThread(ctx context.Context, workspaceID int64, topicID int) error {
	m.closed = append(m.closed, closedThread{workspaceID: workspaceID, topicID: topicID})
	return m.db.Exec(
		`UPDATE conversations SET status = 'closed' WHERE workspace_id = ? AND topic_id = ?`,
		workspaceID, topicID,
	).Error
}
func (m *mockConversationSvc) ArchiveThread(context.Context, int64, int, string) error { return nil }
func (m *mockConversationSvc) ArchiveThreadForUser(context.Context, snowflake.ID, int64, string) error {
	return nil
}
func (m *mockConversationSvc) TouchActivity(context.Context, snowflake.ID, time.Time) error {
	return nil
}
func (m *mockConversationSvc) MarkRead(context.Context, int64, int) error { return nil }
func (m *mockConversationSvc) SetPinnedMessage(context.Context, snowflake.ID, int) error {
	return nil
}
func (m *mockConversationSvc) RecordMessageRef(context.Context, conversationdomain.RecordMessageRefRequest) error {
	return nil
}
func (m *mockConversationSvc) List(context.Context, conversationdomain.ListConversationRequest) (*conversationdomain.ListConversationResponse, error) {
	return &conversationdomain.ListConversationResponse{}, nil
}

type mockCatalogSvc struct {
	product catalogdomain.Product
}

func (m *mockCatalogSvc) Sync(context.Context, []catalogdomain.CatalogEntry) (catalogdomain.SyncResult, error) {
	return catalogdomain.SyncResult{}, nil
}
func (m *mockCatalogSvc) Get(context.Context, string) (catalogdomain.Product, error) {
	return m.product, nil
}
func (m *mockCatalogSvc) GetBySlug(context.Context, string) (catalogdomain.Product, error) {
	return m.product, nil
}
func (m *mockCatalogSvc) Resolve(ctx context.Context, ref catalogdomain.ProductRef) (catalogdomain.Product, error) {
	if ref.ProductID != m.product.ID.String() {
		return catalogdomain.Product{}, catalogdomain.ErrNotFound
	}
	return m.product, nil
}
func (m *mockCatalogSvc) List(context.Context, bool) ([]catalogdomain.Product, error) {
	return []catalogdomain.Product{m.product}, nil
}

type mockSettingsSvc struct {
	autoCloseDays int64
}

func (m *mockSettingsSvc) Get(context.Context, string) (settingsdomain.Setting, error) {
	return settingsdomain.Setting{}, nil
}
func (m *mockSettingsSvc) Set(context.Context, settingsdomain.SetSettingRequest) (settingsdomain.Setting, error) {
	return settingsdomain.Setting{}, nil
}
func (m *mockSettingsSvc) List(context.Context) ([]settingsdomain.Setting, error) { return nil, nil }
func (m *mockSettingsSvc) Text(ctx context.Context, key, def string) string      { return def }
func (m *mockSettingsSvc) Bool(ctx context.Context, key string, def bool) bool   { return def }
func (m *mockSettingsSvc) Int(ctx context.Context, key string, def int64) int64 {
	if key == settingsdomain.KeyAutoCloseDays {
		return m.autoCloseDays
	}
	return def
}

type mockBillingProvider struct {
	intents  []billing.PaymentIntentRequest
	failWith error
}

func (m *mockBillingProvider) CreateCustomer(context.Context, billing.CreateCustomerRequest) (string, error) {
	return "cus_mock", nil
}
func (m *mockBillingProvider) CreateCheckoutSession(context.Context, billing.CheckoutSessionRequest) (billing.CheckoutSession, error) {
	return billing.CheckoutSession{}, nil
}
func (m *mockBillingProvider) CreatePaymentIntent(ctx context.Context, req billing.PaymentIntentRequest) (billing.PaymentIntent, error) {
	if m.failWith != nil {
		return billing.PaymentIntent{}, m.failWith
	}
	m.intents = append(m.intents, req)
	return billing.PaymentIntent{ID: fmt.Sprintf("pi_%d", len(m.intents)), Status: "requires_confirmation"}, nil
}
func (m *mockBillingProvider) Ping(context.Context) error { return nil }

type mockAuthzSvc struct{}

func (m *mockAuthzSvc) Authorize(ctx context.Context, actor, object, action string) error {
	return nil
}

type mockAuditSvc struct {
	actions []string
}

func (m *mockAuditSvc) AuditLog(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	m.actions = append(m.actions, action)
	return nil
}
func (m *mockAuditSvc) List(context.Context, auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func (m *mockAuditSvc) count(action string) int {
	n := 0
	for _, a := range m.actions {
		if a == action {
			n++
		}
	}
	return n
}

type schedulerFixture struct {
	sched   *Scheduler
	db      *gorm.DB
	clock   *clock.FakeClock
	node    *snowflake.Node
	billing *mockBillingProvider
	convo   *mockConversationSvc
	audit   *mockAuditSvc
	product catalogdomain.Product
	start   time.Time
}

func setupSchedulerDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_scheduler_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

	if err := db.Exec(`
		CREATE TABLE users (
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
		)
	`).Error; err != nil {
		t.Fatalf("create users table: %v", err)
	}
	if err := db.Exec(`
		CREATE TABLE transactions (
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
		)
	`).Error; err != nil {
		t.Fatalf("create transactions table: %v", err)
	}
	if err := db.Exec(`
		CREATE TABLE conversations (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL,
			workspace_id INTEGER NOT NULL,
			topic_id INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			last_user_message_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`).Error; err != nil {
		t.Fatalf("create conversations table: %v", err)
	}

	return db
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()

	db := setupSchedulerDB(t)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	startTime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fakeClock := clock.NewFakeClock(startTime)

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "test", Environment: "test"})

	audit := &mockAuditSvc{}
	txnSvc := transactionservice.New(transactionservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Repo:       transactionrepository.Provide(),
		LedgerRepo: ledgerrepository.Provide(),
		Cache:      cache.NewBotResolverCache(),
		Audit:      audit,
	})

	catalogSvc := &mockCatalogSvc{product: catalogdomain.Product{
		ID:          node.Generate(),
		Slug:        "credits-500",
		Name:        "500 Credits",
		GrantType:   catalogdomain.GrantTypeCredits,
		GrantAmount: 500,
		PriceCents:  999,
		Currency:    "usd",
		Active:      true,
	}}
	billingMock := &mockBillingProvider{}
	convoSvc := &mockConversationSvc{db: db}

	sched, err := New(Params{
		DB:              db,
		Log:             zap.NewNop(),
		ConversationSvc: convoSvc,
		TransactionSvc:  txnSvc,
		CatalogSvc:      catalogSvc,
		SettingsSvc:     &mockSettingsSvc{autoCloseDays: 7},
		Billing:         billingMock,
		AuthzSvc:        &mockAuthzSvc{},
		AuditSvc:        audit,
		GenID:           node,
		Clock:           fakeClock,
		Config: Config{
			RunInterval:           time.Minute,
			BatchSize:             10,
			MaxRechargeBatchSize:  10,
			MaxAutocloseBatchSize: 10,
		},
	})
	if err != nil {
		t.Fatalf("New scheduler: %v", err)
	}

	return &schedulerFixture{
		sched:   sched,
		db:      db,
		clock:   fakeClock,
		node:    node,
		billing: billingMock,
		convo:   convoSvc,
		audit:   audit,
		product: catalogSvc.product,
		start:   startTime,
	}
}

func (f *schedulerFixture) seedRechargeUser(t *testing.T, telegramID, credits, threshold int64, productID snowflake.ID) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	err := f.db.Exec(
		`INSERT INTO users (id, telegram_id, credits, billing_customer_id, auto_recharge_enabled,
		                    auto_recharge_threshold, auto_recharge_product_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, telegramID, credits, fmt.Sprintf("cus_%d", telegramID), true,
		threshold, productID, f.start, f.start,
	).Error
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func (f *schedulerFixture) seedConversation(t *testing.T, userID snowflake.ID, workspaceID int64, topicID int, lastUserMessageAt time.Time) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	err := f.db.Exec(
		`INSERT INTO conversations (id, user_id, workspace_id, topic_id, status, last_user_message_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'open', ?, ?, ?)`,
		id, userID, workspaceID, topicID, lastUserMessageAt, f.start, f.start,
	).Error
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return id
}

func (f *schedulerFixture) countTransactions(t *testing.T, status string) int {
	t.Helper()
	var n int
	var err error
	if status == "" {
		err = f.db.Raw(`SELECT COUNT(*) FROM transactions`).Scan(&n).Error
	} else {
		err = f.db.Raw(`SELECT COUNT(*) FROM transactions WHERE status = ?`, status).Scan(&n).Error
	}
	if err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	return n
}

// TestScheduler_RunOnce_FakeClock verifies both jobs over a simulated
// ten-day period: one recharge intent per qualifying user regardless of how
// many runs happen while its transaction is pending, and exactly one close
// once the idle window elapses.
func TestScheduler_RunOnce_FakeClock(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	f := newSchedulerFixture(t)
	ctx := context.Background()

	productID := f.product.ID
	userID := f.seedRechargeUser(t, 1001, 100, 500, productID)
	f.seedConversation(t, userID, -100123, 77, f.start)

	if err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed at start: %v", err)
	}

	if len(f.billing.intents) != 1 {
		t.Fatalf("expected 1 payment intent, got %d", len(f.billing.intents))
	}
	intent := f.billing.intents[0]
	if intent.CustomerID != "cus_1001" {
		t.Fatalf("expected customer cus_1001, got %s", intent.CustomerID)
	}
	if intent.AmountCents != 999 {
		t.Fatalf("expected amount 999, got %d", intent.AmountCents)
	}
	if intent.Metadata["telegram_id"] != "1001" {
		t.Fatalf("expected telegram_id metadata 1001, got %q", intent.Metadata["telegram_id"])
	}
	if intent.Metadata["product_id"] != productID.String() {
		t.Fatalf("expected product_id metadata %s, got %q", productID, intent.Metadata["product_id"])
	}
	if intent.IdempotencyKey == "" || intent.Metadata["idempotency_key"] != intent.IdempotencyKey {
		t.Fatalf("expected idempotency key metadata to match request, got %q vs %q",
			intent.Metadata["idempotency_key"], intent.IdempotencyKey)
	}

	var storedKey string
	if err := f.db.Raw(`SELECT idempotency_key FROM transactions WHERE user_id = ?`, userID).Scan(&storedKey).Error; err != nil {
		t.Fatalf("read transaction: %v", err)
	}
	if storedKey != intent.IdempotencyKey {
		t.Fatalf("transaction key %q does not match intent key %q", storedKey, intent.IdempotencyKey)
	}
	if got := f.countTransactions(t, "pending"); got != 1 {
		t.Fatalf("expected 1 pending transaction, got %d", got)
	}

	// The pending transaction keeps the user out of the next claim even
	// though the balance is still below the threshold.
	if err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce second pass: %v", err)
	}
	if len(f.billing.intents) != 1 {
		t.Fatalf("expected no second intent while pending, got %d", len(f.billing.intents))
	}

	// Too fresh to close on day one.
	if len(f.convo.closed) != 0 {
		t.Fatalf("expected no closes yet, got %d", len(f.convo.closed))
	}

	targetDate := f.start.AddDate(0, 0, 10)
	for f.clock.Now().Before(targetDate) {
		f.clock.Advance(24 * time.Hour)
		if err := f.sched.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce failed at %v: %v", f.clock.Now(), err)
		}
	}

	if len(f.convo.closed) != 1 {
		t.Fatalf("expected exactly 1 close over 10 days, got %d", len(f.convo.closed))
	}
	if f.convo.closed[0].workspaceID != -100123 || f.convo.closed[0].topicID != 77 {
		t.Fatalf("closed wrong thread: %+v", f.convo.closed[0])
	}
	var convStatus string
	if err := f.db.Raw(`SELECT status FROM conversations WHERE topic_id = 77`).Scan(&convStatus).Error; err != nil {
		t.Fatalf("read conversation: %v", err)
	}
	if convStatus != "closed" {
		t.Fatalf("expected conversation closed, got %s", convStatus)
	}

	// The webhook never arrived in this test, so the transaction stays
	// pending and no further intent is ever created.
	if len(f.billing.intents) != 1 {
		t.Fatalf("expected 1 intent after 10 days, got %d", len(f.billing.intents))
	}
	if got := f.countTransactions(t, ""); got != 1 {
		t.Fatalf("expected 1 transaction total, got %d", got)
	}

	if got := f.audit.count("auto_recharge.initiated"); got != 1 {
		t.Fatalf("expected 1 auto_recharge.initiated audit event, got %d", got)
	}
	if got := f.audit.count("conversation.autoclosed"); got != 1 {
		t.Fatalf("expected 1 conversation.autoclosed audit event, got %d", got)
	}

	processedLabels := map[string]string{
		"service":  "test",
		"env":      "test",
		"job":      "auto_recharge",
		"resource": "users",
	}
	if got := getCounterValue(t, registry, "telegrambot_scheduler_batch_processed_total", processedLabels); got != 1 {
		t.Fatalf("expected 1 user processed, got %v", got)
	}
	closedLabels := map[string]string{
		"service":  "test",
		"env":      "test",
		"job":      "conversation_autoclose",
		"resource": "conversations",
	}
	if got := getCounterValue(t, registry, "telegrambot_scheduler_batch_processed_total", closedLabels); got != 1 {
		t.Fatalf("expected 1 conversation processed, got %v", got)
	}
}

func TestAutoRechargeProviderFailureAbandonsTransaction(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.seedRechargeUser(t, 2002, 50, 500, f.product.ID)
	f.billing.failWith = errors.New("card_declined")

	if err := f.sched.RunOnce(ctx); err == nil {
		t.Fatal("expected RunOnce to report the provider failure")
	}
	if got := f.countTransactions(t, "failed"); got != 1 {
		t.Fatalf("expected 1 failed transaction, got %d", got)
	}
	if got := f.audit.count("auto_recharge.failed"); got != 1 {
		t.Fatalf("expected 1 auto_recharge.failed audit event, got %d", got)
	}

	// A failed transaction does not hold the claim; the next run tries
	// again under a fresh key.
	if err := f.sched.RunOnce(ctx); err == nil {
		t.Fatal("expected second RunOnce to report the provider failure")
	}
	if got := f.countTransactions(t, "failed"); got != 2 {
		t.Fatalf("expected 2 failed transactions, got %d", got)
	}

	f.billing.failWith = nil
	if err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce after recovery: %v", err)
	}
	if len(f.billing.intents) != 1 {
		t.Fatalf("expected 1 intent after recovery, got %d", len(f.billing.intents))
	}
	if got := f.countTransactions(t, "pending"); got != 1 {
		t.Fatalf("expected 1 pending transaction after recovery, got %d", got)
	}
	if got := f.countTransactions(t, ""); got != 3 {
		t.Fatalf("expected 3 transactions total, got %d", got)
	}
}
