package service

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
	"github.com/nsxo/enterprise-telegram-bot/internal/config"
	conversationrepository "github.com/nsxo/enterprise-telegram-bot/internal/conversation/repository"
	conversationservice "github.com/nsxo/enterprise-telegram-bot/internal/conversation/service"
	ledgerdomain "github.com/nsxo/enterprise-telegram-bot/internal/ledger/domain"
	ledgerrepository "github.com/nsxo/enterprise-telegram-bot/internal/ledger/repository"
	ledgerservice "github.com/nsxo/enterprise-telegram-bot/internal/ledger/service"
	"github.com/nsxo/enterprise-telegram-bot/internal/providers/telegram"
	"github.com/nsxo/enterprise-telegram-bot/internal/routing/domain"
	settingsdomain "github.com/nsxo/enterprise-telegram-bot/internal/settings/domain"
	settingsrepository "github.com/nsxo/enterprise-telegram-bot/internal/settings/repository"
	settingsservice "github.com/nsxo/enterprise-telegram-bot/internal/settings/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const workspaceID = int64(-1001234567890)

type reaction struct {
	messageID int
	emoji     string
}

// fakeTelegram records outbound calls and hands out incrementing topic and
// message ids the way the Bot API would.
type fakeTelegram struct {
	telegram.NoOpProvider

	nextTopicID   int
	nextMessageID int
	topics        []string
	sent          []telegram.SendMessageRequest
	copies        []telegram.CopyMessageRequest
	pinned        []int
	reactions     []reaction
	copyErr       error
	reactErr      error
	sendErr       error
}

func (f *fakeTelegram) SendMessage(ctx context.Context, req telegram.SendMessageRequest) (int, error) {
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.nextMessageID++
	f.sent = append(f.sent, req)
	return f.nextMessageID, nil
}

func (f *fakeTelegram) CopyMessage(ctx context.Context, req telegram.CopyMessageRequest) (int, error) {
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	f.nextMessageID++
	f.copies = append(f.copies, req)
	return f.nextMessageID, nil
}

func (f *fakeTelegram) CreateForumTopic(ctx context.Context, chatID int64, title string) (int, error) {
	f.nextTopicID++
	f.topics = append(f.topics, title)
	return f.nextTopicID, nil
}

func (f *fakeTelegram) PinMessage(ctx context.Context, chatID int64, messageID int) error {
	f.pinned = append(f.pinned, messageID)
	return nil
}

func (f *fakeTelegram) React(ctx context.Context, chatID int64, messageID int, emoji string) error {
	if f.reactErr != nil {
		return f.reactErr
	}
	f.reactions = append(f.reactions, reaction{messageID: messageID, emoji: emoji})
	return nil
}

func (f *fakeTelegram) sentTo(chatID int64) []telegram.SendMessageRequest {
	var out []telegram.SendMessageRequest
	for _, req := range f.sent {
		if req.ChatID == chatID {
			out = append(out, req)
		}
	}
	return out
}

func (f *fakeTelegram) copiesTo(chatID int64) []telegram.CopyMessageRequest {
	var out []telegram.CopyMessageRequest
	for _, req := range f.copies {
		if req.ToChatID == chatID {
			out = append(out, req)
		}
	}
	return out
}

type fakeAudit struct{}

func (f *fakeAudit) AuditLog(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	return nil
}

func (f *fakeAudit) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func setupRoutingDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_routing_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
		`CREATE TABLE conversations (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL,
			workspace_id INTEGER NOT NULL,
			topic_id INTEGER NOT NULL,
			pinned_message_id INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'open',
			unread_count INTEGER NOT NULL DEFAULT 0,
			last_user_message_at DATETIME,
			archived_at DATETIME,
			archive_reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (user_id, workspace_id),
			UNIQUE (workspace_id, topic_id)
		)`,
		`CREATE TABLE message_refs (
			id INTEGER PRIMARY KEY,
			workspace_id INTEGER NOT NULL,
			admin_message_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			topic_id INTEGER NOT NULL,
			user_message_id INTEGER NOT NULL,
			direction TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE (workspace_id, admin_message_id)
		)`,
		`CREATE TABLE bot_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT '',
			updated_by INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		)`,
	}
	for _, ddl := range schema {
		if err := db.Exec(ddl).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	return db
}

type routingFixture struct {
	svc      domain.Service
	db       *gorm.DB
	tg       *fakeTelegram
	ledger   ledgerdomain.Service
	settings settingsdomain.Service
}

func newRoutingFixture(t *testing.T) *routingFixture {
	t.Helper()

	db := setupRoutingDB(t)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	tg := &fakeTelegram{nextTopicID: 700, nextMessageID: 5000}
	resolverCache := cache.NewBotResolverCache()

	conversations := conversationservice.New(conversationservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     conversationrepository.Provide(),
		Telegram: tg,
	})
	ledger := ledgerservice.New(ledgerservice.Params{
		Cfg:           config.Config{AdminWorkspaceID: workspaceID},
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Repo:          ledgerrepository.Provide(),
		Cache:         resolverCache,
		Audit:         &fakeAudit{},
		Conversations: conversations,
	})
	settings := settingsservice.New(settingsservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Repo:  settingsrepository.Provide(),
		Cache: resolverCache,
	})

	svc := New(Params{
		Cfg:           config.Config{AdminWorkspaceID: workspaceID},
		Log:           zap.NewNop(),
		Ledger:        ledger,
		Conversations: conversations,
		Settings:      settings,
		Telegram:      tg,
	})

	return &routingFixture{
		svc:      svc,
		db:       db,
		tg:       tg,
		ledger:   ledger,
		settings: settings,
	}
}

func routeUser(t *testing.T, fx *routingFixture, telegramID int64, firstName string, messageID int) *domain.Delivery {
	t.Helper()
	delivery, err := fx.svc.RouteUserMessage(context.Background(), domain.InboundMessage{
		TelegramID: telegramID,
		FirstName:  firstName,
		MessageID:  messageID,
	})
	if err != nil {
		t.Fatalf("RouteUserMessage(%d): %v", telegramID, err)
	}
	return delivery
}

func TestRouteUserMessage_FirstContact(t *testing.T) {
	fx := newRoutingFixture(t)

	delivery := routeUser(t, fx, 7001, "Ada", 42)

	if !delivery.ThreadCreated {
		t.Fatal("expected a new thread on first contact")
	}
	if delivery.TopicID != 701 {
		t.Fatalf("expected topic 701, got %d", delivery.TopicID)
	}
	if len(fx.tg.topics) != 1 || fx.tg.topics[0] != "Ada" {
		t.Fatalf("expected one topic titled after the user, got %v", fx.tg.topics)
	}

	// The summary card sits pinned at the top of the topic.
	cards := fx.tg.sentTo(workspaceID)
	if len(cards) != 1 {
		t.Fatalf("expected one workspace message (the card), got %d", len(cards))
	}
	if !cards[0].HTML || cards[0].ThreadID != delivery.TopicID {
		t.Fatalf("card not posted into the topic as HTML: %+v", cards[0])
	}
	if !strings.Contains(cards[0].Text, "7001") || !strings.Contains(cards[0].Text, "Ada") {
		t.Fatalf("card is missing user identity: %q", cards[0].Text)
	}
	if len(fx.tg.pinned) != 1 {
		t.Fatalf("expected the card to be pinned, pins: %v", fx.tg.pinned)
	}
	var pinnedID int
	if err := fx.db.Raw(`SELECT pinned_message_id FROM conversations`).Scan(&pinnedID).Error; err != nil {
		t.Fatalf("read pinned id: %v", err)
	}
	if pinnedID != fx.tg.pinned[0] {
		t.Fatalf("pinned message id not persisted: db=%d pinned=%d", pinnedID, fx.tg.pinned[0])
	}

	// The user message itself was copied into the topic.
	if len(fx.tg.copies) != 1 {
		t.Fatalf("expected one copy, got %d", len(fx.tg.copies))
	}
	copied := fx.tg.copies[0]
	if copied.ToChatID != workspaceID || copied.ThreadID != delivery.TopicID || copied.MessageID != 42 {
		t.Fatalf("message copied to the wrong place: %+v", copied)
	}
	if delivery.DeliveredMessageID == 0 {
		t.Fatal("delivery must carry the admin-side message id")
	}

	// The ref row backs later reply resolution.
	var refCount int64
	if err := fx.db.Raw(`SELECT COUNT(*) FROM message_refs WHERE admin_message_id = ?`, delivery.DeliveredMessageID).Scan(&refCount).Error; err != nil {
		t.Fatalf("count refs: %v", err)
	}
	if refCount != 1 {
		t.Fatalf("expected 1 message ref, got %d", refCount)
	}

	// First contact greets with the welcome text.
	welcomes := fx.tg.sentTo(7001)
	if len(welcomes) != 1 || !strings.Contains(welcomes[0].Text, "Welcome") {
		t.Fatalf("expected a welcome ack, got %+v", welcomes)
	}
}

func TestRouteUserMessage_SecondMessageReusesThread(t *testing.T) {
	fx := newRoutingFixture(t)

	first := routeUser(t, fx, 7001, "Ada", 42)
	second := routeUser(t, fx, 7001, "Ada", 43)

	if second.ThreadCreated {
		t.Fatal("second message must not create a thread")
	}
	if second.TopicID != first.TopicID {
		t.Fatalf("expected topic reuse, got %d then %d", first.TopicID, second.TopicID)
	}
	if len(fx.tg.topics) != 1 {
		t.Fatalf("expected a single topic allocation, got %d", len(fx.tg.topics))
	}

	acks := fx.tg.sentTo(7001)
	if len(acks) != 2 {
		t.Fatalf("expected welcome + ack, got %d sends", len(acks))
	}
	if !strings.Contains(acks[1].Text, "received") {
		t.Fatalf("second ack should be the receipt text, got %q", acks[1].Text)
	}

	var unread int
	if err := fx.db.Raw(`SELECT unread_count FROM conversations`).Scan(&unread).Error; err != nil {
		t.Fatalf("read unread count: %v", err)
	}
	if unread != 2 {
		t.Fatalf("expected unread_count 2, got %d", unread)
	}
}

func TestRouteUserMessage_BannedRejected(t *testing.T) {
	fx := newRoutingFixture(t)
	ctx := context.Background()

	if _, err := fx.ledger.UpsertUser(ctx, ledgerdomain.UpsertUserRequest{TelegramID: 7001, FirstName: "Ada"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := fx.ledger.Ban(ctx, ledgerdomain.BanUserRequest{TelegramID: 7001, Reason: "spam"}); err != nil {
		t.Fatalf("Ban: %v", err)
	}

	_, err := fx.svc.RouteUserMessage(ctx, domain.InboundMessage{TelegramID: 7001, MessageID: 9})
	if !errors.Is(err, ledgerdomain.ErrUserBanned) {
		t.Fatalf("expected ErrUserBanned, got %v", err)
	}

	if len(fx.tg.topics) != 0 || len(fx.tg.copies) != 0 {
		t.Fatalf("banned user must trigger no thread work: topics=%v copies=%v", fx.tg.topics, fx.tg.copies)
	}
	var count int64
	if err := fx.db.Raw(`SELECT COUNT(*) FROM conversations`).Scan(&count).Error; err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no binding for a banned user, got %d", count)
	}
}

func TestRouteUserMessage_CopyFailureKeepsBinding(t *testing.T) {
	fx := newRoutingFixture(t)
	ctx := context.Background()

	fx.tg.copyErr = errors.New("telegram unavailable")
	_, err := fx.svc.RouteUserMessage(ctx, domain.InboundMessage{TelegramID: 7001, FirstName: "Ada", MessageID: 11})
	if !errors.Is(err, domain.ErrDeliveryFailure) {
		t.Fatalf("expected ErrDeliveryFailure, got %v", err)
	}

	var count int64
	if err := fx.db.Raw(`SELECT COUNT(*) FROM conversations`).Scan(&count).Error; err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if count != 1 {
		t.Fatalf("binding must survive the failed copy, got %d rows", count)
	}

	// The next message rides the same thread.
	fx.tg.copyErr = nil
	delivery := routeUser(t, fx, 7001, "Ada", 12)
	if delivery.ThreadCreated {
		t.Fatal("retry must reuse the binding")
	}
	if len(fx.tg.topics) != 1 {
		t.Fatalf("expected a single topic allocation across the retry, got %d", len(fx.tg.topics))
	}
}

func TestRouteAdminReply_ViaReplyReference(t *testing.T) {
	fx := newRoutingFixture(t)
	ctx := context.Background()

	userDelivery := routeUser(t, fx, 7001, "Ada", 42)

	delivery, err := fx.svc.RouteAdminReply(ctx, domain.InboundAdminMessage{
		WorkspaceID:      workspaceID,
		TopicID:          userDelivery.TopicID,
		MessageID:        8001,
		ReplyToMessageID: userDelivery.DeliveredMessageID,
	})
	if err != nil {
		t.Fatalf("RouteAdminReply: %v", err)
	}
	if delivery.TelegramID != 7001 {
		t.Fatalf("expected delivery to 7001, got %d", delivery.TelegramID)
	}

	toUser := fx.tg.copiesTo(7001)
	if len(toUser) != 1 || toUser[0].MessageID != 8001 {
		t.Fatalf("admin message not copied to the user: %+v", toUser)
	}

	if len(fx.tg.reactions) != 1 || fx.tg.reactions[0].emoji != "✅" || fx.tg.reactions[0].messageID != 8001 {
		t.Fatalf("expected a delivered reaction on the admin message, got %+v", fx.tg.reactions)
	}
}

func TestRouteAdminReply_ReplyReferenceWinsOverTopic(t *testing.T) {
	fx := newRoutingFixture(t)
	ctx := context.Background()

	adaDelivery := routeUser(t, fx, 7001, "Ada", 42)
	bobDelivery := routeUser(t, fx, 7002, "Bob", 43)

	// The reply references Ada's relayed message but physically sits in
	// Bob's topic; the reference decides.
	delivery, err := fx.svc.RouteAdminReply(ctx, domain.InboundAdminMessage{
		WorkspaceID:      workspaceID,
		TopicID:          bobDelivery.TopicID,
		MessageID:        9001,
		ReplyToMessageID: adaDelivery.DeliveredMessageID,
	})
	if err != nil {
		t.Fatalf("RouteAdminReply: %v", err)
	}
	if delivery.TelegramID != 7001 {
		t.Fatalf("reply reference must win, delivered to %d", delivery.TelegramID)
	}
}

func TestRouteAdminReply_TopicFallback(t *testing.T) {
	fx := newRoutingFixture(t)
	ctx := context.Background()

	userDelivery := routeUser(t, fx, 7001, "Ada", 42)

	delivery, err := fx.svc.RouteAdminReply(ctx, domain.InboundAdminMessage{
		WorkspaceID: workspaceID,
		TopicID:     userDelivery.TopicID,
		MessageID:   9100,
	})
	if err != nil {
		t.Fatalf("RouteAdminReply: %v", err)
	}
	if delivery.TelegramID != 7001 {
		t.Fatalf("expected topic fallback delivery to 7001, got %d", delivery.TelegramID)
	}

	// The admin reply marks the thread read.
	var unread int
	if err := fx.db.Raw(`SELECT unread_count FROM conversations`).Scan(&unread).Error; err != nil {
		t.Fatalf("read unread count: %v", err)
	}
	if unread != 0 {
		t.Fatalf("expected unread_count reset, got %d", unread)
	}
}

func TestRouteAdminReply_UnroutableRefused(t *testing.T) {
	fx := newRoutingFixture(t)
	ctx := context.Background()

	_, err := fx.svc.RouteAdminReply(ctx, domain.InboundAdminMessage{
		WorkspaceID:      workspaceID,
		TopicID:          9999,
		MessageID:        9200,
		ReplyToMessageID: 123,
	})
	if !errors.Is(err, domain.ErrRoutingFailure) {
		t.Fatalf("expected ErrRoutingFailure, got %v", err)
	}

	if len(fx.tg.copies) != 0 {
		t.Fatalf("unroutable message must not be delivered anywhere: %+v", fx.tg.copies)
	}
	if len(fx.tg.reactions) != 1 || fx.tg.reactions[0].emoji != "❌" {
		t.Fatalf("expected a failure reaction, got %+v", fx.tg.reactions)
	}
}

func TestRouteAdminReply_ReactionFailureDoesNotAffectDelivery(t *testing.T) {
	fx := newRoutingFixture(t)
	ctx := context.Background()

	userDelivery := routeUser(t, fx, 7001, "Ada", 42)
	fx.tg.reactErr = errors.New("reactions disabled")

	delivery, err := fx.svc.RouteAdminReply(ctx, domain.InboundAdminMessage{
		WorkspaceID: workspaceID,
		TopicID:     userDelivery.TopicID,
		MessageID:   9300,
	})
	if err != nil {
		t.Fatalf("RouteAdminReply: %v", err)
	}
	if delivery.DeliveredMessageID == 0 {
		t.Fatal("delivery must succeed even when the reaction fails")
	}
}

func TestRouteUserMessage_AckCanBeDisabled(t *testing.T) {
	fx := newRoutingFixture(t)
	ctx := context.Background()

	if _, err := fx.settings.Set(ctx, settingsdomain.SetSettingRequest{
		Key:   settingsdomain.KeyMessageAckEnabled,
		Value: "false",
	}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	routeUser(t, fx, 7001, "Ada", 41)
	routeUser(t, fx, 7001, "Ada", 42)

	// The first-contact welcome still goes out; the per-message ack does not.
	acks := fx.tg.sentTo(7001)
	if len(acks) != 1 {
		t.Fatalf("expected only the welcome send, got %d", len(acks))
	}
}

func TestNotify(t *testing.T) {
	fx := newRoutingFixture(t)
	ctx := context.Background()

	if err := fx.svc.NotifyUser(ctx, 7001, "<b>+100 credits</b>"); err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if err := fx.svc.NotifyAdmin(ctx, "dispute opened on ch_123"); err != nil {
		t.Fatalf("NotifyAdmin: %v", err)
	}

	if sends := fx.tg.sentTo(7001); len(sends) != 1 || !sends[0].HTML {
		t.Fatalf("expected one HTML send to the user, got %+v", sends)
	}
	if sends := fx.tg.sentTo(workspaceID); len(sends) != 1 {
		t.Fatalf("expected one send to the workspace, got %+v", sends)
	}
}
