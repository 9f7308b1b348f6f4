package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/nsxo/enterprise-telegram-bot/internal/cache"
	"github.com/nsxo/enterprise-telegram-bot/internal/settings/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/settings/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupSettingsDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_settings_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec(`
		CREATE TABLE bot_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT '',
			updated_by INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		)
	`).Error; err != nil {
		t.Fatalf("create bot_settings table: %v", err)
	}

	return db
}

func newSettingsService(t *testing.T, db *gorm.DB) (domain.Service, cache.BotResolverCache) {
	t.Helper()
	resolverCache := cache.NewBotResolverCache()
	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Repo:  repository.Provide(),
		Cache: resolverCache,
	})
	return svc, resolverCache
}

func TestSetAndGet(t *testing.T) {
	db := setupSettingsDB(t)
	svc, _ := newSettingsService(t, db)
	ctx := context.Background()

	stored, err := svc.Set(ctx, domain.SetSettingRequest{
		Key:       " Welcome_Message ",
		Value:     "Hi there!",
		UpdatedBy: 42,
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if stored.Key != domain.KeyWelcomeMessage {
		t.Fatalf("key must be normalized, got %q", stored.Key)
	}

	setting, err := svc.Get(ctx, "welcome_message")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if setting.Value != "Hi there!" || setting.UpdatedBy != 42 {
		t.Fatalf("unexpected setting %+v", setting)
	}

	if _, err := svc.Get(ctx, "missing_key"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Get(ctx, "  "); !errors.Is(err, domain.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestSet_OverwritesAndInvalidates(t *testing.T) {
	db := setupSettingsDB(t)
	svc, resolverCache := newSettingsService(t, db)
	ctx := context.Background()

	if _, err := svc.Set(ctx, domain.SetSettingRequest{Key: domain.KeyMessageAckText, Value: "✅ received"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// Warm the cache.
	if _, err := svc.Get(ctx, domain.KeyMessageAckText); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := resolverCache.GetSetting(domain.KeyMessageAckText); !ok {
		t.Fatal("read must populate the cache")
	}

	if _, err := svc.Set(ctx, domain.SetSettingRequest{Key: domain.KeyMessageAckText, Value: "Got it."}); err != nil {
		t.Fatalf("second Set: %v", err)
	}
	setting, err := svc.Get(ctx, domain.KeyMessageAckText)
	if err != nil {
		t.Fatalf("Get after overwrite: %v", err)
	}
	if setting.Value != "Got it." {
		t.Fatalf("stale value served after write, got %q", setting.Value)
	}

	var count int64
	if err := db.Raw(`SELECT COUNT(*) FROM bot_settings`).Scan(&count).Error; err != nil {
		t.Fatalf("count settings: %v", err)
	}
	if count != 1 {
		t.Fatalf("overwrite must not add rows, got %d", count)
	}
}

func TestTypedHelpers(t *testing.T) {
	db := setupSettingsDB(t)
	svc, _ := newSettingsService(t, db)
	ctx := context.Background()

	if _, err := svc.Set(ctx, domain.SetSettingRequest{Key: domain.KeyMessageAckEnabled, Value: "true"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := svc.Set(ctx, domain.SetSettingRequest{Key: domain.KeyAutoCloseDays, Value: "14"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := svc.Set(ctx, domain.SetSettingRequest{Key: "broken_int", Value: "soon"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if !svc.Bool(ctx, domain.KeyMessageAckEnabled, false) {
		t.Fatal("expected true")
	}
	if svc.Bool(ctx, "missing", true) != true {
		t.Fatal("missing key must return the default")
	}
	if got := svc.Int(ctx, domain.KeyAutoCloseDays, 7); got != 14 {
		t.Fatalf("expected 14, got %d", got)
	}
	if got := svc.Int(ctx, "broken_int", 7); got != 7 {
		t.Fatalf("unparsable value must return the default, got %d", got)
	}
	if got := svc.Text(ctx, "missing", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestList(t *testing.T) {
	db := setupSettingsDB(t)
	svc, _ := newSettingsService(t, db)
	ctx := context.Background()

	for _, key := range []string{"b_key", "a_key", "c_key"} {
		if _, err := svc.Set(ctx, domain.SetSettingRequest{Key: key, Value: "v"}); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}

	settings, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(settings) != 3 {
		t.Fatalf("expected 3 settings, got %d", len(settings))
	}
	if settings[0].Key != "a_key" || settings[2].Key != "c_key" {
		t.Fatalf("expected key order, got %v", settings)
	}
}
