package authorization

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	auditdomain "github.com/nsxo/enterprise-telegram-bot/internal/audit/domain"
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

func setupAuthzDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_authz_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
		CREATE TABLE api_keys (
			id INTEGER PRIMARY KEY,
			key_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			scopes TEXT NOT NULL,
			key_hash TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			last_used_at DATETIME,
			expires_at DATETIME,
			rotated_from_key_id TEXT
		)
	`).Error; err != nil {
		t.Fatalf("create api_keys table: %v", err)
	}

	return db
}

func newAuthzService(t *testing.T, audit auditdomain.Service) (Service, *gorm.DB) {
	t.Helper()

	db := setupAuthzDB(t)
	enforcer, err := NewEnforcer(db)
	if err != nil {
		t.Fatalf("new enforcer: %v", err)
	}
	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Enforcer: enforcer,
		AuditSvc: audit,
	})
	return svc, db
}

func seedKey(t *testing.T, db *gorm.DB, id int64, keyID string, scopes string, active bool) {
	t.Helper()

	if err := db.Exec(
		`INSERT INTO api_keys (id, key_id, name, scopes, key_hash, is_active, created_at, updated_at)
		 VALUES (?, ?, 'test key', ?, 'hash', ?, ?, ?)`,
		id, keyID, scopes, active, time.Now().UTC(), time.Now().UTC(),
	).Error; err != nil {
		t.Fatalf("seed api key: %v", err)
	}
}

func TestSystemActorPolicies(t *testing.T) {
	svc, _ := newAuthzService(t, nil)
	ctx := context.Background()

	if err := svc.Authorize(ctx, "system", ObjectConversation, ActionConversationArchive); err != nil {
		t.Fatalf("expected system to archive conversations, got %v", err)
	}
	if err := svc.Authorize(ctx, "system", ObjectUser, ActionUserRecharge); err != nil {
		t.Fatalf("expected system to recharge users, got %v", err)
	}
	if err := svc.Authorize(ctx, "system", ObjectAPIKey, ActionAPIKeyRevoke); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for system key revocation, got %v", err)
	}
}

func TestWriteKeyMayMutate(t *testing.T) {
	svc, db := newAuthzService(t, nil)
	seedKey(t, db, 1, "key_W", `{"admin:write"}`, true)
	ctx := context.Background()

	if err := svc.Authorize(ctx, "api_key:key_W", ObjectUser, ActionUserBan); err != nil {
		t.Fatalf("expected write key to ban users, got %v", err)
	}
	if err := svc.Authorize(ctx, "api_key:key_W", ObjectSetting, ActionSettingUpdate); err != nil {
		t.Fatalf("expected write key to update settings, got %v", err)
	}
	if err := svc.Authorize(ctx, "api_key:key_W", ObjectConversation, ActionConversationView); err != nil {
		t.Fatalf("expected write key to view conversations, got %v", err)
	}
}

func TestReadKeyIsViewOnly(t *testing.T) {
	svc, db := newAuthzService(t, nil)
	seedKey(t, db, 1, "key_R", `{"admin:read"}`, true)
	ctx := context.Background()

	if err := svc.Authorize(ctx, "api_key:key_R", ObjectConversation, ActionConversationView); err != nil {
		t.Fatalf("expected read key to view conversations, got %v", err)
	}
	if err := svc.Authorize(ctx, "api_key:key_R", ObjectUser, ActionUserBan); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for read key ban, got %v", err)
	}
}

func TestRevokedKeyDenied(t *testing.T) {
	svc, db := newAuthzService(t, nil)
	seedKey(t, db, 1, "key_X", `{"admin:write"}`, false)

	err := svc.Authorize(context.Background(), "api_key:key_X", ObjectUser, ActionUserView)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for revoked key, got %v", err)
	}
}

func TestMalformedRequests(t *testing.T) {
	svc, _ := newAuthzService(t, nil)
	ctx := context.Background()

	if err := svc.Authorize(ctx, "", ObjectUser, ActionUserView); !errors.Is(err, ErrInvalidActor) {
		t.Fatalf("expected ErrInvalidActor for empty actor, got %v", err)
	}
	if err := svc.Authorize(ctx, "robot:7", ObjectUser, ActionUserView); !errors.Is(err, ErrInvalidActor) {
		t.Fatalf("expected ErrInvalidActor for unknown actor kind, got %v", err)
	}
	if err := svc.Authorize(ctx, "api_key:", ObjectUser, ActionUserView); !errors.Is(err, ErrInvalidActor) {
		t.Fatalf("expected ErrInvalidActor for empty key id, got %v", err)
	}
	if err := svc.Authorize(ctx, "system", "", ActionUserView); !errors.Is(err, ErrInvalidObject) {
		t.Fatalf("expected ErrInvalidObject, got %v", err)
	}
	if err := svc.Authorize(ctx, "system", ObjectUser, ""); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

func TestScopeChangeRebindsRole(t *testing.T) {
	svc, db := newAuthzService(t, nil)
	seedKey(t, db, 1, "key_U", `{"admin:read"}`, true)
	ctx := context.Background()

	if err := svc.Authorize(ctx, "api_key:key_U", ObjectUser, ActionUserBan); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected read key to be denied first, got %v", err)
	}

	if err := db.Exec(`UPDATE api_keys SET scopes = ? WHERE key_id = ?`, `{"admin:write"}`, "key_U").Error; err != nil {
		t.Fatalf("upgrade scopes: %v", err)
	}
	if err := svc.Authorize(ctx, "api_key:key_U", ObjectUser, ActionUserBan); err != nil {
		t.Fatalf("expected upgraded key to ban users, got %v", err)
	}

	if err := db.Exec(`UPDATE api_keys SET scopes = ? WHERE key_id = ?`, `{"admin:read"}`, "key_U").Error; err != nil {
		t.Fatalf("downgrade scopes: %v", err)
	}
	if err := svc.Authorize(ctx, "api_key:key_U", ObjectUser, ActionUserBan); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected downgraded key to lose ban, got %v", err)
	}
}

func TestDenialIsAudited(t *testing.T) {
	audit := &fakeAudit{}
	svc, db := newAuthzService(t, audit)
	seedKey(t, db, 1, "key_R", `{"admin:read"}`, true)

	if err := svc.Authorize(context.Background(), "api_key:key_R", ObjectAPIKey, ActionAPIKeyRevoke); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if len(audit.actions) != 1 || audit.actions[0] != "authorization.denied" {
		t.Fatalf("expected a denial audit entry, got %v", audit.actions)
	}
}
