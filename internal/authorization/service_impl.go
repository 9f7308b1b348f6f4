package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/lib/pq"
	apikeydomain "github.com/nsxo/enterprise-telegram-bot/internal/apikey/domain"
	auditdomain "github.com/nsxo/enterprise-telegram-bot/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectConversation = "conversation"
	ObjectUser         = "user"
	ObjectTransaction  = "transaction"
	ObjectProduct      = "product"
	ObjectCheckout     = "checkout"
	ObjectAPIKey       = "api_key"
	ObjectAuditLog     = "audit_log"
	ObjectSetting      = "setting"
)

const (
	ActionConversationView    = "conversation.view"
	ActionConversationClose   = "conversation.close"
	ActionConversationReopen  = "conversation.reopen"
	ActionConversationArchive = "conversation.archive"

	ActionUserView            = "user.view"
	ActionUserBan             = "user.ban"
	ActionUserUnban           = "user.unban"
	ActionUserGrant           = "user.grant"
	ActionUserRecharge        = "user.recharge"
	ActionUserSetTier         = "user.set_tier"
	ActionUserSetAutoRecharge = "user.set_auto_recharge"

	ActionTransactionView    = "transaction.view"
	ActionTransactionReceipt = "transaction.receipt"

	ActionProductView       = "product.view"
	ActionProductCreate     = "product.create"
	ActionProductUpdate     = "product.update"
	ActionProductDeactivate = "product.deactivate"

	ActionCheckoutCreate = "checkout.create"

	ActionAPIKeyView   = "api_key.view"
	ActionAPIKeyCreate = "api_key.create"
	ActionAPIKeyRotate = "api_key.rotate"
	ActionAPIKeyRevoke = "api_key.revoke"

	ActionAuditLogView = "audit_log.view"

	ActionSettingView   = "setting.view"
	ActionSettingUpdate = "setting.update"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, actorType, actorID, err := s.resolveActor(ctx, actor)
	if err != nil {
		s.auditDenied(ctx, actorType, actorID, object, action)
		return err
	}

	if err := s.ensureGrouping(subject, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, actorType, actorID, object, action)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.auditGranted(ctx, actorType, actorID, object, action)
	}
	return nil
}

func (s *ServiceImpl) resolveActor(ctx context.Context, actor string) (string, string, string, *string, error) {
	if actor == "system" {
		return actor, "role:system", "system", nil, nil
	}
	if strings.HasPrefix(actor, "api_key:") {
		keyID := strings.TrimPrefix(actor, "api_key:")
		if keyID == "" {
			return "", "", "", nil, ErrInvalidActor
		}
		role, err := s.roleForAPIKey(ctx, keyID)
		if err != nil {
			return actor, "", "api_key", &keyID, err
		}
		return actor, role, "api_key", &keyID, nil
	}
	return "", "", "", nil, ErrInvalidActor
}

// roleForAPIKey maps a key's scopes onto an enforcer role. The write
// scope subsumes the read scope.
func (s *ServiceImpl) roleForAPIKey(ctx context.Context, keyID string) (string, error) {
	var row struct {
		Scopes pq.StringArray `gorm:"column:scopes"`
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT scopes
		 FROM api_keys
		 WHERE key_id = ? AND is_active = true
		 LIMIT 1`,
		keyID,
	).Scan(&row).Error; err != nil {
		return "", err
	}

	role := ""
	for _, scope := range row.Scopes {
		switch scope {
		case apikeydomain.ScopeAdminWrite:
			return "role:admin", nil
		case apikeydomain.ScopeAdminRead:
			role = "role:readonly"
		}
	}
	if role == "" {
		return "", ErrForbidden
	}
	return role, nil
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actorType string, actorID *string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	targetID := "capability"
	_ = s.auditSvc.AuditLog(ctx, actorType, actorID, "authorization.denied", "authorization", &targetID, map[string]any{
		"object": object,
		"action": action,
		"actor":  actorType,
	})
}

func (s *ServiceImpl) auditGranted(ctx context.Context, actorType string, actorID *string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	targetID := "capability"
	_ = s.auditSvc.AuditLog(ctx, actorType, actorID, "authorization.granted", "authorization", &targetID, map[string]any{
		"object": object,
		"action": action,
		"actor":  actorType,
	})
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionAPIKeyRotate, ActionAPIKeyRevoke, ActionUserBan:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Read-only keys
		{"role:readonly", ObjectConversation, ActionConversationView},
		{"role:readonly", ObjectUser, ActionUserView},
		{"role:readonly", ObjectTransaction, ActionTransactionView},
		{"role:readonly", ObjectTransaction, ActionTransactionReceipt},
		{"role:readonly", ObjectProduct, ActionProductView},
		{"role:readonly", ObjectAPIKey, ActionAPIKeyView},
		{"role:readonly", ObjectAuditLog, ActionAuditLogView},
		{"role:readonly", ObjectSetting, ActionSettingView},

		// Admin keys
		{"role:admin", ObjectConversation, ActionConversationView},
		{"role:admin", ObjectConversation, ActionConversationClose},
		{"role:admin", ObjectConversation, ActionConversationReopen},
		{"role:admin", ObjectConversation, ActionConversationArchive},
		{"role:admin", ObjectUser, ActionUserView},
		{"role:admin", ObjectUser, ActionUserBan},
		{"role:admin", ObjectUser, ActionUserUnban},
		{"role:admin", ObjectUser, ActionUserGrant},
		{"role:admin", ObjectUser, ActionUserSetTier},
		{"role:admin", ObjectUser, ActionUserSetAutoRecharge},
		{"role:admin", ObjectTransaction, ActionTransactionView},
		{"role:admin", ObjectTransaction, ActionTransactionReceipt},
		{"role:admin", ObjectProduct, ActionProductView},
		{"role:admin", ObjectProduct, ActionProductCreate},
		{"role:admin", ObjectProduct, ActionProductUpdate},
		{"role:admin", ObjectProduct, ActionProductDeactivate},
		{"role:admin", ObjectCheckout, ActionCheckoutCreate},
		{"role:admin", ObjectAPIKey, ActionAPIKeyView},
		{"role:admin", ObjectAPIKey, ActionAPIKeyCreate},
		{"role:admin", ObjectAPIKey, ActionAPIKeyRotate},
		{"role:admin", ObjectAPIKey, ActionAPIKeyRevoke},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},
		{"role:admin", ObjectSetting, ActionSettingView},
		{"role:admin", ObjectSetting, ActionSettingUpdate},

		// Background jobs
		{"role:system", ObjectConversation, ActionConversationClose},
		{"role:system", ObjectConversation, ActionConversationArchive},
		{"role:system", ObjectUser, ActionUserRecharge},
	}

	for _, policy := range policies {
		if len(policy) < 3 {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
