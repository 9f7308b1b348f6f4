package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/nsxo/enterprise-telegram-bot/internal/apikey/domain"
	auditdomain "github.com/nsxo/enterprise-telegram-bot/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	apiKeyPrefix              = "etb_live_key_"
	apiKeySecretBytes         = 32
	apiKeyRotationGracePeriod = 24 * time.Hour
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  apikeydomain.Repository
	Audit auditdomain.Service `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  apikeydomain.Repository
	genID *snowflake.Node
	audit auditdomain.Service
}

func New(p Params) apikeydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("apikey.service"),
		repo:  p.Repo,
		genID: p.GenID,
		audit: p.Audit,
	}
}

func (s *Service) List(ctx context.Context) ([]apikeydomain.Response, error) {
	items, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}

	resp := make([]apikeydomain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, toResponse(&items[i]))
	}

	return resp, nil
}

func (s *Service) Create(ctx context.Context, req apikeydomain.CreateRequest) (*apikeydomain.SecretResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apikeydomain.ErrInvalidName
	}
	scopes, err := normalizeScopes(req.Scopes)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := s.genID.Generate()
	keyID := newKeyID(id)
	plain, hash, err := generateAPIKey(keyID)
	if err != nil {
		return nil, err
	}

	key := &apikeydomain.APIKey{
		ID:        id,
		KeyID:     keyID,
		Name:      name,
		Scopes:    scopes,
		KeyHash:   hash,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Insert(ctx, s.db, key); err != nil {
		return nil, err
	}

	s.auditLog(ctx, "apikey.created", key.KeyID, map[string]any{"name": name, "scopes": scopes})
	return &apikeydomain.SecretResponse{KeyID: key.KeyID, APIKey: plain}, nil
}

func (s *Service) Rotate(ctx context.Context, keyID string) (*apikeydomain.SecretResponse, error) {
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return nil, apikeydomain.ErrInvalidKeyID
	}

	var result *apikeydomain.SecretResponse
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByKeyID(ctx, tx, trimmed)
		if err != nil {
			return err
		}
		if current == nil || !current.IsActive || isExpired(current.ExpiresAt) {
			return apikeydomain.ErrNotFound
		}

		// The old key keeps working through the grace period so callers
		// can swap credentials without an outage.
		now := time.Now().UTC()
		current.ExpiresAt = ptrTime(now.Add(apiKeyRotationGracePeriod))
		current.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, current); err != nil {
			return err
		}

		id := s.genID.Generate()
		nextKeyID := newKeyID(id)
		plain, hash, err := generateAPIKey(nextKeyID)
		if err != nil {
			return err
		}

		rotatedFrom := current.KeyID
		next := &apikeydomain.APIKey{
			ID:               id,
			KeyID:            nextKeyID,
			Name:             current.Name,
			Scopes:           current.Scopes,
			KeyHash:          hash,
			IsActive:         true,
			CreatedAt:        now,
			UpdatedAt:        now,
			RotatedFromKeyID: &rotatedFrom,
		}

		if err := s.repo.Insert(ctx, tx, next); err != nil {
			return err
		}

		result = &apikeydomain.SecretResponse{KeyID: next.KeyID, APIKey: plain}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.auditLog(ctx, "apikey.rotated", trimmed, map[string]any{"successor": result.KeyID})
	return result, nil
}

func (s *Service) Revoke(ctx context.Context, keyID string) error {
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return apikeydomain.ErrInvalidKeyID
	}

	key, err := s.repo.FindByKeyID(ctx, s.db, trimmed)
	if err != nil {
		return err
	}
	if key == nil {
		return apikeydomain.ErrNotFound
	}

	now := time.Now().UTC()
	key.IsActive = false
	key.UpdatedAt = now
	if key.ExpiresAt == nil || key.ExpiresAt.After(now) {
		key.ExpiresAt = &now
	}
	if err := s.repo.Update(ctx, s.db, key); err != nil {
		return err
	}

	s.auditLog(ctx, "apikey.revoked", trimmed, nil)
	return nil
}

func (s *Service) Authenticate(ctx context.Context, raw string) (*apikeydomain.APIKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apikeydomain.ErrInvalidKey
	}

	hash := apikeydomain.HashAPIKey(raw)
	now := time.Now().UTC()
	key, err := s.repo.FindActiveByHash(ctx, s.db, hash, now)
	if err != nil {
		return nil, err
	}
	if key == nil || subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, apikeydomain.ErrInvalidKey
	}

	if err := s.repo.TouchLastUsed(ctx, s.db, key.ID, now); err != nil {
		s.log.Warn("last_used_at not updated", zap.String("key_id", key.KeyID), zap.Error(err))
	}
	return key, nil
}

func (s *Service) auditLog(ctx context.Context, action, keyID string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.AuditLog(ctx, "", nil, action, "api_key", &keyID, metadata); err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func normalizeScopes(scopes []string) ([]string, error) {
	if len(scopes) == 0 {
		return []string{apikeydomain.ScopeAdminRead}, nil
	}

	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		scope = strings.ToLower(strings.TrimSpace(scope))
		if scope == "" {
			continue
		}
		if !knownScope(scope) {
			return nil, apikeydomain.ErrInvalidScope
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	if len(out) == 0 {
		return nil, apikeydomain.ErrInvalidScope
	}
	return out, nil
}

func knownScope(scope string) bool {
	for _, known := range apikeydomain.KnownScopes {
		if scope == known {
			return true
		}
	}
	return false
}

func toResponse(key *apikeydomain.APIKey) apikeydomain.Response {
	return apikeydomain.Response{
		KeyID:            key.KeyID,
		Name:             key.Name,
		Scopes:           key.Scopes,
		IsActive:         key.IsActive,
		CreatedAt:        key.CreatedAt,
		LastUsedAt:       key.LastUsedAt,
		ExpiresAt:        key.ExpiresAt,
		RotatedFromKeyID: key.RotatedFromKeyID,
	}
}

func generateAPIKey(keyID string) (string, string, error) {
	secret := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", err
	}

	secretPart := hex.EncodeToString(secret)
	trimmed := strings.TrimPrefix(keyID, "key_")
	plain := fmt.Sprintf("%s%s_%s", apiKeyPrefix, trimmed, secretPart)
	return plain, apikeydomain.HashAPIKey(plain), nil
}

func newKeyID(id snowflake.ID) string {
	return "key_" + strings.ToUpper(strconv.FormatInt(int64(id), 36))
}

func isExpired(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return time.Now().UTC().After(*expiresAt)
}

func ptrTime(value time.Time) *time.Time {
	return &value
}
