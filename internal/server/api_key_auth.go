package server

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/nsxo/enterprise-telegram-bot/internal/audit/domain"
	auditcontext "github.com/nsxo/enterprise-telegram-bot/internal/auditcontext"
)

type contextKey string

const (
	contextAuthTypeKey contextKey = "auth_type"
	contextAPIKeyIDKey contextKey = "api_key_id"
)

// ActorAPIKey is the only actor type the admin API accepts. Background jobs
// authorize as "system" directly against the authorization service and never
// pass through here.
const ActorAPIKey = "api_key"

// APIKeyRequired authenticates requests with a bearer API key. The key
// service owns hashing, constant-time comparison, expiry, and the
// last_used_at stamp; this middleware only extracts the credential and
// records the actor for downstream audit entries.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		key, err := s.apiKeySvc.Authenticate(c.Request.Context(), parts[1])
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		ctx = context.WithValue(ctx, contextAuthTypeKey, ActorAPIKey)
		ctx = context.WithValue(ctx, contextAPIKeyIDKey, key.KeyID)
		ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeAPIKey), key.KeyID)

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// authorize gates a route on the casbin policy for the authenticated key.
// The authorization service resolves the key's scopes to a role itself, so
// routes only name the object and action they touch.
func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID, ok := apiKeyIDFromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), "api_key:"+keyID, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func apiKeyIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if authType, ok := ctx.Value(contextAuthTypeKey).(string); !ok || authType != ActorAPIKey {
		return "", false
	}
	keyID, ok := ctx.Value(contextAPIKeyIDKey).(string)
	if !ok || strings.TrimSpace(keyID) == "" {
		return "", false
	}
	return keyID, true
}
