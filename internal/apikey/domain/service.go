package domain

import (
	"context"
	"errors"
	"time"
)

const (
	ScopeAdminRead  = "admin:read"
	ScopeAdminWrite = "admin:write"
)

// KnownScopes lists every scope a key may carry.
var KnownScopes = []string{ScopeAdminRead, ScopeAdminWrite}

type Service interface {
	List(ctx context.Context) ([]Response, error)
	Create(ctx context.Context, req CreateRequest) (*SecretResponse, error)
	Rotate(ctx context.Context, keyID string) (*SecretResponse, error)
	Revoke(ctx context.Context, keyID string) error
	// Authenticate resolves a presented plaintext key to its active record
	// and stamps last_used_at. Unknown, revoked, and expired keys all fail
	// the same way.
	Authenticate(ctx context.Context, raw string) (*APIKey, error)
}

type CreateRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type Response struct {
	KeyID            string     `json:"key_id"`
	Name             string     `json:"name"`
	Scopes           []string   `json:"scopes"`
	IsActive         bool       `json:"is_active"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at"`
	ExpiresAt        *time.Time `json:"expires_at"`
	RotatedFromKeyID *string    `json:"rotated_from_key_id"`
}

type SecretResponse struct {
	KeyID  string `json:"key_id"`
	APIKey string `json:"api_key"`
}

var (
	ErrInvalidName  = errors.New("invalid_name")
	ErrInvalidKeyID = errors.New("invalid_key_id")
	ErrInvalidScope = errors.New("invalid_scope")
	ErrInvalidKey   = errors.New("invalid_api_key")
	ErrNotFound     = errors.New("not_found")
)
