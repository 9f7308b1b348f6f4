package domain

import (
	"context"
	"errors"
)

type SetSettingRequest struct {
	Key       string
	Value     string
	UpdatedBy int64
}

type Service interface {
	Get(ctx context.Context, key string) (Setting, error)
	Set(context.Context, SetSettingRequest) (Setting, error)
	List(ctx context.Context) ([]Setting, error)

	// Typed read helpers returning the default when the key is absent or
	// unparsable.
	Text(ctx context.Context, key, def string) string
	Bool(ctx context.Context, key string, def bool) bool
	Int(ctx context.Context, key string, def int64) int64
}

var (
	ErrInvalidKey = errors.New("invalid_key")
	ErrNotFound   = errors.New("not_found")
)
