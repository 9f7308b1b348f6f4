package authorization

import (
	"context"
	"errors"

	"go.uber.org/fx"
)

// Service answers whether an actor may perform an action on an object.
// Actors are "system" for background jobs and "api_key:<key_id>" for
// requests authenticated by the admin API.
type Service interface {
	Authorize(ctx context.Context, actor string, object string, action string) error
}

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

var Module = fx.Module("authorization.service",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
)
