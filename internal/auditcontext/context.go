// Package auditcontext carries request-scoped metadata that audit log
// entries record alongside the action itself.
package auditcontext

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type ipAddressKey struct{}
type userAgentKey struct{}
type actorKey struct{}

type actor struct {
	Type string
	ID   string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(requestIDKey{}).(string); ok {
		return val
	}
	return ""
}

func WithIPAddress(ctx context.Context, ip string) context.Context {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, ipAddressKey{}, ip)
}

func IPAddressFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(ipAddressKey{}).(string); ok {
		return val
	}
	return ""
}

func WithUserAgent(ctx context.Context, ua string) context.Context {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return ctx
	}
	return context.WithValue(ctx, userAgentKey{}, ua)
}

func UserAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(userAgentKey{}).(string); ok {
		return val
	}
	return ""
}

func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	actorType = strings.TrimSpace(actorType)
	actorID = strings.TrimSpace(actorID)
	if actorType == "" && actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actor{Type: actorType, ID: actorID})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	if val, ok := ctx.Value(actorKey{}).(actor); ok {
		return val.Type, val.ID
	}
	return "", ""
}
