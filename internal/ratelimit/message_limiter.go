package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"github.com/nsxo/enterprise-telegram-bot/internal/config"
)

const keyUserMessage = "msg:user:%d"

// MessageLimiter throttles inbound telegram messages per user so one
// flooding chat cannot starve the router. A nil limiter allows
// everything, which is how deployments without redis run.
type MessageLimiter struct {
	enabled bool

	bucket *TokenBucket

	rate  float64
	burst int
}

// NewClient builds the shared redis client, or nil when no address is
// configured.
func NewClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
}

func NewMessageLimiter(cfg config.Config, client *redis.Client) (*MessageLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || client == nil {
		return nil, nil
	}
	if limitCfg.UserMessageRate <= 0 || limitCfg.UserMessageBurst <= 0 {
		return nil, errors.New("user message rate limit must be positive")
	}

	return &MessageLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.UserMessageRate,
		burst:   limitCfg.UserMessageBurst,
	}, nil
}

func (l *MessageLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowUser reports whether one more message from the user may enter the
// router right now.
func (l *MessageLimiter) AllowUser(ctx context.Context, telegramID int64) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyUserMessage, telegramID), l.rate, l.burst)
}
