package cache

import (
	"strings"
	"time"

	ledgerdomain "github.com/nsxo/enterprise-telegram-bot/internal/ledger/domain"
	settingsdomain "github.com/nsxo/enterprise-telegram-bot/internal/settings/domain"
)

const (
	defaultUserTTL    = 60 * time.Second
	defaultSettingTTL = 5 * time.Minute
)

// BotResolverCache stores hot-path lookups for routed messages and settings
// reads. Writers invalidate their keys; balance math never reads through it.
type BotResolverCache interface {
	GetUser(telegramID int64) (ledgerdomain.User, bool)
	SetUser(user ledgerdomain.User)
	InvalidateUser(telegramID int64)
	GetSetting(key string) (settingsdomain.Setting, bool)
	SetSetting(setting settingsdomain.Setting)
	InvalidateSetting(key string)
}

type botResolverCache struct {
	users      Cache[int64, ledgerdomain.User]
	settings   Cache[string, settingsdomain.Setting]
	userTTL    time.Duration
	settingTTL time.Duration
}

// NewBotResolverCache returns an in-memory cache tuned for webhook traffic.
func NewBotResolverCache() BotResolverCache {
	return &botResolverCache{
		users:      NewTTLCache[int64, ledgerdomain.User](),
		settings:   NewTTLCache[string, settingsdomain.Setting](),
		userTTL:    defaultUserTTL,
		settingTTL: defaultSettingTTL,
	}
}

func (c *botResolverCache) GetUser(telegramID int64) (ledgerdomain.User, bool) {
	return c.users.Get(telegramID)
}

func (c *botResolverCache) SetUser(user ledgerdomain.User) {
	if user.ID == 0 || user.TelegramID == 0 {
		return
	}
	c.users.Set(user.TelegramID, user, c.userTTL)
}

func (c *botResolverCache) InvalidateUser(telegramID int64) {
	c.users.Delete(telegramID)
}

func (c *botResolverCache) GetSetting(key string) (settingsdomain.Setting, bool) {
	return c.settings.Get(settingKey(key))
}

func (c *botResolverCache) SetSetting(setting settingsdomain.Setting) {
	if strings.TrimSpace(setting.Key) == "" {
		return
	}
	c.settings.Set(settingKey(setting.Key), setting, c.settingTTL)
}

func (c *botResolverCache) InvalidateSetting(key string) {
	c.settings.Delete(settingKey(key))
}

func settingKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
