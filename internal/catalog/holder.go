package catalog

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/nsxo/enterprise-telegram-bot/internal/catalog/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/config"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// FileHolder owns the parsed catalog file and hot-reloads it on change.
// An invalid reload is ignored and the last good catalog stays current.
type FileHolder struct {
	current atomic.Value // holds []domain.CatalogEntry
	log     *zap.Logger

	mu        sync.Mutex
	listeners []func([]domain.CatalogEntry)
}

func NewFileHolder(cfg config.Config, log *zap.Logger) (*FileHolder, error) {
	holder := &FileHolder{log: log.Named("catalog.holder")}
	holder.current.Store([]domain.CatalogEntry{})

	v := viper.New()
	if cfg.CatalogPath != "" {
		v.SetConfigFile(cfg.CatalogPath)
	} else {
		v.SetConfigName("products")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/telegram-bot/config") // Volume-mounted config
		v.AddConfigPath("/etc/telegram-bot")            // System config
		v.AddConfigPath(".")                            // Current directory (dev mode)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			// No catalog file: the bot runs with an empty product list until
			// an operator ships one.
			holder.log.Warn("catalog file not found, starting with an empty catalog")
			return holder, nil
		}
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	entries, err := decodeEntries(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(entries)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeEntries(v)
		if err != nil {
			holder.log.Warn("catalog reload failed, keeping previous catalog",
				zap.String("file", e.Name),
				zap.Error(err),
			)
			return
		}
		holder.current.Store(updated)
		holder.log.Info("catalog reloaded",
			zap.String("file", e.Name),
			zap.Int("products", len(updated)),
		)
		holder.notify(updated)
	})

	return holder, nil
}

func (h *FileHolder) Entries() []domain.CatalogEntry {
	return h.current.Load().([]domain.CatalogEntry)
}

// Subscribe registers a callback invoked after each successful reload.
func (h *FileHolder) Subscribe(fn func([]domain.CatalogEntry)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

func (h *FileHolder) notify(entries []domain.CatalogEntry) {
	h.mu.Lock()
	listeners := make([]func([]domain.CatalogEntry), len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(entries)
	}
}

func decodeEntries(v *viper.Viper) ([]domain.CatalogEntry, error) {
	var entries []domain.CatalogEntry
	if err := v.UnmarshalKey("products", &entries); err != nil {
		return nil, fmt.Errorf("decode catalog file: %w", err)
	}
	if entries == nil {
		entries = []domain.CatalogEntry{}
	}
	return entries, nil
}
