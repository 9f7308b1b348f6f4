package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/nsxo/enterprise-telegram-bot/internal/cache"
	"github.com/nsxo/enterprise-telegram-bot/internal/settings/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  domain.Repository
	Cache cache.BotResolverCache
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	cache cache.BotResolverCache
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("settings.service"),
		repo:  p.Repo,
		cache: p.Cache,
	}
}

func (s *Service) Get(ctx context.Context, key string) (domain.Setting, error) {
	key = normalizeKey(key)
	if key == "" {
		return domain.Setting{}, domain.ErrInvalidKey
	}

	if setting, ok := s.cache.GetSetting(key); ok {
		return setting, nil
	}

	setting, err := s.repo.Find(ctx, s.db, key)
	if err != nil {
		return domain.Setting{}, err
	}
	if setting == nil {
		return domain.Setting{}, domain.ErrNotFound
	}

	s.cache.SetSetting(*setting)
	return *setting, nil
}

func (s *Service) Set(ctx context.Context, req domain.SetSettingRequest) (domain.Setting, error) {
	key := normalizeKey(req.Key)
	if key == "" {
		return domain.Setting{}, domain.ErrInvalidKey
	}

	setting := domain.Setting{
		Key:       key,
		Value:     req.Value,
		UpdatedBy: req.UpdatedBy,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.repo.Upsert(ctx, s.db, &setting); err != nil {
		return domain.Setting{}, err
	}

	s.cache.InvalidateSetting(key)
	s.log.Info("setting updated",
		zap.String("key", key),
		zap.Int64("updated_by", req.UpdatedBy),
	)
	return setting, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Setting, error) {
	return s.repo.List(ctx, s.db)
}

func (s *Service) Text(ctx context.Context, key, def string) string {
	setting, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	return setting.Value
}

func (s *Service) Bool(ctx context.Context, key string, def bool) bool {
	setting, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(setting.Value))
	if err != nil {
		return def
	}
	return parsed
}

func (s *Service) Int(ctx context.Context, key string, def int64) int64 {
	setting, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(setting.Value), 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
