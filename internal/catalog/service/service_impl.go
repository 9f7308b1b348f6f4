package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/nsxo/enterprise-telegram-bot/internal/catalog/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("catalog.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Sync(ctx context.Context, entries []domain.CatalogEntry) (domain.SyncResult, error) {
	var result domain.SyncResult
	now := time.Now().UTC()
	keep := make([]string, 0, len(entries))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, entry := range entries {
			product, err := s.buildProduct(entry)
			if err != nil {
				return fmt.Errorf("catalog entry %d (%s): %w", i, entry.Name, err)
			}

			existing, err := s.repo.FindBySlug(ctx, tx, product.Slug)
			if err != nil {
				return err
			}
			if existing != nil {
				product.ID = existing.ID
				product.CreatedAt = existing.CreatedAt
				result.Updated++
			} else {
				result.Created++
			}
			product.UpdatedAt = now
			if err := s.repo.Upsert(ctx, tx, product); err != nil {
				return err
			}
			keep = append(keep, product.Slug)
		}

		deactivated, err := s.repo.DeactivateAbsent(ctx, tx, keep, now)
		if err != nil {
			return err
		}
		result.Deactivated = int(deactivated)
		return nil
	})
	if err != nil {
		return domain.SyncResult{}, err
	}

	s.log.Info("catalog synced",
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("deactivated", result.Deactivated),
	)
	return result, nil
}

func (s *Service) buildProduct(entry domain.CatalogEntry) (*domain.Product, error) {
	name := strings.TrimSpace(entry.Name)
	if name == "" {
		return nil, domain.ErrInvalidEntry
	}

	productSlug := strings.TrimSpace(entry.Slug)
	if productSlug == "" {
		productSlug = slug.Make(name)
	}
	if productSlug == "" {
		return nil, domain.ErrInvalidSlug
	}

	grantType := domain.GrantType(strings.TrimSpace(entry.GrantType))
	switch grantType {
	case domain.GrantTypeCredits, domain.GrantTypeTime:
	default:
		return nil, fmt.Errorf("%w: grant_type %q", domain.ErrInvalidEntry, entry.GrantType)
	}
	if entry.GrantAmount <= 0 {
		return nil, fmt.Errorf("%w: grant_amount must be positive", domain.ErrInvalidEntry)
	}
	if entry.PriceCents < 0 {
		return nil, fmt.Errorf("%w: negative price_cents", domain.ErrInvalidEntry)
	}
	if strings.TrimSpace(entry.ProviderPriceID) == "" {
		return nil, fmt.Errorf("%w: missing provider_price_id", domain.ErrInvalidEntry)
	}

	currency := strings.ToLower(strings.TrimSpace(entry.Currency))
	if currency == "" {
		currency = "usd"
	}
	active := true
	if entry.Active != nil {
		active = *entry.Active
	}

	return &domain.Product{
		ID:              s.genID.Generate(),
		Slug:            productSlug,
		Name:            name,
		Description:     strings.TrimSpace(entry.Description),
		ProviderPriceID: strings.TrimSpace(entry.ProviderPriceID),
		GrantType:       grantType,
		GrantAmount:     entry.GrantAmount,
		PriceCents:      entry.PriceCents,
		Currency:        currency,
		SortOrder:       entry.SortOrder,
		Active:          active,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Product, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || parsed == 0 {
		return domain.Product{}, domain.ErrInvalidID
	}

	product, err := s.repo.FindByID(ctx, s.db, parsed)
	if err != nil {
		return domain.Product{}, err
	}
	if product == nil {
		return domain.Product{}, domain.ErrNotFound
	}
	return *product, nil
}

func (s *Service) GetBySlug(ctx context.Context, productSlug string) (domain.Product, error) {
	productSlug = strings.TrimSpace(productSlug)
	if productSlug == "" {
		return domain.Product{}, domain.ErrInvalidSlug
	}

	product, err := s.repo.FindBySlug(ctx, s.db, productSlug)
	if err != nil {
		return domain.Product{}, err
	}
	if product == nil {
		return domain.Product{}, domain.ErrNotFound
	}
	return *product, nil
}

func (s *Service) Resolve(ctx context.Context, ref domain.ProductRef) (domain.Product, error) {
	if id := strings.TrimSpace(ref.ProductID); id != "" {
		if parsed, err := snowflake.ParseString(id); err == nil && parsed != 0 {
			product, err := s.repo.FindByID(ctx, s.db, parsed)
			if err != nil {
				return domain.Product{}, err
			}
			if product != nil {
				return *product, nil
			}
		}
	}
	if priceID := strings.TrimSpace(ref.ProviderPriceID); priceID != "" {
		product, err := s.repo.FindByProviderPriceID(ctx, s.db, priceID)
		if err != nil {
			return domain.Product{}, err
		}
		if product != nil {
			return *product, nil
		}
	}
	if productSlug := strings.TrimSpace(ref.Slug); productSlug != "" {
		product, err := s.repo.FindBySlug(ctx, s.db, productSlug)
		if err != nil {
			return domain.Product{}, err
		}
		if product != nil {
			return *product, nil
		}
	}
	return domain.Product{}, domain.ErrUnknownProduct
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]domain.Product, error) {
	return s.repo.List(ctx, s.db, activeOnly)
}
