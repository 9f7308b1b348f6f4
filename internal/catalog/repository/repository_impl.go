package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nsxo/enterprise-telegram-bot/internal/catalog/domain"
	"gorm.io/gorm"
)

const productColumns = `id, slug, name, description, provider_price_id, grant_type,
		        grant_amount, price_cents, currency, sort_order, active,
		        created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Upsert keys on slug so a renamed price id follows the catalog file while
// the product keeps its id and its transaction history.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, product *domain.Product) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO products (id, slug, name, description, provider_price_id, grant_type,
		                       grant_amount, price_cents, currency, sort_order, active,
		                       created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (slug) DO UPDATE SET
		   name = EXCLUDED.name,
		   description = EXCLUDED.description,
		   provider_price_id = EXCLUDED.provider_price_id,
		   grant_type = EXCLUDED.grant_type,
		   grant_amount = EXCLUDED.grant_amount,
		   price_cents = EXCLUDED.price_cents,
		   currency = EXCLUDED.currency,
		   sort_order = EXCLUDED.sort_order,
		   active = EXCLUDED.active,
		   updated_at = EXCLUDED.updated_at`,
		product.ID,
		product.Slug,
		product.Name,
		product.Description,
		product.ProviderPriceID,
		product.GrantType,
		product.GrantAmount,
		product.PriceCents,
		product.Currency,
		product.SortOrder,
		product.Active,
		product.CreatedAt,
		product.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Product, error) {
	var product domain.Product
	err := db.WithContext(ctx).Raw(
		`SELECT `+productColumns+`
		 FROM products WHERE id = ?`,
		id,
	).Scan(&product).Error
	if err != nil {
		return nil, err
	}
	if product.ID == 0 {
		return nil, nil
	}
	return &product, nil
}

func (r *repo) FindBySlug(ctx context.Context, db *gorm.DB, slug string) (*domain.Product, error) {
	var product domain.Product
	err := db.WithContext(ctx).Raw(
		`SELECT `+productColumns+`
		 FROM products WHERE slug = ?`,
		slug,
	).Scan(&product).Error
	if err != nil {
		return nil, err
	}
	if product.ID == 0 {
		return nil, nil
	}
	return &product, nil
}

func (r *repo) FindByProviderPriceID(ctx context.Context, db *gorm.DB, providerPriceID string) (*domain.Product, error) {
	var product domain.Product
	err := db.WithContext(ctx).Raw(
		`SELECT `+productColumns+`
		 FROM products WHERE provider_price_id = ?`,
		providerPriceID,
	).Scan(&product).Error
	if err != nil {
		return nil, err
	}
	if product.ID == 0 {
		return nil, nil
	}
	return &product, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, activeOnly bool) ([]domain.Product, error) {
	var products []domain.Product
	stmt := db.WithContext(ctx).Model(&domain.Product{})
	if activeOnly {
		stmt = stmt.Where("active = ?", true)
	}
	err := stmt.
		Order("sort_order asc, slug asc").
		Find(&products).Error
	if err != nil {
		return nil, err
	}
	return products, nil
}

func (r *repo) DeactivateAbsent(ctx context.Context, db *gorm.DB, keepSlugs []string, now time.Time) (int64, error) {
	stmt := db.WithContext(ctx)
	if len(keepSlugs) == 0 {
		result := stmt.Exec(
			`UPDATE products SET active = ?, updated_at = ? WHERE active = ?`,
			false, now, true,
		)
		return result.RowsAffected, result.Error
	}
	result := stmt.Exec(
		`UPDATE products SET active = ?, updated_at = ? WHERE active = ? AND slug NOT IN (?)`,
		false, now, true, keepSlugs,
	)
	return result.RowsAffected, result.Error
}
