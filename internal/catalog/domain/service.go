package domain

import (
	"context"
	"errors"
)

// ProductRef carries every identifier a payment event may use to name a
// product. Resolution prefers the strongest identifier present.
type ProductRef struct {
	ProductID       string
	ProviderPriceID string
	Slug            string
}

type SyncResult struct {
	Created     int
	Updated     int
	Deactivated int
}

type Service interface {
	// Sync reconciles the products table against the catalog file entries.
	// Products absent from the file are deactivated, never deleted; completed
	// transactions keep their product reference.
	Sync(ctx context.Context, entries []CatalogEntry) (SyncResult, error)

	Get(ctx context.Context, id string) (Product, error)
	GetBySlug(ctx context.Context, slug string) (Product, error)
	// Resolve maps a payment event's product reference to a catalog row.
	// Deactivated products still resolve; the charge already happened.
	Resolve(ctx context.Context, ref ProductRef) (Product, error)
	List(ctx context.Context, activeOnly bool) ([]Product, error)
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidID      = errors.New("invalid_id")
	ErrInvalidSlug    = errors.New("invalid_slug")
	ErrUnknownProduct = errors.New("unknown_product")
	ErrInvalidEntry   = errors.New("invalid_catalog_entry")
)
