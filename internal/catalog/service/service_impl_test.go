package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/nsxo/enterprise-telegram-bot/internal/catalog/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/catalog/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupCatalogDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_catalog_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec(`
		CREATE TABLE products (
			id INTEGER PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			provider_price_id TEXT NOT NULL,
			grant_type TEXT NOT NULL,
			grant_amount INTEGER NOT NULL,
			price_cents INTEGER NOT NULL,
			currency TEXT NOT NULL DEFAULT 'usd',
			sort_order INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`).Error; err != nil {
		t.Fatalf("create products table: %v", err)
	}

	return db
}

func newCatalogService(t *testing.T, db *gorm.DB) domain.Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
	})
}

func catalogEntries() []domain.CatalogEntry {
	return []domain.CatalogEntry{
		{
			Name:            "Starter Pack",
			ProviderPriceID: "price_starter",
			GrantType:       "credits",
			GrantAmount:     100,
			PriceCents:      499,
			SortOrder:       1,
		},
		{
			Name:            "Premium Hour",
			Slug:            "premium-hour",
			ProviderPriceID: "price_hour",
			GrantType:       "time_seconds",
			GrantAmount:     3600,
			PriceCents:      1999,
			Currency:        "EUR",
			SortOrder:       2,
		},
	}
}

func TestSync_CreatesProducts(t *testing.T) {
	db := setupCatalogDB(t)
	svc := newCatalogService(t, db)

	result, err := svc.Sync(context.Background(), catalogEntries())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Created != 2 || result.Updated != 0 || result.Deactivated != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	starter, err := svc.GetBySlug(context.Background(), "starter-pack")
	if err != nil {
		t.Fatalf("GetBySlug: %v", err)
	}
	if starter.Name != "Starter Pack" || starter.GrantAmount != 100 {
		t.Fatalf("unexpected product %+v", starter)
	}
	if starter.Currency != "usd" {
		t.Fatalf("currency must default to usd, got %q", starter.Currency)
	}

	hour, err := svc.GetBySlug(context.Background(), "premium-hour")
	if err != nil {
		t.Fatalf("GetBySlug: %v", err)
	}
	if hour.GrantType != domain.GrantTypeTime || hour.Currency != "eur" {
		t.Fatalf("unexpected product %+v", hour)
	}
}

func TestSync_UpdatesAndDeactivates(t *testing.T) {
	db := setupCatalogDB(t)
	svc := newCatalogService(t, db)
	ctx := context.Background()

	if _, err := svc.Sync(ctx, catalogEntries()); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	before, err := svc.GetBySlug(ctx, "starter-pack")
	if err != nil {
		t.Fatalf("GetBySlug: %v", err)
	}

	// Second file: starter gets a new price, premium-hour is gone.
	updated := []domain.CatalogEntry{
		{
			Name:            "Starter Pack",
			ProviderPriceID: "price_starter_v2",
			GrantType:       "credits",
			GrantAmount:     120,
			PriceCents:      599,
		},
	}
	result, err := svc.Sync(ctx, updated)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if result.Created != 0 || result.Updated != 1 || result.Deactivated != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	after, err := svc.GetBySlug(ctx, "starter-pack")
	if err != nil {
		t.Fatalf("GetBySlug: %v", err)
	}
	if after.ID != before.ID {
		t.Fatalf("product id must survive a resync, got %d vs %d", after.ID, before.ID)
	}
	if after.GrantAmount != 120 || after.ProviderPriceID != "price_starter_v2" {
		t.Fatalf("fields must follow the file, got %+v", after)
	}

	gone, err := svc.GetBySlug(ctx, "premium-hour")
	if err != nil {
		t.Fatalf("GetBySlug: %v", err)
	}
	if gone.Active {
		t.Fatal("absent product must be deactivated, not deleted")
	}

	active, err := svc.List(ctx, true)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(active) != 1 || active[0].Slug != "starter-pack" {
		t.Fatalf("expected only starter-pack active, got %v", active)
	}
}

func TestSync_RejectsInvalidEntry(t *testing.T) {
	db := setupCatalogDB(t)
	svc := newCatalogService(t, db)

	bad := []domain.CatalogEntry{{
		Name:            "Freebie",
		ProviderPriceID: "price_free",
		GrantType:       "credits",
		GrantAmount:     0,
	}}
	if _, err := svc.Sync(context.Background(), bad); !errors.Is(err, domain.ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}

	var count int64
	if err := db.Raw(`SELECT COUNT(*) FROM products`).Scan(&count).Error; err != nil {
		t.Fatalf("count products: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected sync must write nothing, got %d rows", count)
	}
}

func TestResolve_PreferenceOrder(t *testing.T) {
	db := setupCatalogDB(t)
	svc := newCatalogService(t, db)
	ctx := context.Background()

	if _, err := svc.Sync(ctx, catalogEntries()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	starter, err := svc.GetBySlug(ctx, "starter-pack")
	if err != nil {
		t.Fatalf("GetBySlug: %v", err)
	}

	// Product id wins over a price id naming a different product.
	got, err := svc.Resolve(ctx, domain.ProductRef{
		ProductID:       starter.ID.String(),
		ProviderPriceID: "price_hour",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Slug != "starter-pack" {
		t.Fatalf("product id must win, got %s", got.Slug)
	}

	// Price id alone.
	got, err = svc.Resolve(ctx, domain.ProductRef{ProviderPriceID: "price_hour"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Slug != "premium-hour" {
		t.Fatalf("expected premium-hour, got %s", got.Slug)
	}

	// Slug as the last resort.
	got, err = svc.Resolve(ctx, domain.ProductRef{Slug: "starter-pack"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Slug != "starter-pack" {
		t.Fatalf("expected starter-pack, got %s", got.Slug)
	}

	if _, err := svc.Resolve(ctx, domain.ProductRef{ProviderPriceID: "price_nope"}); !errors.Is(err, domain.ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
	if _, err := svc.Resolve(ctx, domain.ProductRef{}); !errors.Is(err, domain.ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct for an empty ref, got %v", err)
	}
}

func TestResolve_DeactivatedStillResolves(t *testing.T) {
	db := setupCatalogDB(t)
	svc := newCatalogService(t, db)
	ctx := context.Background()

	if _, err := svc.Sync(ctx, catalogEntries()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	// Drop premium-hour from the file.
	if _, err := svc.Sync(ctx, catalogEntries()[:1]); err != nil {
		t.Fatalf("second Sync: %v", err)
	}

	got, err := svc.Resolve(ctx, domain.ProductRef{ProviderPriceID: "price_hour"})
	if err != nil {
		t.Fatalf("a deactivated product must still resolve for refunds, got %v", err)
	}
	if got.Active {
		t.Fatal("expected the deactivated row")
	}
}
