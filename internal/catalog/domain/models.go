package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// GrantType says what a purchase credits to the buyer.
type GrantType string

const (
	GrantTypeCredits GrantType = "credits"
	GrantTypeTime    GrantType = "time_seconds"
)

// Product is one purchasable item. Rows are reference data owned by the
// catalog file; the sync pass is the only writer.
type Product struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	Slug            string       `gorm:"type:text;not null;uniqueIndex:ux_products_slug" json:"slug"`
	Name            string       `gorm:"type:text;not null" json:"name"`
	Description     string       `gorm:"type:text;not null;default:''" json:"description,omitempty"`
	ProviderPriceID string       `gorm:"type:text;not null;uniqueIndex:ux_products_provider_price_id" json:"provider_price_id"`
	GrantType       GrantType    `gorm:"type:text;not null" json:"grant_type"`
	GrantAmount     int64        `gorm:"not null" json:"grant_amount"`
	PriceCents      int64        `gorm:"not null" json:"price_cents"`
	Currency        string       `gorm:"type:text;not null;default:'usd'" json:"currency"`
	SortOrder       int          `gorm:"not null;default:0" json:"sort_order"`
	Active          bool         `gorm:"not null;default:true" json:"active"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Product) TableName() string { return "products" }

// CatalogEntry is one product stanza from the catalog file.
type CatalogEntry struct {
	Name            string `mapstructure:"name" yaml:"name"`
	Slug            string `mapstructure:"slug" yaml:"slug"`
	Description     string `mapstructure:"description" yaml:"description"`
	ProviderPriceID string `mapstructure:"provider_price_id" yaml:"provider_price_id"`
	GrantType       string `mapstructure:"grant_type" yaml:"grant_type"`
	GrantAmount     int64  `mapstructure:"grant_amount" yaml:"grant_amount"`
	PriceCents      int64  `mapstructure:"price_cents" yaml:"price_cents"`
	Currency        string `mapstructure:"currency" yaml:"currency"`
	SortOrder       int    `mapstructure:"sort_order" yaml:"sort_order"`
	Active          *bool  `mapstructure:"active" yaml:"active"`
}
