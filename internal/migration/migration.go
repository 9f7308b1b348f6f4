package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/gorm"

	apikeydomain "github.com/nsxo/enterprise-telegram-bot/internal/apikey/domain"
	auditdomain "github.com/nsxo/enterprise-telegram-bot/internal/audit/domain"
	catalogdomain "github.com/nsxo/enterprise-telegram-bot/internal/catalog/domain"
	conversationdomain "github.com/nsxo/enterprise-telegram-bot/internal/conversation/domain"
	ledgerdomain "github.com/nsxo/enterprise-telegram-bot/internal/ledger/domain"
	paymentdomain "github.com/nsxo/enterprise-telegram-bot/internal/payment/domain"
	settingsdomain "github.com/nsxo/enterprise-telegram-bot/internal/settings/domain"
	transactiondomain "github.com/nsxo/enterprise-telegram-bot/internal/transaction/domain"
)

// RunMigrations applies the embedded SQL migrations so a fresh database is
// usable out of the box. Postgres only; other dialects go through AutoMigrate.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// AutoMigrate builds the schema from the model structs for sqlite and mysql
// development databases, where the versioned SQL files do not apply.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	return db.AutoMigrate(
		&ledgerdomain.User{},
		&conversationdomain.Conversation{},
		&conversationdomain.MessageRef{},
		&catalogdomain.Product{},
		&transactiondomain.Transaction{},
		&paymentdomain.EventRecord{},
		&settingsdomain.Setting{},
		&apikeydomain.APIKey{},
		&auditdomain.AuditLog{},
	)
}
