package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	quotadomain "github.com/smallbiznis/quotaguard/internal/quota/domain"
	subscriptiondomain "github.com/smallbiznis/quotaguard/internal/subscription/domain"
	"github.com/smallbiznis/quotaguard/pkg/db"
	"gorm.io/gorm"
)

// Migrate brings the schema up to date. Postgres runs the versioned SQL files;
// MySQL and SQLite are created from the models.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if db.Name(conn) == db.DialectPostgres {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}
	return AutoMigrate(conn)
}

// RunMigrations applies the embedded postgres migrations.
func RunMigrations(sqlDB *sql.DB) error {
	if sqlDB == nil {
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

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
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

const liveSubscriptionIndex = "ux_subscriptions_live_user"

// AutoMigrate creates the tables from the gorm models. SQLite also gets the
// partial index that keeps one live subscription per user; MySQL has no
// partial indexes and relies on the superseding write in the same transaction.
func AutoMigrate(conn *gorm.DB) error {
	isSQLite := db.IsSQLite(conn)
	// The sqlite migrator cannot parse the partial index when it diffs the
	// table, so it is dropped here and rebuilt below.
	if isSQLite {
		if err := conn.Exec("DROP INDEX IF EXISTS " + liveSubscriptionIndex).Error; err != nil {
			return fmt.Errorf("drop live subscription index: %w", err)
		}
	}

	if err := conn.AutoMigrate(
		&quotadomain.UsageRecord{},
		&subscriptiondomain.SubscriptionRecord{},
		&subscriptiondomain.SubscriptionEvent{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	if isSQLite {
		if err := conn.Exec(
			`CREATE UNIQUE INDEX IF NOT EXISTS ` + liveSubscriptionIndex + `
			ON subscriptions (user_id)
			WHERE status IN ('trialing', 'active', 'past_due')`,
		).Error; err != nil {
			return fmt.Errorf("create live subscription index: %w", err)
		}
	}
	return nil
}
