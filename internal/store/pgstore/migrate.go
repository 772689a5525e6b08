package pgstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	migrationsDir = "migrations"
	sqlDriverName = "pgx"
	sourceName    = "iofs"
	databaseName  = "postgres"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending embedded schema migration to the database at dsn.
func Migrate(dsn string) error {
	db, err := sql.Open(sqlDriverName, dsn)
	if err != nil {
		return wrapSchemaError(fmt.Errorf("open db: %w", err))
	}
	//nolint:errcheck
	defer db.Close()

	if err := db.Ping(); err != nil {
		return wrapSchemaError(fmt.Errorf("ping db: %w", err))
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return wrapSchemaError(fmt.Errorf("init postgres driver: %w", err))
	}
	source, err := iofs.New(migrationsFS, migrationsDir)
	if err != nil {
		return wrapSchemaError(fmt.Errorf("iofs source: %w", err))
	}
	migrator, err := migrate.NewWithInstance(sourceName, source, databaseName, driver)
	if err != nil {
		return wrapSchemaError(fmt.Errorf("migrate instance: %w", err))
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return wrapSchemaError(fmt.Errorf("migrate up: %w", err))
	}
	return nil
}

func wrapSchemaError(err error) error {
	return ledger.WrapError(errorOperationStore, errorSubjectSchema, errorCodeMigrate, ledger.Unavailable(err))
}
