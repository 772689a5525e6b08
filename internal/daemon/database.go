package daemon

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/gemledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/gemledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverPostgres    = "postgres"
	driverSQLite      = "sqlite"
	defaultSQLiteFile = "gemledger.db"
	memorySQLitePath  = ":memory:"
)

// backend is the authoritative store selected by configuration.
type backend struct {
	accounts ledger.AccountStore
	audit    ledger.AuditLog
	name     string
	close    func()
}

func openBackend(ctx context.Context, cfg Config) (backend, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return backend{}, err
	}
	if driver == driverPostgres && cfg.StoreDriver == StoreDriverPGX {
		return openPGXBackend(ctx, cfg.DatabaseURL)
	}
	return openGormBackend(ctx, driver, cfg.DatabaseURL, sqlitePath)
}

func openPGXBackend(ctx context.Context, dsn string) (backend, error) {
	if err := pgstore.Migrate(dsn); err != nil {
		return backend{}, fmt.Errorf("schema migrate: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return backend{}, fmt.Errorf("pgx pool: %w", err)
	}
	store := pgstore.New(pool)
	if err := store.Ping(ctx); err != nil {
		pool.Close()
		return backend{}, err
	}
	return backend{accounts: store, audit: store, name: "pgx", close: pool.Close}, nil
}

func openGormBackend(ctx context.Context, driver string, dsn string, sqlitePath string) (backend, error) {
	gormConfig := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return backend{}, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return backend{}, fmt.Errorf("database open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return backend{}, fmt.Errorf("database handle: %w", err)
	}
	closeDB := func() { _ = sqlDB.Close() }
	store := gormstore.New(db)
	if err := store.Migrate(ctx); err != nil {
		closeDB()
		return backend{}, fmt.Errorf("auto migrate: %w", err)
	}
	return backend{accounts: store, audit: store, name: "gorm/" + driver, close: closeDB}, nil
}

// resolveDriver maps a database URL to a driver name and, for sqlite, a filesystem path.
func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Anything else is a plain sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == memorySQLitePath {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}
