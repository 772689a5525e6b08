package daemon

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/gemledger/internal/httpapi"
)

const (
	// StoreDriverPGX serves postgres through a pgx pool with embedded migrations.
	StoreDriverPGX = "pgx"
	// StoreDriverGorm serves postgres or sqlite through gorm with AutoMigrate.
	StoreDriverGorm = "gorm"

	defaultDatabaseURL       = "sqlite:///tmp/gemledger.db"
	defaultGRPCListenAddr    = ":7000"
	defaultCachePath         = "/tmp/gemledger-cache.db"
	defaultMaxAttempts       = 5
	defaultGrantAttempts     = 3
	defaultReconcileInterval = time.Minute
	defaultReconcileMinAge   = 30 * time.Second
	defaultReconcileBatch    = 100
)

// Config aggregates runtime settings for gemledgerd.
type Config struct {
	DatabaseURL       string
	StoreDriver       string
	GRPCListenAddr    string
	CachePath         string
	CatalogPath       string
	MaxAttempts       int
	GrantAttempts     int
	ReconcileInterval time.Duration
	ReconcileMinAge   time.Duration
	ReconcileBatch    int
	HTTPEnabled       bool
	HTTP              httpapi.Config
}

// Validate fills defaults and rejects inconsistent settings.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverPGX))
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.CachePath = defaultIfEmpty(cfg.CachePath, defaultCachePath)
	cfg.CatalogPath = strings.TrimSpace(cfg.CatalogPath)
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.GrantAttempts <= 0 {
		cfg.GrantAttempts = defaultGrantAttempts
	}
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	if cfg.ReconcileMinAge == 0 {
		cfg.ReconcileMinAge = defaultReconcileMinAge
	}
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = defaultReconcileBatch
	}
	switch cfg.StoreDriver {
	case StoreDriverPGX, StoreDriverGorm:
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	if cfg.ReconcileInterval < 0 {
		return fmt.Errorf("reconcile interval must not be negative")
	}
	if cfg.ReconcileMinAge < 0 {
		return fmt.Errorf("reconcile min age must not be negative")
	}
	if cfg.HTTPEnabled {
		if err := cfg.HTTP.Validate(); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
