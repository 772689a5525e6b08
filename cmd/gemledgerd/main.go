package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/gemledger/internal/daemon"
	"github.com/MarkoPoloResearchLab/gemledger/internal/httpapi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagDatabaseURL       = "database-url"
	flagStoreDriver       = "store-driver"
	flagGRPCListenAddr    = "grpc-listen-addr"
	flagCachePath         = "cache-path"
	flagCatalogPath       = "catalog-path"
	flagMaxAttempts       = "max-attempts"
	flagGrantAttempts     = "grant-attempts"
	flagReconcileInterval = "reconcile-interval"
	flagReconcileMinAge   = "reconcile-min-age"
	flagReconcileBatch    = "reconcile-batch"
	flagHTTPEnabled       = "http-enabled"
	flagHTTPListenAddr    = "http-listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookieName = "session-cookie-name"
	envPrefix             = "GEMLEDGER"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gemledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := daemon.Config{}
	cmd := &cobra.Command{
		Use:           "gemledgerd",
		Short:         "AquaGems ledger and purchase server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			return daemon.Run(ctx, cfg, logger)
		},
	}

	cmd.Flags().String(flagDatabaseURL, "", "postgres:// or sqlite:// URL, or a plain sqlite path")
	cmd.Flags().String(flagStoreDriver, daemon.StoreDriverPGX, "postgres access layer: pgx or gorm")
	cmd.Flags().String(flagGRPCListenAddr, "", "gRPC listen address")
	cmd.Flags().String(flagCachePath, "", "sqlite file backing the local balance cache and intent journal")
	cmd.Flags().String(flagCatalogPath, "", "catalog file (yaml, json or toml)")
	cmd.Flags().Int(flagMaxAttempts, 0, "compare-and-swap attempts per ledger mutation")
	cmd.Flags().Int(flagGrantAttempts, 0, "entitlement grant attempts before a purchase is left pending")
	cmd.Flags().Duration(flagReconcileInterval, 0, "interval between pending-purchase sweeps")
	cmd.Flags().Duration(flagReconcileMinAge, 0, "minimum age of a pending purchase before it is swept")
	cmd.Flags().Int(flagReconcileBatch, 0, "maximum pending purchases per sweep")
	cmd.Flags().Bool(flagHTTPEnabled, false, "serve the HTTP storefront API")
	cmd.Flags().String(flagHTTPListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "TAuth session signing key")
	cmd.Flags().String(flagSessionIssuer, "", "expected session issuer")
	cmd.Flags().String(flagSessionCookieName, "", "session cookie name")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *daemon.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// DATABASE_URL without prefix matches the usual deployment convention.
	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	for _, flagName := range []string{
		flagDatabaseURL, flagStoreDriver, flagGRPCListenAddr, flagCachePath, flagCatalogPath,
		flagMaxAttempts, flagGrantAttempts, flagReconcileInterval, flagReconcileMinAge, flagReconcileBatch,
		flagHTTPEnabled, flagHTTPListenAddr, flagAllowedOrigins, flagSessionSigningKey, flagSessionIssuer, flagSessionCookieName,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreDriver = v.GetString(flagStoreDriver)
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.CachePath = strings.TrimSpace(v.GetString(flagCachePath))
	cfg.CatalogPath = strings.TrimSpace(v.GetString(flagCatalogPath))
	cfg.MaxAttempts = v.GetInt(flagMaxAttempts)
	cfg.GrantAttempts = v.GetInt(flagGrantAttempts)
	cfg.ReconcileInterval = v.GetDuration(flagReconcileInterval)
	cfg.ReconcileMinAge = v.GetDuration(flagReconcileMinAge)
	cfg.ReconcileBatch = v.GetInt(flagReconcileBatch)
	cfg.HTTPEnabled = v.GetBool(flagHTTPEnabled)
	cfg.HTTP = httpapi.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagHTTPListenAddr)),
		AllowedOrigins:    httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagSessionSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagSessionIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagSessionCookieName)),
	}

	return cfg.Validate()
}
