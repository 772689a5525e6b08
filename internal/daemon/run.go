// Package daemon wires the stores, the shop and its transports into the gemledgerd process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/gemledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/gemledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/gemledger/internal/localcache"
	"github.com/MarkoPoloResearchLab/gemledger/internal/zaplog"
	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Services is the assembled domain graph.
type Services struct {
	Shop       *ledger.Shop
	Reconciler *ledger.Reconciler
}

// NewServices assembles engine, grantor, shop and reconciler over the given collaborators.
func NewServices(cfg Config, accounts ledger.AccountStore, audit ledger.AuditLog, cache ledger.LocalCache, intents ledger.IntentStore, catalog ledger.Catalog, operationLogger ledger.OperationLogger) (Services, error) {
	clock := func() int64 { return time.Now().UTC().Unix() }
	options := []ledger.Option{
		ledger.WithOperationLogger(operationLogger),
		ledger.WithMaxAttempts(cfg.MaxAttempts),
		ledger.WithGrantAttempts(cfg.GrantAttempts),
		ledger.WithReconcileBatch(cfg.ReconcileBatch),
		ledger.WithReconcileMinAge(int64(cfg.ReconcileMinAge / time.Second)),
	}
	engine, err := ledger.NewEngine(accounts, cache, options...)
	if err != nil {
		return Services{}, fmt.Errorf("engine init: %w", err)
	}
	grantor, err := ledger.NewGrantor(accounts, cache, clock, options...)
	if err != nil {
		return Services{}, fmt.Errorf("grantor init: %w", err)
	}
	shop, err := ledger.NewShop(engine, grantor, catalog, audit, intents, clock, options...)
	if err != nil {
		return Services{}, fmt.Errorf("shop init: %w", err)
	}
	reconciler, err := ledger.NewReconciler(shop, options...)
	if err != nil {
		return Services{}, fmt.Errorf("reconciler init: %w", err)
	}
	return Services{Shop: shop, Reconciler: reconciler}, nil
}

// Run serves gRPC, and HTTP when enabled, until ctx is cancelled.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	store, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.close()
	logger.Info("account store ready", zap.String("backend", store.name))

	cache, err := localcache.Open(cfg.CachePath, logger.Named("localcache"))
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	catalog, err := LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	if len(catalog.Items()) == 0 {
		logger.Warn("catalog has no items; purchases will fail with unknown item", zap.String("catalog_path", cfg.CatalogPath))
	}

	services, err := NewServices(cfg, store.accounts, store.audit, cache, cache, catalog, zaplog.New(logger.Named("ledger")))
	if err != nil {
		return err
	}
	ledgerServer, err := grpcserver.NewServer(services.Shop)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	grpcserver.RegisterLedgerService(grpcServer, ledgerServer)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		errCh <- grpcServer.Serve(listener)
	}()

	if cfg.HTTPEnabled {
		router, err := newHTTPRouter(cfg.HTTP, services.Shop, catalog, logger)
		if err != nil {
			grpcServer.Stop()
			return err
		}
		go func() {
			errCh <- httpapi.Serve(runCtx, cfg.HTTP, router, logger.Named("http"))
		}()
	}

	go RunReconciler(runCtx, services.Reconciler, cfg.ReconcileInterval, logger.Named("reconciler"))

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		cancel()
		grpcServer.GracefulStop()
		return nil
	case serveErr := <-errCh:
		cancel()
		grpcServer.GracefulStop()
		if serveErr == nil || errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func newHTTPRouter(cfg httpapi.Config, shop *ledger.Shop, catalog *ledger.StaticCatalog, logger *zap.Logger) (*gin.Engine, error) {
	validator, err := httpapi.NewSessionValidator(cfg)
	if err != nil {
		return nil, err
	}
	handler, err := httpapi.NewHandler(cfg, shop, catalog, logger.Named("http"))
	if err != nil {
		return nil, err
	}
	return httpapi.NewRouter(cfg, handler, httpapi.Authenticate(validator)), nil
}

// RunReconciler sweeps entitlement_pending purchases every interval until ctx is cancelled.
func RunReconciler(ctx context.Context, reconciler *ledger.Reconciler, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := reconciler.Sweep(ctx)
			if err != nil {
				logger.Warn("reconcile sweep failed", zap.Error(err))
				continue
			}
			if report.Scanned > 0 {
				logger.Info("reconcile sweep",
					zap.Int("scanned", report.Scanned),
					zap.Int("committed", report.Committed),
					zap.Int("pending", report.Pending))
			}
		}
	}
}
