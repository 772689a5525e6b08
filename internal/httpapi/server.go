// Package httpapi is the browser-facing JSON surface. The account id comes from the TAuth session.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	shutdownTimeout  = 5 * time.Second

	errorCodeUnauthorized       = "unauthorized"
	errorCodeInvalidPayload     = "invalid_payload"
	errorCodeInvalidArgument    = "invalid_argument"
	errorCodeInsufficientFunds  = "insufficient_funds"
	errorCodeInvalidTransition  = "invalid_transition"
	errorCodeNotFound           = "not_found"
	errorCodeContention         = "contention"
	errorCodeStoreUnavailable   = "store_unavailable"
	errorCodeEntitlementPending = "entitlement_pending"
	errorCodeInternal           = "internal"
)

// NewSessionValidator builds the TAuth validator used by the /api group.
func NewSessionValidator(cfg Config) (*sessionvalidator.Validator, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	return validator, nil
}

// Serve runs router on cfg.ListenAddr until ctx is cancelled.
func Serve(ctx context.Context, cfg Config, router http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("listen_addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("http server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter wires the routes. authenticate guards every /api route and must store
// *sessionvalidator.Claims under the "auth_claims" key.
func NewRouter(cfg Config, handler *Handler, authenticate gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(authenticate)

	api.GET("/session", handler.handleSession)
	api.GET("/catalog", handler.handleCatalog)
	api.GET("/wallet", handler.handleWallet)
	api.POST("/purchases", handler.handlePurchase)
	api.POST("/purchases/:attempt_id/resume", handler.handleResume)
	api.POST("/topups", handler.handleTopUp)

	return router
}

// Authenticate adapts the TAuth validator to NewRouter.
func Authenticate(validator *sessionvalidator.Validator) gin.HandlerFunc {
	return validator.GinMiddleware(claimsContextKey)
}

// Handler serves the shop to signed-in users.
type Handler struct {
	logger  *zap.Logger
	shop    *ledger.Shop
	catalog *ledger.StaticCatalog
	cfg     Config
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config, shop *ledger.Shop, catalog *ledger.StaticCatalog, logger *zap.Logger) (*Handler, error) {
	if shop == nil {
		return nil, fmt.Errorf("%w: shop dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger, shop: shop, catalog: catalog, cfg: cfg}, nil
}

func (handler *Handler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": claims.GetUserID(),
		"email":   claims.GetUserEmail(),
		"display": claims.GetUserDisplayName(),
	})
}

func (handler *Handler) handleCatalog(ctx *gin.Context) {
	items := make([]itemPayload, 0)
	for _, item := range handler.catalog.Items() {
		items = append(items, itemPayload{ID: item.ID.String(), Title: item.Title, Price: item.Price.Int64()})
	}
	packages := make([]packagePayload, 0)
	for _, topUpPackage := range handler.catalog.Packages() {
		packages = append(packages, packagePayload{ID: topUpPackage.ID.String(), Gems: topUpPackage.Gems.Int64(), PriceLabel: topUpPackage.PriceLabel})
	}
	ctx.JSON(http.StatusOK, catalogResponse{
		Items:                  items,
		Packages:               packages,
		PurchasePaymentMethods: methodNames(ledger.PurchasePaymentMethods()),
		TopUpPaymentMethods:    methodNames(ledger.TopUpPaymentMethods()),
	})
}

func (handler *Handler) handleWallet(ctx *gin.Context) {
	accountID, ok := handler.requireAccount(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	ctx.JSON(http.StatusOK, gin.H{"wallet": handler.fetchWallet(requestCtx, accountID)})
}

func (handler *Handler) handlePurchase(ctx *gin.Context) {
	accountID, ok := handler.requireAccount(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	itemID, err := ledger.NewItemID(request.ItemID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if request.PaymentMethod != "" {
		method, err := ledger.ParsePaymentMethod(request.PaymentMethod)
		if err == nil && method != ledger.PaymentMethodAquaGems {
			err = fmt.Errorf("%w: %q not accepted for purchases", ledger.ErrInvalidPaymentMethod, request.PaymentMethod)
		}
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	result, err := handler.shop.Buy(requestCtx, accountID, itemID)
	handler.respondPurchase(ctx, result, err)
}

func (handler *Handler) handleResume(ctx *gin.Context) {
	accountID, ok := handler.requireAccount(ctx)
	if !ok {
		return
	}
	attemptID, err := ledger.NewAttemptID(ctx.Param("attempt_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	result, err := handler.shop.Resume(requestCtx, accountID, attemptID)
	handler.respondPurchase(ctx, result, err)
}

func (handler *Handler) handleTopUp(ctx *gin.Context) {
	accountID, ok := handler.requireAccount(ctx)
	if !ok {
		return
	}
	var request topUpRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	packageID, err := ledger.NewPackageID(request.PackageID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	method, err := ledger.ParsePaymentMethod(request.PaymentMethod)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	result, err := handler.shop.Recharge(requestCtx, accountID, packageID, method)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"top_up": topUpPayload{
			AttemptID:     result.Intent.AttemptID.String(),
			PackageID:     result.Intent.PackageID.String(),
			Gems:          result.Intent.Amount.Int64(),
			PriceLabel:    result.Intent.PriceLabel,
			PaymentMethod: result.Intent.PaymentMethod.String(),
			State:         string(result.Intent.State),
		},
		"wallet": handler.fetchWallet(ctx.Request.Context(), accountID),
	})
}

// respondPurchase answers 200 for a committed purchase and 202 for one left in entitlement_pending.
func (handler *Handler) respondPurchase(ctx *gin.Context, result ledger.PurchaseResult, err error) {
	if err != nil && !errors.Is(err, ledger.ErrEntitlementPending) {
		handler.respondError(ctx, err)
		return
	}
	statusCode := http.StatusOK
	if err != nil {
		statusCode = http.StatusAccepted
		handler.logger.Warn("purchase left pending", zap.String("attempt_id", result.Intent.AttemptID.String()), zap.Error(err))
	}
	ctx.JSON(statusCode, gin.H{
		"purchase": purchasePayload{
			AttemptID:     result.Intent.AttemptID.String(),
			ItemID:        result.Intent.ItemID.String(),
			Title:         result.Intent.Title,
			Price:         result.Intent.PriceAtSelection.Int64(),
			PaymentMethod: result.Intent.PaymentMethod.String(),
			State:         string(result.Intent.State),
			BalanceAfter:  result.Balance.Int64(),
			Grant:         string(result.Grant),
		},
		"wallet": handler.fetchWallet(ctx.Request.Context(), result.Intent.AccountID),
	})
}

func (handler *Handler) respondError(ctx *gin.Context, err error) {
	statusCode, code := classifyError(err)
	if statusCode >= http.StatusInternalServerError {
		handler.logger.Error("shop request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	ctx.JSON(statusCode, errorResponse(code, err.Error()))
}

func (handler *Handler) requireAccount(ctx *gin.Context) (ledger.AccountID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return ledger.AccountID{}, false
	}
	accountID, err := ledger.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "session has no user id"))
		return ledger.AccountID{}, false
	}
	return accountID, true
}

// fetchWallet is best effort: balance falls back to the cache, inventory and history may be missing.
func (handler *Handler) fetchWallet(ctx context.Context, accountID ledger.AccountID) walletResponse {
	reading := handler.shop.Engine().ReadBalance(ctx, accountID)
	wallet := walletResponse{
		Balance:   reading.Balance.Int64(),
		FromCache: reading.FromCache,
		Items:     make([]ownedPayload, 0),
		History:   make([]auditPayload, 0),
	}
	inventory, err := handler.shop.Grantor().Inventory(ctx, accountID)
	if err != nil {
		handler.logger.Warn("inventory unavailable", zap.String("account_id", accountID.String()), zap.Error(err))
	}
	for _, item := range inventory.Items {
		wallet.Items = append(wallet.Items, ownedPayload{ItemID: item.ItemID.String(), Title: item.Title, GrantedUnixUTC: item.GrantedUnixUTC})
	}
	records, err := handler.shop.History(ctx, accountID, 0, handler.cfg.HistoryLimit)
	if err != nil {
		handler.logger.Warn("history unavailable", zap.String("account_id", accountID.String()), zap.Error(err))
	}
	for _, record := range records {
		wallet.History = append(wallet.History, auditPayload{
			Kind:           record.Kind.String(),
			Amount:         record.Amount.Int64(),
			ItemID:         record.ItemID.String(),
			PackageID:      record.PackageID.String(),
			AttemptID:      record.AttemptID.String(),
			BalanceAfter:   record.BalanceAfter.Int64(),
			CreatedUnixUTC: record.CreatedUnixUTC,
		})
	}
	return wallet
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusConflict, errorCodeInsufficientFunds
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict, errorCodeInvalidTransition
	case errors.Is(err, ledger.ErrUnknownItem), errors.Is(err, ledger.ErrUnknownPackage), errors.Is(err, ledger.ErrUnknownIntent):
		return http.StatusNotFound, errorCodeNotFound
	case errors.Is(err, ledger.ErrInvalidAccountID),
		errors.Is(err, ledger.ErrInvalidItemID),
		errors.Is(err, ledger.ErrInvalidPackageID),
		errors.Is(err, ledger.ErrInvalidAttemptID),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidPaymentMethod):
		return http.StatusBadRequest, errorCodeInvalidArgument
	case errors.Is(err, ledger.ErrEntitlementPending):
		return http.StatusServiceUnavailable, errorCodeEntitlementPending
	case errors.Is(err, ledger.ErrContention):
		return http.StatusServiceUnavailable, errorCodeContention
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, errorCodeStoreUnavailable
	default:
		return http.StatusInternalServerError, errorCodeInternal
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func methodNames(methods []ledger.PaymentMethod) []string {
	names := make([]string, 0, len(methods))
	for _, method := range methods {
		names = append(names, method.String())
	}
	return names
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type purchaseRequest struct {
	ItemID        string `json:"item_id" binding:"required"`
	PaymentMethod string `json:"payment_method"`
}

type topUpRequest struct {
	PackageID     string `json:"package_id" binding:"required"`
	PaymentMethod string `json:"payment_method" binding:"required"`
}

type catalogResponse struct {
	Items                  []itemPayload    `json:"items"`
	Packages               []packagePayload `json:"packages"`
	PurchasePaymentMethods []string         `json:"purchase_payment_methods"`
	TopUpPaymentMethods    []string         `json:"top_up_payment_methods"`
}

type itemPayload struct {
	ID    string `json:"item_id"`
	Title string `json:"title"`
	Price int64  `json:"price"`
}

type packagePayload struct {
	ID         string `json:"package_id"`
	Gems       int64  `json:"gems"`
	PriceLabel string `json:"price_label"`
}

type walletResponse struct {
	Balance   int64          `json:"balance"`
	FromCache bool           `json:"from_cache"`
	Items     []ownedPayload `json:"items"`
	History   []auditPayload `json:"history"`
}

type ownedPayload struct {
	ItemID         string `json:"item_id"`
	Title          string `json:"title"`
	GrantedUnixUTC int64  `json:"granted_unix_utc"`
}

type auditPayload struct {
	Kind           string `json:"kind"`
	Amount         int64  `json:"amount"`
	ItemID         string `json:"item_id,omitempty"`
	PackageID      string `json:"package_id,omitempty"`
	AttemptID      string `json:"attempt_id"`
	BalanceAfter   int64  `json:"balance_after"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type purchasePayload struct {
	AttemptID     string `json:"attempt_id"`
	ItemID        string `json:"item_id"`
	Title         string `json:"title"`
	Price         int64  `json:"price"`
	PaymentMethod string `json:"payment_method"`
	State         string `json:"state"`
	BalanceAfter  int64  `json:"balance_after"`
	Grant         string `json:"grant,omitempty"`
}

type topUpPayload struct {
	AttemptID     string `json:"attempt_id"`
	PackageID     string `json:"package_id"`
	Gems          int64  `json:"gems"`
	PriceLabel    string `json:"price_label"`
	PaymentMethod string `json:"payment_method"`
	State         string `json:"state"`
}
