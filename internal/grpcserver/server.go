package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	fieldAccountID     = "account_id"
	fieldAmount        = "amount"
	fieldAttemptID     = "attempt_id"
	fieldBalance       = "balance"
	fieldBefore        = "before_unix_utc"
	fieldError         = "error"
	fieldFromCache     = "from_cache"
	fieldGrant         = "grant"
	fieldItemID        = "item_id"
	fieldItems         = "items"
	fieldLimit         = "limit"
	fieldOwned         = "owned"
	fieldPackageID     = "package_id"
	fieldPaymentMethod = "payment_method"
	fieldRecords       = "records"
	fieldResult        = "result"
	fieldState         = "state"

	errorInsufficientFunds    = "insufficient_funds"
	errorContention           = "contention"
	errorStoreUnavailable     = "store_unavailable"
	errorEntitlementPending   = "entitlement_pending"
	errorInvalidTransition    = "invalid_transition"
	errorUnknownItem          = "unknown_item"
	errorUnknownPackage       = "unknown_package"
	errorUnknownIntent        = "unknown_intent"
	errorInvalidAccountID     = "invalid_account_id"
	errorInvalidItemID        = "invalid_item_id"
	errorInvalidPackageID     = "invalid_package_id"
	errorInvalidAttemptID     = "invalid_attempt_id"
	errorInvalidAmount        = "invalid_amount"
	errorInvalidPaymentMethod = "invalid_payment_method"
	errorInvalidListLimit     = "invalid_list_limit"
	errorInvalidNumber        = "invalid_number"

	defaultListAuditLimit = 50
	maxListAuditLimit     = 200
)

var errNotInteger = errors.New("not an integer")

// Server exposes the shop, engine and grantor over gRPC.
type Server struct {
	shop *ledger.Shop
}

// NewServer constructs a gRPC server for the shop.
func NewServer(shop *ledger.Shop) (*Server, error) {
	if shop == nil {
		return nil, fmt.Errorf("%w: shop dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	return &Server{shop: shop}, nil
}

func (server *Server) Credit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, amount, err := accountAndAmount(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, err := server.shop.Engine().Credit(ctx, accountID, amount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newResponse(map[string]any{fieldBalance: balance.Int64()})
}

func (server *Server) Debit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, amount, err := accountAndAmount(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, err := server.shop.Engine().Debit(ctx, accountID, amount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newResponse(map[string]any{fieldBalance: balance.Int64()})
}

func (server *Server) ReadBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, fieldAccountID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	reading := server.shop.Engine().ReadBalance(ctx, accountID)
	return newResponse(map[string]any{
		fieldBalance:   reading.Balance.Int64(),
		fieldFromCache: reading.FromCache,
	})
}

func (server *Server) Grant(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, itemID, err := accountAndItem(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	attemptID := ledger.GenerateAttemptID()
	if raw := stringField(request, fieldAttemptID); raw != "" {
		if attemptID, err = ledger.NewAttemptID(raw); err != nil {
			return nil, mapToGRPCError(err)
		}
	}
	result, err := server.shop.Grantor().Grant(ctx, accountID, itemID, attemptID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newResponse(map[string]any{fieldResult: string(result), fieldAttemptID: attemptID.String()})
}

func (server *Server) Owns(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, itemID, err := accountAndItem(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	owned, err := server.shop.Grantor().Owns(ctx, accountID, itemID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newResponse(map[string]any{fieldOwned: owned})
}

func (server *Server) Inventory(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, fieldAccountID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	reading, err := server.shop.Grantor().Inventory(ctx, accountID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	items := make([]any, 0, len(reading.Items))
	for _, item := range reading.Items {
		items = append(items, map[string]any{
			fieldItemID:        item.ItemID.String(),
			fieldAttemptID:     item.AttemptID.String(),
			"title":            item.Title,
			"price":            item.Price.Int64(),
			"granted_unix_utc": item.GrantedUnixUTC,
		})
	}
	return newResponse(map[string]any{fieldItems: items, fieldFromCache: reading.FromCache})
}

func (server *Server) ListAudit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, fieldAccountID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	limitValue, err := integerField(request, fieldLimit)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	limit, err := normalizeListLimit(limitValue)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	before, err := integerField(request, fieldBefore)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidNumber)
	}
	records, err := server.shop.History(ctx, accountID, before, limit)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	payload := make([]any, 0, len(records))
	for _, record := range records {
		payload = append(payload, map[string]any{
			"kind":             record.Kind.String(),
			fieldAmount:        record.Amount.Int64(),
			fieldItemID:        record.ItemID.String(),
			fieldPackageID:     record.PackageID.String(),
			fieldAttemptID:     record.AttemptID.String(),
			"balance_after":    record.BalanceAfter.Int64(),
			"created_unix_utc": record.CreatedUnixUTC,
		})
	}
	return newResponse(map[string]any{fieldRecords: payload})
}

// Purchase buys an item with AquaGems. A purchase left in entitlement_pending is not a failure of the
// call: the debit committed, so the response carries the state and attempt id needed to resume it.
func (server *Server) Purchase(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, itemID, err := accountAndItem(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if raw := stringField(request, fieldPaymentMethod); raw != "" {
		method, err := ledger.ParsePaymentMethod(raw)
		if err != nil {
			return nil, mapToGRPCError(err)
		}
		if method != ledger.PaymentMethodAquaGems {
			return nil, status.Error(codes.InvalidArgument, errorInvalidPaymentMethod)
		}
	}
	result, err := server.shop.Buy(ctx, accountID, itemID)
	return purchaseResponse(result, err)
}

func (server *Server) ResumePurchase(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, fieldAccountID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	attemptID, err := ledger.NewAttemptID(stringField(request, fieldAttemptID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, err := server.shop.Resume(ctx, accountID, attemptID)
	return purchaseResponse(result, err)
}

func (server *Server) TopUp(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, fieldAccountID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	packageID, err := ledger.NewPackageID(stringField(request, fieldPackageID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	method, err := ledger.ParsePaymentMethod(stringField(request, fieldPaymentMethod))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, err := server.shop.Recharge(ctx, accountID, packageID, method)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newResponse(map[string]any{
		fieldAttemptID: result.Intent.AttemptID.String(),
		fieldState:     string(result.Intent.State),
		fieldAmount:    result.Intent.Amount.Int64(),
		fieldBalance:   result.Balance.Int64(),
	})
}

func purchaseResponse(result ledger.PurchaseResult, err error) (*structpb.Struct, error) {
	if err != nil && !errors.Is(err, ledger.ErrEntitlementPending) {
		return nil, mapToGRPCError(err)
	}
	fields := map[string]any{
		fieldAttemptID: result.Intent.AttemptID.String(),
		fieldState:     string(result.Intent.State),
		fieldItemID:    result.Intent.ItemID.String(),
		fieldAmount:    result.Intent.PriceAtSelection.Int64(),
		fieldBalance:   result.Balance.Int64(),
		fieldGrant:     string(result.Grant),
	}
	if err != nil {
		fields[fieldError] = errorEntitlementPending
	}
	return newResponse(fields)
}

func accountAndAmount(request *structpb.Struct) (ledger.AccountID, ledger.Amount, error) {
	accountID, err := ledger.NewAccountID(stringField(request, fieldAccountID))
	if err != nil {
		return ledger.AccountID{}, 0, err
	}
	raw, err := integerField(request, fieldAmount)
	if err != nil {
		return ledger.AccountID{}, 0, fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, err)
	}
	amount, err := ledger.NewAmount(raw)
	if err != nil {
		return ledger.AccountID{}, 0, err
	}
	return accountID, amount, nil
}

func accountAndItem(request *structpb.Struct) (ledger.AccountID, ledger.ItemID, error) {
	accountID, err := ledger.NewAccountID(stringField(request, fieldAccountID))
	if err != nil {
		return ledger.AccountID{}, ledger.ItemID{}, err
	}
	itemID, err := ledger.NewItemID(stringField(request, fieldItemID))
	if err != nil {
		return ledger.AccountID{}, ledger.ItemID{}, err
	}
	return accountID, itemID, nil
}

func stringField(request *structpb.Struct, key string) string {
	return strings.TrimSpace(request.GetFields()[key].GetStringValue())
}

// integerField reads an optional whole number; absent fields are zero.
// float64(math.MaxInt64) rounds up to 2^63, so the bound is exclusive.
func integerField(request *structpb.Struct, key string) (int64, error) {
	value, ok := request.GetFields()[key]
	if !ok {
		return 0, nil
	}
	number, ok := value.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%s: %w", key, errNotInteger)
	}
	if number.NumberValue != math.Trunc(number.NumberValue) || math.Abs(number.NumberValue) >= math.MaxInt64 {
		return 0, fmt.Errorf("%s: %w", key, errNotInteger)
	}
	return int64(number.NumberValue), nil
}

func normalizeListLimit(limit int64) (int, error) {
	if limit <= 0 {
		return defaultListAuditLimit, nil
	}
	if limit > maxListAuditLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %d > %d", limit, maxListAuditLimit)
	}
	return int(limit), nil
}

func newResponse(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return response, nil
}

func mapToGRPCError(source error) error {
	switch {
	case errors.Is(source, ledger.ErrInsufficientFunds):
		return status.Error(codes.FailedPrecondition, errorInsufficientFunds)
	case errors.Is(source, ledger.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, errorInvalidTransition)
	case errors.Is(source, ledger.ErrContention):
		return status.Error(codes.Aborted, errorContention)
	case errors.Is(source, ledger.ErrEntitlementPending):
		return status.Error(codes.Unavailable, errorEntitlementPending)
	case errors.Is(source, ledger.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, errorStoreUnavailable)
	case errors.Is(source, ledger.ErrUnknownItem):
		return status.Error(codes.NotFound, errorUnknownItem)
	case errors.Is(source, ledger.ErrUnknownPackage):
		return status.Error(codes.NotFound, errorUnknownPackage)
	case errors.Is(source, ledger.ErrUnknownIntent):
		return status.Error(codes.NotFound, errorUnknownIntent)
	case errors.Is(source, ledger.ErrInvalidAccountID):
		return status.Error(codes.InvalidArgument, errorInvalidAccountID)
	case errors.Is(source, ledger.ErrInvalidItemID):
		return status.Error(codes.InvalidArgument, errorInvalidItemID)
	case errors.Is(source, ledger.ErrInvalidPackageID):
		return status.Error(codes.InvalidArgument, errorInvalidPackageID)
	case errors.Is(source, ledger.ErrInvalidAttemptID):
		return status.Error(codes.InvalidArgument, errorInvalidAttemptID)
	case errors.Is(source, ledger.ErrInvalidAmount):
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	case errors.Is(source, ledger.ErrInvalidPaymentMethod):
		return status.Error(codes.InvalidArgument, errorInvalidPaymentMethod)
	default:
		return status.Error(codes.Internal, source.Error())
	}
}
