package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// Amount is a positive quantity of gems moved by a single operation.
type Amount int64

// Balance is a non-negative account balance in gems.
type Balance int64

// AccountID identifies an account owner.
type AccountID struct {
	value string
}

// ItemID identifies a catalog item.
type ItemID struct {
	value string
}

// PackageID identifies a top-up package.
type PackageID struct {
	value string
}

// AttemptID scopes one purchase or top-up attempt across retries.
type AttemptID struct {
	value string
}

// MetadataJSON stores opaque display metadata.
type MetadataJSON struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id was never initialized.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// NewItemID validates and normalizes an item id.
func NewItemID(raw string) (ItemID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ItemID{}, fmt.Errorf("%w: empty value", ErrInvalidItemID)
	}
	return ItemID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ItemID) String() string {
	return id.value
}

// IsZero reports whether the id was never initialized.
func (id ItemID) IsZero() bool {
	return id.value == ""
}

// NewPackageID validates and normalizes a package id.
func NewPackageID(raw string) (PackageID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PackageID{}, fmt.Errorf("%w: empty value", ErrInvalidPackageID)
	}
	return PackageID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PackageID) String() string {
	return id.value
}

// NewAttemptID validates an attempt id received from a caller or a persisted intent.
func NewAttemptID(raw string) (AttemptID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AttemptID{}, fmt.Errorf("%w: empty value", ErrInvalidAttemptID)
	}
	return AttemptID{value: trimmed}, nil
}

// GenerateAttemptID mints a fresh attempt id.
func GenerateAttemptID() AttemptID {
	return AttemptID{value: uuid.NewString()}
}

// String returns the attempt id.
func (id AttemptID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewAmount validates an amount and ensures it is strictly positive.
func NewAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// Int64 exposes the raw amount.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

func (amount Amount) validate() error {
	if amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return nil
}

// NewBalance validates a balance and ensures it is not negative.
func NewBalance(raw int64) (Balance, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidBalance)
	}
	return Balance(raw), nil
}

// Int64 exposes the raw balance.
func (balance Balance) Int64() int64 {
	return int64(balance)
}

// Add returns the balance increased by amount, rejecting int64 overflow.
func (balance Balance) Add(amount Amount) (Balance, error) {
	if int64(balance) > math.MaxInt64-int64(amount) {
		return 0, fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	return balance + Balance(amount), nil
}

// Subtract returns the balance decreased by amount or ErrInsufficientFunds.
func (balance Balance) Subtract(amount Amount) (Balance, error) {
	if int64(balance) < int64(amount) {
		return 0, ErrInsufficientFunds
	}
	return balance - Balance(amount), nil
}

// PaymentMethod is the presentation-only selector shown to the user.
// The engine always moves gems regardless of the selected method.
type PaymentMethod string

const (
	PaymentMethodAquaGems PaymentMethod = "aquagem"
	PaymentMethodGCash    PaymentMethod = "gcash"
	PaymentMethodPayMaya  PaymentMethod = "paymaya"
	PaymentMethodCard     PaymentMethod = "card"
)

// ParsePaymentMethod validates a payment method identifier.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	method := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	switch method {
	case PaymentMethodAquaGems, PaymentMethodGCash, PaymentMethodPayMaya, PaymentMethodCard:
		return method, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, raw)
	}
}

// String returns the payment method identifier.
func (method PaymentMethod) String() string {
	return string(method)
}

// PurchasePaymentMethods lists the methods accepted when buying catalog items.
func PurchasePaymentMethods() []PaymentMethod {
	return []PaymentMethod{PaymentMethodAquaGems}
}

// TopUpPaymentMethods lists the methods offered when buying gem packages.
func TopUpPaymentMethods() []PaymentMethod {
	return []PaymentMethod{PaymentMethodGCash, PaymentMethodPayMaya, PaymentMethodCard}
}

func containsPaymentMethod(methods []PaymentMethod, method PaymentMethod) bool {
	for _, candidate := range methods {
		if candidate == method {
			return true
		}
	}
	return false
}

// AccountSnapshot is a versioned read of an account balance.
type AccountSnapshot struct {
	Balance Balance
	Version int64
}

// InventoryItem records an owned catalog item.
type InventoryItem struct {
	ItemID         ItemID
	AttemptID      AttemptID
	Title          string
	Price          Amount
	Metadata       MetadataJSON
	GrantedUnixUTC int64
}

// BalanceReading is the best-effort result of ReadBalance.
type BalanceReading struct {
	Balance   Balance
	FromCache bool
}

// AuditKind distinguishes credits from debits.
type AuditKind string

const (
	AuditCredit AuditKind = "credit"
	AuditDebit  AuditKind = "debit"
)

// ParseAuditKind validates an audit kind.
func ParseAuditKind(raw string) (AuditKind, error) {
	switch AuditKind(raw) {
	case AuditCredit, AuditDebit:
		return AuditKind(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown audit kind %q", ErrInvalidAuditRecord, raw)
	}
}

// String returns the audit kind.
func (kind AuditKind) String() string {
	return string(kind)
}

// AuditRecord is an append-only diagnostic line for a committed credit or debit.
type AuditRecord struct {
	AccountID      AccountID
	Kind           AuditKind
	Amount         Amount
	ItemID         ItemID
	PackageID      PackageID
	AttemptID      AttemptID
	BalanceAfter   Balance
	CreatedUnixUTC int64
}

// AccountStore is the authoritative balance and inventory contract.
type AccountStore interface {
	// GetOrCreateAccount returns the current snapshot, creating a zero balance account on first access.
	GetOrCreateAccount(ctx context.Context, accountID AccountID) (AccountSnapshot, error)
	// CompareAndSwapBalance writes balance and bumps the version by one, only if the stored
	// version still equals expected.Version.
	CompareAndSwapBalance(ctx context.Context, accountID AccountID, expected AccountSnapshot, balance Balance) (bool, error)
	// AddInventoryItem inserts the item and reports false when the account already owns it.
	AddInventoryItem(ctx context.Context, accountID AccountID, item InventoryItem) (bool, error)
	HasInventoryItem(ctx context.Context, accountID AccountID, itemID ItemID) (bool, error)
	ListInventory(ctx context.Context, accountID AccountID) ([]InventoryItem, error)
}

// AuditLog is the append-only diagnostic record stream.
type AuditLog interface {
	AppendAudit(ctx context.Context, record AuditRecord) error
	ListAudit(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]AuditRecord, error)
}

// LocalCache is a best-effort, non-authoritative mirror of account state.
// Implementations must keep the highest-version balance they have seen.
type LocalCache interface {
	CachedBalance(accountID AccountID) (AccountSnapshot, bool)
	StoreBalance(accountID AccountID, snapshot AccountSnapshot)
	CachedInventory(accountID AccountID) ([]ItemID, bool)
	StoreInventory(accountID AccountID, items []ItemID)
	MarkOwned(accountID AccountID, itemID ItemID)
}
