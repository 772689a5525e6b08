package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger packages.
var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrContention           = errors.New("contention")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrEntitlementPending   = errors.New("entitlement pending")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrUnknownItem          = errors.New("unknown item")
	ErrUnknownPackage       = errors.New("unknown package")
	ErrUnknownIntent        = errors.New("unknown intent")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	ErrInvalidAccountID     = errors.New("invalid account id")
	ErrInvalidItemID        = errors.New("invalid item id")
	ErrInvalidPackageID     = errors.New("invalid package id")
	ErrInvalidAttemptID     = errors.New("invalid attempt id")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidBalance       = errors.New("invalid balance")
	ErrInvalidAuditRecord   = errors.New("invalid audit record")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// Unavailable tags err as ErrStoreUnavailable unless it already is.
// Store implementations use it for every backend fault.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return errors.Join(ErrStoreUnavailable, err)
}

// IsTransient reports whether retrying the same operation may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrContention)
}
