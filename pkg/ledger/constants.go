package ledger

import "time"

const (
	operationCredit      = "credit"
	operationDebit       = "debit"
	operationReadBalance = "read_balance"
	operationGrant       = "grant"
	operationPurchase    = "purchase"
	operationTopUp       = "topup"
	operationReconcile   = "reconcile"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusDegraded = "degraded"

	errorSubjectAmount     = "amount"
	errorSubjectBalance    = "balance"
	errorSubjectInventory  = "inventory"
	errorSubjectIntent     = "intent"
	errorCodeInvalid       = "invalid"
	errorCodeInsufficient  = "insufficient_funds"
	errorCodeContention    = "contention"
	errorCodeUnavailable   = "store_unavailable"
	errorCodeTransition    = "invalid_transition"
	errorCodeLookup        = "lookup"
	errorCodePending       = "entitlement_pending"
	errorCodePaymentMethod = "payment_method"
	errorCodePersist       = "persist"

	defaultMaxAttempts      = 5
	defaultGrantAttempts    = 3
	defaultReconcileBatch   = 100
	defaultReconcileMinAge  = 30
	defaultAuditListLimit   = 50
	defaultInventoryListCap = 16

	intentSaveAttempts = 3
	intentSaveTimeout  = 2 * time.Second
)
