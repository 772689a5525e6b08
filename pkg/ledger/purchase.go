package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// PurchaseState is a step of the purchase state machine.
type PurchaseState string

const (
	PurchaseIdle                    PurchaseState = "idle"
	PurchaseItemSelected            PurchaseState = "item_selected"
	PurchasePaymentMethodChosen     PurchaseState = "payment_method_chosen"
	PurchaseDebiting                PurchaseState = "debiting"
	PurchaseEntitlementPending      PurchaseState = "entitlement_pending"
	PurchaseCommitted               PurchaseState = "committed"
	PurchaseInsufficientFundsFailed PurchaseState = "insufficient_funds_failed"
	PurchaseStoreFailed             PurchaseState = "store_failed"
	PurchaseAborted                 PurchaseState = "aborted"
)

// ParsePurchaseState validates a persisted state name.
func ParsePurchaseState(raw string) (PurchaseState, error) {
	state := PurchaseState(raw)
	switch state {
	case PurchaseIdle, PurchaseItemSelected, PurchasePaymentMethodChosen, PurchaseDebiting,
		PurchaseEntitlementPending, PurchaseCommitted, PurchaseInsufficientFundsFailed,
		PurchaseStoreFailed, PurchaseAborted:
		return state, nil
	default:
		return "", fmt.Errorf("%w: unknown purchase state %q", ErrInvalidTransition, raw)
	}
}

// IsTerminal reports whether no further transition is possible.
func (state PurchaseState) IsTerminal() bool {
	switch state {
	case PurchaseCommitted, PurchaseInsufficientFundsFailed, PurchaseAborted:
		return true
	default:
		return false
	}
}

// PurchaseIntent is the value owned by one purchase run.
type PurchaseIntent struct {
	AccountID        AccountID
	ItemID           ItemID
	Title            string
	PriceAtSelection Amount
	PaymentMethod    PaymentMethod
	State            PurchaseState
	AttemptID        AttemptID
	// BalanceAfter is the balance returned by the committed debit.
	BalanceAfter Balance
}

// IntentRecord is a journaled PurchaseIntent.
type IntentRecord struct {
	PurchaseIntent
	UpdatedUnixUTC int64
}

// IntentStore journals intents that reached the debit so they can be resumed after a restart.
type IntentStore interface {
	SaveIntent(ctx context.Context, record IntentRecord) error
	// LoadIntent returns ErrUnknownIntent when no record exists.
	LoadIntent(ctx context.Context, attemptID AttemptID) (IntentRecord, error)
	// ListPendingIntents returns entitlement_pending records, oldest first.
	ListPendingIntents(ctx context.Context, limit int) ([]IntentRecord, error)
}

// PurchaseResult is returned by Confirm and RetryGrant.
type PurchaseResult struct {
	Intent  PurchaseIntent
	Balance Balance
	Grant   GrantResult
}

// Purchase drives one PurchaseIntent through the state machine.
// The mutex guards the intent value only and is never held across a store call.
type Purchase struct {
	shop   *Shop
	mu     sync.Mutex
	intent PurchaseIntent
}

// Intent returns a copy of the current intent.
func (purchase *Purchase) Intent() PurchaseIntent {
	purchase.mu.Lock()
	defer purchase.mu.Unlock()
	return purchase.intent
}

// SelectItem captures the item and its current catalog price.
func (purchase *Purchase) SelectItem(ctx context.Context, itemID ItemID) error {
	if err := purchase.expect(PurchaseIdle); err != nil {
		return err
	}
	item, err := purchase.shop.catalog.LookupItem(ctx, itemID)
	if err != nil {
		return WrapError(operationPurchase, errorSubjectIntent, errorCodeLookup, err)
	}
	purchase.mu.Lock()
	defer purchase.mu.Unlock()
	if purchase.intent.State != PurchaseIdle {
		return purchase.transitionError(PurchaseIdle)
	}
	purchase.intent.ItemID = item.ID
	purchase.intent.Title = item.Title
	purchase.intent.PriceAtSelection = item.Price
	purchase.intent.State = PurchaseItemSelected
	return nil
}

// ChoosePaymentMethod records the presentation-only payment method.
func (purchase *Purchase) ChoosePaymentMethod(method PaymentMethod) error {
	purchase.mu.Lock()
	defer purchase.mu.Unlock()
	if purchase.intent.State != PurchaseItemSelected {
		return purchase.transitionError(PurchaseItemSelected)
	}
	if !containsPaymentMethod(PurchasePaymentMethods(), method) {
		return WrapError(operationPurchase, errorSubjectIntent, errorCodePaymentMethod, fmt.Errorf("%w: %q not accepted for purchases", ErrInvalidPaymentMethod, method))
	}
	purchase.intent.PaymentMethod = method
	purchase.intent.State = PurchasePaymentMethodChosen
	return nil
}

// Cancel aborts the purchase. Only allowed before the debit starts.
func (purchase *Purchase) Cancel() error {
	purchase.mu.Lock()
	defer purchase.mu.Unlock()
	switch purchase.intent.State {
	case PurchaseIdle, PurchaseItemSelected, PurchasePaymentMethodChosen:
		purchase.intent.State = PurchaseAborted
		return nil
	default:
		return purchase.transitionError(PurchaseIdle, PurchaseItemSelected, PurchasePaymentMethodChosen)
	}
}

// Confirm debits the captured price and then grants the item.
// A store_failed purchase may be confirmed again; the failed debit never applied.
func (purchase *Purchase) Confirm(ctx context.Context) (PurchaseResult, error) {
	purchase.mu.Lock()
	switch purchase.intent.State {
	case PurchasePaymentMethodChosen, PurchaseStoreFailed:
	default:
		err := purchase.transitionError(PurchasePaymentMethodChosen, PurchaseStoreFailed)
		purchase.mu.Unlock()
		return PurchaseResult{Intent: purchase.Intent()}, err
	}
	purchase.intent.State = PurchaseDebiting
	intent := purchase.intent
	purchase.mu.Unlock()

	shop := purchase.shop
	// The intent is journaled before any money moves.
	if err := shop.saveIntent(ctx, intent); err != nil {
		intent = purchase.setState(PurchaseStoreFailed, 0)
		shop.logPurchase(ctx, intent, err)
		return PurchaseResult{Intent: intent}, err
	}

	var (
		balance Balance
		err     error
	)
	if intent.PriceAtSelection == 0 {
		balance = shop.engine.ReadBalance(ctx, intent.AccountID).Balance
	} else {
		balance, err = shop.engine.Debit(ctx, intent.AccountID, intent.PriceAtSelection)
	}
	if err != nil {
		failed := PurchaseStoreFailed
		if errors.Is(err, ErrInsufficientFunds) {
			failed = PurchaseInsufficientFundsFailed
		}
		intent = purchase.setState(failed, 0)
		shop.persistIntent(ctx, intent)
		shop.logPurchase(ctx, intent, err)
		return PurchaseResult{Intent: intent}, err
	}

	intent = purchase.setState(PurchaseEntitlementPending, balance)
	shop.persistIntent(ctx, intent)
	return purchase.grant(ctx)
}

// RetryGrant re-runs only the grant step of an entitlement_pending purchase.
func (purchase *Purchase) RetryGrant(ctx context.Context) (PurchaseResult, error) {
	if err := purchase.expect(PurchaseEntitlementPending); err != nil {
		return PurchaseResult{Intent: purchase.Intent()}, err
	}
	return purchase.grant(ctx)
}

func (purchase *Purchase) grant(ctx context.Context) (PurchaseResult, error) {
	shop := purchase.shop
	intent := purchase.Intent()
	if !shop.claim(intent.AttemptID) {
		err := WrapError(operationPurchase, errorSubjectIntent, errorCodePending, fmt.Errorf("%w: grant already in progress", ErrEntitlementPending))
		return PurchaseResult{Intent: intent, Balance: intent.BalanceAfter}, err
	}
	defer shop.release(intent.AttemptID)

	// A copy rebuilt from an older journal read adopts an already committed record.
	if record, err := shop.intents.LoadIntent(ctx, intent.AttemptID); err == nil && record.State == PurchaseCommitted {
		intent = purchase.adopt(record.PurchaseIntent)
		return PurchaseResult{Intent: intent, Balance: intent.BalanceAfter, Grant: GrantAlreadyOwned}, nil
	}

	item := CatalogItem{ID: intent.ItemID, Title: intent.Title, Price: intent.PriceAtSelection}
	var (
		result  GrantResult
		lastErr error
		granted bool
	)
	for attempt := 1; attempt <= shop.grantAttempts && !granted; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = Unavailable(err)
			break
		}
		result, lastErr = shop.grantor.GrantCatalogItem(ctx, intent.AccountID, item, intent.AttemptID)
		granted = lastErr == nil
	}
	if !granted {
		err := WrapError(operationPurchase, errorSubjectIntent, errorCodePending, fmt.Errorf("%w: %w", ErrEntitlementPending, lastErr))
		shop.logPurchase(ctx, intent, err)
		return PurchaseResult{Intent: intent, Balance: intent.BalanceAfter}, err
	}

	if intent.PriceAtSelection > 0 {
		shop.appendAudit(ctx, AuditRecord{
			AccountID:    intent.AccountID,
			Kind:         AuditDebit,
			Amount:       intent.PriceAtSelection,
			ItemID:       intent.ItemID,
			AttemptID:    intent.AttemptID,
			BalanceAfter: intent.BalanceAfter,
		})
	}
	intent = purchase.setState(PurchaseCommitted, intent.BalanceAfter)
	shop.persistIntent(ctx, intent)
	shop.logPurchase(ctx, intent, nil)
	return PurchaseResult{Intent: intent, Balance: intent.BalanceAfter, Grant: result}, nil
}

func (purchase *Purchase) setState(state PurchaseState, balance Balance) PurchaseIntent {
	purchase.mu.Lock()
	defer purchase.mu.Unlock()
	purchase.intent.State = state
	if state == PurchaseEntitlementPending {
		purchase.intent.BalanceAfter = balance
	}
	return purchase.intent
}

func (purchase *Purchase) adopt(intent PurchaseIntent) PurchaseIntent {
	purchase.mu.Lock()
	defer purchase.mu.Unlock()
	purchase.intent = intent
	return purchase.intent
}

func (purchase *Purchase) expect(state PurchaseState) error {
	purchase.mu.Lock()
	defer purchase.mu.Unlock()
	if purchase.intent.State != state {
		return purchase.transitionError(state)
	}
	return nil
}

// transitionError must be called with mu held.
func (purchase *Purchase) transitionError(allowed ...PurchaseState) error {
	return WrapError(operationPurchase, errorSubjectIntent, errorCodeTransition,
		fmt.Errorf("%w: %s not in %v", ErrInvalidTransition, purchase.intent.State, allowed))
}

// Shop builds purchase and top-up workflows over one Engine.
type Shop struct {
	engine        *Engine
	grantor       *Grantor
	catalog       Catalog
	audit         AuditLog
	intents       IntentStore
	nowFn         func() int64
	grantAttempts int
	logs          operationLogSink
	inFlight      sync.Map
}

// NewShop wires the workflow factory.
func NewShop(engine *Engine, grantor *Grantor, catalog Catalog, audit AuditLog, intents IntentStore, now func() int64, options ...Option) (*Shop, error) {
	switch {
	case engine == nil:
		return nil, fmt.Errorf("%w: engine dependency is nil", ErrInvalidServiceConfig)
	case grantor == nil:
		return nil, fmt.Errorf("%w: grantor dependency is nil", ErrInvalidServiceConfig)
	case catalog == nil:
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	case audit == nil:
		return nil, fmt.Errorf("%w: audit log dependency is nil", ErrInvalidServiceConfig)
	case intents == nil:
		return nil, fmt.Errorf("%w: intent store dependency is nil", ErrInvalidServiceConfig)
	case now == nil:
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	configured := newSettings(options)
	return &Shop{
		engine:        engine,
		grantor:       grantor,
		catalog:       catalog,
		audit:         audit,
		intents:       intents,
		nowFn:         now,
		grantAttempts: configured.grantAttempts,
		logs:          operationLogSink{logger: configured.logger},
	}, nil
}

// Engine exposes the balance engine the shop debits through.
func (shop *Shop) Engine() *Engine {
	return shop.engine
}

// Grantor exposes the entitlement grantor.
func (shop *Shop) Grantor() *Grantor {
	return shop.grantor
}

// NewPurchase starts a fresh purchase with a new attempt id.
func (shop *Shop) NewPurchase(accountID AccountID) (*Purchase, error) {
	if accountID.IsZero() {
		return nil, WrapError(operationPurchase, errorSubjectIntent, errorCodeInvalid, ErrInvalidAccountID)
	}
	return &Purchase{
		shop: shop,
		intent: PurchaseIntent{
			AccountID: accountID,
			State:     PurchaseIdle,
			AttemptID: GenerateAttemptID(),
		},
	}, nil
}

// ResumePurchase rebuilds a journaled purchase owned by accountID.
func (shop *Shop) ResumePurchase(ctx context.Context, accountID AccountID, attemptID AttemptID) (*Purchase, error) {
	record, err := shop.intents.LoadIntent(ctx, attemptID)
	if err != nil {
		if errors.Is(err, ErrUnknownIntent) {
			return nil, WrapError(operationPurchase, errorSubjectIntent, errorCodeLookup, err)
		}
		return nil, WrapError(operationPurchase, errorSubjectIntent, errorCodeUnavailable, Unavailable(err))
	}
	if record.AccountID != accountID {
		return nil, WrapError(operationPurchase, errorSubjectIntent, errorCodeLookup, fmt.Errorf("%w: %s", ErrUnknownIntent, attemptID.String()))
	}
	return shop.restorePurchase(record.PurchaseIntent), nil
}

func (shop *Shop) restorePurchase(intent PurchaseIntent) *Purchase {
	return &Purchase{shop: shop, intent: intent}
}

// History lists audit records for the account, newest first.
func (shop *Shop) History(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = defaultAuditListLimit
	}
	records, err := shop.audit.ListAudit(ctx, accountID, beforeUnixUTC, limit)
	if err != nil {
		return nil, WrapError(operationPurchase, errorSubjectIntent, errorCodeUnavailable, Unavailable(err))
	}
	return records, nil
}

func (shop *Shop) claim(attemptID AttemptID) bool {
	_, loaded := shop.inFlight.LoadOrStore(attemptID.String(), struct{}{})
	return !loaded
}

func (shop *Shop) release(attemptID AttemptID) {
	shop.inFlight.Delete(attemptID.String())
}

func (shop *Shop) saveIntent(ctx context.Context, intent PurchaseIntent) error {
	err := shop.intents.SaveIntent(ctx, IntentRecord{PurchaseIntent: intent, UpdatedUnixUTC: shop.nowFn()})
	if err != nil {
		return WrapError(operationPurchase, errorSubjectIntent, errorCodePersist, Unavailable(err))
	}
	return nil
}

// persistIntent journals a state reached after the debit, detached from ctx cancellation and retried.
func (shop *Shop) persistIntent(ctx context.Context, intent PurchaseIntent) {
	detached := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= intentSaveAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(detached, intentSaveTimeout)
		err = shop.saveIntent(attemptCtx, intent)
		cancel()
		if err == nil {
			return
		}
	}
	shop.logPurchase(ctx, intent, err)
}

// appendAudit records a committed movement. Failures are logged only.
func (shop *Shop) appendAudit(ctx context.Context, record AuditRecord) {
	record.CreatedUnixUTC = shop.nowFn()
	if err := shop.audit.AppendAudit(context.WithoutCancel(ctx), record); err != nil {
		operation := operationPurchase
		if record.Kind == AuditCredit {
			operation = operationTopUp
		}
		shop.logs.log(ctx, OperationLog{
			Operation: operation,
			AccountID: record.AccountID,
			Amount:    record.Amount,
			ItemID:    record.ItemID,
			PackageID: record.PackageID,
			AttemptID: record.AttemptID,
			Status:    operationStatusDegraded,
			Error:     err,
		})
	}
}

func (shop *Shop) logPurchase(ctx context.Context, intent PurchaseIntent, err error) {
	shop.logs.log(ctx, OperationLog{
		Operation: operationPurchase,
		AccountID: intent.AccountID,
		Amount:    intent.PriceAtSelection,
		Balance:   intent.BalanceAfter,
		ItemID:    intent.ItemID,
		AttemptID: intent.AttemptID,
		State:     string(intent.State),
		Error:     err,
	})
}
