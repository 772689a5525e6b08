package ledger

import (
	"context"
	"fmt"
	"sync"
)

// TopUpState is a step of the top-up state machine.
type TopUpState string

const (
	TopUpIdle                TopUpState = "idle"
	TopUpPackageSelected     TopUpState = "package_selected"
	TopUpPaymentMethodChosen TopUpState = "payment_method_chosen"
	TopUpCrediting           TopUpState = "crediting"
	TopUpCommitted           TopUpState = "committed"
	TopUpStoreFailed         TopUpState = "store_failed"
	TopUpAborted             TopUpState = "aborted"
)

// TopUpIntent is the value owned by one top-up run.
type TopUpIntent struct {
	AccountID     AccountID
	PackageID     PackageID
	Amount        Amount
	PriceLabel    string
	PaymentMethod PaymentMethod
	State         TopUpState
	AttemptID     AttemptID
}

// TopUpResult is returned by a committed top-up.
type TopUpResult struct {
	Intent  TopUpIntent
	Balance Balance
}

// TopUp drives one TopUpIntent. Credit never fails on business grounds, so store_failed is the only failure.
type TopUp struct {
	shop   *Shop
	mu     sync.Mutex
	intent TopUpIntent
}

// NewTopUp starts a fresh top-up with a new attempt id.
func (shop *Shop) NewTopUp(accountID AccountID) (*TopUp, error) {
	if accountID.IsZero() {
		return nil, WrapError(operationTopUp, errorSubjectIntent, errorCodeInvalid, ErrInvalidAccountID)
	}
	return &TopUp{
		shop: shop,
		intent: TopUpIntent{
			AccountID: accountID,
			State:     TopUpIdle,
			AttemptID: GenerateAttemptID(),
		},
	}, nil
}

// Intent returns a copy of the current intent.
func (topUp *TopUp) Intent() TopUpIntent {
	topUp.mu.Lock()
	defer topUp.mu.Unlock()
	return topUp.intent
}

// SelectPackage captures the package gem amount.
func (topUp *TopUp) SelectPackage(ctx context.Context, packageID PackageID) error {
	topUpPackage, err := topUp.shop.catalog.LookupPackage(ctx, packageID)
	if err != nil {
		return WrapError(operationTopUp, errorSubjectIntent, errorCodeLookup, err)
	}
	topUp.mu.Lock()
	defer topUp.mu.Unlock()
	if topUp.intent.State != TopUpIdle {
		return topUp.transitionError(TopUpIdle)
	}
	topUp.intent.PackageID = topUpPackage.ID
	topUp.intent.Amount = topUpPackage.Gems
	topUp.intent.PriceLabel = topUpPackage.PriceLabel
	topUp.intent.State = TopUpPackageSelected
	return nil
}

// ChoosePaymentMethod records the external payment method shown to the user.
func (topUp *TopUp) ChoosePaymentMethod(method PaymentMethod) error {
	topUp.mu.Lock()
	defer topUp.mu.Unlock()
	if topUp.intent.State != TopUpPackageSelected {
		return topUp.transitionError(TopUpPackageSelected)
	}
	if !containsPaymentMethod(TopUpPaymentMethods(), method) {
		return WrapError(operationTopUp, errorSubjectIntent, errorCodePaymentMethod, fmt.Errorf("%w: %q not accepted for top-ups", ErrInvalidPaymentMethod, method))
	}
	topUp.intent.PaymentMethod = method
	topUp.intent.State = TopUpPaymentMethodChosen
	return nil
}

// Cancel aborts the top-up before crediting.
func (topUp *TopUp) Cancel() error {
	topUp.mu.Lock()
	defer topUp.mu.Unlock()
	switch topUp.intent.State {
	case TopUpIdle, TopUpPackageSelected, TopUpPaymentMethodChosen:
		topUp.intent.State = TopUpAborted
		return nil
	default:
		return topUp.transitionError(TopUpIdle, TopUpPackageSelected, TopUpPaymentMethodChosen)
	}
}

// Confirm credits the package amount. A store_failed top-up may be confirmed again with the same attempt id.
func (topUp *TopUp) Confirm(ctx context.Context) (TopUpResult, error) {
	topUp.mu.Lock()
	switch topUp.intent.State {
	case TopUpPaymentMethodChosen, TopUpStoreFailed:
	default:
		err := topUp.transitionError(TopUpPaymentMethodChosen, TopUpStoreFailed)
		intent := topUp.intent
		topUp.mu.Unlock()
		return TopUpResult{Intent: intent}, err
	}
	topUp.intent.State = TopUpCrediting
	intent := topUp.intent
	topUp.mu.Unlock()

	shop := topUp.shop
	balance, err := shop.engine.Credit(ctx, intent.AccountID, intent.Amount)
	if err != nil {
		intent = topUp.setState(TopUpStoreFailed)
		shop.logTopUp(ctx, intent, 0, err)
		return TopUpResult{Intent: intent}, err
	}
	shop.appendAudit(ctx, AuditRecord{
		AccountID:    intent.AccountID,
		Kind:         AuditCredit,
		Amount:       intent.Amount,
		PackageID:    intent.PackageID,
		AttemptID:    intent.AttemptID,
		BalanceAfter: balance,
	})
	intent = topUp.setState(TopUpCommitted)
	shop.logTopUp(ctx, intent, balance, nil)
	return TopUpResult{Intent: intent, Balance: balance}, nil
}

func (topUp *TopUp) setState(state TopUpState) TopUpIntent {
	topUp.mu.Lock()
	defer topUp.mu.Unlock()
	topUp.intent.State = state
	return topUp.intent
}

// transitionError must be called with mu held.
func (topUp *TopUp) transitionError(allowed ...TopUpState) error {
	return WrapError(operationTopUp, errorSubjectIntent, errorCodeTransition,
		fmt.Errorf("%w: %s not in %v", ErrInvalidTransition, topUp.intent.State, allowed))
}

func (shop *Shop) logTopUp(ctx context.Context, intent TopUpIntent, balance Balance, err error) {
	shop.logs.log(ctx, OperationLog{
		Operation: operationTopUp,
		AccountID: intent.AccountID,
		Amount:    intent.Amount,
		Balance:   balance,
		PackageID: intent.PackageID,
		AttemptID: intent.AttemptID,
		State:     string(intent.State),
		Error:     err,
	})
}
