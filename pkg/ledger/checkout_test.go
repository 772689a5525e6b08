package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestBuyCommits(test *testing.T) {
	test.Parallel()
	fixture := newShopFixture(test, 100)
	accountID := mustAccountID(test, accountIDValue)

	result, err := fixture.shop.Buy(context.Background(), accountID, mustItemID(test, itemIDValue))
	if err != nil {
		test.Fatalf("buy failed: %v", err)
	}
	if result.Intent.State != PurchaseCommitted || result.Balance != 70 || result.Grant != GrantOK {
		test.Fatalf("unexpected result: %+v", result)
	}
}

func TestBuyStopsAtFirstFailingStep(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name          string
		itemID        string
		initial       Balance
		expectedError error
		expectedState PurchaseState
	}{
		{name: "unknown item", itemID: "coral-ring", initial: 100, expectedError: ErrUnknownItem, expectedState: PurchaseIdle},
		{name: "insufficient funds", itemID: expensiveItemIDValue, initial: 100, expectedError: ErrInsufficientFunds, expectedState: PurchaseInsufficientFundsFailed},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newShopFixture(test, testCase.initial)
			result, err := fixture.shop.Buy(context.Background(), mustAccountID(test, accountIDValue), mustItemID(test, testCase.itemID))
			if !errors.Is(err, testCase.expectedError) {
				test.Fatalf(errorMismatchMessage, testCase.expectedError, err)
			}
			if result.Intent.State != testCase.expectedState {
				test.Fatalf("expected state %s, got %s", testCase.expectedState, result.Intent.State)
			}
			if balance := fixture.store.balance(mustAccountID(test, accountIDValue)); balance != testCase.initial {
				test.Fatalf("expected balance %d, got %d", testCase.initial, balance)
			}
		})
	}
}

func TestResumeConvergesAndIsRepeatable(test *testing.T) {
	test.Parallel()
	fixture := newShopFixture(test, 100, WithGrantAttempts(1))
	accountID := mustAccountID(test, accountIDValue)
	fixture.store.addInventoryFailures = 1

	pending, err := fixture.shop.Buy(context.Background(), accountID, mustItemID(test, itemIDValue))
	if !errors.Is(err, ErrEntitlementPending) || pending.Intent.State != PurchaseEntitlementPending {
		test.Fatalf("expected entitlement pending, got %+v (%v)", pending, err)
	}

	restarted := fixture.newShop(test)
	for attempt := 0; attempt < 2; attempt++ {
		resumed, err := restarted.Resume(context.Background(), accountID, pending.Intent.AttemptID)
		if err != nil {
			test.Fatalf("resume %d failed: %v", attempt, err)
		}
		if resumed.Intent.State != PurchaseCommitted || resumed.Balance != 70 {
			test.Fatalf("unexpected resume result: %+v", resumed)
		}
	}
	if balance := fixture.store.balance(accountID); balance != 70 {
		test.Fatalf("expected balance 70 after resume, got %d", balance)
	}
	if owned := fixture.store.owned(accountID); owned != 1 {
		test.Fatalf("expected one owned item, got %d", owned)
	}
}

func TestResumeRejectsForeignAttempt(test *testing.T) {
	test.Parallel()
	fixture := newShopFixture(test, 100)
	result, err := fixture.shop.Buy(context.Background(), mustAccountID(test, accountIDValue), mustItemID(test, itemIDValue))
	if err != nil {
		test.Fatalf("buy failed: %v", err)
	}
	_, err = fixture.shop.Resume(context.Background(), mustAccountID(test, otherAccountIDValue), result.Intent.AttemptID)
	if !errors.Is(err, ErrUnknownIntent) {
		test.Fatalf(errorMismatchMessage, ErrUnknownIntent, err)
	}
}

func TestRechargeCreditsPackage(test *testing.T) {
	test.Parallel()
	fixture := newShopFixture(test, 0)
	accountID := mustAccountID(test, accountIDValue)

	result, err := fixture.shop.Recharge(context.Background(), accountID, mustPackageID(test, "p2"), PaymentMethodGCash)
	if err != nil {
		test.Fatalf("recharge failed: %v", err)
	}
	if result.Intent.State != TopUpCommitted || result.Balance != 200 {
		test.Fatalf("unexpected result: %+v", result)
	}

	_, err = fixture.shop.Recharge(context.Background(), accountID, mustPackageID(test, "p1"), PaymentMethodAquaGems)
	if !errors.Is(err, ErrInvalidPaymentMethod) {
		test.Fatalf(errorMismatchMessage, ErrInvalidPaymentMethod, err)
	}
	if balance := fixture.store.balance(accountID); balance != 200 {
		test.Fatalf("expected balance 200, got %d", balance)
	}
}

// cancellingStore cancels the caller's context as soon as a balance swap is applied.
type cancellingStore struct {
	*stubStore
	cancel context.CancelFunc
}

func (store cancellingStore) CompareAndSwapBalance(ctx context.Context, accountID AccountID, expected AccountSnapshot, balance Balance) (bool, error) {
	swapped, err := store.stubStore.CompareAndSwapBalance(ctx, accountID, expected, balance)
	if swapped {
		store.cancel()
	}
	return swapped, err
}

func TestBuyJournalsDebitWhenCallerCancelsAfterSwap(test *testing.T) {
	test.Parallel()
	fixture := newShopFixture(test, 100)
	accountID := mustAccountID(test, accountIDValue)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := cancellingStore{stubStore: fixture.store, cancel: cancel}
	grantor, err := NewGrantor(store, fixture.cache, fixedClock)
	if err != nil {
		test.Fatalf("grantor init failed: %v", err)
	}
	shop, err := NewShop(mustNewEngine(test, store, fixture.cache), grantor, mustTestCatalog(test), fixture.audit, fixture.intents, fixedClock)
	if err != nil {
		test.Fatalf("shop init failed: %v", err)
	}

	pending, err := shop.Buy(ctx, accountID, mustItemID(test, itemIDValue))
	if !errors.Is(err, ErrEntitlementPending) || pending.Intent.State != PurchaseEntitlementPending {
		test.Fatalf("expected entitlement pending, got %+v (%v)", pending, err)
	}
	if balance := fixture.store.balance(accountID); balance != 70 {
		test.Fatalf("expected debited balance 70, got %d", balance)
	}
	journaled, err := fixture.intents.ListPendingIntents(context.Background(), 10)
	if err != nil || len(journaled) != 1 || journaled[0].AttemptID != pending.Intent.AttemptID || journaled[0].BalanceAfter != 70 {
		test.Fatalf("expected the debited intent to be journaled, got %+v (%v)", journaled, err)
	}

	resumed, err := fixture.shop.Resume(context.Background(), accountID, pending.Intent.AttemptID)
	if err != nil || resumed.Intent.State != PurchaseCommitted || resumed.Balance != 70 {
		test.Fatalf("expected resume to commit, got %+v (%v)", resumed, err)
	}
	if owned := fixture.store.owned(accountID); owned != 1 {
		test.Fatalf("expected one owned item, got %d", owned)
	}
}

func TestBuyFailsBeforeDebitWhenJournalIsDown(test *testing.T) {
	test.Parallel()
	fixture := newShopFixture(test, 100)
	accountID := mustAccountID(test, accountIDValue)
	shop, err := NewShop(fixture.engine, fixture.grantor, mustTestCatalog(test), fixture.audit, failingIntentStore{err: errStoreFailure}, fixedClock)
	if err != nil {
		test.Fatalf("shop init failed: %v", err)
	}

	result, err := shop.Buy(context.Background(), accountID, mustItemID(test, itemIDValue))
	if !errors.Is(err, ErrStoreUnavailable) || result.Intent.State != PurchaseStoreFailed {
		test.Fatalf("expected store_failed, got %+v (%v)", result, err)
	}
	if balance := fixture.store.balance(accountID); balance != 100 {
		test.Fatalf("expected untouched balance 100, got %d", balance)
	}
	if calls := fixture.store.swapCalls; calls != 0 {
		test.Fatalf("expected no swap, got %d", calls)
	}
}

func TestStalePendingCopyDoesNotCommitTwice(test *testing.T) {
	test.Parallel()
	fixture := newShopFixture(test, 100, WithGrantAttempts(1))
	accountID := mustAccountID(test, accountIDValue)
	ctx := context.Background()
	fixture.store.addInventoryFailures = 1

	pending, err := fixture.shop.Buy(ctx, accountID, mustItemID(test, itemIDValue))
	if !errors.Is(err, ErrEntitlementPending) {
		test.Fatalf(errorMismatchMessage, ErrEntitlementPending, err)
	}
	stale, err := fixture.shop.ResumePurchase(ctx, accountID, pending.Intent.AttemptID)
	if err != nil {
		test.Fatalf("resume purchase: %v", err)
	}
	if _, err := fixture.shop.Resume(ctx, accountID, pending.Intent.AttemptID); err != nil {
		test.Fatalf("resume failed: %v", err)
	}

	result, err := stale.RetryGrant(ctx)
	if err != nil || result.Intent.State != PurchaseCommitted || result.Balance != 70 {
		test.Fatalf("expected stale copy to converge on the commit, got %+v (%v)", result, err)
	}
	debits := 0
	for _, record := range fixture.audit.snapshot() {
		if record.Kind == AuditDebit && record.AttemptID == pending.Intent.AttemptID {
			debits++
		}
	}
	if debits != 1 {
		test.Fatalf("expected one debit record, got %d", debits)
	}
	if balance := fixture.store.balance(accountID); balance != 70 {
		test.Fatalf("expected balance 70, got %d", balance)
	}
}
