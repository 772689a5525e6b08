package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestReconcilerSweepsPendingIntents(test *testing.T) {
	test.Parallel()
	fixture := newShopFixture(test, 100)
	accountID := mustAccountID(test, accountIDValue)
	fixture.store.addInventoryError = errStoreFailure
	for _, itemID := range []string{itemIDValue, expensiveItemIDValue} {
		if itemID == expensiveItemIDValue {
			fixture.store.bump(accountID, 200)
		}
		purchase := mustReadyPurchase(test, fixture.shop, itemID)
		if _, err := purchase.Confirm(context.Background()); !errors.Is(err, ErrEntitlementPending) {
			test.Fatalf(errorMismatchMessage, ErrEntitlementPending, err)
		}
	}
	balanceBefore := fixture.store.balance(accountID)
	reconciler, err := NewReconciler(fixture.shop, WithReconcileMinAge(0))
	if err != nil {
		test.Fatalf("reconciler init failed: %v", err)
	}

	report, err := reconciler.Sweep(context.Background())
	if err != nil || report.Scanned != 2 || report.Pending != 2 || report.Committed != 0 {
		test.Fatalf("expected both intents to stay pending during outage, got %+v (%v)", report, err)
	}

	fixture.store.addInventoryError = nil
	report, err = reconciler.Sweep(context.Background())
	if err != nil || report.Committed != 2 || report.Pending != 0 {
		test.Fatalf("expected both intents committed, got %+v (%v)", report, err)
	}
	if balance := fixture.store.balance(accountID); balance != balanceBefore {
		test.Fatalf("expected reconcile to leave balance %d, got %d", balanceBefore, balance)
	}
	if owned := fixture.store.owned(accountID); owned != 2 {
		test.Fatalf("expected two owned items, got %d", owned)
	}
	report, err = reconciler.Sweep(context.Background())
	if err != nil || report.Scanned != 0 {
		test.Fatalf("expected empty sweep, got %+v (%v)", report, err)
	}
}

func TestReconcilerSkipsFreshIntents(test *testing.T) {
	test.Parallel()
	fixture := newShopFixture(test, 100)
	fixture.store.addInventoryError = errStoreFailure
	purchase := mustReadyPurchase(test, fixture.shop, itemIDValue)
	if _, err := purchase.Confirm(context.Background()); !errors.Is(err, ErrEntitlementPending) {
		test.Fatalf(errorMismatchMessage, ErrEntitlementPending, err)
	}
	fixture.store.addInventoryError = nil
	reconciler, err := NewReconciler(fixture.shop, WithReconcileMinAge(60))
	if err != nil {
		test.Fatalf("reconciler init failed: %v", err)
	}
	report, err := reconciler.Sweep(context.Background())
	if err != nil || report.Scanned != 0 {
		test.Fatalf("expected fresh intent to be skipped, got %+v (%v)", report, err)
	}
}

func TestReconcilerSurfacesJournalErrors(test *testing.T) {
	test.Parallel()
	fixture := newShopFixture(test, 100)
	shop, err := NewShop(fixture.engine, fixture.grantor, mustTestCatalog(test), fixture.audit, failingIntentStore{err: errStoreFailure}, fixedClock)
	if err != nil {
		test.Fatalf("shop init failed: %v", err)
	}
	reconciler, err := NewReconciler(shop)
	if err != nil {
		test.Fatalf("reconciler init failed: %v", err)
	}
	if _, err := reconciler.Sweep(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		test.Fatalf(errorMismatchMessage, ErrStoreUnavailable, err)
	}
	if _, err := NewReconciler(nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
}
