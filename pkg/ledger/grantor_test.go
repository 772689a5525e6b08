package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestGrantIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	cache := NewMemoryCache()
	grantor, err := NewGrantor(store, cache, fixedClock)
	if err != nil {
		test.Fatalf("grantor init failed: %v", err)
	}
	accountID := mustAccountID(test, accountIDValue)
	itemID := mustItemID(test, itemIDValue)

	first, err := grantor.Grant(context.Background(), accountID, itemID, GenerateAttemptID())
	if err != nil || first != GrantOK {
		test.Fatalf("expected ok, got %s (%v)", first, err)
	}
	second, err := grantor.Grant(context.Background(), accountID, itemID, GenerateAttemptID())
	if err != nil || second != GrantAlreadyOwned {
		test.Fatalf("expected already owned, got %s (%v)", second, err)
	}
	if owned := store.owned(accountID); owned != 1 {
		test.Fatalf("expected one inventory row, got %d", owned)
	}
	cached, ok := cache.CachedInventory(accountID)
	if !ok || len(cached) != 1 || cached[0] != itemID {
		test.Fatalf("expected cached ownership, got %v", cached)
	}
}

func TestGrantValidatesAndSurfacesStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		accountID string
		itemID    string
		configure func(store *stubStore)
		wantErr   error
	}{
		{name: "missing account", itemID: itemIDValue, wantErr: ErrInvalidAccountID},
		{name: "missing item", accountID: accountIDValue, wantErr: ErrInvalidItemID},
		{
			name:      "store failure",
			accountID: accountIDValue,
			itemID:    itemIDValue,
			configure: func(store *stubStore) { store.addInventoryError = errStoreFailure },
			wantErr:   ErrStoreUnavailable,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test, 0)
			if testCase.configure != nil {
				testCase.configure(store)
			}
			grantor, err := NewGrantor(store, NewMemoryCache(), fixedClock)
			if err != nil {
				test.Fatalf("grantor init failed: %v", err)
			}
			accountID := AccountID{value: testCase.accountID}
			itemID := ItemID{value: testCase.itemID}
			if _, err := grantor.Grant(context.Background(), accountID, itemID, GenerateAttemptID()); !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
		})
	}
}

func TestGrantCatalogItemRecordsDetails(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	grantor, err := NewGrantor(store, NewMemoryCache(), fixedClock)
	if err != nil {
		test.Fatalf("grantor init failed: %v", err)
	}
	accountID := mustAccountID(test, accountIDValue)
	attemptID := GenerateAttemptID()
	item := CatalogItem{ID: mustItemID(test, itemIDValue), Title: "Shell Necklace", Price: 30}
	if _, err := grantor.GrantCatalogItem(context.Background(), accountID, item, attemptID); err != nil {
		test.Fatalf("grant failed: %v", err)
	}
	reading, err := grantor.Inventory(context.Background(), accountID)
	if err != nil || reading.FromCache || len(reading.Items) != 1 {
		test.Fatalf("expected one stored item, got %+v (%v)", reading, err)
	}
	stored := reading.Items[0]
	if stored.Title != item.Title || stored.Price != item.Price || stored.AttemptID != attemptID || stored.GrantedUnixUTC != fixedUnixUTC {
		test.Fatalf("unexpected inventory row: %+v", stored)
	}
}

func TestOwnsFallsBackToCache(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	grantor, err := NewGrantor(store, NewMemoryCache(), fixedClock)
	if err != nil {
		test.Fatalf("grantor init failed: %v", err)
	}
	accountID := mustAccountID(test, accountIDValue)
	ownedItem := mustItemID(test, itemIDValue)
	otherItem := mustItemID(test, freeItemIDValue)
	if _, err := grantor.Grant(context.Background(), accountID, ownedItem, GenerateAttemptID()); err != nil {
		test.Fatalf("grant failed: %v", err)
	}
	store.setOutage(errStoreFailure)

	owned, err := grantor.Owns(context.Background(), accountID, ownedItem)
	if err != nil || !owned {
		test.Fatalf("expected cached ownership, got %v (%v)", owned, err)
	}
	owned, err = grantor.Owns(context.Background(), accountID, otherItem)
	if owned || !errors.Is(err, ErrStoreUnavailable) {
		test.Fatalf("expected unavailable for uncached item, got %v (%v)", owned, err)
	}
	reading, err := grantor.Inventory(context.Background(), accountID)
	if err != nil || !reading.FromCache || len(reading.Items) != 1 || reading.Items[0].ItemID != ownedItem {
		test.Fatalf("expected cached inventory, got %+v (%v)", reading, err)
	}
}

func TestInventoryWithoutCacheFails(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	store.setOutage(errStoreFailure)
	grantor, err := NewGrantor(store, NewMemoryCache(), fixedClock)
	if err != nil {
		test.Fatalf("grantor init failed: %v", err)
	}
	if _, err := grantor.Inventory(context.Background(), mustAccountID(test, accountIDValue)); !errors.Is(err, ErrStoreUnavailable) {
		test.Fatalf(errorMismatchMessage, ErrStoreUnavailable, err)
	}
}

func TestNewGrantorRequiresDependencies(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	cache := NewMemoryCache()
	if _, err := NewGrantor(nil, cache, fixedClock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
	if _, err := NewGrantor(store, nil, fixedClock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
	if _, err := NewGrantor(store, cache, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
}
