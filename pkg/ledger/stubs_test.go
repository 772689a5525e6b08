package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
)

const (
	accountIDValue       = "account-1"
	otherAccountIDValue  = "account-2"
	itemIDValue          = "shell-necklace"
	freeItemIDValue      = "sand-dollar"
	expensiveItemIDValue = "pearl-crown"
	errStoreMessage      = "store error"
	errorMismatchMessage = "expected %v, got %v"
	fixedUnixUTC         = int64(1700000000)
)

var errStoreFailure = errors.New(errStoreMessage)

func fixedClock() int64 {
	return fixedUnixUTC
}

// stubStore is an in-memory AccountStore with injectable failures.
type stubStore struct {
	mu        sync.Mutex
	accounts  map[string]AccountSnapshot
	inventory map[string]map[string]InventoryItem

	getAccountError    error
	swapError          error
	addInventoryError  error
	hasInventoryError  error
	listInventoryError error

	// addInventoryFailures fails that many AddInventoryItem calls before succeeding.
	addInventoryFailures int

	beforeSwap func()

	getCalls         int
	swapCalls        int
	minObserved      Balance
	observedNegative bool
}

func newStubStore(test *testing.T, initial Balance) *stubStore {
	test.Helper()
	store := &stubStore{
		accounts:    make(map[string]AccountSnapshot),
		inventory:   make(map[string]map[string]InventoryItem),
		minObserved: initial,
	}
	store.accounts[accountIDValue] = AccountSnapshot{Balance: initial, Version: 1}
	return store
}

func (store *stubStore) GetOrCreateAccount(_ context.Context, accountID AccountID) (AccountSnapshot, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.getCalls++
	if store.getAccountError != nil {
		return AccountSnapshot{}, store.getAccountError
	}
	snapshot, ok := store.accounts[accountID.String()]
	if !ok {
		snapshot = AccountSnapshot{}
		store.accounts[accountID.String()] = snapshot
	}
	return snapshot, nil
}

func (store *stubStore) CompareAndSwapBalance(_ context.Context, accountID AccountID, expected AccountSnapshot, balance Balance) (bool, error) {
	store.mu.Lock()
	hook := store.beforeSwap
	store.mu.Unlock()
	if hook != nil {
		hook()
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.swapCalls++
	if store.swapError != nil {
		return false, store.swapError
	}
	current := store.accounts[accountID.String()]
	if current.Version != expected.Version {
		return false, nil
	}
	if balance < 0 {
		store.observedNegative = true
	}
	if balance < store.minObserved {
		store.minObserved = balance
	}
	store.accounts[accountID.String()] = AccountSnapshot{Balance: balance, Version: current.Version + 1}
	return true, nil
}

func (store *stubStore) AddInventoryItem(_ context.Context, accountID AccountID, item InventoryItem) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.addInventoryError != nil {
		return false, store.addInventoryError
	}
	if store.addInventoryFailures > 0 {
		store.addInventoryFailures--
		return false, errStoreFailure
	}
	owned, ok := store.inventory[accountID.String()]
	if !ok {
		owned = make(map[string]InventoryItem)
		store.inventory[accountID.String()] = owned
	}
	if _, exists := owned[item.ItemID.String()]; exists {
		return false, nil
	}
	owned[item.ItemID.String()] = item
	return true, nil
}

func (store *stubStore) HasInventoryItem(_ context.Context, accountID AccountID, itemID ItemID) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.hasInventoryError != nil {
		return false, store.hasInventoryError
	}
	_, owned := store.inventory[accountID.String()][itemID.String()]
	return owned, nil
}

func (store *stubStore) ListInventory(_ context.Context, accountID AccountID) ([]InventoryItem, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listInventoryError != nil {
		return nil, store.listInventoryError
	}
	items := make([]InventoryItem, 0, len(store.inventory[accountID.String()]))
	for _, item := range store.inventory[accountID.String()] {
		items = append(items, item)
	}
	sort.Slice(items, func(left, right int) bool {
		return items[left].ItemID.String() < items[right].ItemID.String()
	})
	return items, nil
}

// setOutage makes every call fail with err, or restores service when err is nil.
func (store *stubStore) setOutage(err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.getAccountError = err
	store.swapError = err
	store.addInventoryError = err
	store.hasInventoryError = err
	store.listInventoryError = err
}

// bump simulates a concurrent writer on another client.
func (store *stubStore) bump(accountID AccountID, delta Balance) {
	store.mu.Lock()
	defer store.mu.Unlock()
	current := store.accounts[accountID.String()]
	store.accounts[accountID.String()] = AccountSnapshot{Balance: current.Balance + delta, Version: current.Version + 1}
}

func (store *stubStore) balance(accountID AccountID) Balance {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.accounts[accountID.String()].Balance
}

func (store *stubStore) owned(accountID AccountID) int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.inventory[accountID.String()])
}

type stubAudit struct {
	mu          sync.Mutex
	records     []AuditRecord
	appendError error
	listError   error
}

func (audit *stubAudit) AppendAudit(_ context.Context, record AuditRecord) error {
	audit.mu.Lock()
	defer audit.mu.Unlock()
	if audit.appendError != nil {
		return audit.appendError
	}
	audit.records = append(audit.records, record)
	return nil
}

func (audit *stubAudit) ListAudit(_ context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]AuditRecord, error) {
	audit.mu.Lock()
	defer audit.mu.Unlock()
	if audit.listError != nil {
		return nil, audit.listError
	}
	records := make([]AuditRecord, 0, len(audit.records))
	for index := len(audit.records) - 1; index >= 0 && len(records) < limit; index-- {
		record := audit.records[index]
		if record.AccountID != accountID || record.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (audit *stubAudit) snapshot() []AuditRecord {
	audit.mu.Lock()
	defer audit.mu.Unlock()
	return append([]AuditRecord(nil), audit.records...)
}

type failingIntentStore struct {
	err error
}

func (store failingIntentStore) SaveIntent(context.Context, IntentRecord) error {
	return store.err
}

func (store failingIntentStore) LoadIntent(context.Context, AttemptID) (IntentRecord, error) {
	return IntentRecord{}, store.err
}

func (store failingIntentStore) ListPendingIntents(context.Context, int) ([]IntentRecord, error) {
	return nil, store.err
}

type shopFixture struct {
	store   *stubStore
	cache   *MemoryCache
	audit   *stubAudit
	intents *MemoryIntentStore
	engine  *Engine
	grantor *Grantor
	shop    *Shop
}

func newShopFixture(test *testing.T, initial Balance, options ...Option) shopFixture {
	test.Helper()
	fixture := shopFixture{
		store:   newStubStore(test, initial),
		cache:   NewMemoryCache(),
		audit:   &stubAudit{},
		intents: NewMemoryIntentStore(),
	}
	fixture.engine = mustNewEngine(test, fixture.store, fixture.cache, options...)
	grantor, err := NewGrantor(fixture.store, fixture.cache, fixedClock, options...)
	if err != nil {
		test.Fatalf("grantor init failed: %v", err)
	}
	fixture.grantor = grantor
	fixture.shop = fixture.newShop(test, options...)
	return fixture
}

// newShop builds a second shop over the same stores, as a restarted process would.
func (fixture shopFixture) newShop(test *testing.T, options ...Option) *Shop {
	test.Helper()
	shop, err := NewShop(fixture.engine, fixture.grantor, mustTestCatalog(test), fixture.audit, fixture.intents, fixedClock, options...)
	if err != nil {
		test.Fatalf("shop init failed: %v", err)
	}
	return shop
}

func mustNewEngine(test *testing.T, store AccountStore, cache LocalCache, options ...Option) *Engine {
	test.Helper()
	engine, err := NewEngine(store, cache, options...)
	if err != nil {
		test.Fatalf("engine init failed: %v", err)
	}
	return engine
}

func mustTestCatalog(test *testing.T) *StaticCatalog {
	test.Helper()
	catalog, err := NewStaticCatalog([]CatalogItem{
		{ID: mustItemID(test, itemIDValue), Price: 30, Title: "Shell Necklace"},
		{ID: mustItemID(test, freeItemIDValue), Price: 0, Title: "Sand Dollar"},
		{ID: mustItemID(test, expensiveItemIDValue), Price: 150, Title: "Pearl Crown"},
	}, DefaultTopUpPackages())
	if err != nil {
		test.Fatalf("catalog init failed: %v", err)
	}
	return catalog
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustItemID(test *testing.T, raw string) ItemID {
	test.Helper()
	itemID, err := NewItemID(raw)
	if err != nil {
		test.Fatalf("item id: %v", err)
	}
	return itemID
}

func mustPackageID(test *testing.T, raw string) PackageID {
	test.Helper()
	packageID, err := NewPackageID(raw)
	if err != nil {
		test.Fatalf("package id: %v", err)
	}
	return packageID
}

func mustAmount(test *testing.T, raw int64) Amount {
	test.Helper()
	amount, err := NewAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

// mustReadyPurchase returns a purchase in payment_method_chosen for itemID.
func mustReadyPurchase(test *testing.T, shop *Shop, itemID string) *Purchase {
	test.Helper()
	purchase, err := shop.NewPurchase(mustAccountID(test, accountIDValue))
	if err != nil {
		test.Fatalf("new purchase: %v", err)
	}
	if err := purchase.SelectItem(context.Background(), mustItemID(test, itemID)); err != nil {
		test.Fatalf("select item: %v", err)
	}
	if err := purchase.ChoosePaymentMethod(PaymentMethodAquaGems); err != nil {
		test.Fatalf("choose payment method: %v", err)
	}
	return purchase
}
