package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryCache is an in-process LocalCache.
// Balance writes carrying an older version than the cached one are ignored.
type MemoryCache struct {
	mu        sync.RWMutex
	balances  map[string]AccountSnapshot
	inventory map[string]map[string]struct{}
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		balances:  make(map[string]AccountSnapshot),
		inventory: make(map[string]map[string]struct{}),
	}
}

func (cache *MemoryCache) CachedBalance(accountID AccountID) (AccountSnapshot, bool) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()
	snapshot, ok := cache.balances[accountID.String()]
	return snapshot, ok
}

func (cache *MemoryCache) StoreBalance(accountID AccountID, snapshot AccountSnapshot) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	current, ok := cache.balances[accountID.String()]
	if ok && current.Version > snapshot.Version {
		return
	}
	cache.balances[accountID.String()] = snapshot
}

func (cache *MemoryCache) CachedInventory(accountID AccountID) ([]ItemID, bool) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()
	owned, ok := cache.inventory[accountID.String()]
	if !ok {
		return nil, false
	}
	keys := make([]string, 0, len(owned))
	for key := range owned {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	items := make([]ItemID, 0, len(keys))
	for _, key := range keys {
		items = append(items, ItemID{value: key})
	}
	return items, true
}

func (cache *MemoryCache) StoreInventory(accountID AccountID, items []ItemID) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	owned := make(map[string]struct{}, len(items))
	for _, item := range items {
		owned[item.String()] = struct{}{}
	}
	cache.inventory[accountID.String()] = owned
}

func (cache *MemoryCache) MarkOwned(accountID AccountID, itemID ItemID) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	owned, ok := cache.inventory[accountID.String()]
	if !ok {
		owned = make(map[string]struct{}, defaultInventoryListCap)
		cache.inventory[accountID.String()] = owned
	}
	owned[itemID.String()] = struct{}{}
}

// MemoryIntentStore keeps purchase intents in process memory.
// Intents do not survive a restart; use the sqlite-backed local cache for that.
type MemoryIntentStore struct {
	mu      sync.Mutex
	records map[string]IntentRecord
	order   []string
}

// NewMemoryIntentStore returns an empty MemoryIntentStore.
func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{records: make(map[string]IntentRecord)}
}

func (store *MemoryIntentStore) SaveIntent(_ context.Context, record IntentRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	key := record.AttemptID.String()
	if _, exists := store.records[key]; !exists {
		store.order = append(store.order, key)
	}
	store.records[key] = record
	return nil
}

func (store *MemoryIntentStore) LoadIntent(_ context.Context, attemptID AttemptID) (IntentRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.records[attemptID.String()]
	if !ok {
		return IntentRecord{}, ErrUnknownIntent
	}
	return record, nil
}

func (store *MemoryIntentStore) ListPendingIntents(_ context.Context, limit int) ([]IntentRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	pending := make([]IntentRecord, 0)
	for _, key := range store.order {
		record := store.records[key]
		if record.State != PurchaseEntitlementPending {
			continue
		}
		pending = append(pending, record)
		if limit > 0 && len(pending) == limit {
			break
		}
	}
	return pending, nil
}
