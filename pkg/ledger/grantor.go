package ledger

import (
	"context"
	"fmt"
)

// GrantResult reports how a grant was satisfied. Both values mean success.
type GrantResult string

const (
	GrantOK           GrantResult = "ok"
	GrantAlreadyOwned GrantResult = "already_owned"
)

// InventoryReading is the result of Inventory; FromCache is set when the store was unreachable.
type InventoryReading struct {
	Items     []InventoryItem
	FromCache bool
}

// Grantor records item ownership. Grants are idempotent through the inventory set.
type Grantor struct {
	store AccountStore
	cache LocalCache
	nowFn func() int64
	logs  operationLogSink
}

// NewGrantor wires a Grantor.
func NewGrantor(store AccountStore, cache LocalCache, now func() int64, options ...Option) (*Grantor, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: account store dependency is nil", ErrInvalidServiceConfig)
	}
	if cache == nil {
		return nil, fmt.Errorf("%w: local cache dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	configured := newSettings(options)
	return &Grantor{
		store: store,
		cache: cache,
		nowFn: now,
		logs:  operationLogSink{logger: configured.logger},
	}, nil
}

// Grant adds itemID to the account inventory, or reports GrantAlreadyOwned.
// attemptID is kept only for correlation with the audit record.
func (grantor *Grantor) Grant(ctx context.Context, accountID AccountID, itemID ItemID, attemptID AttemptID) (GrantResult, error) {
	return grantor.grant(ctx, accountID, InventoryItem{ItemID: itemID, AttemptID: attemptID})
}

// GrantCatalogItem is Grant with the catalog title and price recorded on the inventory row.
func (grantor *Grantor) GrantCatalogItem(ctx context.Context, accountID AccountID, item CatalogItem, attemptID AttemptID) (GrantResult, error) {
	return grantor.grant(ctx, accountID, InventoryItem{
		ItemID:    item.ID,
		AttemptID: attemptID,
		Title:     item.Title,
		Price:     item.Price,
		Metadata:  item.Metadata,
	})
}

func (grantor *Grantor) grant(ctx context.Context, accountID AccountID, item InventoryItem) (GrantResult, error) {
	var (
		result GrantResult
		err    error
	)
	switch {
	case accountID.IsZero():
		err = WrapError(operationGrant, errorSubjectInventory, errorCodeInvalid, ErrInvalidAccountID)
	case item.ItemID.IsZero():
		err = WrapError(operationGrant, errorSubjectInventory, errorCodeInvalid, ErrInvalidItemID)
	default:
		item.GrantedUnixUTC = grantor.nowFn()
		var inserted bool
		inserted, err = grantor.store.AddInventoryItem(ctx, accountID, item)
		if err != nil {
			err = WrapError(operationGrant, errorSubjectInventory, errorCodeUnavailable, Unavailable(err))
			break
		}
		result = GrantAlreadyOwned
		if inserted {
			result = GrantOK
		}
		grantor.cache.MarkOwned(accountID, item.ItemID)
	}
	grantor.logs.log(ctx, OperationLog{
		Operation: operationGrant,
		AccountID: accountID,
		ItemID:    item.ItemID,
		AttemptID: item.AttemptID,
		State:     string(result),
		Error:     err,
	})
	return result, err
}

// Owns reports whether the account owns itemID.
// When the store is unreachable a cached ownership is trusted; absence in the cache is not.
func (grantor *Grantor) Owns(ctx context.Context, accountID AccountID, itemID ItemID) (bool, error) {
	owned, err := grantor.store.HasInventoryItem(ctx, accountID, itemID)
	if err == nil {
		if owned {
			grantor.cache.MarkOwned(accountID, itemID)
		}
		return owned, nil
	}
	cachedItems, _ := grantor.cache.CachedInventory(accountID)
	for _, cachedItem := range cachedItems {
		if cachedItem == itemID {
			return true, nil
		}
	}
	return false, WrapError(operationGrant, errorSubjectInventory, errorCodeUnavailable, Unavailable(err))
}

// Inventory lists owned items, refreshing the cache, or falls back to cached item ids.
func (grantor *Grantor) Inventory(ctx context.Context, accountID AccountID) (InventoryReading, error) {
	items, err := grantor.store.ListInventory(ctx, accountID)
	if err == nil {
		itemIDs := make([]ItemID, 0, len(items))
		for _, item := range items {
			itemIDs = append(itemIDs, item.ItemID)
		}
		grantor.cache.StoreInventory(accountID, itemIDs)
		return InventoryReading{Items: items}, nil
	}
	cachedItems, ok := grantor.cache.CachedInventory(accountID)
	if !ok {
		return InventoryReading{}, WrapError(operationGrant, errorSubjectInventory, errorCodeUnavailable, Unavailable(err))
	}
	fallback := make([]InventoryItem, 0, len(cachedItems))
	for _, itemID := range cachedItems {
		fallback = append(fallback, InventoryItem{ItemID: itemID})
	}
	return InventoryReading{Items: fallback, FromCache: true}, nil
}
