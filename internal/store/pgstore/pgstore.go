package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectBalance   = "balance"
	errorSubjectInventory = "inventory"
	errorSubjectAudit     = "audit"
	errorSubjectSchema    = "schema"
	errorCodeAppend       = "append"
	errorCodeCheck        = "check"
	errorCodeCreate       = "create"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeMigrate      = "migrate"
	errorCodeSwap         = "swap"

	sqlEnsureAccount = `
		insert into accounts(account_id) values($1)
		on conflict (account_id) do nothing
	`

	sqlSelectAccount = `
		select balance, version from accounts where account_id = $1
	`

	sqlCompareAndSwapBalance = `
		update accounts
		set balance = $3, version = version + 1, updated_at = now()
		where account_id = $1 and version = $2
	`

	sqlInsertInventoryItem = `
		insert into inventory_items(account_id, item_id, attempt_id, title, price, metadata, granted_at)
		values($1, $2, $3, $4, $5, coalesce(nullif($6,''),'{}')::jsonb, to_timestamp($7))
		on conflict (account_id, item_id) do nothing
	`

	sqlHasInventoryItem = `
		select exists(select 1 from inventory_items where account_id = $1 and item_id = $2)
	`

	sqlListInventory = `
		select item_id, attempt_id, title, price, metadata::text, extract(epoch from granted_at)::bigint
		from inventory_items
		where account_id = $1
		order by granted_at asc, item_id asc
	`

	sqlInsertAudit = `
		insert into audit_records(account_id, kind, amount, item_id, package_id, attempt_id, balance_after, created_at)
		values($1, $2, $3, nullif($4,''), nullif($5,''), $6, $7, to_timestamp($8))
		on conflict (attempt_id, kind) do nothing
	`

	sqlListAuditBefore = `
		select
			account_id,
			kind,
			amount,
			coalesce(item_id,''),
			coalesce(package_id,''),
			attempt_id,
			balance_after,
			extract(epoch from created_at)::bigint
		from audit_records
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`
)

// Store implements ledger.AccountStore and ledger.AuditLog using a pgx connection pool (autocommit).
// The compare-and-swap is a single conditional UPDATE; no transaction spans a round trip.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks connectivity to the pool.
func (store *Store) Ping(ctx context.Context) error {
	if err := store.pool.Ping(ctx); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID ledger.AccountID) (ledger.AccountSnapshot, error) {
	var balanceValue, version int64
	err := store.pool.QueryRow(ctx, sqlSelectAccount, accountID.String()).Scan(&balanceValue, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := store.ensureAccount(ctx, accountID); err != nil {
			return ledger.AccountSnapshot{}, err
		}
		err = store.pool.QueryRow(ctx, sqlSelectAccount, accountID.String()).Scan(&balanceValue, &version)
	}
	if err != nil {
		return ledger.AccountSnapshot{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	balance, err := ledger.NewBalance(balanceValue)
	if err != nil {
		return ledger.AccountSnapshot{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return ledger.AccountSnapshot{Balance: balance, Version: version}, nil
}

// ensureAccount creates the account row; inventory rows reference it.
func (store *Store) ensureAccount(ctx context.Context, accountID ledger.AccountID) error {
	if _, err := store.pool.Exec(ctx, sqlEnsureAccount, accountID.String()); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) CompareAndSwapBalance(ctx context.Context, accountID ledger.AccountID, expected ledger.AccountSnapshot, balance ledger.Balance) (bool, error) {
	if balance < 0 {
		return false, ledger.WrapError(errorOperationStore, errorSubjectBalance, errorCodeCheck, ledger.ErrInvalidBalance)
	}
	tag, err := store.pool.Exec(ctx, sqlCompareAndSwapBalance, accountID.String(), expected.Version, balance.Int64())
	if err != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeSwap, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (store *Store) AddInventoryItem(ctx context.Context, accountID ledger.AccountID, item ledger.InventoryItem) (bool, error) {
	if err := store.ensureAccount(ctx, accountID); err != nil {
		return false, err
	}
	tag, err := store.pool.Exec(ctx, sqlInsertInventoryItem,
		accountID.String(),
		item.ItemID.String(),
		item.AttemptID.String(),
		item.Title,
		item.Price.Int64(),
		item.Metadata.String(),
		grantedUnixUTC(item),
	)
	if err != nil {
		return false, wrapStoreError(errorSubjectInventory, errorCodeInsert, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (store *Store) HasInventoryItem(ctx context.Context, accountID ledger.AccountID, itemID ledger.ItemID) (bool, error) {
	var owned bool
	if err := store.pool.QueryRow(ctx, sqlHasInventoryItem, accountID.String(), itemID.String()).Scan(&owned); err != nil {
		return false, wrapStoreError(errorSubjectInventory, errorCodeLookup, err)
	}
	return owned, nil
}

func (store *Store) ListInventory(ctx context.Context, accountID ledger.AccountID) ([]ledger.InventoryItem, error) {
	rows, err := store.pool.Query(ctx, sqlListInventory, accountID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectInventory, errorCodeList, err)
	}
	defer rows.Close()

	var items []ledger.InventoryItem
	for rows.Next() {
		var (
			itemIDValue    string
			attemptIDValue string
			title          string
			price          int64
			metadataValue  string
			grantedUnixUTC int64
		)
		if err := rows.Scan(&itemIDValue, &attemptIDValue, &title, &price, &metadataValue, &grantedUnixUTC); err != nil {
			return nil, wrapStoreError(errorSubjectInventory, errorCodeList, err)
		}
		item, err := mapInventoryItem(itemIDValue, attemptIDValue, title, price, metadataValue, grantedUnixUTC)
		if err != nil {
			return nil, wrapStoreError(errorSubjectInventory, errorCodeInvalid, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectInventory, errorCodeList, err)
	}
	return items, nil
}

func (store *Store) AppendAudit(ctx context.Context, record ledger.AuditRecord) error {
	_, err := store.pool.Exec(ctx, sqlInsertAudit,
		record.AccountID.String(),
		record.Kind.String(),
		record.Amount.Int64(),
		record.ItemID.String(),
		record.PackageID.String(),
		record.AttemptID.String(),
		record.BalanceAfter.Int64(),
		record.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeAppend, err)
	}
	return nil
}

func (store *Store) ListAudit(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.AuditRecord, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = time.Now().UTC().Add(time.Second).Unix()
	}
	rows, err := store.pool.Query(ctx, sqlListAuditBefore, accountID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
	}
	defer rows.Close()

	var records []ledger.AuditRecord
	for rows.Next() {
		var (
			accountIDValue string
			kindValue      string
			amount         int64
			itemIDValue    string
			packageIDValue string
			attemptIDValue string
			balanceAfter   int64
			createdUnixUTC int64
		)
		if err := rows.Scan(&accountIDValue, &kindValue, &amount, &itemIDValue, &packageIDValue, &attemptIDValue, &balanceAfter, &createdUnixUTC); err != nil {
			return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
		}
		record, err := mapAuditRecord(accountIDValue, kindValue, amount, itemIDValue, packageIDValue, attemptIDValue, balanceAfter, createdUnixUTC)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
	}
	return records, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, ledger.Unavailable(err))
}

func mapInventoryItem(itemIDValue, attemptIDValue, title string, price int64, metadataValue string, grantedUnixUTC int64) (ledger.InventoryItem, error) {
	itemID, err := ledger.NewItemID(itemIDValue)
	if err != nil {
		return ledger.InventoryItem{}, err
	}
	var attemptID ledger.AttemptID
	if attemptIDValue != "" {
		if attemptID, err = ledger.NewAttemptID(attemptIDValue); err != nil {
			return ledger.InventoryItem{}, err
		}
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.InventoryItem{}, err
	}
	return ledger.InventoryItem{
		ItemID:         itemID,
		AttemptID:      attemptID,
		Title:          title,
		Price:          ledger.Amount(price),
		Metadata:       metadata,
		GrantedUnixUTC: grantedUnixUTC,
	}, nil
}

func mapAuditRecord(accountIDValue, kindValue string, amountValue int64, itemIDValue, packageIDValue, attemptIDValue string, balanceAfterValue, createdUnixUTC int64) (ledger.AuditRecord, error) {
	accountID, err := ledger.NewAccountID(accountIDValue)
	if err != nil {
		return ledger.AuditRecord{}, err
	}
	kind, err := ledger.ParseAuditKind(kindValue)
	if err != nil {
		return ledger.AuditRecord{}, err
	}
	amount, err := ledger.NewAmount(amountValue)
	if err != nil {
		return ledger.AuditRecord{}, err
	}
	attemptID, err := ledger.NewAttemptID(attemptIDValue)
	if err != nil {
		return ledger.AuditRecord{}, err
	}
	balanceAfter, err := ledger.NewBalance(balanceAfterValue)
	if err != nil {
		return ledger.AuditRecord{}, err
	}
	record := ledger.AuditRecord{
		AccountID:      accountID,
		Kind:           kind,
		Amount:         amount,
		AttemptID:      attemptID,
		BalanceAfter:   balanceAfter,
		CreatedUnixUTC: createdUnixUTC,
	}
	if itemIDValue != "" {
		if record.ItemID, err = ledger.NewItemID(itemIDValue); err != nil {
			return ledger.AuditRecord{}, err
		}
	}
	if packageIDValue != "" {
		if record.PackageID, err = ledger.NewPackageID(packageIDValue); err != nil {
			return ledger.AuditRecord{}, err
		}
	}
	return record, nil
}

func grantedUnixUTC(item ledger.InventoryItem) int64 {
	if item.GrantedUnixUTC == 0 {
		return time.Now().UTC().Unix()
	}
	return item.GrantedUnixUTC
}
