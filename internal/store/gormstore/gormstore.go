package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectBalance   = "balance"
	errorSubjectInventory = "inventory"
	errorSubjectAudit     = "audit"
	errorCodeAppend       = "append"
	errorCodeCheck        = "check"
	errorCodeCreate       = "create"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeMigrate      = "migrate"
	errorCodeSwap         = "swap"
)

// Store implements ledger.AccountStore and ledger.AuditLog using GORM.
// Every backend failure is tagged with ledger.ErrStoreUnavailable.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the tables used by Store.
func (store *Store) Migrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeMigrate, err)
	}
	return nil
}

// Ping checks connectivity to the underlying database.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID ledger.AccountID) (ledger.AccountSnapshot, error) {
	if err := store.ensureAccount(ctx, accountID); err != nil {
		return ledger.AccountSnapshot{}, err
	}
	var account Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&account).Error
	if err != nil {
		return ledger.AccountSnapshot{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	balance, err := ledger.NewBalance(account.Balance)
	if err != nil {
		return ledger.AccountSnapshot{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return ledger.AccountSnapshot{Balance: balance, Version: account.Version}, nil
}

func (store *Store) ensureAccount(ctx context.Context, accountID ledger.AccountID) error {
	now := time.Now().UTC()
	seed := Account{AccountID: accountID.String(), CreatedAt: now, UpdatedAt: now}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) CompareAndSwapBalance(ctx context.Context, accountID ledger.AccountID, expected ledger.AccountSnapshot, balance ledger.Balance) (bool, error) {
	if balance < 0 {
		return false, ledger.WrapError(errorOperationStore, errorSubjectBalance, errorCodeCheck, ledger.ErrInvalidBalance)
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND version = ?", accountID.String(), expected.Version).
		Updates(map[string]interface{}{
			"balance":    balance.Int64(),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeSwap, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) AddInventoryItem(ctx context.Context, accountID ledger.AccountID, item ledger.InventoryItem) (bool, error) {
	if err := store.ensureAccount(ctx, accountID); err != nil {
		return false, err
	}
	row := InventoryItem{
		AccountID: accountID.String(),
		ItemID:    item.ItemID.String(),
		AttemptID: item.AttemptID.String(),
		Title:     item.Title,
		Price:     item.Price.Int64(),
		Metadata:  datatypesJSON(item.Metadata.String()),
		GrantedAt: time.Unix(item.GrantedUnixUTC, 0).UTC(),
	}
	if item.GrantedUnixUTC == 0 {
		row.GrantedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapStoreError(errorSubjectInventory, errorCodeInsert, err)
	}
	return true, nil
}

func (store *Store) HasInventoryItem(ctx context.Context, accountID ledger.AccountID, itemID ledger.ItemID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&InventoryItem{}).
		Where("account_id = ? AND item_id = ?", accountID.String(), itemID.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectInventory, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) ListInventory(ctx context.Context, accountID ledger.AccountID) ([]ledger.InventoryItem, error) {
	var rows []InventoryItem
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("granted_at ASC").
		Order("item_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectInventory, errorCodeList, err)
	}
	items := make([]ledger.InventoryItem, 0, len(rows))
	for _, row := range rows {
		item, err := mapInventoryItem(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectInventory, errorCodeInvalid, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (store *Store) AppendAudit(ctx context.Context, record ledger.AuditRecord) error {
	row := AuditRecord{
		AccountID:    record.AccountID.String(),
		Kind:         record.Kind.String(),
		Amount:       record.Amount.Int64(),
		ItemID:       optionalString(record.ItemID.String()),
		PackageID:    optionalString(record.PackageID.String()),
		AttemptID:    record.AttemptID.String(),
		BalanceAfter: record.BalanceAfter.Int64(),
		CreatedAt:    time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if record.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "attempt_id"}, {Name: "kind"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeAppend, err)
	}
	return nil
}

func (store *Store) ListAudit(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.AuditRecord, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []AuditRecord
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
	}

	records := make([]ledger.AuditRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapAuditRecord(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, ledger.Unavailable(err))
}

func mapInventoryItem(row InventoryItem) (ledger.InventoryItem, error) {
	itemID, err := ledger.NewItemID(row.ItemID)
	if err != nil {
		return ledger.InventoryItem{}, err
	}
	var attemptID ledger.AttemptID
	if row.AttemptID != "" {
		if attemptID, err = ledger.NewAttemptID(row.AttemptID); err != nil {
			return ledger.InventoryItem{}, err
		}
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.InventoryItem{}, err
	}
	return ledger.InventoryItem{
		ItemID:         itemID,
		AttemptID:      attemptID,
		Title:          row.Title,
		Price:          ledger.Amount(row.Price),
		Metadata:       metadata,
		GrantedUnixUTC: row.GrantedAt.Unix(),
	}, nil
}

func mapAuditRecord(row AuditRecord) (ledger.AuditRecord, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.AuditRecord{}, err
	}
	kind, err := ledger.ParseAuditKind(row.Kind)
	if err != nil {
		return ledger.AuditRecord{}, err
	}
	amount, err := ledger.NewAmount(row.Amount)
	if err != nil {
		return ledger.AuditRecord{}, err
	}
	attemptID, err := ledger.NewAttemptID(row.AttemptID)
	if err != nil {
		return ledger.AuditRecord{}, err
	}
	balanceAfter, err := ledger.NewBalance(row.BalanceAfter)
	if err != nil {
		return ledger.AuditRecord{}, err
	}
	record := ledger.AuditRecord{
		AccountID:      accountID,
		Kind:           kind,
		Amount:         amount,
		AttemptID:      attemptID,
		BalanceAfter:   balanceAfter,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
	if row.ItemID != nil {
		if record.ItemID, err = ledger.NewItemID(*row.ItemID); err != nil {
			return ledger.AuditRecord{}, err
		}
	}
	if row.PackageID != nil {
		if record.PackageID, err = ledger.NewPackageID(*row.PackageID); err != nil {
			return ledger.AuditRecord{}, err
		}
	}
	return record, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
