// Package localcache persists the non-authoritative account mirror and the purchase intent journal
// in a local sqlite database, so degraded reads and pending grants survive a restart.
package localcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	writeTimeout = 2 * time.Second
)

// CachedBalance mirrors the last known balance of an account.
type CachedBalance struct {
	AccountID string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null"`
	Version   int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (CachedBalance) TableName() string { return "cached_balances" }

// CachedOwnership records an item the account is known to own.
type CachedOwnership struct {
	AccountID string `gorm:"primaryKey"`
	ItemID    string `gorm:"primaryKey"`
}

func (CachedOwnership) TableName() string { return "cached_ownership" }

// PurchaseIntent journals a purchase that reached the debit.
type PurchaseIntent struct {
	AttemptID     string    `gorm:"primaryKey"`
	AccountID     string    `gorm:"not null;index"`
	ItemID        string    `gorm:"not null"`
	Title         string    `gorm:"not null;default:''"`
	Price         int64     `gorm:"not null"`
	PaymentMethod string    `gorm:"not null"`
	State         string    `gorm:"not null;index:idx_intents_state_updated,priority:1"`
	BalanceAfter  int64     `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null;index:idx_intents_state_updated,priority:2"`
}

func (PurchaseIntent) TableName() string { return "purchase_intents" }

// Cache implements ledger.LocalCache and ledger.IntentStore.
// Reads are served from memory once loaded; writes go through to sqlite and failures are logged only.
type Cache struct {
	db     *gorm.DB
	memory *ledger.MemoryCache
	logger *zap.Logger
}

// Open opens (or creates) the sqlite file at path and migrates its tables.
func Open(path string, zapLogger *zap.Logger) (*Cache, error) {
	if zapLogger == nil {
		zapLogger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open local cache %s: %w", path, err)
	}
	if err := db.AutoMigrate(&CachedBalance{}, &CachedOwnership{}, &PurchaseIntent{}); err != nil {
		return nil, fmt.Errorf("migrate local cache: %w", err)
	}
	return &Cache{db: db, memory: ledger.NewMemoryCache(), logger: zapLogger}, nil
}

// Close releases the sqlite handle.
func (cache *Cache) Close() error {
	sqlDB, err := cache.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (cache *Cache) CachedBalance(accountID ledger.AccountID) (ledger.AccountSnapshot, bool) {
	if snapshot, ok := cache.memory.CachedBalance(accountID); ok {
		return snapshot, true
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	var row CachedBalance
	err := cache.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Take(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			cache.logger.Warn("local cache balance read failed", zap.String("account_id", accountID.String()), zap.Error(err))
		}
		return ledger.AccountSnapshot{}, false
	}
	balance, err := ledger.NewBalance(row.Balance)
	if err != nil {
		cache.logger.Warn("local cache holds invalid balance", zap.String("account_id", accountID.String()), zap.Error(err))
		return ledger.AccountSnapshot{}, false
	}
	snapshot := ledger.AccountSnapshot{Balance: balance, Version: row.Version}
	cache.memory.StoreBalance(accountID, snapshot)
	return snapshot, true
}

// StoreBalance keeps the highest version seen, both in memory and on disk.
func (cache *Cache) StoreBalance(accountID ledger.AccountID, snapshot ledger.AccountSnapshot) {
	cache.memory.StoreBalance(accountID, snapshot)
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	row := CachedBalance{
		AccountID: accountID.String(),
		Balance:   snapshot.Balance.Int64(),
		Version:   snapshot.Version,
		UpdatedAt: time.Now().UTC(),
	}
	err := cache.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"balance", "version", "updated_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "cached_balances.version <= excluded.version"},
			}},
		}).
		Create(&row).Error
	if err != nil {
		cache.logger.Warn("local cache balance write failed", zap.String("account_id", accountID.String()), zap.Error(err))
	}
}

func (cache *Cache) CachedInventory(accountID ledger.AccountID) ([]ledger.ItemID, bool) {
	if items, ok := cache.memory.CachedInventory(accountID); ok {
		return items, true
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	var rows []CachedOwnership
	err := cache.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Order("item_id ASC").Find(&rows).Error
	if err != nil {
		cache.logger.Warn("local cache inventory read failed", zap.String("account_id", accountID.String()), zap.Error(err))
		return nil, false
	}
	if len(rows) == 0 {
		return nil, false
	}
	items := make([]ledger.ItemID, 0, len(rows))
	for _, row := range rows {
		itemID, err := ledger.NewItemID(row.ItemID)
		if err != nil {
			continue
		}
		items = append(items, itemID)
	}
	cache.memory.StoreInventory(accountID, items)
	return items, true
}

func (cache *Cache) StoreInventory(accountID ledger.AccountID, items []ledger.ItemID) {
	cache.memory.StoreInventory(accountID, items)
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := cache.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where("account_id = ?", accountID.String()).Delete(&CachedOwnership{}).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		rows := make([]CachedOwnership, 0, len(items))
		for _, itemID := range items {
			rows = append(rows, CachedOwnership{AccountID: accountID.String(), ItemID: itemID.String()})
		}
		return transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		cache.logger.Warn("local cache inventory write failed", zap.String("account_id", accountID.String()), zap.Error(err))
	}
}

func (cache *Cache) MarkOwned(accountID ledger.AccountID, itemID ledger.ItemID) {
	cache.memory.MarkOwned(accountID, itemID)
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	row := CachedOwnership{AccountID: accountID.String(), ItemID: itemID.String()}
	if err := cache.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		cache.logger.Warn("local cache ownership write failed", zap.String("account_id", accountID.String()), zap.String("item_id", itemID.String()), zap.Error(err))
	}
}

func (cache *Cache) SaveIntent(ctx context.Context, record ledger.IntentRecord) error {
	row := PurchaseIntent{
		AttemptID:     record.AttemptID.String(),
		AccountID:     record.AccountID.String(),
		ItemID:        record.ItemID.String(),
		Title:         record.Title,
		Price:         record.PriceAtSelection.Int64(),
		PaymentMethod: record.PaymentMethod.String(),
		State:         string(record.State),
		BalanceAfter:  record.BalanceAfter.Int64(),
		UpdatedAt:     time.Unix(record.UpdatedUnixUTC, 0).UTC(),
	}
	err := cache.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "attempt_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "balance_after", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save intent %s: %w", record.AttemptID.String(), err)
	}
	return nil
}

func (cache *Cache) LoadIntent(ctx context.Context, attemptID ledger.AttemptID) (ledger.IntentRecord, error) {
	var row PurchaseIntent
	err := cache.db.WithContext(ctx).Where("attempt_id = ?", attemptID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.IntentRecord{}, fmt.Errorf("%w: %s", ledger.ErrUnknownIntent, attemptID.String())
	}
	if err != nil {
		return ledger.IntentRecord{}, fmt.Errorf("load intent %s: %w", attemptID.String(), err)
	}
	return mapIntent(row)
}

func (cache *Cache) ListPendingIntents(ctx context.Context, limit int) ([]ledger.IntentRecord, error) {
	query := cache.db.WithContext(ctx).
		Where("state = ?", string(ledger.PurchaseEntitlementPending)).
		Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []PurchaseIntent
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list pending intents: %w", err)
	}
	records := make([]ledger.IntentRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapIntent(row)
		if err != nil {
			cache.logger.Warn("skipping unreadable intent", zap.String("attempt_id", row.AttemptID), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func mapIntent(row PurchaseIntent) (ledger.IntentRecord, error) {
	attemptID, err := ledger.NewAttemptID(row.AttemptID)
	if err != nil {
		return ledger.IntentRecord{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.IntentRecord{}, err
	}
	itemID, err := ledger.NewItemID(row.ItemID)
	if err != nil {
		return ledger.IntentRecord{}, err
	}
	method, err := ledger.ParsePaymentMethod(row.PaymentMethod)
	if err != nil {
		return ledger.IntentRecord{}, err
	}
	state, err := ledger.ParsePurchaseState(row.State)
	if err != nil {
		return ledger.IntentRecord{}, err
	}
	balanceAfter, err := ledger.NewBalance(row.BalanceAfter)
	if err != nil {
		return ledger.IntentRecord{}, err
	}
	return ledger.IntentRecord{
		PurchaseIntent: ledger.PurchaseIntent{
			AccountID:        accountID,
			ItemID:           itemID,
			Title:            row.Title,
			PriceAtSelection: ledger.Amount(row.Price),
			PaymentMethod:    method,
			State:            state,
			AttemptID:        attemptID,
			BalanceAfter:     balanceAfter,
		},
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
}
