package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0;check:chk_accounts_balance_non_negative,balance >= 0"`
	Version   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// InventoryItem mirrors the inventory_items table. The composite key is the ownership set.
type InventoryItem struct {
	AccountID string         `gorm:"primaryKey"`
	ItemID    string         `gorm:"primaryKey"`
	AttemptID string         `gorm:"not null"`
	Title     string         `gorm:"not null;default:''"`
	Price     int64          `gorm:"not null;default:0"`
	Metadata  datatypes.JSON `gorm:"type:jsonb;not null"`
	GrantedAt time.Time      `gorm:"not null;index:idx_inventory_account_granted,priority:2"`
}

func (InventoryItem) TableName() string { return "inventory_items" }

// AuditRecord mirrors the audit_records table. One row per (attempt, kind).
type AuditRecord struct {
	RecordID     string    `gorm:"type:uuid;primaryKey"`
	AccountID    string    `gorm:"not null;index:idx_audit_account_created,priority:1"`
	Kind         string    `gorm:"not null;uniqueIndex:idx_audit_attempt_kind,priority:2"`
	Amount       int64     `gorm:"not null"`
	ItemID       *string   `gorm:""`
	PackageID    *string   `gorm:""`
	AttemptID    string    `gorm:"not null;uniqueIndex:idx_audit_attempt_kind,priority:1"`
	BalanceAfter int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;index:idx_audit_account_created,priority:2"`
}

func (AuditRecord) TableName() string { return "audit_records" }

func (record *AuditRecord) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	return nil
}

// Models lists every table managed by this store, for AutoMigrate.
func Models() []any {
	return []any{&Account{}, &InventoryItem{}, &AuditRecord{}}
}
