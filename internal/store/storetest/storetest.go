// Package storetest holds behaviour checks shared by every AccountStore and AuditLog backend.
package storetest

import (
	"context"
	"testing"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
)

// GrantOnFreshAccount grants an item to an account the ledger has never seen.
// The account must come into existence with a zero balance.
func GrantOnFreshAccount(test *testing.T, store ledger.AccountStore) {
	test.Helper()
	ctx := context.Background()
	accountID, err := ledger.NewAccountID("fresh-" + ledger.GenerateAttemptID().String())
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	itemID, err := ledger.NewItemID("shell-necklace")
	if err != nil {
		test.Fatalf("item id: %v", err)
	}
	grantor, err := ledger.NewGrantor(store, ledger.NewMemoryCache(), func() int64 { return 1700000000 })
	if err != nil {
		test.Fatalf("grantor init failed: %v", err)
	}

	result, err := grantor.Grant(ctx, accountID, itemID, ledger.GenerateAttemptID())
	if err != nil || result != ledger.GrantOK {
		test.Fatalf("expected ok grant on a fresh account, got %s (%v)", result, err)
	}
	owned, err := store.HasInventoryItem(ctx, accountID, itemID)
	if err != nil || !owned {
		test.Fatalf("expected ownership, got %v (%v)", owned, err)
	}
	snapshot, err := store.GetOrCreateAccount(ctx, accountID)
	if err != nil || snapshot.Balance != 0 {
		test.Fatalf("expected zero balance account, got %+v (%v)", snapshot, err)
	}
}

// AuditAppendIsIdempotent appends the same (attempt, kind) twice and expects one row.
func AuditAppendIsIdempotent(test *testing.T, audit ledger.AuditLog) {
	test.Helper()
	ctx := context.Background()
	accountID, err := ledger.NewAccountID("audit-" + ledger.GenerateAttemptID().String())
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	itemID, err := ledger.NewItemID("shell-necklace")
	if err != nil {
		test.Fatalf("item id: %v", err)
	}
	attemptID := ledger.GenerateAttemptID()
	debit := ledger.AuditRecord{AccountID: accountID, Kind: ledger.AuditDebit, Amount: 30, ItemID: itemID, AttemptID: attemptID, BalanceAfter: 70, CreatedUnixUTC: 1700000000}
	for attempt := 0; attempt < 2; attempt++ {
		if err := audit.AppendAudit(ctx, debit); err != nil {
			test.Fatalf("append %d failed: %v", attempt, err)
		}
	}
	credit := debit
	credit.Kind = ledger.AuditCredit
	credit.ItemID = ledger.ItemID{}
	credit.BalanceAfter = 100
	if err := audit.AppendAudit(ctx, credit); err != nil {
		test.Fatalf("append credit failed: %v", err)
	}

	records, err := audit.ListAudit(ctx, accountID, 1700000001, 10)
	if err != nil {
		test.Fatalf("list audit: %v", err)
	}
	debits := 0
	for _, record := range records {
		if record.Kind == ledger.AuditDebit {
			debits++
		}
	}
	if len(records) != 2 || debits != 1 {
		test.Fatalf("expected one debit and one credit for the attempt, got %+v", records)
	}
}
