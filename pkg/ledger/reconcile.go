package ledger

import (
	"context"
	"fmt"
)

// ReconcileReport summarizes one sweep.
type ReconcileReport struct {
	Scanned   int
	Committed int
	Pending   int
}

// Reconciler resumes purchases left in entitlement_pending by retrying only their grant step.
type Reconciler struct {
	shop   *Shop
	batch  int
	minAge int64
	logs   operationLogSink
}

// NewReconciler wires a Reconciler over the shop's intent journal.
func NewReconciler(shop *Shop, options ...Option) (*Reconciler, error) {
	if shop == nil {
		return nil, fmt.Errorf("%w: shop dependency is nil", ErrInvalidServiceConfig)
	}
	configured := newSettings(options)
	return &Reconciler{
		shop:   shop,
		batch:  configured.reconcileBatch,
		minAge: configured.reconcileMinAge,
		logs:   operationLogSink{logger: configured.logger},
	}, nil
}

// Sweep resumes up to one batch of pending intents older than the configured minimum age.
// Intents still failing stay pending for the next sweep.
func (reconciler *Reconciler) Sweep(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	records, err := reconciler.shop.intents.ListPendingIntents(ctx, reconciler.batch)
	if err != nil {
		wrapped := WrapError(operationReconcile, errorSubjectIntent, errorCodeUnavailable, Unavailable(err))
		reconciler.logs.log(ctx, OperationLog{Operation: operationReconcile, Error: wrapped})
		return report, wrapped
	}
	cutoff := reconciler.shop.nowFn() - reconciler.minAge
	for _, record := range records {
		if record.UpdatedUnixUTC > cutoff {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		report.Scanned++
		purchase := reconciler.shop.restorePurchase(record.PurchaseIntent)
		if _, grantErr := purchase.RetryGrant(ctx); grantErr != nil {
			report.Pending++
			continue
		}
		report.Committed++
	}
	reconciler.logs.log(ctx, OperationLog{
		Operation: operationReconcile,
		Attempts:  report.Scanned,
		State:     fmt.Sprintf("committed=%d pending=%d", report.Committed, report.Pending),
	})
	return report, nil
}
