package ledger

import "context"

// Buy runs a full purchase of itemID paid with AquaGems: select, choose method, confirm.
// The returned result carries the attempt id even when err is ErrEntitlementPending.
func (shop *Shop) Buy(ctx context.Context, accountID AccountID, itemID ItemID) (PurchaseResult, error) {
	purchase, err := shop.NewPurchase(accountID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if err := purchase.SelectItem(ctx, itemID); err != nil {
		return PurchaseResult{Intent: purchase.Intent()}, err
	}
	if err := purchase.ChoosePaymentMethod(PaymentMethodAquaGems); err != nil {
		return PurchaseResult{Intent: purchase.Intent()}, err
	}
	return purchase.Confirm(ctx)
}

// Resume continues a journaled purchase. A committed purchase is reported as is;
// an entitlement_pending one has only its grant step retried.
func (shop *Shop) Resume(ctx context.Context, accountID AccountID, attemptID AttemptID) (PurchaseResult, error) {
	purchase, err := shop.ResumePurchase(ctx, accountID, attemptID)
	if err != nil {
		return PurchaseResult{}, err
	}
	intent := purchase.Intent()
	if intent.State == PurchaseCommitted {
		return PurchaseResult{Intent: intent, Balance: intent.BalanceAfter, Grant: GrantAlreadyOwned}, nil
	}
	return purchase.RetryGrant(ctx)
}

// Recharge runs a full top-up of packageID through the given external payment method.
func (shop *Shop) Recharge(ctx context.Context, accountID AccountID, packageID PackageID, method PaymentMethod) (TopUpResult, error) {
	topUp, err := shop.NewTopUp(accountID)
	if err != nil {
		return TopUpResult{}, err
	}
	if err := topUp.SelectPackage(ctx, packageID); err != nil {
		return TopUpResult{Intent: topUp.Intent()}, err
	}
	if err := topUp.ChoosePaymentMethod(method); err != nil {
		return TopUpResult{Intent: topUp.Intent()}, err
	}
	return topUp.Confirm(ctx)
}
