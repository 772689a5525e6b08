package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Engine owns the optimistic-concurrency balance protocol.
// It is the only writer of account balances.
type Engine struct {
	store       AccountStore
	cache       LocalCache
	maxAttempts int
	logs        operationLogSink
}

// NewEngine wires an Engine over the authoritative store and the local mirror.
func NewEngine(store AccountStore, cache LocalCache, options ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: account store dependency is nil", ErrInvalidServiceConfig)
	}
	if cache == nil {
		return nil, fmt.Errorf("%w: local cache dependency is nil", ErrInvalidServiceConfig)
	}
	configured := newSettings(options)
	return &Engine{
		store:       store,
		cache:       cache,
		maxAttempts: configured.maxAttempts,
		logs:        operationLogSink{logger: configured.logger},
	}, nil
}

// Credit increases the balance by amount.
func (engine *Engine) Credit(ctx context.Context, accountID AccountID, amount Amount) (Balance, error) {
	return engine.apply(ctx, operationCredit, accountID, amount, func(current Balance) (Balance, error) {
		return current.Add(amount)
	})
}

// Debit decreases the balance by amount only if the freshly read balance covers it.
func (engine *Engine) Debit(ctx context.Context, accountID AccountID, amount Amount) (Balance, error) {
	return engine.apply(ctx, operationDebit, accountID, amount, func(current Balance) (Balance, error) {
		return current.Subtract(amount)
	})
}

// ReadBalance returns the store balance, or the cached one when the store is unreachable.
func (engine *Engine) ReadBalance(ctx context.Context, accountID AccountID) BalanceReading {
	snapshot, err := engine.store.GetOrCreateAccount(ctx, accountID)
	if err == nil {
		engine.cache.StoreBalance(accountID, snapshot)
		engine.logs.log(ctx, OperationLog{
			Operation: operationReadBalance,
			AccountID: accountID,
			Balance:   snapshot.Balance,
		})
		return BalanceReading{Balance: snapshot.Balance}
	}
	cached, _ := engine.cache.CachedBalance(accountID)
	engine.logs.log(ctx, OperationLog{
		Operation: operationReadBalance,
		AccountID: accountID,
		Balance:   cached.Balance,
		Status:    operationStatusDegraded,
		Error:     Unavailable(err),
	})
	return BalanceReading{Balance: cached.Balance, FromCache: true}
}

func (engine *Engine) apply(ctx context.Context, operation string, accountID AccountID, amount Amount, compute func(Balance) (Balance, error)) (Balance, error) {
	if err := amount.validate(); err != nil {
		wrapped := WrapError(operation, errorSubjectAmount, errorCodeInvalid, err)
		engine.logs.log(ctx, OperationLog{Operation: operation, AccountID: accountID, Amount: amount, Error: wrapped})
		return 0, wrapped
	}
	if accountID.IsZero() {
		wrapped := WrapError(operation, errorSubjectBalance, errorCodeInvalid, ErrInvalidAccountID)
		engine.logs.log(ctx, OperationLog{Operation: operation, AccountID: accountID, Amount: amount, Error: wrapped})
		return 0, wrapped
	}
	balance, attempts, err := engine.update(ctx, operation, accountID, compute)
	engine.logs.log(ctx, OperationLog{
		Operation: operation,
		AccountID: accountID,
		Amount:    amount,
		Balance:   balance,
		Attempts:  attempts,
		Error:     err,
	})
	return balance, err
}

// update runs the read-compute-conditional-write cycle until the swap wins or attempts run out.
// compute is evaluated against every fresh read, never a previous snapshot.
func (engine *Engine) update(ctx context.Context, operation string, accountID AccountID, compute func(Balance) (Balance, error)) (Balance, int, error) {
	for attempt := 1; attempt <= engine.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, attempt - 1, WrapError(operation, errorSubjectBalance, errorCodeUnavailable, Unavailable(err))
		}
		snapshot, err := engine.store.GetOrCreateAccount(ctx, accountID)
		if err != nil {
			return 0, attempt, WrapError(operation, errorSubjectBalance, errorCodeUnavailable, Unavailable(err))
		}
		candidate, err := compute(snapshot.Balance)
		if err != nil {
			return 0, attempt, WrapError(operation, errorSubjectBalance, computeErrorCode(err), err)
		}
		swapped, err := engine.store.CompareAndSwapBalance(ctx, accountID, snapshot, candidate)
		if err != nil {
			return 0, attempt, WrapError(operation, errorSubjectBalance, errorCodeUnavailable, Unavailable(err))
		}
		if swapped {
			engine.cache.StoreBalance(accountID, AccountSnapshot{Balance: candidate, Version: snapshot.Version + 1})
			return candidate, attempt, nil
		}
	}
	exhausted := fmt.Errorf("%w: %d attempts exhausted", ErrContention, engine.maxAttempts)
	return 0, engine.maxAttempts, WrapError(operation, errorSubjectBalance, errorCodeContention, exhausted)
}

func computeErrorCode(err error) string {
	if errors.Is(err, ErrInsufficientFunds) {
		return errorCodeInsufficient
	}
	return errorCodeInvalid
}
