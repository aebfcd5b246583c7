package tokens

import (
	"context"
	"fmt"
	"time"
)

const defaultMonthlyGrant int64 = 1_000_000

// Service contains the balance-store domain logic over a Store.
type Service struct {
	store        Store
	nowFn        func() int64
	monthlyGrant int64
	logger       OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, monthlyGrant: defaultMonthlyGrant}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetOrCreateBalance returns the owner's balance row, creating one lazily.
// New rows start with the configured monthly free grant.
func (service *Service) GetOrCreateBalance(ctx context.Context, owner TokenOwner) (TokenBalance, error) {
	return service.store.GetOrCreateBalance(ctx, owner, service.initialBalance())
}

// Credit increases the selected pool and appends a transaction in one
// atomic unit of work.
func (service *Service) Credit(ctx context.Context, owner TokenOwner, amount TokenAmount, pool BalancePool, meta TransactionMeta) (TokenBalance, error) {
	var balance TokenBalance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		credited, err := service.creditLocked(ctx, txStore, owner, amount, pool, meta)
		if err != nil {
			return err
		}
		balance = credited
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		Owner:     owner,
		Amount:    amount.Int64(),
		Reference: meta.Reference,
		Error:     operationError,
	})
	if operationError != nil {
		return TokenBalance{}, operationError
	}
	return balance, nil
}

// Debit removes amount tokens, paid pool first, then free. Fails with
// ErrInsufficientBalance and no partial mutation when the total is short.
func (service *Service) Debit(ctx context.Context, owner TokenOwner, amount TokenAmount, meta TransactionMeta) (TokenBalance, error) {
	var balance TokenBalance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if _, err := txStore.GetOrCreateBalance(ctx, owner, service.initialBalance()); err != nil {
			return err
		}
		current, err := txStore.GetBalanceForUpdate(ctx, owner)
		if err != nil {
			return err
		}
		debit := amount.Int64()
		if current.FreeBalance+current.PaidBalance < debit {
			return ErrInsufficientBalance
		}
		paid := current.PaidBalance
		free := current.FreeBalance
		if paid >= debit {
			paid -= debit
		} else {
			free -= debit - paid
			paid = 0
		}
		update := BalanceUpdate{
			FreeBalance:                 free,
			PaidBalance:                 paid,
			Balance:                     free + paid,
			TotalConsumed:               current.TotalConsumed + debit,
			MonthlyConsumed:             current.MonthlyConsumed + debit,
			FreeBalanceResetUnixUTC:     current.FreeBalanceResetUnixUTC,
			MonthlyConsumedResetUnixUTC: current.MonthlyConsumedResetUnixUTC,
		}
		if err := update.Validate(); err != nil {
			return err
		}
		if err := txStore.UpdateBalance(ctx, owner, update); err != nil {
			return err
		}
		transaction, err := service.newTransaction(owner, -debit, update.Balance, TransactionConsumption, meta)
		if err != nil {
			return err
		}
		if err := txStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		balance = balanceFromUpdate(owner, update)
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		Owner:     owner,
		Amount:    amount.Int64(),
		Reference: meta.Reference,
		Error:     operationError,
	})
	if operationError != nil {
		return TokenBalance{}, operationError
	}
	return balance, nil
}

// ResetMonthly applies the recurring free grant once the stored reset
// timestamps have passed. Returns false without mutation otherwise.
func (service *Service) ResetMonthly(ctx context.Context, owner TokenOwner) (bool, error) {
	applied := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if _, err := txStore.GetOrCreateBalance(ctx, owner, service.initialBalance()); err != nil {
			return err
		}
		current, err := txStore.GetBalanceForUpdate(ctx, owner)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if nowUnixUTC < current.FreeBalanceResetUnixUTC {
			return nil
		}
		nextReset := addOneMonth(nowUnixUTC)
		update := BalanceUpdate{
			FreeBalance:                 service.monthlyGrant,
			PaidBalance:                 current.PaidBalance,
			Balance:                     service.monthlyGrant + current.PaidBalance,
			TotalConsumed:               current.TotalConsumed,
			MonthlyConsumed:             0,
			FreeBalanceResetUnixUTC:     nextReset,
			MonthlyConsumedResetUnixUTC: nextReset,
		}
		if err := update.Validate(); err != nil {
			return err
		}
		if err := txStore.UpdateBalance(ctx, owner, update); err != nil {
			return err
		}
		transaction, err := service.newTransaction(owner, service.monthlyGrant, update.Balance, TransactionGrant, TransactionMeta{
			Description: "monthly_free_reset",
		})
		if err != nil {
			return err
		}
		if err := txStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		applied = true
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationResetMonthly,
		Owner:     owner,
		Amount:    service.monthlyGrant,
		Error:     operationError,
	})
	if operationError != nil {
		return false, operationError
	}
	return applied, nil
}

// History returns the owner's transaction log, newest first.
func (service *Service) History(ctx context.Context, owner TokenOwner, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListTransactions(ctx, owner, beforeUnixUTC, limit)
}

// Stats aggregates purchase and usage figures over the trailing month.
func (service *Service) Stats(ctx context.Context, owner TokenOwner) (PurchaseStats, error) {
	since := subtractOneMonth(service.nowFn())
	return service.store.PurchaseStats(ctx, owner, since)
}

// creditLocked applies a credit inside an already-open transaction. The
// webhook reconciler shares it so the credit and the dedup record commit
// together.
func (service *Service) creditLocked(ctx context.Context, txStore Store, owner TokenOwner, amount TokenAmount, pool BalancePool, meta TransactionMeta) (TokenBalance, error) {
	if _, err := ParseBalancePool(pool.String()); err != nil {
		return TokenBalance{}, err
	}
	if _, err := txStore.GetOrCreateBalance(ctx, owner, service.initialBalance()); err != nil {
		return TokenBalance{}, err
	}
	current, err := txStore.GetBalanceForUpdate(ctx, owner)
	if err != nil {
		return TokenBalance{}, err
	}
	free := current.FreeBalance
	paid := current.PaidBalance
	switch pool {
	case PoolFree:
		free += amount.Int64()
	case PoolPaid:
		paid += amount.Int64()
	}
	update := BalanceUpdate{
		FreeBalance:                 free,
		PaidBalance:                 paid,
		Balance:                     free + paid,
		TotalConsumed:               current.TotalConsumed,
		MonthlyConsumed:             current.MonthlyConsumed,
		FreeBalanceResetUnixUTC:     current.FreeBalanceResetUnixUTC,
		MonthlyConsumedResetUnixUTC: current.MonthlyConsumedResetUnixUTC,
	}
	if err := update.Validate(); err != nil {
		return TokenBalance{}, err
	}
	if err := txStore.UpdateBalance(ctx, owner, update); err != nil {
		return TokenBalance{}, err
	}
	transactionType := meta.Type
	if transactionType == "" {
		transactionType = TransactionPurchase
	}
	transaction, err := service.newTransaction(owner, amount.Int64(), update.Balance, transactionType, meta)
	if err != nil {
		return TokenBalance{}, err
	}
	if err := txStore.InsertTransaction(ctx, transaction); err != nil {
		return TokenBalance{}, err
	}
	return balanceFromUpdate(owner, update), nil
}

func (service *Service) newTransaction(owner TokenOwner, amount int64, balanceAfter int64, fallbackType TransactionType, meta TransactionMeta) (Transaction, error) {
	transactionType := meta.Type
	if transactionType == "" {
		transactionType = fallbackType
	}
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return Transaction{}, err
	}
	metadataJSON, err := NormalizeMetadataJSON(meta.MetadataJSON)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{
		Owner:          owner,
		Type:           transactionType,
		Amount:         amount,
		BalanceAfter:   balanceAfter,
		Description:    meta.Description,
		Reference:      meta.Reference,
		PriceCents:     meta.PriceCents,
		MetadataJSON:   metadataJSON,
		CreatedUnixUTC: service.nowFn(),
	}, nil
}

func (service *Service) initialBalance() BalanceUpdate {
	nextReset := addOneMonth(service.nowFn())
	return BalanceUpdate{
		FreeBalance:                 service.monthlyGrant,
		PaidBalance:                 0,
		Balance:                     service.monthlyGrant,
		FreeBalanceResetUnixUTC:     nextReset,
		MonthlyConsumedResetUnixUTC: nextReset,
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func balanceFromUpdate(owner TokenOwner, update BalanceUpdate) TokenBalance {
	return TokenBalance{
		Owner:                       owner,
		FreeBalance:                 update.FreeBalance,
		PaidBalance:                 update.PaidBalance,
		Balance:                     update.Balance,
		TotalConsumed:               update.TotalConsumed,
		MonthlyConsumed:             update.MonthlyConsumed,
		FreeBalanceResetUnixUTC:     update.FreeBalanceResetUnixUTC,
		MonthlyConsumedResetUnixUTC: update.MonthlyConsumedResetUnixUTC,
	}
}

func addOneMonth(unixUTC int64) int64 {
	return time.Unix(unixUTC, 0).UTC().AddDate(0, 1, 0).Unix()
}

func subtractOneMonth(unixUTC int64) int64 {
	return time.Unix(unixUTC, 0).UTC().AddDate(0, -1, 0).Unix()
}
