package adledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the billing domain logic over a Store.
type Service struct {
	store          Store
	nowFn          func() int64
	logger         OperationLogger
	clickCost      PositiveAmountCents
	viewCost       PositiveAmountCents
	retryAttempts  int
	retryBaseDelay time.Duration
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		nowFn:          now,
		clickCost:      defaultClickCostCents,
		viewCost:       defaultViewCostCents,
		retryAttempts:  defaultRetryAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the wallet view for a client.
func (service *Service) Balance(ctx context.Context, clientID ClientID) (Wallet, error) {
	return service.store.GetWallet(ctx, clientID)
}

// Debit atomically decreases the client's budget by amount if and only if the
// current balance covers it. The boolean reports whether the charge applied;
// an uncovered balance is not an error.
func (service *Service) Debit(ctx context.Context, clientID ClientID, amount PositiveAmountCents) (bool, error) {
	applied := false
	operationError := service.runBillingTx(ctx, func(ctx context.Context, transactionStore Store) error {
		applied = false
		wallet, err := transactionStore.GetWalletForUpdate(ctx, clientID)
		if err != nil {
			return err
		}
		if wallet.BudgetRemainingCents < amount.ToAmountCents() {
			return nil
		}
		remaining, err := NewAmountCents(wallet.BudgetRemainingCents.Int64() - amount.Int64())
		if err != nil {
			return WrapError("service", "wallet", "negative_balance", ErrInvalidWalletBalance)
		}
		if err := transactionStore.SetWalletBudget(ctx, clientID, remaining); err != nil {
			return err
		}
		applied = true
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		ClientID:  clientID.String(),
		Amount:    amount.ToAmountCents(),
		Error:     operationError,
	})
	return applied, operationError
}

// runBillingTx executes fn inside a store transaction, retrying conflicted or
// transiently unavailable commits with exponential backoff before surfacing
// the last error.
func (service *Service) runBillingTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	delay := service.retryBaseDelay
	var lastErr error
	for attempt := 0; attempt < service.retryAttempts; attempt++ {
		lastErr = service.store.WithTx(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrTransactionConflict) && !errors.Is(lastErr, ErrStoreUnavailable) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
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

func (service *Service) unitCost(eventType EventType) PositiveAmountCents {
	if eventType == EventView {
		return service.viewCost
	}
	return service.clickCost
}
