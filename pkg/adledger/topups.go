package adledger

import (
	"context"
	"errors"
)

// RecordTopUp credits a wallet from a verified payment-provider session.
// Inserting the session row and applying the credit share one transaction.
// The session id is the idempotency key: a redelivered webhook inserts
// nothing, skips the credit, and still commits cleanly.
func (service *Service) RecordTopUp(requestContext context.Context, sessionID SessionID, clientID ClientID, amount PositiveAmountCents) (TopUpReceipt, error) {
	receipt := TopUpReceipt{}
	operationError := service.runBillingTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		receipt = TopUpReceipt{}
		session := TopUpSession{
			SessionID:      sessionID.String(),
			ClientID:       clientID.String(),
			AmountCents:    amount.ToAmountCents(),
			Status:         TopUpStatusSuccess,
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertTopUpSession(ctx, session); err != nil {
			if errors.Is(err, ErrDuplicateTopUpSession) {
				receipt.AlreadyProcessed = true
				return nil
			}
			return err
		}
		if err := transactionStore.ApplyTopUp(ctx, clientID, amount, service.nowFn()); err != nil {
			return err
		}
		receipt.CreditedCents = amount.ToAmountCents()
		return nil
	})
	service.logOperation(requestContext, OperationLog{
		Operation: operationTopUp,
		ClientID:  clientID.String(),
		SessionID: sessionID.String(),
		Amount:    amount.ToAmountCents(),
		Error:     operationError,
	})
	return receipt, operationError
}
