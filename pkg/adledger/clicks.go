package adledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ProcessEvent ingests one click/view: it resolves the ad, attempts the
// wallet debit, bumps the ad counters by the amount actually charged, and
// appends the immutable audit event. All three mutations share one
// transaction. An unresolvable or unfunded payer degrades to an unbilled
// event with cost zero rather than rejecting the request.
func (service *Service) ProcessEvent(requestContext context.Context, input EventInput) (EventReceipt, error) {
	receipt := EventReceipt{}
	unitCost := service.unitCost(input.Type)
	operationError := service.runBillingTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		receipt = EventReceipt{}
		adUnit, err := transactionStore.GetAdUnitForUpdate(ctx, input.AdID)
		if err != nil {
			return err
		}
		payerID, hasPayer := resolvePayer(adUnit, input.PayerOverride)
		charged := AmountCents(0)
		if hasPayer {
			wallet, err := transactionStore.GetWalletForUpdate(ctx, payerID)
			switch {
			case errors.Is(err, ErrUnknownClient):
				// No wallet yet: log the event unbilled.
			case err != nil:
				return err
			case wallet.BudgetRemainingCents >= unitCost.ToAmountCents():
				remaining, err := NewAmountCents(wallet.BudgetRemainingCents.Int64() - unitCost.Int64())
				if err != nil {
					return WrapError("service", "wallet", "negative_balance", ErrInvalidWalletBalance)
				}
				if err := transactionStore.SetWalletBudget(ctx, payerID, remaining); err != nil {
					return err
				}
				charged = unitCost.ToAmountCents()
			}
		}
		if err := transactionStore.ApplyAdCharge(ctx, input.AdID, input.Type, charged); err != nil {
			return err
		}
		event := ClickEvent{
			EventID:          uuid.NewString(),
			AdID:             input.AdID.String(),
			Type:             input.Type,
			CostChargedCents: charged,
			Path:             input.Path,
			Device:           input.Device,
			Location:         input.Location,
			MetadataJSON:     input.Metadata.String(),
			CreatedUnixUTC:   service.nowFn(),
		}
		if hasPayer {
			event.ClientID = payerID.String()
		}
		if err := transactionStore.InsertClickEvent(ctx, event); err != nil {
			return err
		}
		receipt = EventReceipt{Deducted: charged > 0, ChargedCents: charged}
		return nil
	})
	service.logOperation(requestContext, OperationLog{
		Operation: operationProcessEvent,
		AdID:      input.AdID.String(),
		Amount:    receipt.ChargedCents,
		Error:     operationError,
	})
	return receipt, operationError
}

// RegisterAdUnit syncs one advertisement into the ledger's counter table.
// Registration is idempotent; re-registering an existing ad is a no-op.
func (service *Service) RegisterAdUnit(ctx context.Context, adID AdID, clientID ClientID) error {
	operationError := service.store.UpsertAdUnit(ctx, adID, clientID)
	service.logOperation(ctx, OperationLog{
		Operation: operationRegisterAd,
		AdID:      adID.String(),
		ClientID:  clientID.String(),
		Error:     operationError,
	})
	return operationError
}

func resolvePayer(adUnit AdUnit, override *ClientID) (ClientID, bool) {
	if override != nil {
		return *override, true
	}
	ownerID, err := NewClientID(adUnit.ClientID)
	if err != nil {
		return ClientID{}, false
	}
	return ownerID, true
}
