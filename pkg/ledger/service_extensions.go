package ledger

import (
	"context"
	"fmt"
)

// CreateAccount registers a new account with a zero balance in pending status.
func (service *Service) CreateAccount(ctx context.Context, key AccountKey) (Account, error) {
	nowUnixUTC := service.nowFn()
	account := Account{
		Key:            key,
		Balance:        0,
		Status:         AccountStatusPending,
		CreatedUnixUTC: nowUnixUTC,
	}
	var operationError error
	if key.IsZero() {
		operationError = fmt.Errorf("%w: empty value", ErrInvalidAccountKey)
	} else {
		operationError = service.store.InsertAccount(ctx, account)
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationCreateAccount,
		AccountKey:     key,
		Error:          operationError,
		OccurredAtUnix: nowUnixUTC,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return account, nil
}

// DeleteAccount removes the account record.
func (service *Service) DeleteAccount(ctx context.Context, key AccountKey) error {
	operationError := service.store.DeleteAccount(ctx, key)
	service.logOperation(ctx, OperationLog{
		Operation:      operationDeleteAccount,
		AccountKey:     key,
		Error:          operationError,
		OccurredAtUnix: service.nowFn(),
	})
	return operationError
}

// Activate marks the account active until expiresAtUnixUTC (0 keeps no expiry).
func (service *Service) Activate(ctx context.Context, key AccountKey, expiresAtUnixUTC int64) error {
	operationError := service.store.UpdateAccountStatus(ctx, key, AccountStatusActive, expiresAtUnixUTC)
	service.logOperation(ctx, OperationLog{
		Operation:      operationActivate,
		AccountKey:     key,
		Metadata:       MetadataFrom(map[string]int64{"expires_at_unix_utc": expiresAtUnixUTC}),
		Error:          operationError,
		OccurredAtUnix: service.nowFn(),
	})
	return operationError
}

// Deactivate marks the account inactive while keeping its balance.
func (service *Service) Deactivate(ctx context.Context, key AccountKey) error {
	var operationError error
	account, err := service.store.GetAccount(ctx, key)
	if err != nil {
		operationError = err
	} else {
		operationError = service.store.UpdateAccountStatus(ctx, key, AccountStatusInactive, account.ExpiresAtUnixUTC)
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationDeactivate,
		AccountKey:     key,
		Error:          operationError,
		OccurredAtUnix: service.nowFn(),
	})
	return operationError
}

// SetPendingPlan records the in-flight checkout so a restarted flow resumes the same order.
func (service *Service) SetPendingPlan(ctx context.Context, key AccountKey, plan PendingPlan) error {
	operationError := plan.Validate()
	if operationError == nil {
		operationError = service.store.SetPendingPlan(ctx, key, plan)
	}
	service.logOperation(ctx, OperationLog{
		Operation:  operationSetPendingPlan,
		AccountKey: key,
		Amount:     plan.CreditsRequested,
		Metadata: MetadataFrom(map[string]any{
			"plan_id":     plan.PlanID,
			"order_id":    plan.OrderID,
			"price_minor": plan.PriceMinor,
		}),
		Error:          operationError,
		OccurredAtUnix: service.nowFn(),
	})
	return operationError
}

// ClearPendingPlan drops the pending plan if it still references orderID.
// A plan that already points at another order is left untouched and ErrPendingPlanMismatch is returned.
func (service *Service) ClearPendingPlan(ctx context.Context, key AccountKey, orderID string) error {
	operationError := service.store.ClearPendingPlan(ctx, key, orderID)
	service.logOperation(ctx, OperationLog{
		Operation:      operationClearPendingPlan,
		AccountKey:     key,
		Metadata:       MetadataFrom(map[string]string{"order_id": orderID}),
		Error:          operationError,
		OccurredAtUnix: service.nowFn(),
	})
	return operationError
}

// ExpireAccounts moves active accounts whose expiry has passed to inactive.
func (service *Service) ExpireAccounts(ctx context.Context) (int64, error) {
	nowUnixUTC := service.nowFn()
	expired, operationError := service.store.ExpireAccounts(ctx, nowUnixUTC)
	service.logOperation(ctx, OperationLog{
		Operation:      operationExpireAccounts,
		Metadata:       MetadataFrom(map[string]int64{"expired": expired}),
		Error:          operationError,
		OccurredAtUnix: nowUnixUTC,
	})
	return expired, operationError
}
