package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service is the only component allowed to mutate balances.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Grant credits the account unless idempotencyKey was already applied.
// It reports whether the balance actually changed; a replay returns false and no error.
func (service *Service) Grant(ctx context.Context, key AccountKey, amount Credits, idempotencyKey IdempotencyKey, metadata MetadataJSON) (bool, error) {
	nowUnixUTC := service.nowFn()
	operationError := validateMutation(key, amount)
	if operationError == nil && idempotencyKey.String() == "" {
		operationError = fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			marker := GrantMarker{
				IdempotencyKey: idempotencyKey,
				AccountKey:     key,
				Credits:        amount,
				Metadata:       metadata,
				CreatedUnixUTC: nowUnixUTC,
			}
			if err := transactionStore.InsertGrantMarker(ctx, marker); err != nil {
				if errors.Is(err, ErrDuplicateIdempotencyKey) {
					return ErrAlreadyApplied
				}
				return err
			}
			return transactionStore.IncrementBalance(ctx, key, amount)
		})
	}
	applied := operationError == nil
	status := ""
	if errors.Is(operationError, ErrAlreadyApplied) {
		operationError = nil
		status = operationStatusAlreadyApplied
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		AccountKey:     key,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Status:         status,
		Error:          operationError,
		OccurredAtUnix: nowUnixUTC,
	})
	return applied, operationError
}

// Deduct atomically checks balance >= amount and decrements it in one conditional update.
// Deduct carries no idempotency key: callers must not retry it when the outcome is unknown.
func (service *Service) Deduct(ctx context.Context, key AccountKey, amount Credits, metadata MetadataJSON) error {
	operationError := validateMutation(key, amount)
	if operationError == nil {
		operationError = service.store.DecrementBalanceIfSufficient(ctx, key, amount)
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationDeduct,
		AccountKey:     key,
		Amount:         amount,
		Metadata:       metadata,
		Error:          operationError,
		OccurredAtUnix: service.nowFn(),
	})
	return operationError
}

// Refund returns previously deducted credits after the paid operation failed.
func (service *Service) Refund(ctx context.Context, key AccountKey, amount Credits, metadata MetadataJSON) error {
	operationError := validateMutation(key, amount)
	if operationError == nil {
		operationError = service.store.IncrementBalance(ctx, key, amount)
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationRefund,
		AccountKey:     key,
		Amount:         amount,
		Metadata:       metadata,
		Error:          operationError,
		OccurredAtUnix: service.nowFn(),
	})
	return operationError
}

// GetAccount returns the stored account.
func (service *Service) GetAccount(ctx context.Context, key AccountKey) (Account, error) {
	if key.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidAccountKey)
	}
	return service.store.GetAccount(ctx, key)
}

// Now exposes the service clock so collaborators stamp records consistently.
func (service *Service) Now() int64 {
	return service.nowFn()
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

func validateMutation(key AccountKey, amount Credits) error {
	if key.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidAccountKey)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return nil
}
