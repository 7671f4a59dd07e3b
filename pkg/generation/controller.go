package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/keypool"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	reasonEmptyCredential  = "empty_credential"
	reasonAttemptsExceeded = "attempts_exhausted"
	reasonCursor           = "key_pool_unavailable"

	outcomeSuccess   = "success"
	outcomeTransient = "transient"
	outcomeTerminal  = "terminal"
	outcomeCancelled = "cancelled"
)

// Ledger is the subset of the ledger service the controller needs.
type Ledger interface {
	Deduct(ctx context.Context, key ledger.AccountKey, amount ledger.Credits, metadata ledger.MetadataJSON) error
	Refund(ctx context.Context, key ledger.AccountKey, amount ledger.Credits, metadata ledger.MetadataJSON) error
}

// KeyPool selects and rotates provider credentials.
type KeyPool interface {
	Active(ctx context.Context) (keypool.Credential, error)
	Rotate(ctx context.Context) (int, error)
}

// Provider performs one external generation call.
// Failures must be reported as *ProviderError so no provider-specific shape escapes.
type Provider interface {
	Generate(ctx context.Context, credential string, operation Operation, prompt string) (string, error)
}

// Observer receives attempt-level events (metrics).
type Observer interface {
	ObserveAttempt(operation string, outcome string)
	ObserveRotation(operation string)
	ObserveRefund(operation string)
}

// Result is returned for a successful metered call.
type Result struct {
	Operation       string
	Output          string
	Attempts        int
	CreditsCharged  ledger.Credits
	CredentialIndex int
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithObserver wires attempt-level callbacks.
func WithObserver(observer Observer) ControllerOption {
	return func(controller *Controller) {
		controller.observer = observer
	}
}

// WithBackoff waits between attempts.
func WithBackoff(delay time.Duration) ControllerOption {
	return func(controller *Controller) {
		controller.backoff = delay
	}
}

// Controller reserves credits, then drives a bounded retry loop with credential rotation.
type Controller struct {
	ledger   Ledger
	pool     KeyPool
	provider Provider
	catalog  Catalog
	observer Observer
	backoff  time.Duration
}

// NewController wires a Controller.
func NewController(ledgerService Ledger, pool KeyPool, provider Provider, catalog Catalog, options ...ControllerOption) (*Controller, error) {
	if ledgerService == nil || pool == nil || provider == nil {
		return nil, fmt.Errorf("%w: ledger, key pool and provider are required", ErrInvalidControllerConfig)
	}
	controller := &Controller{ledger: ledgerService, pool: pool, provider: provider, catalog: catalog}
	for _, option := range options {
		if option != nil {
			option(controller)
		}
	}
	return controller, nil
}

// Catalog exposes the configured operations.
func (controller *Controller) Catalog() Catalog {
	return controller.catalog
}

// Run charges the operation's cost before calling the provider and retries transient failures
// with rotated credentials up to the operation's attempt bound.
func (controller *Controller) Run(ctx context.Context, key ledger.AccountKey, operationName string, prompt string) (Result, error) {
	operation, err := controller.catalog.Lookup(operationName)
	if err != nil {
		return Result{}, err
	}
	reservationMetadata := ledger.MetadataFrom(map[string]string{"operation": operation.Name, "phase": "reserve"})
	if err := controller.ledger.Deduct(ctx, key, operation.Cost, reservationMetadata); err != nil {
		return Result{}, err
	}

	var lastFailure error
	for attempt := 1; attempt <= operation.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return Result{}, controller.settle(ctx, key, operation, ctx.Err(), true)
		}
		credential, err := controller.pool.Active(ctx)
		if err != nil {
			return Result{}, controller.settle(ctx, key, operation, Terminal(reasonCursor, err), false)
		}

		var callErr error
		if !credential.Configured() {
			callErr = Transient(reasonEmptyCredential, nil)
		} else {
			output, generateErr := controller.provider.Generate(ctx, credential.Value, operation, prompt)
			if generateErr == nil {
				controller.observeAttempt(operation.Name, outcomeSuccess)
				return Result{
					Operation:       operation.Name,
					Output:          output,
					Attempts:        attempt,
					CreditsCharged:  operation.Cost,
					CredentialIndex: credential.Index,
				}, nil
			}
			callErr = generateErr
		}

		if ctx.Err() != nil || errors.Is(callErr, context.Canceled) {
			controller.observeAttempt(operation.Name, outcomeCancelled)
			return Result{}, controller.settle(ctx, key, operation, callErr, true)
		}
		if Classify(callErr) == FailureTerminal {
			controller.observeAttempt(operation.Name, outcomeTerminal)
			return Result{}, controller.settle(ctx, key, operation, callErr, false)
		}

		controller.observeAttempt(operation.Name, outcomeTransient)
		lastFailure = callErr
		if _, rotateErr := controller.pool.Rotate(ctx); rotateErr != nil {
			return Result{}, controller.settle(ctx, key, operation, Terminal(reasonCursor, rotateErr), false)
		}
		if controller.observer != nil {
			controller.observer.ObserveRotation(operation.Name)
		}
		if attempt < operation.MaxAttempts {
			if err := controller.wait(ctx); err != nil {
				return Result{}, controller.settle(ctx, key, operation, err, true)
			}
		}
	}

	exhausted := Terminal(reasonAttemptsExceeded, fmt.Errorf("%d attempts: %w", operation.MaxAttempts, causeOf(lastFailure)))
	return Result{}, controller.settle(ctx, key, operation, exhausted, false)
}

// settle applies the operation's declared refund policy and returns the surfaced error.
func (controller *Controller) settle(ctx context.Context, key ledger.AccountKey, operation Operation, failure error, cancelled bool) error {
	refund := operation.OnFailure == RefundOnFailure
	if cancelled {
		refund = operation.RefundOnCancel
	}
	if !refund {
		return failure
	}
	refundMetadata := ledger.MetadataFrom(map[string]string{"operation": operation.Name, "phase": "refund", "cause": failure.Error()})
	if err := controller.ledger.Refund(context.WithoutCancel(ctx), key, operation.Cost, refundMetadata); err != nil {
		return errors.Join(failure, fmt.Errorf("refund %s: %w", operation.Name, err))
	}
	if controller.observer != nil {
		controller.observer.ObserveRefund(operation.Name)
	}
	return failure
}

func (controller *Controller) wait(ctx context.Context) error {
	if controller.backoff <= 0 {
		return nil
	}
	timer := time.NewTimer(controller.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (controller *Controller) observeAttempt(operation string, outcome string) {
	if controller.observer != nil {
		controller.observer.ObserveAttempt(operation, outcome)
	}
}
