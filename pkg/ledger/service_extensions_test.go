package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestCreateAccountStartsPendingWithZeroBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	key := mustAccountKey(test, accountKeyValue)

	account, err := service.CreateAccount(context.Background(), key)
	if err != nil {
		test.Fatalf("create account: %v", err)
	}
	if account.Status != AccountStatusPending || account.Balance != 0 || account.CreatedUnixUTC != 100 {
		test.Fatalf("unexpected account: %+v", account)
	}
	if _, err := service.CreateAccount(context.Background(), key); !errors.Is(err, ErrAccountExists) {
		test.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestActivateDeactivateAndExpire(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	key := mustAccountKey(test, accountKeyValue)
	store.seedAccount(test, key, 0, AccountStatusPending)
	service := mustNewService(test, store)

	if err := service.Activate(context.Background(), key, 50); err != nil {
		test.Fatalf("activate: %v", err)
	}
	account, err := service.GetAccount(context.Background(), key)
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if account.Status != AccountStatusActive || account.ExpiresAtUnixUTC != 50 {
		test.Fatalf("unexpected account after activate: %+v", account)
	}

	expired, err := service.ExpireAccounts(context.Background())
	if err != nil {
		test.Fatalf("expire accounts: %v", err)
	}
	if expired != 1 {
		test.Fatalf("expected one expired account, got %d", expired)
	}

	if err := service.Activate(context.Background(), key, 0); err != nil {
		test.Fatalf("reactivate: %v", err)
	}
	if err := service.Deactivate(context.Background(), key); err != nil {
		test.Fatalf("deactivate: %v", err)
	}
	account, _ = service.GetAccount(context.Background(), key)
	if account.Status != AccountStatusInactive {
		test.Fatalf("expected inactive account, got %s", account.Status)
	}
}

func TestPendingPlanLifecycle(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	key := mustAccountKey(test, accountKeyValue)
	store.seedAccount(test, key, 0, AccountStatusPending)
	service := mustNewService(test, store)
	plan := PendingPlan{PlanID: "starter", PriceMinor: 50000, CreditsRequested: 1000, OrderID: "O5"}

	if err := service.SetPendingPlan(context.Background(), key, plan); err != nil {
		test.Fatalf("set pending plan: %v", err)
	}
	account, _ := service.GetAccount(context.Background(), key)
	if !account.HasPendingOrder() || account.PendingPlan.OrderID != "O5" {
		test.Fatalf("expected pending order O5, got %+v", account.PendingPlan)
	}
	if err := service.ClearPendingPlan(context.Background(), key, "O6"); !errors.Is(err, ErrPendingPlanMismatch) {
		test.Fatalf("expected ErrPendingPlanMismatch, got %v", err)
	}
	if err := service.ClearPendingPlan(context.Background(), key, "O5"); err != nil {
		test.Fatalf("clear pending plan: %v", err)
	}
	account, _ = service.GetAccount(context.Background(), key)
	if account.HasPendingOrder() {
		test.Fatalf("expected pending plan cleared, got %+v", account.PendingPlan)
	}
	if err := service.SetPendingPlan(context.Background(), key, PendingPlan{PlanID: "starter"}); !errors.Is(err, ErrInvalidPendingPlan) {
		test.Fatalf("expected ErrInvalidPendingPlan, got %v", err)
	}
}

func TestDeleteAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	key := mustAccountKey(test, accountKeyValue)
	store.seedAccount(test, key, 10, AccountStatusActive)
	service := mustNewService(test, store)

	if err := service.DeleteAccount(context.Background(), key); err != nil {
		test.Fatalf("delete: %v", err)
	}
	if _, err := service.GetAccount(context.Background(), key); !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
