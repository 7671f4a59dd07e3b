package checkout

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

type memoryOrderStore struct {
	mutex  sync.Mutex
	orders map[string]PaymentOrder
}

func newMemoryOrderStore() *memoryOrderStore {
	return &memoryOrderStore{orders: map[string]PaymentOrder{}}
}

func (store *memoryOrderStore) CreateOrder(_ context.Context, order PaymentOrder) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.orders[order.OrderID]; exists {
		return errors.New("duplicate order")
	}
	store.orders[order.OrderID] = order
	return nil
}

func (store *memoryOrderStore) GetOrder(_ context.Context, orderID string) (PaymentOrder, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	order, ok := store.orders[orderID]
	if !ok {
		return PaymentOrder{}, ErrOrderNotFound
	}
	return order, nil
}

func (store *memoryOrderStore) TransitionOrder(_ context.Context, orderID string, from []OrderStatus, to OrderStatus, updatedUnixUTC int64) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	order, ok := store.orders[orderID]
	if !ok {
		return false, ErrOrderNotFound
	}
	for _, status := range from {
		if order.Status == status {
			order.Status = to
			order.UpdatedUnixUTC = updatedUnixUTC
			store.orders[orderID] = order
			return true, nil
		}
	}
	return false, nil
}

func (store *memoryOrderStore) SetOrderToken(_ context.Context, orderID string, token string, updatedUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	order, ok := store.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	order.Token = token
	order.UpdatedUnixUTC = updatedUnixUTC
	store.orders[orderID] = order
	return nil
}

func (store *memoryOrderStore) ListOrdersByStatus(_ context.Context, statuses []OrderStatus, updatedBeforeUnixUTC int64, limit int) ([]PaymentOrder, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var orders []PaymentOrder
	for _, order := range store.orders {
		matches := false
		for _, status := range statuses {
			matches = matches || order.Status == status
		}
		if !matches || (updatedBeforeUnixUTC > 0 && order.UpdatedUnixUTC >= updatedBeforeUnixUTC) {
			continue
		}
		orders = append(orders, order)
	}
	sort.Slice(orders, func(left, right int) bool { return orders[left].OrderID < orders[right].OrderID })
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (store *memoryOrderStore) ListOrdersAfter(_ context.Context, statuses []OrderStatus, afterOrderID string, limit int) ([]PaymentOrder, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var orders []PaymentOrder
	for _, order := range store.orders {
		matches := false
		for _, status := range statuses {
			matches = matches || order.Status == status
		}
		if matches && order.OrderID > afterOrderID {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(left, right int) bool { return orders[left].OrderID < orders[right].OrderID })
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (store *memoryOrderStore) status(test *testing.T, orderID string) OrderStatus {
	test.Helper()
	order, err := store.GetOrder(context.Background(), orderID)
	if err != nil {
		test.Fatalf("get order %s: %v", orderID, err)
	}
	return order.Status
}

type memoryLedger struct {
	mutex    sync.Mutex
	accounts map[ledger.AccountKey]ledger.Account
	applied  map[string]bool
	grants   int

	activateFailures int
	activations      int
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{accounts: map[ledger.AccountKey]ledger.Account{}, applied: map[string]bool{}}
}

func (fake *memoryLedger) seed(key ledger.AccountKey, balance int64) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.accounts[key] = ledger.Account{Key: key, Balance: ledger.Balance(balance), Status: ledger.AccountStatusPending}
}

func (fake *memoryLedger) GetAccount(_ context.Context, key ledger.AccountKey) (ledger.Account, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	account, ok := fake.accounts[key]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return account, nil
}

func (fake *memoryLedger) Grant(_ context.Context, key ledger.AccountKey, amount ledger.Credits, idempotencyKey ledger.IdempotencyKey, _ ledger.MetadataJSON) (bool, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	account, ok := fake.accounts[key]
	if !ok {
		return false, ledger.ErrAccountNotFound
	}
	if fake.applied[idempotencyKey.String()] {
		return false, nil
	}
	fake.applied[idempotencyKey.String()] = true
	account.Balance += ledger.Balance(amount)
	fake.accounts[key] = account
	fake.grants++
	return true, nil
}

func (fake *memoryLedger) Activate(_ context.Context, key ledger.AccountKey, expiresAtUnixUTC int64) error {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	if fake.activateFailures > 0 {
		fake.activateFailures--
		return ledger.Unavailable(errors.New("activate failed"))
	}
	fake.activations++
	account, ok := fake.accounts[key]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	account.Status = ledger.AccountStatusActive
	account.ExpiresAtUnixUTC = expiresAtUnixUTC
	fake.accounts[key] = account
	return nil
}

func (fake *memoryLedger) SetPendingPlan(_ context.Context, key ledger.AccountKey, plan ledger.PendingPlan) error {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	account, ok := fake.accounts[key]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	account.PendingPlan = &plan
	fake.accounts[key] = account
	return nil
}

func (fake *memoryLedger) ClearPendingPlan(_ context.Context, key ledger.AccountKey, orderID string) error {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	account, ok := fake.accounts[key]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if account.PendingPlan == nil {
		return nil
	}
	if account.PendingPlan.OrderID != orderID {
		return ledger.ErrPendingPlanMismatch
	}
	account.PendingPlan = nil
	fake.accounts[key] = account
	return nil
}

type scriptedGateway struct {
	mutex         sync.Mutex
	verifications map[string]Verification
	createError   error
	verifyError   error
	created       []GatewayOrder
	verified      []string
}

func (gateway *scriptedGateway) CreateOrder(_ context.Context, order GatewayOrder) (string, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if gateway.createError != nil {
		return "", gateway.createError
	}
	gateway.created = append(gateway.created, order)
	return "token-" + order.OrderID, nil
}

func (gateway *scriptedGateway) VerifyOrder(_ context.Context, orderID string) (Verification, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if gateway.verifyError != nil {
		return Verification{}, gateway.verifyError
	}
	gateway.verified = append(gateway.verified, orderID)
	return gateway.verifications[orderID], nil
}

func (gateway *scriptedGateway) setVerification(orderID string, verification Verification) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if gateway.verifications == nil {
		gateway.verifications = map[string]Verification{}
	}
	gateway.verifications[orderID] = verification
}

type trackerFixture struct {
	tracker *Tracker
	store   *memoryOrderStore
	ledger  *memoryLedger
	gateway *scriptedGateway
	key     ledger.AccountKey
	now     int64
}

func newTrackerFixture(test *testing.T) *trackerFixture {
	test.Helper()
	plans, err := NewPlanCatalog(
		Plan{ID: "starter", PriceMinor: 50000, Credits: 1000, DurationDays: 30},
		Plan{ID: "refill", PriceMinor: 10000, Credits: 100},
	)
	if err != nil {
		test.Fatalf("plans: %v", err)
	}
	key, err := ledger.NewAccountKey("buyer@example.com")
	if err != nil {
		test.Fatalf("account key: %v", err)
	}
	fixture := &trackerFixture{
		store:   newMemoryOrderStore(),
		ledger:  newMemoryLedger(),
		gateway: &scriptedGateway{},
		key:     key,
		now:     1_000_000,
	}
	fixture.ledger.seed(key, 0)
	sequence := 0
	tracker, err := NewTracker(fixture.store, fixture.ledger, fixture.gateway, plans,
		func() int64 { return fixture.now },
		WithOrderIDGenerator(func() string {
			sequence++
			return "O" + string(rune('0'+sequence))
		}),
	)
	if err != nil {
		test.Fatalf("tracker: %v", err)
	}
	fixture.tracker = tracker
	return fixture
}

func (fixture *trackerFixture) account(test *testing.T) ledger.Account {
	test.Helper()
	account, err := fixture.ledger.GetAccount(context.Background(), fixture.key)
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	return account
}
