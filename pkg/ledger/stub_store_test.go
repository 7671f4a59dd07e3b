package ledger

import (
	"context"
	"sync"
	"testing"
)

type stubStore struct {
	txMutex sync.Mutex
	mutex   sync.Mutex

	accounts map[AccountKey]Account
	markers  map[IdempotencyKey]GrantMarker

	insertAccountError   error
	getAccountError      error
	insertMarkerError    error
	incrementError       error
	decrementError       error
	updateStatusError    error
	setPendingPlanError  error
	clearPendingPlanErr  error
	expireAccountsError  error
	decrementCalls       int
	incrementCalls       int
	rollbacks            int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts: map[AccountKey]Account{},
		markers:  map[IdempotencyKey]GrantMarker{},
	}
}

func (store *stubStore) seedAccount(test *testing.T, key AccountKey, balance int64, status AccountStatus) {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.accounts[key] = Account{Key: key, Balance: Balance(balance), Status: status}
}

func (store *stubStore) balanceOf(test *testing.T, key AccountKey) int64 {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, ok := store.accounts[key]
	if !ok {
		test.Fatalf("account %s not found", key.String())
	}
	return account.Balance.Int64()
}

// WithTx serializes transactions and restores the snapshot when fn fails.
func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMutex.Lock()
	defer store.txMutex.Unlock()

	store.mutex.Lock()
	accountsSnapshot := make(map[AccountKey]Account, len(store.accounts))
	for key, account := range store.accounts {
		accountsSnapshot[key] = account
	}
	markersSnapshot := make(map[IdempotencyKey]GrantMarker, len(store.markers))
	for key, marker := range store.markers {
		markersSnapshot[key] = marker
	}
	store.mutex.Unlock()

	if err := fn(ctx, store); err != nil {
		store.mutex.Lock()
		store.accounts = accountsSnapshot
		store.markers = markersSnapshot
		store.rollbacks++
		store.mutex.Unlock()
		return err
	}
	return nil
}

func (store *stubStore) InsertAccount(ctx context.Context, account Account) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.insertAccountError != nil {
		return store.insertAccountError
	}
	if _, exists := store.accounts[account.Key]; exists {
		return ErrAccountExists
	}
	store.accounts[account.Key] = account
	return nil
}

func (store *stubStore) GetAccount(ctx context.Context, key AccountKey) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[key]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) DeleteAccount(ctx context.Context, key AccountKey) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, ok := store.accounts[key]; !ok {
		return ErrAccountNotFound
	}
	delete(store.accounts, key)
	return nil
}

func (store *stubStore) InsertGrantMarker(ctx context.Context, marker GrantMarker) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.insertMarkerError != nil {
		return store.insertMarkerError
	}
	if _, exists := store.markers[marker.IdempotencyKey]; exists {
		return WrapError("store", "grant", "duplicate", ErrDuplicateIdempotencyKey)
	}
	store.markers[marker.IdempotencyKey] = marker
	return nil
}

func (store *stubStore) IncrementBalance(ctx context.Context, key AccountKey, amount Credits) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.incrementCalls++
	if store.incrementError != nil {
		return store.incrementError
	}
	account, ok := store.accounts[key]
	if !ok {
		return ErrAccountNotFound
	}
	account.Balance += Balance(amount)
	store.accounts[key] = account
	return nil
}

func (store *stubStore) DecrementBalanceIfSufficient(ctx context.Context, key AccountKey, amount Credits) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.decrementCalls++
	if store.decrementError != nil {
		return store.decrementError
	}
	account, ok := store.accounts[key]
	if !ok {
		return ErrAccountNotFound
	}
	if !account.Balance.Covers(amount) {
		return ErrInsufficientFunds
	}
	account.Balance -= Balance(amount)
	store.accounts[key] = account
	return nil
}

func (store *stubStore) UpdateAccountStatus(ctx context.Context, key AccountKey, status AccountStatus, expiresAtUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.updateStatusError != nil {
		return store.updateStatusError
	}
	account, ok := store.accounts[key]
	if !ok {
		return ErrAccountNotFound
	}
	account.Status = status
	account.ExpiresAtUnixUTC = expiresAtUnixUTC
	store.accounts[key] = account
	return nil
}

func (store *stubStore) SetPendingPlan(ctx context.Context, key AccountKey, plan PendingPlan) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.setPendingPlanError != nil {
		return store.setPendingPlanError
	}
	account, ok := store.accounts[key]
	if !ok {
		return ErrAccountNotFound
	}
	planCopy := plan
	account.PendingPlan = &planCopy
	store.accounts[key] = account
	return nil
}

func (store *stubStore) ClearPendingPlan(ctx context.Context, key AccountKey, orderID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.clearPendingPlanErr != nil {
		return store.clearPendingPlanErr
	}
	account, ok := store.accounts[key]
	if !ok {
		return ErrAccountNotFound
	}
	if account.PendingPlan == nil {
		return nil
	}
	if account.PendingPlan.OrderID != orderID {
		return ErrPendingPlanMismatch
	}
	account.PendingPlan = nil
	store.accounts[key] = account
	return nil
}

func (store *stubStore) ExpireAccounts(ctx context.Context, atUnixUTC int64) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.expireAccountsError != nil {
		return 0, store.expireAccountsError
	}
	var expired int64
	for key, account := range store.accounts {
		if account.Status == AccountStatusActive && account.ExpiresAtUnixUTC != 0 && account.ExpiresAtUnixUTC <= atUnixUTC {
			account.Status = AccountStatusInactive
			store.accounts[key] = account
			expired++
		}
	}
	return expired, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustAccountKey(test *testing.T, raw string) AccountKey {
	test.Helper()
	value, err := NewAccountKey(raw)
	if err != nil {
		test.Fatalf("account key: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustCredits(test *testing.T, raw int64) Credits {
	test.Helper()
	value, err := NewCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}
