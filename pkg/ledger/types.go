package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
)

// Credits is a strictly positive amount of spendable credits.
type Credits int64

// Balance is a non-negative credit balance.
type Balance int64

// AccountKey identifies an account by its normalized email address.
type AccountKey struct {
	value string
}

// IdempotencyKey scopes duplicate grant detection.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// AccountStatus defines the membership lifecycle.
type AccountStatus string

const (
	AccountStatusPending  AccountStatus = "pending"
	AccountStatusActive   AccountStatus = "active"
	AccountStatusInactive AccountStatus = "inactive"
)

// PendingPlan tracks an unresolved checkout on the account record.
type PendingPlan struct {
	PlanID           string
	PriceMinor       int64
	CreditsRequested Credits
	OrderID          string
	GatewayToken     string
}

// Account is the persistent balance record.
type Account struct {
	Key              AccountKey
	Balance          Balance
	Status           AccountStatus
	ExpiresAtUnixUTC int64
	PendingPlan      *PendingPlan
	CreatedUnixUTC   int64
}

// GrantMarker is the durable record that an idempotency key has been applied.
type GrantMarker struct {
	IdempotencyKey IdempotencyKey
	AccountKey     AccountKey
	Credits        Credits
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// NewAccountKey validates and normalizes an email-based account key.
func NewAccountKey(raw string) (AccountKey, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return AccountKey{}, fmt.Errorf("%w: empty value", ErrInvalidAccountKey)
	}
	address, err := mail.ParseAddress(normalized)
	if err != nil || address.Address != normalized {
		return AccountKey{}, fmt.Errorf("%w: must be a bare email address", ErrInvalidAccountKey)
	}
	return AccountKey{value: normalized}, nil
}

// String returns the normalized key.
func (key AccountKey) String() string {
	return key.value
}

// IsZero reports whether the key was never initialized.
func (key AccountKey) IsZero() bool {
	return key.value == ""
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFrom marshals a value into metadata, falling back to "{}".
func MetadataFrom(value any) MetadataJSON {
	raw, err := json.Marshal(value)
	if err != nil || !json.Valid(raw) {
		return MetadataJSON{value: "{}"}
	}
	return MetadataJSON{value: string(raw)}
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewCredits validates an amount and ensures it is strictly positive.
func NewCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw credit count.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewBalance validates a stored balance.
func NewBalance(raw int64) (Balance, error) {
	if raw < 0 {
		return 0, WrapError(errorOperationService, errorSubjectAccount, errorCodeNegative, ErrInvalidBalance)
	}
	return Balance(raw), nil
}

// Int64 returns the raw balance.
func (balance Balance) Int64() int64 {
	return int64(balance)
}

// Covers reports whether the balance can pay for the amount.
func (balance Balance) Covers(amount Credits) bool {
	return balance.Int64() >= amount.Int64()
}

// ParseAccountStatus validates a stored status.
func ParseAccountStatus(raw string) (AccountStatus, error) {
	status := AccountStatus(strings.TrimSpace(raw))
	switch status {
	case AccountStatusPending, AccountStatusActive, AccountStatusInactive:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountStatus, raw)
	}
}

// String returns the status value.
func (status AccountStatus) String() string {
	return string(status)
}

// Validate checks that the pending plan is complete enough to resume an order.
func (plan PendingPlan) Validate() error {
	if strings.TrimSpace(plan.PlanID) == "" {
		return fmt.Errorf("%w: plan id is required", ErrInvalidPendingPlan)
	}
	if strings.TrimSpace(plan.OrderID) == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidPendingPlan)
	}
	if plan.CreditsRequested <= 0 {
		return fmt.Errorf("%w: credits must be greater than zero", ErrInvalidPendingPlan)
	}
	if plan.PriceMinor < 0 {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidPendingPlan)
	}
	return nil
}

// HasPendingOrder reports whether the account carries an unresolved checkout.
func (account Account) HasPendingOrder() bool {
	return account.PendingPlan != nil && account.PendingPlan.OrderID != ""
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	InsertAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, key AccountKey) (Account, error)
	DeleteAccount(ctx context.Context, key AccountKey) error
	InsertGrantMarker(ctx context.Context, marker GrantMarker) error
	IncrementBalance(ctx context.Context, key AccountKey, amount Credits) error
	// DecrementBalanceIfSufficient must be one conditional update: it returns
	// ErrInsufficientFunds without mutating when balance < amount.
	DecrementBalanceIfSufficient(ctx context.Context, key AccountKey, amount Credits) error
	UpdateAccountStatus(ctx context.Context, key AccountKey, status AccountStatus, expiresAtUnixUTC int64) error
	SetPendingPlan(ctx context.Context, key AccountKey, plan PendingPlan) error
	// ClearPendingPlan clears the plan only while it still references orderID.
	ClearPendingPlan(ctx context.Context, key AccountKey, orderID string) error
	ExpireAccounts(ctx context.Context, atUnixUTC int64) (int64, error)
}
