// Package checkout tracks gateway payment orders from creation to the single
// ledger grant that applies them, and reconciles orders whose callback never arrived.
package checkout

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const secondsPerDay = 24 * 60 * 60

// OrderStatus is the lifecycle state of a payment order.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "created"
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	OrderStatusPaid            OrderStatus = "paid"
	OrderStatusApplied         OrderStatus = "applied"
	OrderStatusAbandoned       OrderStatus = "abandoned"
)

// ParseOrderStatus validates a stored status.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.TrimSpace(raw))
	switch status {
	case OrderStatusCreated, OrderStatusAwaitingPayment, OrderStatusPaid, OrderStatusApplied, OrderStatusAbandoned:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidOrderTransition, raw)
	}
}

// Open reports whether the order can still be paid or abandoned.
func (status OrderStatus) Open() bool {
	return status == OrderStatusCreated || status == OrderStatusAwaitingPayment
}

// Outcome is the client-delivered gateway signal.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePending Outcome = "pending"
	OutcomeClosed  Outcome = "closed"
)

// ParseOutcome validates a callback outcome.
func ParseOutcome(raw string) (Outcome, error) {
	outcome := Outcome(strings.ToLower(strings.TrimSpace(raw)))
	switch outcome {
	case OutcomeSuccess, OutcomePending, OutcomeClosed:
		return outcome, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, raw)
	}
}

// Plan is a purchasable credit package.
type Plan struct {
	ID           string         `mapstructure:"id" json:"id"`
	PriceMinor   int64          `mapstructure:"price_minor" json:"price_minor"`
	Credits      ledger.Credits `mapstructure:"credits" json:"credits"`
	DurationDays int            `mapstructure:"duration_days" json:"duration_days"`
}

// Validate checks the plan is purchasable.
func (plan Plan) Validate() error {
	if strings.TrimSpace(plan.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPlan)
	}
	if plan.Credits <= 0 {
		return fmt.Errorf("%w: %s credits must be greater than zero", ErrInvalidPlan, plan.ID)
	}
	if plan.PriceMinor <= 0 {
		return fmt.Errorf("%w: %s price must be greater than zero", ErrInvalidPlan, plan.ID)
	}
	if plan.DurationDays < 0 {
		return fmt.Errorf("%w: %s duration must not be negative", ErrInvalidPlan, plan.ID)
	}
	return nil
}

// ExpiresAt returns the activation expiry for a plan applied at nowUnixUTC, or 0 without a duration.
func (plan Plan) ExpiresAt(nowUnixUTC int64) int64 {
	if plan.DurationDays <= 0 {
		return 0
	}
	return nowUnixUTC + int64(plan.DurationDays)*secondsPerDay
}

// PlanCatalog indexes plans by id.
type PlanCatalog struct {
	plans map[string]Plan
	order []string
}

// NewPlanCatalog validates and indexes plans.
func NewPlanCatalog(plans ...Plan) (PlanCatalog, error) {
	catalog := PlanCatalog{plans: make(map[string]Plan, len(plans))}
	for _, plan := range plans {
		if err := plan.Validate(); err != nil {
			return PlanCatalog{}, err
		}
		if _, exists := catalog.plans[plan.ID]; exists {
			return PlanCatalog{}, fmt.Errorf("%w: duplicate plan %s", ErrInvalidPlan, plan.ID)
		}
		catalog.plans[plan.ID] = plan
		catalog.order = append(catalog.order, plan.ID)
	}
	return catalog, nil
}

// Lookup returns the plan with the given id.
func (catalog PlanCatalog) Lookup(planID string) (Plan, error) {
	plan, ok := catalog.plans[strings.TrimSpace(planID)]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}
	return plan, nil
}

// ActivationSeconds reports how long the plan activates an account.
func (catalog PlanCatalog) ActivationSeconds(planID string) (int64, bool) {
	plan, ok := catalog.plans[strings.TrimSpace(planID)]
	if !ok || plan.DurationDays <= 0 {
		return 0, false
	}
	return int64(plan.DurationDays) * secondsPerDay, true
}

// Plans lists plans in declaration order.
func (catalog PlanCatalog) Plans() []Plan {
	plans := make([]Plan, 0, len(catalog.order))
	for _, planID := range catalog.order {
		plans = append(plans, catalog.plans[planID])
	}
	return plans
}

// PaymentOrder is one checkout attempt. OrderID is the grant idempotency key.
type PaymentOrder struct {
	OrderID        string
	AccountKey     ledger.AccountKey
	PlanID         string
	Credits        ledger.Credits
	PriceMinor     int64
	Token          string
	Status         OrderStatus
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// GatewayOrder is what the gateway needs to mint a payment token.
type GatewayOrder struct {
	OrderID     string
	AmountMinor int64
	PayerEmail  string
}

// Verification is the gateway's view of an order.
type Verification struct {
	Paid      bool
	Closed    bool
	RawStatus string
}

// Gateway is the payment provider client protocol.
type Gateway interface {
	CreateOrder(ctx context.Context, order GatewayOrder) (string, error)
	VerifyOrder(ctx context.Context, orderID string) (Verification, error)
}

// Store persists payment orders.
type Store interface {
	CreateOrder(ctx context.Context, order PaymentOrder) error
	GetOrder(ctx context.Context, orderID string) (PaymentOrder, error)
	// TransitionOrder moves the order to `to` only while its status is one of `from`.
	// It reports whether a row changed.
	TransitionOrder(ctx context.Context, orderID string, from []OrderStatus, to OrderStatus, updatedUnixUTC int64) (bool, error)
	SetOrderToken(ctx context.Context, orderID string, token string, updatedUnixUTC int64) error
	// ListOrdersByStatus ignores updatedBeforeUnixUTC when it is zero.
	ListOrdersByStatus(ctx context.Context, statuses []OrderStatus, updatedBeforeUnixUTC int64, limit int) ([]PaymentOrder, error)
	// ListOrdersAfter returns orders with ids greater than afterOrderID, ordered by id.
	ListOrdersAfter(ctx context.Context, statuses []OrderStatus, afterOrderID string, limit int) ([]PaymentOrder, error)
}

// Ledger is the subset of the ledger engine the tracker drives.
type Ledger interface {
	GetAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, error)
	Grant(ctx context.Context, key ledger.AccountKey, amount ledger.Credits, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (bool, error)
	Activate(ctx context.Context, key ledger.AccountKey, expiresAtUnixUTC int64) error
	SetPendingPlan(ctx context.Context, key ledger.AccountKey, plan ledger.PendingPlan) error
	ClearPendingPlan(ctx context.Context, key ledger.AccountKey, orderID string) error
}

// SweepSummary counts what a reconciliation sweep did.
type SweepSummary struct {
	Checked   int `json:"checked"`
	Applied   int `json:"applied"`
	Abandoned int `json:"abandoned"`
	Failed    int `json:"failed"`
}
