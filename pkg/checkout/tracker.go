package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const defaultSweepLimit = 100

var (
	openStatuses      = []OrderStatus{OrderStatusCreated, OrderStatusAwaitingPayment}
	reconcileStatuses = []OrderStatus{OrderStatusAwaitingPayment, OrderStatusPaid}
)

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) TrackerOption {
	return func(tracker *Tracker) {
		if logger != nil {
			tracker.logger = logger
		}
	}
}

// WithOrderIDGenerator overrides how order ids are minted.
func WithOrderIDGenerator(generate func() string) TrackerOption {
	return func(tracker *Tracker) {
		if generate != nil {
			tracker.newOrderID = generate
		}
	}
}

// Tracker drives the payment order state machine.
type Tracker struct {
	store      Store
	ledger     Ledger
	gateway    Gateway
	plans      PlanCatalog
	nowFn      func() int64
	newOrderID func() string
	logger     *zap.Logger

	sweepMutex  sync.Mutex
	sweepCursor string
}

// NewTracker wires a Tracker.
func NewTracker(store Store, ledgerService Ledger, gateway Gateway, plans PlanCatalog, now func() int64, options ...TrackerOption) (*Tracker, error) {
	if store == nil || ledgerService == nil || gateway == nil {
		return nil, fmt.Errorf("%w: store, ledger and gateway are required", ErrInvalidTrackerConfig)
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	tracker := &Tracker{
		store:      store,
		ledger:     ledgerService,
		gateway:    gateway,
		plans:      plans,
		nowFn:      now,
		newOrderID: uuid.NewString,
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(tracker)
		}
	}
	return tracker, nil
}

// Plans returns the purchasable plans.
func (tracker *Tracker) Plans() PlanCatalog {
	return tracker.plans
}

// CreateOrder starts a checkout, or resumes the account's unresolved order for the same plan.
// An open order for another plan is abandoned first.
// The order and the pending plan are persisted before the gateway is contacted.
func (tracker *Tracker) CreateOrder(ctx context.Context, key ledger.AccountKey, planID string) (PaymentOrder, error) {
	plan, err := tracker.plans.Lookup(planID)
	if err != nil {
		return PaymentOrder{}, err
	}
	account, err := tracker.ledger.GetAccount(ctx, key)
	if err != nil {
		return PaymentOrder{}, err
	}
	if account.HasPendingOrder() {
		resumed, resumable, err := tracker.resumeOrder(ctx, account.PendingPlan.OrderID, plan.ID)
		if err != nil {
			return PaymentOrder{}, err
		}
		if resumable {
			return resumed, nil
		}
	}

	nowUnixUTC := tracker.nowFn()
	order := PaymentOrder{
		OrderID:        tracker.newOrderID(),
		AccountKey:     key,
		PlanID:         plan.ID,
		Credits:        plan.Credits,
		PriceMinor:     plan.PriceMinor,
		Status:         OrderStatusCreated,
		CreatedUnixUTC: nowUnixUTC,
		UpdatedUnixUTC: nowUnixUTC,
	}
	if err := tracker.store.CreateOrder(ctx, order); err != nil {
		return PaymentOrder{}, err
	}
	pendingPlan := ledger.PendingPlan{
		PlanID:           plan.ID,
		PriceMinor:       plan.PriceMinor,
		CreditsRequested: plan.Credits,
		OrderID:          order.OrderID,
	}
	if err := tracker.ledger.SetPendingPlan(ctx, key, pendingPlan); err != nil {
		return PaymentOrder{}, err
	}
	return tracker.requestToken(ctx, order, pendingPlan)
}

// resumeOrder returns the pending order when it still awaits payment for planID.
// Orders that were paid but never fully applied are applied on the way.
func (tracker *Tracker) resumeOrder(ctx context.Context, orderID string, planID string) (PaymentOrder, bool, error) {
	order, err := tracker.store.GetOrder(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return PaymentOrder{}, false, nil
	}
	if err != nil {
		return PaymentOrder{}, false, err
	}
	switch {
	case order.Status.Open() && order.PlanID != planID:
		tracker.logger.Info("replacing open order for another plan", zap.String("order_id", order.OrderID), zap.String("plan_id", order.PlanID), zap.String("requested_plan_id", planID))
		if _, err := tracker.abandonAfterCheck(ctx, order); err != nil {
			return PaymentOrder{}, false, err
		}
	case order.Status.Open() && order.Token != "":
		return order, true, nil
	case order.Status.Open():
		plan := ledger.PendingPlan{PlanID: order.PlanID, PriceMinor: order.PriceMinor, CreditsRequested: order.Credits, OrderID: order.OrderID}
		resumed, err := tracker.requestToken(ctx, order, plan)
		return resumed, err == nil, err
	case order.Status == OrderStatusPaid || order.Status == OrderStatusApplied:
		if _, err := tracker.apply(ctx, order); err != nil {
			return PaymentOrder{}, false, err
		}
	}
	return PaymentOrder{}, false, nil
}

func (tracker *Tracker) requestToken(ctx context.Context, order PaymentOrder, pendingPlan ledger.PendingPlan) (PaymentOrder, error) {
	token, err := tracker.gateway.CreateOrder(ctx, GatewayOrder{
		OrderID:     order.OrderID,
		AmountMinor: order.PriceMinor,
		PayerEmail:  order.AccountKey.String(),
	})
	if err != nil {
		tracker.logger.Warn("gateway token request failed", zap.String("order_id", order.OrderID), zap.Error(err))
		return PaymentOrder{}, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
	nowUnixUTC := tracker.nowFn()
	if err := tracker.store.SetOrderToken(ctx, order.OrderID, token, nowUnixUTC); err != nil {
		return PaymentOrder{}, err
	}
	if _, err := tracker.store.TransitionOrder(ctx, order.OrderID, []OrderStatus{OrderStatusCreated}, OrderStatusAwaitingPayment, nowUnixUTC); err != nil {
		return PaymentOrder{}, err
	}
	pendingPlan.GatewayToken = token
	if err := tracker.ledger.SetPendingPlan(ctx, order.AccountKey, pendingPlan); err != nil {
		return PaymentOrder{}, err
	}
	return tracker.store.GetOrder(ctx, order.OrderID)
}

// Order returns the stored order.
func (tracker *Tracker) Order(ctx context.Context, orderID string) (PaymentOrder, error) {
	return tracker.store.GetOrder(ctx, orderID)
}

// OnGatewayOutcome handles the client-delivered gateway signal. Delivery is not exactly-once;
// grant idempotency keyed by the order id absorbs duplicates.
func (tracker *Tracker) OnGatewayOutcome(ctx context.Context, orderID string, outcome Outcome) (PaymentOrder, error) {
	order, err := tracker.store.GetOrder(ctx, orderID)
	if err != nil {
		return PaymentOrder{}, err
	}
	switch outcome {
	case OutcomeSuccess:
		return tracker.apply(ctx, order)
	case OutcomePending:
		return order, nil
	case OutcomeClosed:
		return tracker.abandon(ctx, order)
	default:
		return PaymentOrder{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
}

// VerifyAndReconcile asks the gateway for the order's true state and converges on it.
func (tracker *Tracker) VerifyAndReconcile(ctx context.Context, orderID string) (PaymentOrder, error) {
	order, err := tracker.store.GetOrder(ctx, orderID)
	if err != nil {
		return PaymentOrder{}, err
	}
	switch order.Status {
	case OrderStatusAbandoned:
		return order, nil
	case OrderStatusPaid, OrderStatusApplied:
		return tracker.apply(ctx, order)
	}
	if order.Token == "" {
		return order, nil
	}
	verification, err := tracker.gateway.VerifyOrder(ctx, orderID)
	if err != nil {
		return PaymentOrder{}, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
	switch {
	case verification.Paid:
		return tracker.apply(ctx, order)
	case verification.Closed:
		tracker.logger.Info("gateway closed order", zap.String("order_id", orderID), zap.String("gateway_status", verification.RawStatus))
		return tracker.abandon(ctx, order)
	default:
		return order, nil
	}
}

// ReconcileAccount settles the account's pending order, if any, and returns the refreshed account.
// Gateway failures are logged and leave the order for the next reconciliation.
func (tracker *Tracker) ReconcileAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, error) {
	account, err := tracker.ledger.GetAccount(ctx, key)
	if err != nil {
		return ledger.Account{}, err
	}
	if !account.HasPendingOrder() {
		return account, nil
	}
	orderID := account.PendingPlan.OrderID
	_, err = tracker.VerifyAndReconcile(ctx, orderID)
	switch {
	case errors.Is(err, ErrOrderNotFound):
		tracker.logger.Warn("pending plan references unknown order", zap.String("order_id", orderID))
		if clearErr := tracker.ledger.ClearPendingPlan(ctx, key, orderID); clearErr != nil && !errors.Is(clearErr, ledger.ErrPendingPlanMismatch) {
			return ledger.Account{}, clearErr
		}
	case errors.Is(err, ErrGatewayUnavailable):
		tracker.logger.Warn("account reconciliation deferred", zap.String("order_id", orderID), zap.Error(err))
	case err != nil:
		return ledger.Account{}, err
	}
	return tracker.ledger.GetAccount(ctx, key)
}

// ReconcileOpenOrders verifies orders awaiting payment or paid but not applied.
// Consecutive sweeps page through the backlog by order id and wrap around at the end.
func (tracker *Tracker) ReconcileOpenOrders(ctx context.Context, limit int) (SweepSummary, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	tracker.sweepMutex.Lock()
	defer tracker.sweepMutex.Unlock()
	orders, err := tracker.store.ListOrdersAfter(ctx, reconcileStatuses, tracker.sweepCursor, limit)
	if err != nil {
		return SweepSummary{}, err
	}
	if len(orders) < limit {
		tracker.sweepCursor = ""
	} else {
		tracker.sweepCursor = orders[len(orders)-1].OrderID
	}
	summary := SweepSummary{}
	for _, order := range orders {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Checked++
		reconciled, err := tracker.VerifyAndReconcile(ctx, order.OrderID)
		if err != nil {
			summary.Failed++
			tracker.logger.Warn("order reconciliation failed", zap.String("order_id", order.OrderID), zap.Error(err))
			continue
		}
		summary.count(reconciled.Status)
	}
	return summary, nil
}

// Abandon cancels the member's own open order after a final gateway check.
func (tracker *Tracker) Abandon(ctx context.Context, key ledger.AccountKey, orderID string) (PaymentOrder, error) {
	order, err := tracker.store.GetOrder(ctx, orderID)
	if err != nil {
		return PaymentOrder{}, err
	}
	if order.AccountKey != key {
		return PaymentOrder{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return tracker.abandonAfterCheck(ctx, order)
}

// AbandonStale abandons orders left open longer than olderThan.
func (tracker *Tracker) AbandonStale(ctx context.Context, olderThan time.Duration, limit int) (SweepSummary, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	cutoff := tracker.nowFn() - int64(olderThan/time.Second)
	orders, err := tracker.store.ListOrdersByStatus(ctx, openStatuses, cutoff, limit)
	if err != nil {
		return SweepSummary{}, err
	}
	summary := SweepSummary{}
	for _, order := range orders {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Checked++
		resolved, err := tracker.abandonAfterCheck(ctx, order)
		if err != nil {
			summary.Failed++
			tracker.logger.Warn("stale order not abandoned", zap.String("order_id", order.OrderID), zap.Error(err))
			continue
		}
		summary.count(resolved.Status)
	}
	return summary, nil
}

// abandonAfterCheck applies the order instead when the gateway already took the payment.
func (tracker *Tracker) abandonAfterCheck(ctx context.Context, order PaymentOrder) (PaymentOrder, error) {
	if order.Status == OrderStatusPaid {
		return tracker.apply(ctx, order)
	}
	if order.Token != "" && order.Status.Open() {
		verification, err := tracker.gateway.VerifyOrder(ctx, order.OrderID)
		if err != nil {
			return PaymentOrder{}, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
		}
		if verification.Paid {
			return tracker.apply(ctx, order)
		}
	}
	return tracker.abandon(ctx, order)
}

// apply credits the order exactly once and activates the account for the plan.
// An applied order whose pending plan was never cleared is activated again, so a
// retry finishes work an earlier call left behind.
func (tracker *Tracker) apply(ctx context.Context, order PaymentOrder) (PaymentOrder, error) {
	if order.Status.Open() {
		paid, err := tracker.store.TransitionOrder(ctx, order.OrderID, openStatuses, OrderStatusPaid, tracker.nowFn())
		if err != nil {
			return PaymentOrder{}, err
		}
		if paid {
			order.Status = OrderStatusPaid
		} else if order, err = tracker.store.GetOrder(ctx, order.OrderID); err != nil {
			return PaymentOrder{}, err
		}
	}
	if order.Status == OrderStatusAbandoned {
		tracker.logger.Error("payment reported for abandoned order", zap.String("order_id", order.OrderID), zap.String("account", order.AccountKey.String()))
		return PaymentOrder{}, fmt.Errorf("%w: %s is abandoned", ErrInvalidOrderTransition, order.OrderID)
	}

	activate := false
	if order.Status == OrderStatusPaid {
		idempotencyKey, err := ledger.NewIdempotencyKey(order.OrderID)
		if err != nil {
			return PaymentOrder{}, err
		}
		metadata := ledger.MetadataFrom(map[string]string{"source": "checkout", "order_id": order.OrderID, "plan_id": order.PlanID})
		granted, err := tracker.ledger.Grant(ctx, order.AccountKey, order.Credits, idempotencyKey, metadata)
		if err != nil {
			return PaymentOrder{}, err
		}
		if !granted {
			tracker.logger.Info("order grant already applied", zap.String("order_id", order.OrderID))
		}
		activate, err = tracker.store.TransitionOrder(ctx, order.OrderID, []OrderStatus{OrderStatusPaid}, OrderStatusApplied, tracker.nowFn())
		if err != nil {
			return PaymentOrder{}, err
		}
	}
	account, err := tracker.ledger.GetAccount(ctx, order.AccountKey)
	if err != nil {
		return PaymentOrder{}, err
	}
	if activate || (account.PendingPlan != nil && account.PendingPlan.OrderID == order.OrderID) {
		if err := tracker.activateForPlan(ctx, account, order, tracker.nowFn()); err != nil {
			return PaymentOrder{}, err
		}
	}
	if err := tracker.ledger.ClearPendingPlan(ctx, order.AccountKey, order.OrderID); err != nil && !errors.Is(err, ledger.ErrPendingPlanMismatch) {
		return PaymentOrder{}, err
	}
	return tracker.store.GetOrder(ctx, order.OrderID)
}

// activateForPlan activates the account until the plan's expiry. Plans without a duration
// activate without expiry, keeping an expiry the account already runs on.
func (tracker *Tracker) activateForPlan(ctx context.Context, account ledger.Account, order PaymentOrder, nowUnixUTC int64) error {
	var expiresAtUnixUTC int64
	if plan, err := tracker.plans.Lookup(order.PlanID); err != nil {
		tracker.logger.Warn("applied order references retired plan", zap.String("plan_id", order.PlanID))
	} else {
		expiresAtUnixUTC = plan.ExpiresAt(nowUnixUTC)
	}
	if expiresAtUnixUTC == 0 && account.Status == ledger.AccountStatusActive && account.ExpiresAtUnixUTC > nowUnixUTC {
		expiresAtUnixUTC = account.ExpiresAtUnixUTC
	}
	return tracker.ledger.Activate(ctx, order.AccountKey, expiresAtUnixUTC)
}

func (tracker *Tracker) abandon(ctx context.Context, order PaymentOrder) (PaymentOrder, error) {
	if order.Status == OrderStatusAbandoned {
		return order, nil
	}
	transitioned, err := tracker.store.TransitionOrder(ctx, order.OrderID, openStatuses, OrderStatusAbandoned, tracker.nowFn())
	if err != nil {
		return PaymentOrder{}, err
	}
	current, err := tracker.store.GetOrder(ctx, order.OrderID)
	if err != nil {
		return PaymentOrder{}, err
	}
	if !transitioned && current.Status != OrderStatusAbandoned {
		return PaymentOrder{}, fmt.Errorf("%w: %s is %s", ErrInvalidOrderTransition, order.OrderID, current.Status)
	}
	if err := tracker.ledger.ClearPendingPlan(ctx, order.AccountKey, order.OrderID); err != nil && !errors.Is(err, ledger.ErrPendingPlanMismatch) {
		return PaymentOrder{}, err
	}
	return current, nil
}

func (summary *SweepSummary) count(status OrderStatus) {
	switch status {
	case OrderStatusApplied:
		summary.Applied++
	case OrderStatusAbandoned:
		summary.Abandoned++
	}
}
