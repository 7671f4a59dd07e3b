package topup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const defaultListLimit = 200

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithPlanDurations activates accounts when an approved request references a timed plan.
func WithPlanDurations(durations PlanDurations) QueueOption {
	return func(queue *Queue) {
		queue.durations = durations
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) QueueOption {
	return func(queue *Queue) {
		if logger != nil {
			queue.logger = logger
		}
	}
}

// WithRequestIDGenerator overrides how request ids are minted.
func WithRequestIDGenerator(generate func() string) QueueOption {
	return func(queue *Queue) {
		if generate != nil {
			queue.newRequestID = generate
		}
	}
}

// Queue is the manual review workflow for bank-transfer topups.
type Queue struct {
	store        Store
	ledger       Ledger
	durations    PlanDurations
	nowFn        func() int64
	newRequestID func() string
	logger       *zap.Logger
}

// NewQueue wires a Queue.
func NewQueue(store Store, ledgerService Ledger, now func() int64, options ...QueueOption) (*Queue, error) {
	if store == nil || ledgerService == nil {
		return nil, fmt.Errorf("%w: store and ledger are required", ErrInvalidQueueConfig)
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	queue := &Queue{
		store:        store,
		ledger:       ledgerService,
		nowFn:        now,
		newRequestID: uuid.NewString,
		logger:       zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(queue)
		}
	}
	return queue, nil
}

// Submit records a pending request. It has no balance effect.
func (queue *Queue) Submit(ctx context.Context, submission Submission) (Request, error) {
	if submission.AccountKey.IsZero() {
		return Request{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidAccountKey)
	}
	if submission.Credits <= 0 {
		return Request{}, fmt.Errorf("%w: must be greater than zero", ledger.ErrInvalidCredits)
	}
	if submission.PriceMinor <= 0 {
		return Request{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidPrice)
	}
	receiptRef := strings.TrimSpace(submission.ReceiptRef)
	if receiptRef == "" || len(receiptRef) > maxReceiptRefLength {
		return Request{}, fmt.Errorf("%w: must be 1 to %d characters", ErrInvalidReceiptRef, maxReceiptRefLength)
	}
	request := Request{
		ID:             queue.newRequestID(),
		AccountKey:     submission.AccountKey,
		Credits:        submission.Credits,
		PriceMinor:     submission.PriceMinor,
		ReceiptRef:     receiptRef,
		PlanID:         strings.TrimSpace(submission.PlanID),
		Status:         StatusPending,
		CreatedUnixUTC: queue.nowFn(),
	}
	if err := queue.store.CreateRequest(ctx, request); err != nil {
		return Request{}, err
	}
	return request, nil
}

// Approve credits a pending request exactly once and marks it approved.
// Approving an approved request only completes a plan activation that an earlier call
// did not finish. A failed grant leaves the request pending.
func (queue *Queue) Approve(ctx context.Context, requestID string, reviewer string) (Request, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return Request{}, ErrInvalidReviewer
	}
	request, err := queue.store.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	switch request.Status {
	case StatusApproved:
		if err := queue.activateForPlan(ctx, request); err != nil {
			return Request{}, err
		}
		return request, nil
	case StatusRejected:
		return Request{}, fmt.Errorf("%w: %s was rejected", ErrRequestClosed, requestID)
	}

	idempotencyKey, err := ledger.NewIdempotencyKey(request.GrantKey())
	if err != nil {
		return Request{}, err
	}
	metadata := ledger.MetadataFrom(map[string]string{
		"source":      metadataSourceTopup,
		"request_id":  request.ID,
		"receipt_ref": request.ReceiptRef,
		"reviewer":    reviewer,
	})
	applied, err := queue.ledger.Grant(ctx, request.AccountKey, request.Credits, idempotencyKey, metadata)
	if err != nil {
		return Request{}, err
	}
	if !applied {
		queue.logger.Info("topup grant already applied", zap.String("request_id", request.ID))
	}

	transitioned, err := queue.store.TransitionRequest(ctx, request.ID, StatusApproved, reviewer, queue.nowFn())
	if err != nil {
		return Request{}, err
	}
	current, err := queue.store.GetRequest(ctx, request.ID)
	if err != nil {
		return Request{}, err
	}
	if !transitioned && current.Status != StatusApproved {
		queue.logger.Error("topup credited while concurrently rejected",
			zap.String("request_id", request.ID),
			zap.String("account", request.AccountKey.String()),
			zap.Int64("credits", request.Credits.Int64()))
		return Request{}, fmt.Errorf("%w: %s was rejected", ErrRequestClosed, requestID)
	}
	if err := queue.activateForPlan(ctx, current); err != nil {
		return Request{}, err
	}
	return current, nil
}

// Reject closes a pending request without touching the ledger.
func (queue *Queue) Reject(ctx context.Context, requestID string, reviewer string) (Request, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return Request{}, ErrInvalidReviewer
	}
	request, err := queue.store.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	switch request.Status {
	case StatusRejected:
		return request, nil
	case StatusApproved:
		return Request{}, fmt.Errorf("%w: %s was approved", ErrRequestClosed, requestID)
	}
	transitioned, err := queue.store.TransitionRequest(ctx, request.ID, StatusRejected, reviewer, queue.nowFn())
	if err != nil {
		return Request{}, err
	}
	current, err := queue.store.GetRequest(ctx, request.ID)
	if err != nil {
		return Request{}, err
	}
	if !transitioned && current.Status != StatusRejected {
		return Request{}, fmt.Errorf("%w: %s is %s", ErrRequestClosed, requestID, current.Status)
	}
	return current, nil
}

// Get returns one request.
func (queue *Queue) Get(ctx context.Context, requestID string) (Request, error) {
	return queue.store.GetRequest(ctx, requestID)
}

// List returns requests filtered by status (empty for all).
func (queue *Queue) List(ctx context.Context, status Status, limit int) ([]Request, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	return queue.store.ListRequests(ctx, status, limit)
}

// activateForPlan activates the account until the review time plus the plan duration.
// It does nothing once the account already runs at least that long, so repeated
// approvals never move the expiry.
func (queue *Queue) activateForPlan(ctx context.Context, request Request) error {
	if queue.durations == nil || request.PlanID == "" {
		return nil
	}
	seconds, ok := queue.durations.ActivationSeconds(request.PlanID)
	if !ok {
		return nil
	}
	expiresAtUnixUTC := request.ReviewedUnixUTC + seconds
	if expiresAtUnixUTC <= queue.nowFn() {
		return nil
	}
	account, err := queue.ledger.GetAccount(ctx, request.AccountKey)
	if err != nil {
		return err
	}
	if account.Status == ledger.AccountStatusActive && (account.ExpiresAtUnixUTC == 0 || account.ExpiresAtUnixUTC >= expiresAtUnixUTC) {
		return nil
	}
	return queue.ledger.Activate(ctx, request.AccountKey, expiresAtUnixUTC)
}
