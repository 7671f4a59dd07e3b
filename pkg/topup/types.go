// Package topup is the manually reviewed bank-transfer funding path: members submit
// receipts and an administrator approves or rejects each request exactly once.
package topup

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	maxReceiptRefLength = 512
	grantKeyPrefix      = "topup:"
	metadataSourceTopup = "topup"
)

// Status is the review state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// ParseStatus validates a status filter or stored value.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case StatusPending, StatusApproved, StatusRejected:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Request is a member's manual funding request.
type Request struct {
	ID              string
	AccountKey      ledger.AccountKey
	Credits         ledger.Credits
	PriceMinor      int64
	ReceiptRef      string
	PlanID          string
	Status          Status
	Reviewer        string
	ReviewedUnixUTC int64
	CreatedUnixUTC  int64
}

// GrantKey is the ledger idempotency key that credits this request.
func (request Request) GrantKey() string {
	return grantKeyPrefix + request.ID
}

// Submission carries the member-provided fields of a new request.
type Submission struct {
	AccountKey ledger.AccountKey
	Credits    ledger.Credits
	PriceMinor int64
	ReceiptRef string
	PlanID     string
}

// Store persists topup requests.
type Store interface {
	CreateRequest(ctx context.Context, request Request) error
	GetRequest(ctx context.Context, requestID string) (Request, error)
	// TransitionRequest moves a pending request to `to`. It reports whether a row changed.
	TransitionRequest(ctx context.Context, requestID string, to Status, reviewer string, reviewedUnixUTC int64) (bool, error)
	// ListRequests returns all requests when status is empty, newest first.
	ListRequests(ctx context.Context, status Status, limit int) ([]Request, error)
}

// Ledger is the subset of the ledger engine approval needs.
type Ledger interface {
	GetAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, error)
	Grant(ctx context.Context, key ledger.AccountKey, amount ledger.Credits, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (bool, error)
	Activate(ctx context.Context, key ledger.AccountKey, expiresAtUnixUTC int64) error
}

// PlanDurations resolves how long an approved plan activates the account, in seconds.
type PlanDurations interface {
	ActivationSeconds(planID string) (int64, bool)
}
