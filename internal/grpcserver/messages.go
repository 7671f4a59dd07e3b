package grpcserver

// AccountRequest identifies an account by email.
type AccountRequest struct {
	Email string `json:"email"`
}

// AccountResponse is the back-office view of an account.
type AccountResponse struct {
	Email            string `json:"email"`
	Balance          int64  `json:"balance"`
	Status           string `json:"status"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc"`
	PendingOrderID   string `json:"pending_order_id,omitempty"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
}

// GrantRequest credits an account once per idempotency key.
type GrantRequest struct {
	Email          string `json:"email"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	MetadataJSON   string `json:"metadata_json,omitempty"`
}

// GrantResponse reports whether the grant changed the balance.
type GrantResponse struct {
	Applied bool `json:"applied"`
}

// AdjustRequest carries a deduct or refund.
type AdjustRequest struct {
	Email        string `json:"email"`
	Amount       int64  `json:"amount"`
	MetadataJSON string `json:"metadata_json,omitempty"`
}

// ExpireAccountsRequest has no fields.
type ExpireAccountsRequest struct{}

// ExpireAccountsResponse reports how many accounts were deactivated.
type ExpireAccountsResponse struct {
	Expired int64 `json:"expired"`
}

// Empty is returned by calls without a payload.
type Empty struct{}
