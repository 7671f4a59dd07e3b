package topup

import "errors"

var (
	ErrRequestNotFound    = errors.New("topup request not found")
	ErrRequestClosed      = errors.New("topup request already closed")
	ErrInvalidReceiptRef  = errors.New("invalid receipt reference")
	ErrInvalidPrice       = errors.New("invalid topup price")
	ErrInvalidReviewer    = errors.New("invalid reviewer")
	ErrInvalidStatus      = errors.New("invalid topup status")
	ErrInvalidQueueConfig = errors.New("invalid topup queue config")
)
