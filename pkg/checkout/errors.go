package checkout

import "errors"

var (
	ErrOrderNotFound          = errors.New("payment order not found")
	ErrInvalidOrderTransition = errors.New("invalid payment order transition")
	ErrUnknownPlan            = errors.New("unknown plan")
	ErrInvalidPlan            = errors.New("invalid plan")
	ErrInvalidOutcome         = errors.New("invalid gateway outcome")
	ErrGatewayUnavailable     = errors.New("payment gateway unavailable")
	ErrInvalidTrackerConfig   = errors.New("invalid tracker config")
)
