package generation

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the retry controller.
var (
	ErrTransientProviderFailure = errors.New("transient provider failure")
	ErrTerminalProviderFailure  = errors.New("terminal provider failure")
	ErrUnknownOperation         = errors.New("unknown operation")
	ErrInvalidOperation         = errors.New("invalid operation")
	ErrInvalidControllerConfig  = errors.New("invalid controller config")
)

// FailureClass separates failures worth rotating credentials for from final ones.
type FailureClass int

const (
	FailureTerminal FailureClass = iota
	FailureTransient
)

// String returns the class label.
func (class FailureClass) String() string {
	if class == FailureTransient {
		return "transient"
	}
	return "terminal"
}

// ProviderError is the only error shape providers hand to the controller.
type ProviderError struct {
	Class  FailureClass
	Reason string
	Err    error
}

// Error returns the formatted error message.
func (providerError *ProviderError) Error() string {
	if providerError.Err == nil {
		return fmt.Sprintf("%s provider failure: %s", providerError.Class, providerError.Reason)
	}
	return fmt.Sprintf("%s provider failure: %s: %v", providerError.Class, providerError.Reason, providerError.Err)
}

// Unwrap returns the underlying cause.
func (providerError *ProviderError) Unwrap() error {
	return providerError.Err
}

// Is matches the class sentinel.
func (providerError *ProviderError) Is(target error) bool {
	switch target {
	case ErrTransientProviderFailure:
		return providerError.Class == FailureTransient
	case ErrTerminalProviderFailure:
		return providerError.Class == FailureTerminal
	default:
		return false
	}
}

// Transient builds a failure that triggers credential rotation.
func Transient(reason string, err error) error {
	return &ProviderError{Class: FailureTransient, Reason: reason, Err: err}
}

// Terminal builds a failure that ends the retry loop.
func Terminal(reason string, err error) error {
	return &ProviderError{Class: FailureTerminal, Reason: reason, Err: err}
}

// Classify returns the failure class of err. Errors that are not ProviderErrors are terminal.
func Classify(err error) FailureClass {
	var providerError *ProviderError
	if errors.As(err, &providerError) {
		return providerError.Class
	}
	return FailureTerminal
}

func causeOf(err error) error {
	var providerError *ProviderError
	if errors.As(err, &providerError) && providerError.Err != nil {
		return providerError.Err
	}
	return err
}
