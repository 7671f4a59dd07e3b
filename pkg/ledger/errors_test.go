package ledger

import (
	"errors"
	"testing"
)

const (
	operationName    = "ledger"
	subjectName      = "entry"
	codeName         = "invalid"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestUnavailableWrapsBothErrors(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrapped := WrapError(operationName, subjectName, codeName, Unavailable(baseError))
	if !errors.Is(wrapped, ErrStoreUnavailable) {
		test.Fatalf("expected ErrStoreUnavailable in chain, got %v", wrapped)
	}
	if !errors.Is(wrapped, baseError) {
		test.Fatalf("expected base error in chain, got %v", wrapped)
	}
	var operationError OperationError
	if !errors.As(wrapped, &operationError) || operationError.Code() != codeName {
		test.Fatalf("expected operation error with code %q, got %v", codeName, wrapped)
	}
	if Unavailable(nil) != nil {
		test.Fatalf("expected nil for nil cause")
	}
}
