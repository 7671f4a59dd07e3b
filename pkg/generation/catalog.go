package generation

import (
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

// RefundPolicy declares what happens to the reserved credits after a terminal failure.
type RefundPolicy string

const (
	RefundOnFailure RefundPolicy = "refund_on_failure"
	RetainOnFailure RefundPolicy = "retain_on_failure"
)

const (
	minAttempts = 2
	maxAttempts = 4
)

// Operation is a metered generation call with a fixed cost.
type Operation struct {
	Name           string
	Cost           ledger.Credits
	MaxAttempts    int
	Model          string
	OnFailure      RefundPolicy
	RefundOnCancel bool
}

// Validate enforces a positive cost, a bounded retry count and an explicit refund policy.
func (operation Operation) Validate() error {
	if strings.TrimSpace(operation.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidOperation)
	}
	if operation.Cost <= 0 {
		return fmt.Errorf("%w: %s cost must be greater than zero", ErrInvalidOperation, operation.Name)
	}
	if operation.MaxAttempts < minAttempts || operation.MaxAttempts > maxAttempts {
		return fmt.Errorf("%w: %s attempts must be between %d and %d", ErrInvalidOperation, operation.Name, minAttempts, maxAttempts)
	}
	switch operation.OnFailure {
	case RefundOnFailure, RetainOnFailure:
	default:
		return fmt.Errorf("%w: %s must declare a refund policy", ErrInvalidOperation, operation.Name)
	}
	return nil
}

// Catalog indexes operations by name.
type Catalog struct {
	operations map[string]Operation
	order      []string
}

// NewCatalog validates and indexes operations.
func NewCatalog(operations ...Operation) (Catalog, error) {
	indexed := make(map[string]Operation, len(operations))
	order := make([]string, 0, len(operations))
	for _, operation := range operations {
		if err := operation.Validate(); err != nil {
			return Catalog{}, err
		}
		if _, exists := indexed[operation.Name]; exists {
			return Catalog{}, fmt.Errorf("%w: duplicate operation %s", ErrInvalidOperation, operation.Name)
		}
		indexed[operation.Name] = operation
		order = append(order, operation.Name)
	}
	return Catalog{operations: indexed, order: order}, nil
}

// Lookup returns the named operation.
func (catalog Catalog) Lookup(name string) (Operation, error) {
	operation, ok := catalog.operations[strings.TrimSpace(name)]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}
	return operation, nil
}

// Operations lists operations in declaration order.
func (catalog Catalog) Operations() []Operation {
	operations := make([]Operation, 0, len(catalog.order))
	for _, name := range catalog.order {
		operations = append(operations, catalog.operations[name])
	}
	return operations
}
