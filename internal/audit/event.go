// Package audit delivers ledger operation records to structured logs and a message broker.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

// Event is the serialized form of a ledger operation.
type Event struct {
	Operation      string          `json:"operation"`
	Account        string          `json:"account"`
	Amount         int64           `json:"amount,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	Status         string          `json:"status"`
	Error          string          `json:"error,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// FromLog converts an operation record.
func FromLog(entry ledger.OperationLog) Event {
	event := Event{
		Operation:      entry.Operation,
		Account:        entry.AccountKey.String(),
		Amount:         entry.Amount.Int64(),
		IdempotencyKey: entry.IdempotencyKey.String(),
		Metadata:       json.RawMessage(entry.Metadata.String()),
		Status:         entry.Status,
		OccurredAt:     time.Unix(entry.OccurredAtUnix, 0).UTC(),
	}
	if entry.Error != nil {
		event.Error = entry.Error.Error()
	}
	return event
}

// Fanout delivers every record to each logger in order.
type Fanout []ledger.OperationLogger

// LogOperation implements ledger.OperationLogger.
func (fanout Fanout) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	for _, logger := range fanout {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
