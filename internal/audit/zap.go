package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

// ZapLogger writes ledger operations as structured log lines.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger returns a ZapLogger; a nil logger discards records.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("audit")}
}

// LogOperation implements ledger.OperationLogger.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account", entry.AccountKey.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("status", entry.Status),
		zap.Int64("occurred_at", entry.OccurredAtUnix),
	}
	if idempotencyKey := entry.IdempotencyKey.String(); idempotencyKey != "" {
		fields = append(fields, zap.String("idempotency_key", idempotencyKey))
	}
	if metadata := entry.Metadata.String(); metadata != "{}" {
		fields = append(fields, zap.String("metadata", metadata))
	}
	if entry.Error != nil {
		zapLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	zapLogger.logger.Info("ledger operation", fields...)
}
