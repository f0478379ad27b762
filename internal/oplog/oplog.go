// Package oplog bridges ledger operation callbacks to structured logging.
package oplog

import (
	"context"

	"github.com/fablehall/coinledger/pkg/ledger"
	"go.uber.org/zap"
)

// ZapOperationLogger emits one structured log line per ledger operation.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps a zap logger. A nil logger becomes a no-op.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", int64(entry.Amount)),
		zap.String("kind", string(entry.Kind)),
		zap.String("reference", entry.Reference),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
