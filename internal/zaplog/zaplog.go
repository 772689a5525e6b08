// Package zaplog adapts ledger operation logs to zap.
package zaplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	statusOK         = "ok"
	statusDegraded   = "degraded"
	messageOperation = "ledger operation"
)

// OperationLogger writes ledger.OperationLog entries as structured zap lines.
type OperationLogger struct {
	logger *zap.Logger
}

// New returns an OperationLogger; a nil logger is replaced by zap.NewNop.
func New(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.AccountID.IsZero() {
		fields = append(fields, zap.String("account_id", entry.AccountID.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	fields = append(fields, zap.Int64("balance", entry.Balance.Int64()))
	if !entry.ItemID.IsZero() {
		fields = append(fields, zap.String("item_id", entry.ItemID.String()))
	}
	if packageID := entry.PackageID.String(); packageID != "" {
		fields = append(fields, zap.String("package_id", packageID))
	}
	if attemptID := entry.AttemptID.String(); attemptID != "" {
		fields = append(fields, zap.String("attempt_id", attemptID))
	}
	if entry.State != "" {
		fields = append(fields, zap.String("state", entry.State))
	}
	if entry.Attempts > 0 {
		fields = append(fields, zap.Int("attempts", entry.Attempts))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	operationLogger.logger.Log(levelFor(entry.Status), messageOperation, fields...)
}

func levelFor(status string) zapcore.Level {
	switch status {
	case statusOK:
		return zapcore.InfoLevel
	case statusDegraded:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
