package httpapi

import (
	"context"

	"go.uber.org/zap"

	"github.com/dicilo-db/adledger/pkg/adledger"
)

// zapOperationLogger adapts zap to the domain OperationLogger callback.
type zapOperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger returns an adledger.OperationLogger writing through zap.
func NewOperationLogger(logger *zap.Logger) adledger.OperationLogger {
	return &zapOperationLogger{logger: logger}
}

func (adapter *zapOperationLogger) LogOperation(_ context.Context, entry adledger.OperationLog) {
	fields := make([]zap.Field, 0, 7)
	fields = append(fields, zap.String("operation", entry.Operation), zap.String("status", entry.Status))
	if entry.ClientID != "" {
		fields = append(fields, zap.String("client_id", entry.ClientID))
	}
	if entry.AdID != "" {
		fields = append(fields, zap.String("ad_id", entry.AdID))
	}
	if entry.SessionID != "" {
		fields = append(fields, zap.String("session_id", entry.SessionID))
	}
	if entry.ShortCode != "" {
		fields = append(fields, zap.String("short_code", entry.ShortCode))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.Amount.Int64()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("billing operation failed", fields...)
		return
	}
	adapter.logger.Info("billing operation", fields...)
}
