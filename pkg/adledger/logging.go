package adledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing billing operation.
type OperationLog struct {
	Operation string
	ClientID  string
	AdID      string
	SessionID string
	ShortCode string
	Amount    AmountCents
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithClickCost overrides the per-click unit price.
func WithClickCost(cost PositiveAmountCents) ServiceOption {
	return func(service *Service) {
		service.clickCost = cost
	}
}

// WithViewCost overrides the per-view unit price.
func WithViewCost(cost PositiveAmountCents) ServiceOption {
	return func(service *Service) {
		service.viewCost = cost
	}
}

// WithRetryPolicy overrides the transaction conflict retry budget.
func WithRetryPolicy(attempts int, baseDelay time.Duration) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.retryAttempts = attempts
		}
		if baseDelay > 0 {
			service.retryBaseDelay = baseDelay
		}
	}
}
