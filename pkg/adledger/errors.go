package adledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the billing service.
var (
	ErrUnknownClient          = errors.New("unknown client")
	ErrUnknownAd              = errors.New("unknown ad unit")
	ErrUnknownShortLink       = errors.New("unknown short link")
	ErrDuplicateTopUpSession  = errors.New("duplicate top-up session")
	ErrCodeExists             = errors.New("code already allocated")
	ErrShortCodeExists        = errors.New("short code already allocated")
	ErrSequenceExhausted      = errors.New("code suffix sequence exhausted")
	ErrShortCodeExhausted     = errors.New("short code attempts exhausted")
	ErrTransactionConflict    = errors.New("transaction conflict")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrInvalidClientID        = errors.New("invalid client id")
	ErrInvalidAdID            = errors.New("invalid ad id")
	ErrInvalidSessionID       = errors.New("invalid session id")
	ErrInvalidShortCode       = errors.New("invalid short code")
	ErrInvalidCampaignID      = errors.New("invalid campaign id")
	ErrInvalidOwnerID         = errors.New("invalid owner id")
	ErrInvalidEventType       = errors.New("invalid event type")
	ErrInvalidAmountCents     = errors.New("invalid amount cents")
	ErrInvalidTargetURL       = errors.New("invalid target url")
	ErrInvalidCodeIdentity    = errors.New("invalid code identity")
	ErrInvalidCounterScope    = errors.New("invalid counter scope")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrInvalidTopUpStatus     = errors.New("invalid top-up status")
	ErrInvalidWalletBalance   = errors.New("invalid wallet balance")
	ErrShortLinkDeactivated   = errors.New("short link deactivated")
	ErrInvalidCounterValue    = errors.New("invalid counter value")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
