package adledger

import (
	"errors"
	"testing"
)

func TestNewClientIDTrimsAndValidates(test *testing.T) {
	test.Parallel()
	id, err := NewClientID("  client-1  ")
	if err != nil {
		test.Fatalf("new client id: %v", err)
	}
	if id.String() != "client-1" {
		test.Fatalf("expected trimmed value, got %q", id.String())
	}
	if _, err := NewClientID("   "); !errors.Is(err, ErrInvalidClientID) {
		test.Fatalf("expected ErrInvalidClientID, got %v", err)
	}
}

func TestNewAmountCentsRejectsNegative(test *testing.T) {
	test.Parallel()
	if _, err := NewAmountCents(-1); !errors.Is(err, ErrInvalidAmountCents) {
		test.Fatalf("expected ErrInvalidAmountCents, got %v", err)
	}
	amount, err := NewAmountCents(0)
	if err != nil {
		test.Fatalf("zero amount: %v", err)
	}
	if amount.Int64() != 0 {
		test.Fatalf("expected 0, got %d", amount.Int64())
	}
}

func TestNewPositiveAmountCentsRejectsZero(test *testing.T) {
	test.Parallel()
	if _, err := NewPositiveAmountCents(0); !errors.Is(err, ErrInvalidAmountCents) {
		test.Fatalf("expected ErrInvalidAmountCents for zero, got %v", err)
	}
	amount, err := NewPositiveAmountCents(500)
	if err != nil {
		test.Fatalf("positive amount: %v", err)
	}
	if amount.ToAmountCents() != 500 {
		test.Fatalf("expected 500, got %d", amount.ToAmountCents())
	}
}

func TestParseEventType(test *testing.T) {
	test.Parallel()
	eventType, err := ParseEventType(" click ")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if eventType != EventClick {
		test.Fatalf("expected click, got %s", eventType)
	}
	if _, err := ParseEventType("hover"); !errors.Is(err, ErrInvalidEventType) {
		test.Fatalf("expected ErrInvalidEventType, got %v", err)
	}
}

func TestNewMetadataJSON(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("empty metadata: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected {} default, got %q", metadata.String())
	}
	if _, err := NewMetadataJSON("{not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestOperationErrorFormatsAndUnwraps(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("service", "wallet", "conflict", ErrTransactionConflict)
	if !errors.Is(wrapped, ErrTransactionConflict) {
		test.Fatalf("expected wrapped sentinel to match")
	}
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "service" || operationError.Subject() != "wallet" || operationError.Code() != "conflict" {
		test.Fatalf("unexpected segments: %+v", operationError)
	}
	if got := wrapped.Error(); got != "service.wallet.conflict: transaction conflict" {
		test.Fatalf("unexpected message: %q", got)
	}
	if WrapError("service", "wallet", "conflict", nil) != nil {
		test.Fatalf("expected nil wrap of nil error")
	}
}

func TestNewServiceRejectsNilDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}
