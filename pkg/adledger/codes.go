package adledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// CodeIdentity carries the attributes a probe-allocated referral code is
// derived from.
type CodeIdentity struct {
	FirstName     string
	LastName      string
	JoinYear      int
	Discriminator string
}

// CounterScope names one monotonic counter and the code shape derived from it.
type CounterScope struct {
	Prefix   string
	Year     int
	Identity string
}

// Key returns the counter document key for the scope.
func (scope CounterScope) Key() string {
	return strings.Join([]string{scope.Prefix, fmt.Sprintf("%d", scope.Year), scope.Identity}, counterScopeDelimiter)
}

func (scope CounterScope) validate() error {
	if strings.TrimSpace(scope.Prefix) == "" || strings.TrimSpace(scope.Identity) == "" || scope.Year <= 0 {
		return fmt.Errorf("%w: prefix, identity, and year are required", ErrInvalidCounterScope)
	}
	return nil
}

// AllocateReferralCode issues a human-readable code by probing two-digit
// suffixes over a deterministic base until an unused candidate is found. The
// exists-then-insert pair runs in one transaction and the unique constraint
// on the code column closes the race between concurrent allocators. The
// suffix sequence is a hard ceiling: past 99 the allocation fails with
// ErrSequenceExhausted.
func (service *Service) AllocateReferralCode(requestContext context.Context, identity CodeIdentity, ownerID OwnerID) (string, error) {
	base, err := identity.baseCode()
	if err != nil {
		return "", err
	}
	for suffix := 1; suffix <= probeSuffixCeiling; suffix++ {
		candidate := fmt.Sprintf("%s%02d", base, suffix)
		taken := false
		err := service.runBillingTx(requestContext, func(ctx context.Context, transactionStore Store) error {
			exists, err := transactionStore.ReferralCodeExists(ctx, candidate)
			if err != nil {
				return err
			}
			if exists {
				taken = true
				return nil
			}
			return transactionStore.InsertReferralCode(ctx, candidate, ownerID)
		})
		if errors.Is(err, ErrCodeExists) {
			// Lost the insert race: treat like an occupied suffix.
			continue
		}
		if err != nil {
			service.logOperation(requestContext, OperationLog{Operation: operationAllocateCode, ClientID: ownerID.String(), Error: err})
			return "", err
		}
		if !taken {
			service.logOperation(requestContext, OperationLog{Operation: operationAllocateCode, ClientID: ownerID.String()})
			return candidate, nil
		}
	}
	service.logOperation(requestContext, OperationLog{Operation: operationAllocateCode, ClientID: ownerID.String(), Error: ErrSequenceExhausted})
	return "", ErrSequenceExhausted
}

// AllocateCounterCode issues a code from a per-scope monotonic counter. Each
// call reads the current value under a row lock and writes value+1, so
// concurrent callers serialize on the scope and the resulting codes are
// gap-free. Preferred over probe allocation for new scopes.
func (service *Service) AllocateCounterCode(requestContext context.Context, scope CounterScope) (string, error) {
	if err := scope.validate(); err != nil {
		return "", err
	}
	var code string
	operationError := service.runBillingTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		value, err := transactionStore.NextCounterValue(ctx, scope.Key())
		if err != nil {
			return err
		}
		if value <= 0 {
			return WrapError("service", "counter", "invalid_value", ErrInvalidCounterValue)
		}
		code = fmt.Sprintf("%s-%d-%s-%04d", scope.Prefix, scope.Year, scope.Identity, value)
		return nil
	})
	service.logOperation(requestContext, OperationLog{Operation: operationAllocateCode, Error: operationError})
	if operationError != nil {
		return "", operationError
	}
	return code, nil
}

func (identity CodeIdentity) baseCode() (string, error) {
	first := strings.TrimSpace(identity.FirstName)
	last := strings.TrimSpace(identity.LastName)
	if first == "" || last == "" || identity.JoinYear <= 0 {
		return "", fmt.Errorf("%w: first name, last name, and join year are required", ErrInvalidCodeIdentity)
	}
	initials := strings.ToUpper(string([]rune(first)[0]) + string([]rune(last)[0]))
	yearPart := fmt.Sprintf("%02d", identity.JoinYear%100)
	return initials + yearPart + trailingDigits(identity.Discriminator, 2), nil
}

func trailingDigits(raw string, count int) string {
	digits := make([]rune, 0, len(raw))
	for _, character := range raw {
		if unicode.IsDigit(character) {
			digits = append(digits, character)
		}
	}
	if len(digits) > count {
		digits = digits[len(digits)-count:]
	}
	return string(digits)
}
