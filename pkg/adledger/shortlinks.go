package adledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
)

// CreateShortLink registers a short code pointing at a scheme-normalized
// destination URL. Candidate codes are random; each attempt verifies
// non-existence and inserts in one transaction, with the primary key as
// backstop, so a collision simply triggers another attempt.
func (service *Service) CreateShortLink(requestContext context.Context, campaignID CampaignID, ownerID OwnerID, targetURL string) (ShortLink, error) {
	normalized, err := NormalizeTargetURL(targetURL)
	if err != nil {
		return ShortLink{}, err
	}
	for attempt := 0; attempt < shortCodeAttempts; attempt++ {
		candidate, err := randomShortCode(shortCodeLength)
		if err != nil {
			return ShortLink{}, err
		}
		link := ShortLink{
			ShortCode:      candidate,
			CampaignID:     campaignID.String(),
			OwnerID:        ownerID.String(),
			TargetURL:      normalized,
			Active:         true,
			CreatedUnixUTC: service.nowFn(),
		}
		operationError := service.runBillingTx(requestContext, func(ctx context.Context, transactionStore Store) error {
			code, err := NewShortCode(candidate)
			if err != nil {
				return err
			}
			_, err = transactionStore.GetShortLink(ctx, code)
			if err == nil {
				return ErrShortCodeExists
			}
			if !errors.Is(err, ErrUnknownShortLink) {
				return err
			}
			return transactionStore.CreateShortLink(ctx, link)
		})
		if errors.Is(operationError, ErrShortCodeExists) {
			continue
		}
		service.logOperation(requestContext, OperationLog{
			Operation: operationCreateLink,
			ShortCode: candidate,
			Error:     operationError,
		})
		if operationError != nil {
			return ShortLink{}, operationError
		}
		return link, nil
	}
	service.logOperation(requestContext, OperationLog{Operation: operationCreateLink, Error: ErrShortCodeExhausted})
	return ShortLink{}, ErrShortCodeExhausted
}

// ResolveShortLink returns the active link for a code. Misses and retired
// links both report ErrUnknownShortLink so callers fall back uniformly.
func (service *Service) ResolveShortLink(ctx context.Context, code ShortCode) (ShortLink, error) {
	link, err := service.store.GetShortLink(ctx, code)
	if err != nil {
		return ShortLink{}, err
	}
	if !link.Active {
		// Matches both sentinels: callers that fall back check ErrUnknownShortLink,
		// callers that care about lifecycle check ErrShortLinkDeactivated.
		return ShortLink{}, WrapError("service", "short_link", "deactivated",
			fmt.Errorf("%w: %w", ErrUnknownShortLink, ErrShortLinkDeactivated))
	}
	return link, nil
}

// CountShortLinkClick bumps the traffic counter for a short link. This is the
// best-effort attribution path: it may undercount, and callers are expected
// to log and swallow failures rather than block the redirect.
func (service *Service) CountShortLinkClick(ctx context.Context, code ShortCode) error {
	operationError := service.store.IncrementShortLinkClicks(ctx, code)
	service.logOperation(ctx, OperationLog{
		Operation: operationCountLinkClick,
		ShortCode: code.String(),
		Error:     operationError,
	})
	return operationError
}

// UpdateShortLinkTarget repoints an existing short link.
func (service *Service) UpdateShortLinkTarget(ctx context.Context, code ShortCode, targetURL string) error {
	normalized, err := NormalizeTargetURL(targetURL)
	if err != nil {
		return err
	}
	return service.store.SetShortLinkTarget(ctx, code, normalized)
}

// DeactivateShortLink retires a short link without deleting its record.
func (service *Service) DeactivateShortLink(ctx context.Context, code ShortCode) error {
	return service.store.SetShortLinkActive(ctx, code, false)
}

// NormalizeTargetURL ensures the destination carries an explicit scheme,
// defaulting to https for bare hosts.
func NormalizeTargetURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidTargetURL)
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTargetURL, raw)
	}
	return parsed.String(), nil
}

func randomShortCode(length int) (string, error) {
	alphabetSize := big.NewInt(int64(len(shortCodeAlphabet)))
	code := make([]byte, length)
	for index := range code {
		position, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", WrapError("service", "short_link", "random", err)
		}
		code[index] = shortCodeAlphabet[position.Int64()]
	}
	return string(code), nil
}
