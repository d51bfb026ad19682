package adledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCents is a non-negative integer currency amount in cents.
type AmountCents int64

// PositiveAmountCents is a strictly positive integer currency amount in cents.
type PositiveAmountCents int64

// ClientID identifies an advertising client (the wallet owner).
type ClientID struct {
	value string
}

// AdID identifies an advertisement unit.
type AdID struct {
	value string
}

// SessionID identifies a payment-provider checkout session. It doubles as the
// idempotency key for wallet credits.
type SessionID struct {
	value string
}

// ShortCode identifies a short link / QR campaign.
type ShortCode struct {
	value string
}

// CampaignID identifies the campaign a short link belongs to.
type CampaignID struct {
	value string
}

// OwnerID identifies the owner of an allocated code or short link.
type OwnerID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// EventType enumerates billable traffic event kinds.
type EventType string

const (
	EventClick EventType = "click"
	EventView  EventType = "view"
)

// TopUpStatus defines the top-up session lifecycle.
type TopUpStatus string

const (
	TopUpStatusPending TopUpStatus = "pending"
	TopUpStatusSuccess TopUpStatus = "success"
)

// Wallet is the prepaid balance view for a client.
type Wallet struct {
	ClientID             string
	BudgetRemainingCents AmountCents
	TotalInvestedCents   AmountCents
	LastTopUpCents       AmountCents
	LastTopUpAtUnixUTC   int64
}

// AdUnit carries the per-advertisement delivery counters.
type AdUnit struct {
	AdID           string
	ClientID       string
	Clicks         int64
	Views          int64
	TotalCostCents AmountCents
}

// ClickEvent is a single immutable line in the traffic audit log.
type ClickEvent struct {
	EventID          string
	AdID             string
	ClientID         string
	Type             EventType
	CostChargedCents AmountCents
	Path             string
	Device           string
	Location         string
	MetadataJSON     string
	CreatedUnixUTC   int64
}

// TopUpSession records a processed payment-provider session. Its existence
// under a session id is the witness that the credit was applied.
type TopUpSession struct {
	SessionID      string
	ClientID       string
	AmountCents    AmountCents
	Status         TopUpStatus
	CreatedUnixUTC int64
}

// ShortLink maps a short code to a mutable destination URL.
type ShortLink struct {
	ShortCode      string
	CampaignID     string
	OwnerID        string
	TargetURL      string
	Clicks         int64
	Active         bool
	CreatedUnixUTC int64
}

// EventInput describes one inbound click/view to process.
type EventInput struct {
	AdID          AdID
	Type          EventType
	Path          string
	Device        string
	Location      string
	PayerOverride *ClientID
	Metadata      MetadataJSON
}

// EventReceipt reports what a processed event actually charged.
type EventReceipt struct {
	Deducted     bool
	ChargedCents AmountCents
}

// TopUpReceipt reports the outcome of a webhook-driven wallet credit.
type TopUpReceipt struct {
	AlreadyProcessed bool
	CreditedCents    AmountCents
}

// NewClientID validates and normalizes a client id.
func NewClientID(raw string) (ClientID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ClientID{}, fmt.Errorf("%w: empty value", ErrInvalidClientID)
	}
	return ClientID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ClientID) String() string {
	return id.value
}

// NewAdID validates and normalizes an ad id.
func NewAdID(raw string) (AdID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AdID{}, fmt.Errorf("%w: empty value", ErrInvalidAdID)
	}
	return AdID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AdID) String() string {
	return id.value
}

// NewSessionID validates and normalizes a payment session id.
func NewSessionID(raw string) (SessionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SessionID{}, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	return SessionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SessionID) String() string {
	return id.value
}

// NewShortCode validates and normalizes a short link code.
func NewShortCode(raw string) (ShortCode, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ShortCode{}, fmt.Errorf("%w: empty value", ErrInvalidShortCode)
	}
	return ShortCode{value: trimmed}, nil
}

// String returns the normalized code.
func (code ShortCode) String() string {
	return code.value
}

// NewCampaignID validates and normalizes a campaign id.
func NewCampaignID(raw string) (CampaignID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CampaignID{}, fmt.Errorf("%w: empty value", ErrInvalidCampaignID)
	}
	return CampaignID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CampaignID) String() string {
	return id.value
}

// NewOwnerID validates and normalizes an owner id.
func NewOwnerID(raw string) (OwnerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OwnerID{}, fmt.Errorf("%w: empty value", ErrInvalidOwnerID)
	}
	return OwnerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OwnerID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewAmountCents validates an amount and ensures it is not negative.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw cent amount.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return PositiveAmountCents(raw), nil
}

// Int64 returns the raw cent amount.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// ToAmountCents widens to a plain non-negative amount.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// ParseEventType validates a raw event type string.
func ParseEventType(raw string) (EventType, error) {
	switch EventType(strings.TrimSpace(raw)) {
	case EventClick:
		return EventClick, nil
	case EventView:
		return EventView, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, raw)
	}
}

// String returns the event type value.
func (eventType EventType) String() string {
	return string(eventType)
}

// ParseTopUpStatus validates a raw top-up status string.
func ParseTopUpStatus(raw string) (TopUpStatus, error) {
	switch TopUpStatus(strings.TrimSpace(raw)) {
	case TopUpStatusPending:
		return TopUpStatusPending, nil
	case TopUpStatusSuccess:
		return TopUpStatusSuccess, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTopUpStatus, raw)
	}
}

// String returns the status value.
func (status TopUpStatus) String() string {
	return string(status)
}

// Store is the persistence contract used by Service. Implementations must map
// unique-constraint violations to the matching sentinel errors and
// serialization failures to ErrTransactionConflict so the service can retry.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetWallet(ctx context.Context, clientID ClientID) (Wallet, error)
	GetWalletForUpdate(ctx context.Context, clientID ClientID) (Wallet, error)
	SetWalletBudget(ctx context.Context, clientID ClientID, budget AmountCents) error
	ApplyTopUp(ctx context.Context, clientID ClientID, amount PositiveAmountCents, atUnixUTC int64) error

	UpsertAdUnit(ctx context.Context, adID AdID, clientID ClientID) error
	GetAdUnitForUpdate(ctx context.Context, adID AdID) (AdUnit, error)
	ApplyAdCharge(ctx context.Context, adID AdID, eventType EventType, cost AmountCents) error
	InsertClickEvent(ctx context.Context, event ClickEvent) error

	InsertTopUpSession(ctx context.Context, session TopUpSession) error

	CreateShortLink(ctx context.Context, link ShortLink) error
	GetShortLink(ctx context.Context, code ShortCode) (ShortLink, error)
	SetShortLinkTarget(ctx context.Context, code ShortCode, targetURL string) error
	SetShortLinkActive(ctx context.Context, code ShortCode, active bool) error
	IncrementShortLinkClicks(ctx context.Context, code ShortCode) error

	ReferralCodeExists(ctx context.Context, code string) (bool, error)
	InsertReferralCode(ctx context.Context, code string, ownerID OwnerID) error
	NextCounterValue(ctx context.Context, scopeKey string) (int64, error)
}
