package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dicilo-db/adledger/pkg/adledger"
)

// Errors surfaced by webhook handling.
var (
	ErrSignatureInvalid      = errors.New("webhook signature invalid")
	ErrUnsupportedEvent      = errors.New("unsupported webhook event")
	ErrInvalidNotification   = errors.New("invalid webhook notification")
	ErrInvalidGatewayConfig  = errors.New("invalid gateway config")
	ErrInvalidCheckoutParams = errors.New("invalid checkout params")
)

const (
	eventCheckoutCompleted = "checkout.session.completed"
	signatureTolerance     = 5 * time.Minute
)

// TopUpNotification is the billing-relevant extract of a completed checkout.
type TopUpNotification struct {
	SessionID   adledger.SessionID
	ClientID    adledger.ClientID
	AmountCents adledger.PositiveAmountCents
}

type webhookEnvelope struct {
	Type string `json:"type"`
	Data struct {
		Object checkoutSessionObject `json:"object"`
	} `json:"data"`
}

type checkoutSessionObject struct {
	ID          string `json:"id"`
	AmountTotal int64  `json:"amount_total"`
	Metadata    struct {
		ClientID string `json:"client_id"`
	} `json:"metadata"`
}

// VerifySignature checks a provider signature header of the form
// "t=<unix>,v1=<hex hmac>" against HMAC-SHA256 over "<unix>.<body>". Multiple
// v1 entries are accepted if any matches; timestamps older than five minutes
// are rejected to blunt replayed captures.
func VerifySignature(payload []byte, signatureHeader string, secret string, now time.Time) error {
	if signatureHeader == "" || secret == "" {
		return ErrSignatureInvalid
	}
	var timestamp string
	var signatures []string
	for _, element := range strings.Split(signatureHeader, ",") {
		parts := strings.SplitN(strings.TrimSpace(element), "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: missing timestamp or signature", ErrSignatureInvalid)
	}
	timestampSeconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: unparseable timestamp", ErrSignatureInvalid)
	}
	age := now.Sub(time.Unix(timestampSeconds, 0))
	if age > signatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}
	expected := computeSignature(payload, timestamp, secret)
	for _, candidate := range signatures {
		provided, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(provided, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrSignatureInvalid)
}

// SignPayload produces a valid signature header for a payload at a timestamp.
func SignPayload(payload []byte, secret string, at time.Time) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(computeSignature(payload, timestamp, secret)))
}

func computeSignature(payload []byte, timestamp string, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// ParseTopUpNotification extracts the wallet credit from a verified
// checkout.session.completed payload. Other event types report
// ErrUnsupportedEvent so handlers can acknowledge without acting.
func ParseTopUpNotification(payload []byte) (TopUpNotification, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return TopUpNotification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if envelope.Type != eventCheckoutCompleted {
		return TopUpNotification{}, fmt.Errorf("%w: %q", ErrUnsupportedEvent, envelope.Type)
	}
	sessionID, err := adledger.NewSessionID(envelope.Data.Object.ID)
	if err != nil {
		return TopUpNotification{}, fmt.Errorf("%w: session id: %v", ErrInvalidNotification, err)
	}
	clientID, err := adledger.NewClientID(envelope.Data.Object.Metadata.ClientID)
	if err != nil {
		return TopUpNotification{}, fmt.Errorf("%w: client id: %v", ErrInvalidNotification, err)
	}
	amount, err := adledger.NewPositiveAmountCents(envelope.Data.Object.AmountTotal)
	if err != nil {
		return TopUpNotification{}, fmt.Errorf("%w: amount: %v", ErrInvalidNotification, err)
	}
	return TopUpNotification{SessionID: sessionID, ClientID: clientID, AmountCents: amount}, nil
}
