package payments

import (
	"context"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/dicilo-db/adledger/pkg/adledger"
)

const (
	metadataClientIDKey = "client_id"
	topUpProductName    = "Ad wallet top-up"
	defaultCurrency     = "eur"
)

// CheckoutParams describes one wallet top-up checkout to create.
type CheckoutParams struct {
	ClientID      adledger.ClientID
	AmountCents   adledger.PositiveAmountCents
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

// CheckoutSession is the hosted payment page handed back to the caller.
type CheckoutSession struct {
	SessionID string
	URL       string
}

// Gateway creates hosted checkout sessions with a payment provider.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error)
}

// StripeGateway implements Gateway over the Stripe hosted checkout API.
type StripeGateway struct {
	currency string
}

// StripeGatewayConfig wires credentials and defaults for the gateway.
type StripeGatewayConfig struct {
	SecretKey string
	Currency  string
}

// NewStripeGateway configures the stripe client library and returns a gateway.
func NewStripeGateway(config StripeGatewayConfig) (*StripeGateway, error) {
	if strings.TrimSpace(config.SecretKey) == "" {
		return nil, fmt.Errorf("%w: stripe secret key is required", ErrInvalidGatewayConfig)
	}
	stripe.Key = config.SecretKey
	currency := strings.ToLower(strings.TrimSpace(config.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	return &StripeGateway{currency: currency}, nil
}

// CreateCheckoutSession opens a single-payment checkout priced inline in
// cents. The client id rides along as session metadata so the completion
// webhook can route the credit.
func (gateway *StripeGateway) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error) {
	if params.SuccessURL == "" || params.CancelURL == "" {
		return CheckoutSession{}, fmt.Errorf("%w: success and cancel urls are required", ErrInvalidCheckoutParams)
	}
	sessionParams := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(gateway.currency),
					UnitAmount: stripe.Int64(params.AmountCents.Int64()),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(topUpProductName),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata: map[string]string{
			metadataClientIDKey: params.ClientID.String(),
		},
	}
	sessionParams.Context = ctx
	if params.CustomerEmail != "" {
		sessionParams.CustomerEmail = stripe.String(params.CustomerEmail)
	}
	session, err := checkoutsession.New(sessionParams)
	if err != nil {
		return CheckoutSession{}, adledger.WrapError("payments", "checkout", "create", err)
	}
	return CheckoutSession{SessionID: session.ID, URL: session.URL}, nil
}
