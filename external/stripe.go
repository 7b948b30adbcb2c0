package external

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"
)

// ErrStripeNotConfigured signals missing configuration, as opposed to a
// failure talking to Stripe
var ErrStripeNotConfigured = fmt.Errorf("missing STRIPE_KEY in environment")

// StripeOptions provides initialization parameters for the Stripe gateway
type StripeOptions struct {
	Key           string
	WebhookSecret string
}

// StripeGateway is a thin call-through to the Stripe API. Only the shapes
// the reconciliation engine depends on are exposed here
type StripeGateway struct {
	client        *client.API
	webhookSecret string
}

// NewStripeGateway validates the configuration and returns a gateway instance
func NewStripeGateway(option StripeOptions) (*StripeGateway, error) {
	if len(option.Key) == 0 {
		return nil, ErrStripeNotConfigured
	}
	sc := &client.API{}
	sc.Init(option.Key, nil)
	return &StripeGateway{
		client:        sc,
		webhookSecret: option.WebhookSecret,
	}, nil
}

var (
	stripeOnce sync.Once
	stripeGw   *StripeGateway
	stripeErr  error
)

// Stripe returns the process-wide gateway, constructed on first use from the
// environment. Initialization failure is sticky and reported to every caller
func Stripe() (*StripeGateway, error) {
	stripeOnce.Do(func() {
		stripeGw, stripeErr = NewStripeGateway(StripeOptions{
			Key:           os.Getenv("STRIPE_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		})
	})
	return stripeGw, stripeErr
}

// Subscription retrieves a subscription with the latest invoice expanded,
// since period-end may only be populated on the invoice lines early on
func (g *StripeGateway) Subscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	params.AddExpand("latest_invoice")
	return g.client.Subscriptions.Get(subscriptionID, params)
}

// CheckoutSession retrieves a checkout session by id
func (g *StripeGateway) CheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	return g.client.CheckoutSessions.Get(sessionID, params)
}

// CheckoutParams describes a new subscription-mode checkout session
type CheckoutParams struct {
	PriceID     string
	AccountID   string
	CustomerID  string // reuse an existing Stripe customer when known
	Email       string // used only when CustomerID is empty
	SuccessURL  string
	CancelURL   string
}

// NewCheckoutSession creates a subscription-mode checkout session. The
// account id rides along as client_reference_id so the completion event and
// the post-checkout sync can be tied back to the account
func (g *StripeGateway) NewCheckoutSession(ctx context.Context, opt CheckoutParams) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{
			Context: ctx,
			Metadata: map[string]string{
				"accountId": opt.AccountID,
			},
		},
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(opt.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:               stripe.String(opt.SuccessURL),
		CancelURL:                stripe.String(opt.CancelURL),
		ClientReferenceID:        stripe.String(opt.AccountID),
		AllowPromotionCodes:      stripe.Bool(true),
		BillingAddressCollection: stripe.String("auto"),
	}
	if len(opt.CustomerID) > 0 {
		params.Customer = stripe.String(opt.CustomerID)
	} else if len(opt.Email) > 0 {
		params.CustomerEmail = stripe.String(opt.Email)
	}
	return g.client.CheckoutSessions.New(params)
}

// NewPortalSession creates a billing portal session for an existing customer
func (g *StripeGateway) NewPortalSession(ctx context.Context, customerID, returnURL string) (*stripe.BillingPortalSession, error) {
	params := &stripe.BillingPortalSessionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	return g.client.BillingPortalSessions.New(params)
}

// VerifyWebhook checks the signature header against the shared secret and
// parses the event. Never parse the payload before this succeeds
func (g *StripeGateway) VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	if len(g.webhookSecret) == 0 {
		return stripe.Event{}, fmt.Errorf("missing STRIPE_WEBHOOK_SECRET in environment")
	}
	return webhook.ConstructEvent(payload, sigHeader, g.webhookSecret)
}

// WebhookConfigured reports whether the shared webhook secret is present
func (g *StripeGateway) WebhookConfigured() bool {
	return len(g.webhookSecret) > 0
}
