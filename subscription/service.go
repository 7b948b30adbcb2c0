package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/sumire-dev/memberd/auth"
	"github.com/sumire-dev/memberd/external"
	resp "github.com/sumire-dev/memberd/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Auth                *auth.Auth
	SubscriptionManager *Manager
	Reconciler          *Reconciler
	Stripe              *external.StripeGateway
	Logger              *zap.Logger

	DefaultPriceID string
	AppURL         string
}

// Service is the billing API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the billing API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Stripe == nil {
		return nil, fmt.Errorf("nil Stripe is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.DefaultPriceID) == 0 {
		return nil, fmt.Errorf("empty DefaultPriceID is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

type subscriptionPayload struct {
	ID                   string     `json:"id"`
	Status               Status     `json:"status"`
	StripeCustomerID     string     `json:"stripeCustomerId"`
	StripeSubscriptionID string     `json:"stripeSubscriptionId"`
	CurrentPeriodEnd     *time.Time `json:"currentPeriodEnd"`
	CancelAt             *time.Time `json:"cancelAt"`
	CancelAtPeriodEnd    bool       `json:"cancelAtPeriodEnd"`
}

func (s *Service) getSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	sub, err := s.SubscriptionManager.GetByAccountID(ctx, claims.ID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get subscription"))
		return
	}

	if sub == nil {
		resp.WriteResponse(w, r, resp.V{"subscription": nil})
		return
	}

	resp.WriteResponse(w, r, resp.V{"subscription": subscriptionPayload{
		ID:                   sub.ID,
		Status:               sub.Status,
		StripeCustomerID:     sub.StripeCustomerID,
		StripeSubscriptionID: sub.StripeSubscriptionID,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
		CancelAt:             sub.CancelAt,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
	}})
}

type checkoutRequest struct {
	PriceID string `json:"priceId"`
}

func (s *Service) baseURL(r *http.Request) string {
	if len(s.AppURL) > 0 {
		return s.AppURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *Service) newCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(zap.String("AccountID", claims.ID))

	// body is optional, priceId falls back to the configured default
	var req checkoutRequest
	json.NewDecoder(r.Body).Decode(&req)
	priceID := req.PriceID
	if len(priceID) == 0 {
		priceID = s.DefaultPriceID
	}

	// reuse the Stripe customer when the account already has one
	var customerID string
	sub, err := s.SubscriptionManager.GetByAccountID(ctx, claims.ID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot create checkout session"))
		return
	}
	if sub != nil {
		customerID = sub.StripeCustomerID
	}

	base := s.baseURL(r)
	session, err := s.Stripe.NewCheckoutSession(ctx, external.CheckoutParams{
		PriceID:    priceID,
		AccountID:  claims.ID,
		CustomerID: customerID,
		Email:      claims.Email,
		// session_id on the success URL feeds the post-checkout sync when
		// the webhook is slow
		SuccessURL: base + "/billing?success=true&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  base + "/billing?canceled=true",
	})
	if err != nil {
		logger.Error("Unable to create checkout session in Stripe",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot create checkout session"))
		return
	}

	resp.WriteResponse(w, r, resp.V{
		"sessionId": session.ID,
		"url":       session.URL,
	})
}

func (s *Service) newPortal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	sub, err := s.SubscriptionManager.GetByAccountID(ctx, claims.ID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot create portal session"))
		return
	}
	if sub == nil || len(sub.StripeCustomerID) == 0 {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("No subscription found for this account"))
		return
	}

	session, err := s.Stripe.NewPortalSession(ctx, sub.StripeCustomerID, s.baseURL(r)+"/billing")
	if err != nil {
		s.Logger.Error("Unable to create portal session in Stripe",
			zap.String("AccountID", claims.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot create portal session"))
		return
	}

	resp.WriteResponse(w, r, resp.V{"url": session.URL})
}

// SyncRequest is the model of the post-checkout sync request
type SyncRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
}

func (s *Service) syncCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(zap.String("AccountID", claims.ID))

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("sessionId is required"))
		return
	}

	sub, err := s.Reconciler.SyncCheckoutSession(ctx, claims.ID, req.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionOwnership):
			resp.WriteError(w, r, resp.ErrForbidden())
		case errors.Is(err, ErrSessionIncomplete):
			resp.WriteError(w, r, resp.ErrNotFound().AddMessages("No subscription information found for this session"))
		case errors.Is(err, ErrInvalidStatus):
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid subscription status"))
		default:
			logger.Error("Unable to sync after checkout",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot synchronize subscription"))
		}
		return
	}

	resp.WriteResponse(w, r, resp.V{"subscription": sub})
}

func (s *Service) refreshSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	sub, err := s.Reconciler.Refresh(ctx, claims.ID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoSubscription):
			resp.WriteError(w, r, resp.ErrNotFound().AddMessages("No subscription found for this account"))
		case errors.Is(err, ErrInvalidStatus):
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid subscription status"))
		default:
			s.Logger.Error("Unable to refresh subscription",
				zap.String("AccountID", claims.ID),
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot refresh subscription"))
		}
		return
	}

	resp.WriteResponse(w, r, resp.V{"subscription": sub})
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// expanded event payloads can run large; read everything, the signature
	// check rejects anything not from Stripe
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Cannot read request body"))
		return
	}

	if !s.Stripe.WebhookConfigured() {
		s.Logger.Error("Missing webhook secret in configuration")
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Server misconfigured"))
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if len(signature) == 0 {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Missing signature"))
		return
	}

	event, err := s.Stripe.VerifyWebhook(body, signature)
	if err != nil {
		s.Logger.Warn("Webhook signature verification failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid signature"))
		return
	}

	if err := s.Reconciler.HandleEvent(ctx, event); err != nil {
		s.Logger.Error("Webhook handler failed",
			zap.String("EventType", string(event.Type)),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Webhook handler failed"))
		return
	}

	resp.WriteResponse(w, r, resp.V{"received": true})
}

// Router will return the routes under the billing API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	// Stripe authenticates with its signature, not a bearer token
	r.Post("/webhook", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware())
		r.Get("/", s.getSubscription)
		r.Post("/checkout", s.newCheckout)
		r.Post("/portal", s.newPortal)
		r.Post("/sync", s.syncCheckout)
		r.Post("/refresh", s.refreshSubscription)
	})

	return r
}
