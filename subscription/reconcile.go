package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

// Stripe event kinds the engine reacts to. Everything else is acknowledged
// and dropped
const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	eventInvoiceFailed       = "invoice.payment_failed"
	eventInvoiceSucceeded    = "invoice.payment_succeeded"
)

const (
	defaultRetrieveAttempts = 4
	defaultRetrieveDelay    = 700 * time.Millisecond
)

// Errors surfaced by the client-facing reconciliation paths. The HTTP layer
// maps these onto the response taxonomy
var (
	ErrNoSubscription    = extErrors.New("no subscription exists for this account")
	ErrSessionOwnership  = extErrors.New("checkout session does not belong to this account")
	ErrSessionIncomplete = extErrors.New("checkout session carries no subscription")
	ErrInvalidStatus     = extErrors.New("subscription status is not recognized")
)

// Store is the persistence surface the engine writes through. Satisfied by
// *Manager
type Store interface {
	GetByAccountID(ctx context.Context, accountID string) (*Subscription, error)
	Upsert(ctx context.Context, sub *Subscription) error
	UpdateBySubscriptionID(ctx context.Context, subscriptionID string, fields map[string]interface{}) (int64, error)
	UpdateBySubscriptionIDForAccount(ctx context.Context, subscriptionID, accountID string, fields map[string]interface{}) (int64, error)
	UpdateByID(ctx context.Context, id string, fields map[string]interface{}) error
}

// Gateway is the read shape the engine needs from Stripe. Satisfied by
// *external.StripeGateway
type Gateway interface {
	Subscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	CheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error)
}

// Scheduler hands a period-end backfill off to run outside the
// request/response lifecycle
type Scheduler interface {
	ScheduleBackfill(ctx context.Context, job BackfillJob) error
}

// ReconcilerOptions contains the configuration for the Reconciler
type ReconcilerOptions struct {
	Store     Store
	Gateway   Gateway
	Scheduler Scheduler
	Logger    *zap.Logger

	// Bounded inline retry while Stripe propagates current_period_end
	RetrieveAttempts int
	RetrieveDelay    time.Duration
}

// Reconciler owns the single write path that turns Stripe events and
// explicit sync requests into stored Subscription mutations. Concurrent
// invocations coordinate only through the store's uniqueness guarantees;
// every write sets absolute values so duplicated or reordered deliveries
// converge
type Reconciler struct {
	ReconcilerOptions
}

// NewReconciler will create the reconciliation engine
func NewReconciler(option ReconcilerOptions) (*Reconciler, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Scheduler == nil {
		return nil, fmt.Errorf("nil Scheduler is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.RetrieveAttempts <= 0 {
		option.RetrieveAttempts = defaultRetrieveAttempts
	}
	if option.RetrieveDelay <= 0 {
		option.RetrieveDelay = defaultRetrieveDelay
	}
	return &Reconciler{
		ReconcilerOptions: option,
	}, nil
}

// retrieveWithRetry fetches a subscription from Stripe, retrying on error or
// while current_period_end has not propagated yet. Returns the last seen
// object even if period-end never showed up, or nil if every attempt failed
func (r *Reconciler) retrieveWithRetry(ctx context.Context, subscriptionID string) *stripe.Subscription {
	var last *stripe.Subscription
	for attempt := 1; attempt <= r.RetrieveAttempts; attempt++ {
		sub, err := r.Gateway.Subscription(ctx, subscriptionID)
		if err == nil {
			last = sub
			if ExtractCurrentPeriodEndSeconds(sub) > 0 {
				return sub
			}
		} else if attempt == r.RetrieveAttempts {
			r.Logger.Warn("Unable to fetch subscription with retry",
				zap.String("SubscriptionID", subscriptionID),
				zap.Error(err),
			)
		}
		if attempt < r.RetrieveAttempts {
			time.Sleep(r.RetrieveDelay)
		}
	}
	return last
}

func snapshotFields(snap Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"status":               snap.Status,
		"current_period_end":   snap.CurrentPeriodEnd,
		"cancel_at":            snap.CancelAt,
		"cancel_at_period_end": snap.CancelAtPeriodEnd,
	}
}

// HandleEvent dispatches one verified Stripe event. Unknown kinds are a
// successful no-op. Deliveries are at-least-once and unordered; every
// handler derives an absolute target state, so calling this twice with the
// same payload stores the same state
func (r *Reconciler) HandleEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case eventCheckoutCompleted:
		return r.handleCheckoutCompleted(ctx, event)
	case eventSubscriptionCreated:
		return r.handleSubscriptionCreated(ctx, event)
	case eventSubscriptionUpdated:
		return r.handleSubscriptionUpdated(ctx, event)
	case eventSubscriptionDeleted:
		return r.handleSubscriptionDeleted(ctx, event)
	case eventInvoiceFailed:
		return r.handleInvoice(ctx, event, false)
	case eventInvoiceSucceeded:
		return r.handleInvoice(ctx, event, true)
	default:
		return nil
	}
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return extErrors.Wrap(err, "Cannot parse checkout session payload")
	}

	// Checkout sessions that are not subscription mode lack these fields,
	// nothing to reconcile
	if len(session.ClientReferenceID) == 0 || session.Customer == nil || session.Subscription == nil {
		return nil
	}

	accountID := session.ClientReferenceID
	customerID := session.Customer.ID
	subscriptionID := session.Subscription.ID

	logger := r.Logger.With(
		zap.String("AccountID", accountID),
		zap.String("SubscriptionID", subscriptionID),
	)

	remote := r.retrieveWithRetry(ctx, subscriptionID)
	snap := SnapshotFromStripe(remote)
	if !IsValidStatus(string(snap.Status)) {
		snap.Status = StatusIncomplete
	}

	record := &Subscription{
		ID:                   shortuuid.New(),
		AccountID:            accountID,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: subscriptionID,
		Status:               snap.Status,
		CurrentPeriodEnd:     snap.CurrentPeriodEnd,
		CancelAt:             snap.CancelAt,
		CancelAtPeriodEnd:    snap.CancelAtPeriodEnd,
	}

	if err := r.Store.Upsert(ctx, record); err != nil {
		// Two rapid duplicate deliveries can race the unique indexes; the
		// guarded fallback re-applies the same absolute state to the row
		// that won
		logger.Warn("Upsert failed, applying fallback update",
			zap.Error(err),
		)
		fields := snapshotFields(snap)
		fields["stripe_customer_id"] = customerID
		affected, fbErr := r.Store.UpdateBySubscriptionIDForAccount(ctx, subscriptionID, accountID, fields)
		if fbErr != nil {
			return extErrors.Wrap(fbErr, "Fallback update failed after upsert conflict")
		}
		if affected == 0 {
			logger.Warn("Fallback update matched no row owned by this account")
			return nil
		}
	}

	if snap.CurrentPeriodEnd == nil {
		if err := r.Scheduler.ScheduleBackfill(ctx, BackfillJob{
			AccountID:      accountID,
			SubscriptionID: subscriptionID,
		}); err != nil {
			logger.Warn("Unable to schedule period-end backfill",
				zap.Error(err),
			)
		}
	}

	return nil
}

func (r *Reconciler) handleSubscriptionCreated(ctx context.Context, event stripe.Event) error {
	var created stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &created); err != nil {
		return extErrors.Wrap(err, "Cannot parse subscription payload")
	}

	// Created events can beat Stripe's own propagation, re-read for the
	// freshest state and fall back to the payload
	remote := r.retrieveWithRetry(ctx, created.ID)
	authoritative := remote
	if authoritative == nil {
		authoritative = &created
	}

	snap := SnapshotFromStripe(authoritative)
	if snap.CurrentPeriodEnd == nil {
		snap.CurrentPeriodEnd = TimeFromSeconds(created.CurrentPeriodEnd)
	}

	return r.applyBySubscriptionID(ctx, authoritative.ID, snap, event.Type)
}

func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var updated stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &updated); err != nil {
		return extErrors.Wrap(err, "Cannot parse subscription payload")
	}

	// The updated payload is itself current, no re-retrieval needed
	return r.applyBySubscriptionID(ctx, updated.ID, SnapshotFromStripe(&updated), event.Type)
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var deleted stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &deleted); err != nil {
		return extErrors.Wrap(err, "Cannot parse subscription payload")
	}

	periodEnd := deleted.CurrentPeriodEnd
	if periodEnd <= 0 {
		periodEnd = deleted.EndedAt
	}

	return r.applyBySubscriptionID(ctx, deleted.ID, Snapshot{
		Status:            StatusCanceled,
		CurrentPeriodEnd:  TimeFromSeconds(periodEnd),
		CancelAt:          TimeFromSeconds(deleted.CanceledAt),
		CancelAtPeriodEnd: false,
	}, event.Type)
}

func (r *Reconciler) handleInvoice(ctx context.Context, event stripe.Event, updatePeriodEnd bool) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return extErrors.Wrap(err, "Cannot parse invoice payload")
	}

	// One-off invoices carry no subscription
	if invoice.Subscription == nil || len(invoice.Subscription.ID) == 0 {
		return nil
	}
	subscriptionID := invoice.Subscription.ID

	if !updatePeriodEnd {
		r.Logger.Error("Payment failed for subscription",
			zap.String("SubscriptionID", subscriptionID),
		)
	}

	remote, err := r.Gateway.Subscription(ctx, subscriptionID)
	if err != nil {
		return extErrors.Wrap(err, "Cannot fetch subscription for invoice event")
	}

	if !IsValidStatus(string(remote.Status)) {
		r.Logger.Warn("Dropping invoice event with unrecognized status",
			zap.String("SubscriptionID", subscriptionID),
			zap.String("Status", string(remote.Status)),
		)
		return nil
	}

	// A failed payment changes standing but not the billing schedule, only
	// a successful one moves period-end
	fields := map[string]interface{}{
		"status": Status(remote.Status),
	}
	if updatePeriodEnd {
		fields["current_period_end"] = TimeFromSeconds(ExtractCurrentPeriodEndSeconds(remote))
	}

	_, err = r.Store.UpdateBySubscriptionID(ctx, subscriptionID, fields)
	return err
}

func (r *Reconciler) applyBySubscriptionID(ctx context.Context, subscriptionID string, snap Snapshot, kind string) error {
	if !IsValidStatus(string(snap.Status)) {
		r.Logger.Warn("Dropping event with unrecognized status",
			zap.String("EventType", kind),
			zap.String("SubscriptionID", subscriptionID),
			zap.String("Status", string(snap.Status)),
		)
		return nil
	}
	affected, err := r.Store.UpdateBySubscriptionID(ctx, subscriptionID, snapshotFields(snap))
	if err != nil {
		return err
	}
	if affected == 0 {
		// No row yet: the checkout-completed delivery has not landed. The
		// later delivery writes the full absolute state, so this is safe to
		// drop
		r.Logger.Warn("Event matched no stored subscription",
			zap.String("EventType", kind),
			zap.String("SubscriptionID", subscriptionID),
		)
	}
	return nil
}

// SyncCheckoutSession is the client-triggered fallback right after the
// checkout redirect returns, covering webhook delivery latency. State is
// re-derived server-side from Stripe; nothing client-supplied is trusted
// beyond the session id, and the session must reference the calling account
func (r *Reconciler) SyncCheckoutSession(ctx context.Context, accountID, sessionID string) (*Subscription, error) {
	if len(strings.TrimSpace(sessionID)) == 0 {
		return nil, ErrSessionIncomplete
	}

	session, err := r.Gateway.CheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot fetch checkout session")
	}

	if session.ClientReferenceID != accountID {
		return nil, ErrSessionOwnership
	}

	if session.Subscription == nil || session.Customer == nil {
		return nil, ErrSessionIncomplete
	}

	remote, err := r.Gateway.Subscription(ctx, session.Subscription.ID)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot fetch subscription")
	}

	if !IsValidStatus(string(remote.Status)) {
		return nil, ErrInvalidStatus
	}

	snap := SnapshotFromStripe(remote)
	record := &Subscription{
		ID:                   shortuuid.New(),
		AccountID:            accountID,
		StripeCustomerID:     session.Customer.ID,
		StripeSubscriptionID: remote.ID,
		Status:               snap.Status,
		CurrentPeriodEnd:     snap.CurrentPeriodEnd,
		CancelAt:             snap.CancelAt,
		CancelAtPeriodEnd:    snap.CancelAtPeriodEnd,
	}

	if err := r.Store.Upsert(ctx, record); err != nil {
		r.Logger.Warn("Sync upsert failed, applying fallback update",
			zap.String("AccountID", accountID),
			zap.Error(err),
		)
		fields := snapshotFields(snap)
		fields["stripe_customer_id"] = session.Customer.ID
		if _, fbErr := r.Store.UpdateBySubscriptionIDForAccount(ctx, remote.ID, accountID, fields); fbErr != nil {
			return nil, extErrors.Wrap(fbErr, "Fallback update failed after upsert conflict")
		}
	}

	return r.Store.GetByAccountID(ctx, accountID)
}

// Refresh re-pulls the authoritative state for an account that already holds
// a subscription. Scoped to the single known row, so no conflict fallback is
// needed
func (r *Reconciler) Refresh(ctx context.Context, accountID string) (*Subscription, error) {
	local, err := r.Store.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if local == nil || len(local.StripeSubscriptionID) == 0 {
		return nil, ErrNoSubscription
	}

	remote, err := r.Gateway.Subscription(ctx, local.StripeSubscriptionID)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot fetch subscription")
	}

	if !IsValidStatus(string(remote.Status)) {
		return nil, ErrInvalidStatus
	}

	if err := r.Store.UpdateByID(ctx, local.ID, snapshotFields(SnapshotFromStripe(remote))); err != nil {
		return nil, err
	}

	return r.Store.GetByAccountID(ctx, accountID)
}
