package subscription

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sumire-dev/memberd/auth"
	"github.com/sumire-dev/memberd/external"
	"go.uber.org/zap"
)

const testWebhookSecret = "whsec_test_secret"

func newWebhookTestService(t *testing.T, secret string, store Store) *Service {
	t.Helper()
	gateway, err := external.NewStripeGateway(external.StripeOptions{
		Key:           "sk_test_key",
		WebhookSecret: secret,
	})
	require.NoError(t, err)

	r, err := NewReconciler(ReconcilerOptions{
		Store:            store,
		Gateway:          &fakeGateway{},
		Scheduler:        &fakeScheduler{},
		Logger:           zap.NewNop(),
		RetrieveAttempts: 1,
		RetrieveDelay:    time.Millisecond,
	})
	require.NoError(t, err)

	// the webhook route does not touch Auth or the manager, leave them unset
	return &Service{
		ServiceOptions: ServiceOptions{
			Reconciler:     r,
			Stripe:         gateway,
			Logger:         zap.NewNop(),
			DefaultPriceID: "price_test",
		},
	}
}

// signPayload produces a Stripe-Signature header value over the payload the
// way Stripe signs deliveries
func signPayload(secret string, at time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func postWebhook(s *Service, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	if len(signature) > 0 {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	s.handleWebhook(w, req)
	return w
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	s := newWebhookTestService(t, testWebhookSecret, newFakeStore())

	w := postWebhook(s, []byte(`{"type":"payment_intent.succeeded"}`), "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	s := newWebhookTestService(t, testWebhookSecret, newFakeStore())

	payload := []byte(`{"type":"payment_intent.succeeded"}`)
	signature := signPayload("whsec_wrong_secret", time.Now(), payload)

	w := postWebhook(s, payload, signature)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookFailsClosedWithoutSecret(t *testing.T) {
	s := newWebhookTestService(t, "", newFakeStore())

	payload := []byte(`{"type":"payment_intent.succeeded"}`)
	signature := signPayload(testWebhookSecret, time.Now(), payload)

	w := postWebhook(s, payload, signature)
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWebhookAcknowledgesUnhandledEvent(t *testing.T) {
	store := newFakeStore()
	s := newWebhookTestService(t, testWebhookSecret, store)

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)
	signature := signPayload(testWebhookSecret, time.Now(), payload)

	w := postWebhook(s, payload, signature)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"received":true`)
	require.Zero(t, store.upserts)
	require.Zero(t, store.updates)
}

func TestWebhookAppliesSignedSubscriptionUpdate(t *testing.T) {
	store := newFakeStore()
	store.seed(&Subscription{
		ID:                   "rec_1",
		AccountID:            "acct_1",
		StripeSubscriptionID: "sub_1",
		Status:               StatusActive,
	})
	s := newWebhookTestService(t, testWebhookSecret, store)

	payload := []byte(`{"id":"evt_2","type":"customer.subscription.updated",` +
		`"data":{"object":{"id":"sub_1","status":"past_due","current_period_end":1700000000}}}`)
	signature := signPayload(testWebhookSecret, time.Now(), payload)

	w := postWebhook(s, payload, signature)
	require.Equal(t, http.StatusOK, w.Code)

	rec, _ := store.GetByAccountID(context.Background(), "acct_1")
	require.Equal(t, StatusPastDue, rec.Status)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), *rec.CurrentPeriodEnd)
}

func TestWebhookAcceptsLargePayload(t *testing.T) {
	s := newWebhookTestService(t, testWebhookSecret, newFakeStore())

	// expanded invoice objects can push deliveries well past any small cap
	padding := strings.Repeat("x", 128<<10)
	payload := []byte(`{"id":"evt_3","type":"payment_intent.succeeded",` +
		`"data":{"object":{"id":"pi_1","description":"` + padding + `"}}}`)
	signature := signPayload(testWebhookSecret, time.Now(), payload)

	w := postWebhook(s, payload, signature)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"received":true`)
}

func TestSyncRejectsBlankSessionID(t *testing.T) {
	store := newFakeStore()
	s := newWebhookTestService(t, testWebhookSecret, store)

	claims := &auth.Claims{ID: "acct_1", Email: "user@example.com"}
	req := httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(`{"sessionId":"   "}`))
	req = req.WithContext(context.WithValue(req.Context(), auth.Context, claims))
	w := httptest.NewRecorder()
	s.syncCheckout(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Zero(t, store.upserts)
}
