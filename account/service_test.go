package account

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sumire-dev/memberd/auth"
	"github.com/sumire-dev/memberd/external"
	"github.com/sumire-dev/memberd/subscription"
	"go.uber.org/zap"
)

type fakeAccounts struct {
	byID    map[string]*Account
	deletes int
}

func newFakeAccounts(accounts ...*Account) *fakeAccounts {
	f := &fakeAccounts{byID: make(map[string]*Account)}
	for _, acct := range accounts {
		f.byID[acct.ID] = acct
	}
	return f
}

func (f *fakeAccounts) NewAccount(_ context.Context, email string) (*Account, error) {
	acct := &Account{ID: "acct_new", Email: email}
	f.byID[acct.ID] = acct
	return acct, nil
}

func (f *fakeAccounts) GetByID(_ context.Context, id string) (*Account, error) {
	return f.byID[id], nil
}

func (f *fakeAccounts) GetByEmail(_ context.Context, email string) (*Account, error) {
	for _, acct := range f.byID {
		if acct.Email == email {
			return acct, nil
		}
	}
	return nil, nil
}

func (f *fakeAccounts) MarkVerified(_ context.Context, id string) error {
	if acct := f.byID[id]; acct != nil {
		acct.Verified = true
	}
	return nil
}

func (f *fakeAccounts) Delete(_ context.Context, id string) error {
	f.deletes++
	delete(f.byID, id)
	return nil
}

type fakeSubscriptions struct {
	rec     *subscription.Subscription
	deletes int
}

func (f *fakeSubscriptions) GetByAccountID(_ context.Context, accountID string) (*subscription.Subscription, error) {
	if f.rec != nil && f.rec.AccountID == accountID {
		return f.rec, nil
	}
	return nil, nil
}

func (f *fakeSubscriptions) DeleteByAccountID(_ context.Context, accountID string) error {
	f.deletes++
	if f.rec != nil && f.rec.AccountID == accountID {
		f.rec = nil
	}
	return nil
}

type fakeIdentity struct {
	result  external.DeleteResult
	deleted []string
}

func (f *fakeIdentity) DeleteUser(_ context.Context, userID string) external.DeleteResult {
	f.deleted = append(f.deleted, userID)
	return f.result
}

func newDeleteTestService(accounts *fakeAccounts, subs *fakeSubscriptions, identity *fakeIdentity) *Service {
	// the deletion handler never touches Auth, the middleware runs upstream
	return &Service{
		ServiceOptions: ServiceOptions{
			AccountManager:      accounts,
			SubscriptionManager: subs,
			Identity:            identity,
			Logger:              zap.NewNop(),
		},
	}
}

func postDelete(s *Service) *httptest.ResponseRecorder {
	claims := &auth.Claims{ID: "acct_1", Email: "user@example.com"}
	req := httptest.NewRequest(http.MethodPost, "/delete", nil)
	req = req.WithContext(context.WithValue(req.Context(), auth.Context, claims))
	w := httptest.NewRecorder()
	s.deleteAccount(w, req)
	return w
}

func TestDeleteAccountBlockedByActiveSubscription(t *testing.T) {
	periodEnd := time.Now().Add(7 * 24 * time.Hour).UTC()
	accounts := newFakeAccounts(&Account{ID: "acct_1", Email: "user@example.com"})
	subs := &fakeSubscriptions{
		rec: &subscription.Subscription{
			ID:               "rec_1",
			AccountID:        "acct_1",
			Status:           subscription.StatusActive,
			CurrentPeriodEnd: &periodEnd,
		},
	}
	identity := &fakeIdentity{result: external.DeleteResult{OK: true, StatusCode: http.StatusNoContent}}

	w := postDelete(newDeleteTestService(accounts, subs, identity))

	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), "active subscription must be cancelled")
	// nothing was touched, locally or remotely
	require.Zero(t, accounts.deletes)
	require.Zero(t, subs.deletes)
	require.NotNil(t, subs.rec)
	require.Empty(t, identity.deleted)
}

func TestDeleteAccountRemovesLocalStateAndRemoteUser(t *testing.T) {
	accounts := newFakeAccounts(&Account{ID: "acct_1", Email: "user@example.com"})
	subs := &fakeSubscriptions{
		rec: &subscription.Subscription{
			ID:        "rec_1",
			AccountID: "acct_1",
			Status:    subscription.StatusCanceled,
		},
	}
	identity := &fakeIdentity{result: external.DeleteResult{OK: true, StatusCode: http.StatusNoContent}}

	w := postDelete(newDeleteTestService(accounts, subs, identity))

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"success":true`)
	require.NotContains(t, w.Body.String(), "warning")
	require.Equal(t, 1, subs.deletes)
	require.Nil(t, subs.rec)
	require.Equal(t, 1, accounts.deletes)
	require.Nil(t, accounts.byID["acct_1"])
	require.Equal(t, []string{"acct_1"}, identity.deleted)
}

func TestDeleteAccountWarnsWhenForfeitingPaidPeriod(t *testing.T) {
	periodEnd := time.Now().Add(7 * 24 * time.Hour).UTC()
	accounts := newFakeAccounts(&Account{ID: "acct_1", Email: "user@example.com"})
	subs := &fakeSubscriptions{
		rec: &subscription.Subscription{
			ID:                "rec_1",
			AccountID:         "acct_1",
			Status:            subscription.StatusActive,
			CurrentPeriodEnd:  &periodEnd,
			CancelAtPeriodEnd: true,
		},
	}
	identity := &fakeIdentity{result: external.DeleteResult{OK: true, StatusCode: http.StatusNoContent}}

	w := postDelete(newDeleteTestService(accounts, subs, identity))

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "forfeited")
	require.Equal(t, 1, accounts.deletes)
	require.Equal(t, []string{"acct_1"}, identity.deleted)
}

func TestDeleteAccountSurfacesIdentityFailure(t *testing.T) {
	accounts := newFakeAccounts(&Account{ID: "acct_1", Email: "user@example.com"})
	subs := &fakeSubscriptions{}
	identity := &fakeIdentity{result: external.DeleteResult{
		OK:         false,
		StatusCode: http.StatusBadGateway,
		Message:    "Unable to delete user from identity provider",
	}}

	w := postDelete(newDeleteTestService(accounts, subs, identity))

	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Contains(t, w.Body.String(), "identity provider")
	// local rows are already gone at this point, only the remote delete is
	// left for a manual retry
	require.Equal(t, 1, accounts.deletes)
	require.Equal(t, []string{"acct_1"}, identity.deleted)
}
