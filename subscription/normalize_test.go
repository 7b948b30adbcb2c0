package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
)

func TestIsValidStatus(t *testing.T) {
	for _, s := range ValidStatuses {
		require.True(t, IsValidStatus(string(s)), "expected %q to be valid", s)
	}

	for _, s := range []string{"", "Active", "ACTIVE", "paused", "cancelled", "past-due", "unknown", "incomplete "} {
		require.False(t, IsValidStatus(s), "expected %q to be invalid", s)
	}
}

func TestTimeFromSeconds(t *testing.T) {
	require.Nil(t, TimeFromSeconds(0))
	require.Nil(t, TimeFromSeconds(-1))

	ts := TimeFromSeconds(1700000000)
	require.NotNil(t, ts)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), *ts)
	require.Equal(t, int64(1700000000*1000), ts.UnixNano()/int64(time.Millisecond))
}

func TestExtractCurrentPeriodEndSeconds(t *testing.T) {
	require.Equal(t, int64(0), ExtractCurrentPeriodEndSeconds(nil))

	topLevel := &stripe.Subscription{CurrentPeriodEnd: 1695000000}
	require.Equal(t, int64(1695000000), ExtractCurrentPeriodEndSeconds(topLevel))

	// right after checkout the top-level field can lag behind the invoice
	nested := &stripe.Subscription{
		LatestInvoice: &stripe.Invoice{
			Lines: &stripe.InvoiceLineList{
				Data: []*stripe.InvoiceLine{
					{Period: &stripe.Period{End: 1695000000}},
				},
			},
		},
	}
	require.Equal(t, int64(1695000000), ExtractCurrentPeriodEndSeconds(nested))

	empty := &stripe.Subscription{
		LatestInvoice: &stripe.Invoice{
			Lines: &stripe.InvoiceLineList{
				Data: []*stripe.InvoiceLine{{}},
			},
		},
	}
	require.Equal(t, int64(0), ExtractCurrentPeriodEndSeconds(empty))
}

func TestNormalizeCancelAtPeriodEnd(t *testing.T) {
	require.False(t, NormalizeCancelAtPeriodEnd(nil))
	require.False(t, NormalizeCancelAtPeriodEnd(&stripe.Subscription{}))
	require.True(t, NormalizeCancelAtPeriodEnd(&stripe.Subscription{CancelAtPeriodEnd: true}))
}

func TestSnapshotFromStripe(t *testing.T) {
	snap := SnapshotFromStripe(nil)
	require.Equal(t, StatusIncomplete, snap.Status)
	require.Nil(t, snap.CurrentPeriodEnd)
	require.Nil(t, snap.CancelAt)
	require.False(t, snap.CancelAtPeriodEnd)

	snap = SnapshotFromStripe(&stripe.Subscription{
		Status:            stripe.SubscriptionStatusActive,
		CurrentPeriodEnd:  1695000000,
		CancelAt:          1694000000,
		CancelAtPeriodEnd: true,
	})
	require.Equal(t, StatusActive, snap.Status)
	require.Equal(t, time.Unix(1695000000, 0).UTC(), *snap.CurrentPeriodEnd)
	require.Equal(t, time.Unix(1694000000, 0).UTC(), *snap.CancelAt)
	require.True(t, snap.CancelAtPeriodEnd)
}
