package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sumire-dev/memberd/subscription"
)

func TestEvaluateDeletion(t *testing.T) {
	periodEnd := time.Now().Add(14 * 24 * time.Hour).UTC()

	tests := []struct {
		name     string
		sub      *subscription.Subscription
		allowed  bool
		forfeits bool
	}{
		{
			name:    "no subscription record",
			sub:     nil,
			allowed: true,
		},
		{
			name: "canceled subscription",
			sub: &subscription.Subscription{
				Status: subscription.StatusCanceled,
			},
			allowed: true,
		},
		{
			name: "active subscription",
			sub: &subscription.Subscription{
				Status:           subscription.StatusActive,
				CurrentPeriodEnd: &periodEnd,
			},
			allowed: false,
		},
		{
			name: "trialing subscription",
			sub: &subscription.Subscription{
				Status: subscription.StatusTrialing,
			},
			allowed: false,
		},
		{
			name: "past due subscription",
			sub: &subscription.Subscription{
				Status: subscription.StatusPastDue,
			},
			allowed: false,
		},
		{
			name: "cancellation scheduled at period end",
			sub: &subscription.Subscription{
				Status:            subscription.StatusActive,
				CurrentPeriodEnd:  &periodEnd,
				CancelAtPeriodEnd: true,
			},
			allowed:  true,
			forfeits: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decision := EvaluateDeletion(tc.sub)
			require.Equal(t, tc.allowed, decision.Allowed)
			require.Equal(t, tc.forfeits, decision.ForfeitsPaidPeriod)
			if !tc.allowed {
				require.NotEmpty(t, decision.Reason)
			}
		})
	}
}
