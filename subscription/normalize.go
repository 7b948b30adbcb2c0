package subscription

import (
	"time"

	"github.com/stripe/stripe-go/v72"
)

// Pure conversion helpers between Stripe's wire representations and the
// database's canonical types. No I/O happens here.

// TimeFromSeconds converts a unix epoch in seconds to a timestamp. Stripe
// reports zero for absent fields, which maps to null
func TimeFromSeconds(seconds int64) *time.Time {
	if seconds <= 0 {
		return nil
	}
	t := time.Unix(seconds, 0).UTC()
	return &t
}

// ExtractCurrentPeriodEndSeconds locates current_period_end on a retrieved
// subscription. Right after checkout Stripe may not have the top-level field
// populated yet while the latest invoice line already carries the period, so
// check there before giving up. Returns 0 when no location has it
func ExtractCurrentPeriodEndSeconds(sub *stripe.Subscription) int64 {
	if sub == nil {
		return 0
	}
	if sub.CurrentPeriodEnd > 0 {
		return sub.CurrentPeriodEnd
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.Lines != nil {
		for _, line := range sub.LatestInvoice.Lines.Data {
			if line != nil && line.Period != nil && line.Period.End > 0 {
				return line.Period.End
			}
		}
	}
	return 0
}

// NormalizeCancelAtPeriodEnd collapses the flag to a strict boolean, nil-safe
// so an absent subscription never reads as a scheduled cancellation
func NormalizeCancelAtPeriodEnd(sub *stripe.Subscription) bool {
	return sub != nil && sub.CancelAtPeriodEnd
}

// Snapshot is the absolute target state derived from one Stripe subscription
// object. Every reconciliation write stores a snapshot wholesale instead of
// applying deltas, which is what makes replayed and reordered events safe
type Snapshot struct {
	Status            Status
	CurrentPeriodEnd  *time.Time
	CancelAt          *time.Time
	CancelAtPeriodEnd bool
}

// SnapshotFromStripe derives the target state from a subscription object.
// The status is passed through as-is; callers must gate on IsValidStatus
// before persisting
func SnapshotFromStripe(sub *stripe.Subscription) Snapshot {
	if sub == nil {
		return Snapshot{Status: StatusIncomplete}
	}
	return Snapshot{
		Status:            Status(sub.Status),
		CurrentPeriodEnd:  TimeFromSeconds(ExtractCurrentPeriodEndSeconds(sub)),
		CancelAt:          TimeFromSeconds(sub.CancelAt),
		CancelAtPeriodEnd: NormalizeCancelAtPeriodEnd(sub),
	}
}
