package account

import (
	"github.com/sumire-dev/memberd/subscription"
)

// Decision is the outcome of the deletion gate
type Decision struct {
	Allowed bool
	// ForfeitsPaidPeriod flags an already-scheduled cancellation: deleting
	// now gives up the remainder of the paid period. Callers must surface
	// this to the user rather than absorb it
	ForfeitsPaidPeriod bool
	Reason             string
}

// EvaluateDeletion decides whether an account may be deleted given its
// current subscription state. Read-only; the subscription record is the one
// source of truth here
func EvaluateDeletion(sub *subscription.Subscription) Decision {
	if sub == nil {
		return Decision{Allowed: true}
	}
	if sub.Status == subscription.StatusCanceled {
		return Decision{Allowed: true}
	}
	if sub.CancelAtPeriodEnd {
		return Decision{Allowed: true, ForfeitsPaidPeriod: true}
	}
	return Decision{
		Allowed: false,
		Reason:  "An active subscription must be cancelled before the account can be deleted",
	}
}
