package subscription

// Status is the custom type for the Stripe subscription status
type Status string

// Statuses mirror Stripe's subscription status values. Anything outside this
// set is rejected before it can reach the database
const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusUnpaid            Status = "unpaid"
)

// ValidStatuses lists every status this application will persist
var ValidStatuses = []Status{
	StatusActive,
	StatusTrialing,
	StatusPastDue,
	StatusCanceled,
	StatusIncomplete,
	StatusIncompleteExpired,
	StatusUnpaid,
}

// IsValidStatus returns true iff value matches one of the enumerated
// statuses. Used as a guard before any write
func IsValidStatus(value string) bool {
	for _, s := range ValidStatuses {
		if string(s) == value {
			return true
		}
	}
	return false
}
