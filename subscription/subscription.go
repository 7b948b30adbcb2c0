package subscription

import "time"

// Subscription is the locally persisted mirror of an account's Stripe
// subscription. Exactly one row exists per account; every write path sets
// absolute values derived from Stripe so replays and out-of-order deliveries
// converge on a valid snapshot
type Subscription struct {
	ID                   string     `json:"id" gorm:"primaryKey"`
	AccountID            string     `json:"accountId" gorm:"uniqueIndex"`
	StripeCustomerID     string     `json:"stripeCustomerId" gorm:"uniqueIndex"`
	StripeSubscriptionID string     `json:"stripeSubscriptionId" gorm:"uniqueIndex"`
	Status               Status     `json:"status"`
	CurrentPeriodEnd     *time.Time `json:"currentPeriodEnd"` // null until Stripe supplies it
	CancelAt             *time.Time `json:"cancelAt"`
	CancelAtPeriodEnd    bool       `json:"cancelAtPeriodEnd"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}
