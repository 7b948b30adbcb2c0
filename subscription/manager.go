package subscription

import (
	"context"
	"errors"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// mutableColumns are the columns an upsert refreshes when the account
// already has a row
var mutableColumns = []string{
	"stripe_customer_id",
	"stripe_subscription_id",
	"status",
	"current_period_end",
	"cancel_at",
	"cancel_at_period_end",
	"updated_at",
}

// Manager handles the database operations relating to Subscriptions
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for subscription records
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// GetByAccountID will try to return the subscription record for an account
func (m *Manager) GetByAccountID(ctx context.Context, accountID string) (*Subscription, error) {
	var sub Subscription

	result := m.db.WithContext(ctx).First(&sub, "account_id = ?", accountID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by account")
	}

	return &sub, nil
}

// Upsert inserts the record, or refreshes every mutable column when a row
// for the account already exists. The account uniqueness is the conflict
// target; a clash on the subscription/customer unique indexes still surfaces
// as an error so callers can apply their fallback
func (m *Manager) Upsert(ctx context.Context, sub *Subscription) error {
	result := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns(mutableColumns),
	}).Create(sub)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot upsert subscription")
	}
	return nil
}

// UpdateBySubscriptionID applies absolute field values to the row holding
// the given Stripe subscription id, reporting how many rows matched
func (m *Manager) UpdateBySubscriptionID(ctx context.Context, subscriptionID string, fields map[string]interface{}) (int64, error) {
	result := m.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("stripe_subscription_id = ?", subscriptionID).
		Updates(fields)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return 0, extErrors.Wrap(result.Error, "Cannot update subscription by subscription id")
	}
	return result.RowsAffected, nil
}

// UpdateBySubscriptionIDForAccount is the guarded variant used by the
// upsert-conflict fallback: the account id in the predicate prevents a
// duplicate-delivery race from ever touching another account's row
func (m *Manager) UpdateBySubscriptionIDForAccount(ctx context.Context, subscriptionID, accountID string, fields map[string]interface{}) (int64, error) {
	result := m.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("stripe_subscription_id = ?", subscriptionID).
		Where("account_id = ?", accountID).
		Updates(fields)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return 0, extErrors.Wrap(result.Error, "Cannot update subscription for account")
	}
	return result.RowsAffected, nil
}

// UpdateByID applies absolute field values to a single known row
func (m *Manager) UpdateByID(ctx context.Context, id string, fields map[string]interface{}) error {
	result := m.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("id = ?", id).
		Updates(fields)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot update subscription by row id")
	}
	return nil
}

// DeleteByAccountID removes the account's subscription record. Only account
// deletion goes through here
func (m *Manager) DeleteByAccountID(ctx context.Context, accountID string) error {
	result := m.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Delete(&Subscription{})
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot delete subscription for account")
	}
	return nil
}
