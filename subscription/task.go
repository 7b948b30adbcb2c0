package subscription

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBackfillAttempts = 8
	defaultBackfillDelay    = 1500 * time.Millisecond
)

// BackfillJob asks for one narrow corrective write: fill in
// current_period_end once Stripe has finished propagating it
type BackfillJob struct {
	AccountID      string `json:"accountId"`
	SubscriptionID string `json:"subscriptionId"`
}

// TaskOptions contains the configuration for the backfill task
type TaskOptions struct {
	Store   Store
	Gateway Gateway
	Logger  *zap.Logger

	// More patient than the inline retry: the webhook has already been
	// acknowledged by the time this runs
	Attempts int
	Delay    time.Duration
}

// BackfillTask re-reads a subscription until a period-end appears, then
// updates just that field. Failure is swallowed: the manual refresh path is
// the safety net
type BackfillTask struct {
	TaskOptions
}

// NewBackfillTask will create the period-end backfill task
func NewBackfillTask(option TaskOptions) (*BackfillTask, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Attempts <= 0 {
		option.Attempts = defaultBackfillAttempts
	}
	if option.Delay <= 0 {
		option.Delay = defaultBackfillDelay
	}
	return &BackfillTask{
		TaskOptions: option,
	}, nil
}

// Backfill runs the bounded retry loop for a single job
func (t *BackfillTask) Backfill(ctx context.Context, job BackfillJob) {
	logger := t.Logger.With(
		zap.String("AccountID", job.AccountID),
		zap.String("SubscriptionID", job.SubscriptionID),
	)
	for attempt := 1; attempt <= t.Attempts; attempt++ {
		sub, err := t.Gateway.Subscription(ctx, job.SubscriptionID)
		if err == nil {
			if seconds := ExtractCurrentPeriodEndSeconds(sub); seconds > 0 {
				if _, err := t.Store.UpdateBySubscriptionID(ctx, job.SubscriptionID, map[string]interface{}{
					"current_period_end": TimeFromSeconds(seconds),
				}); err != nil {
					logger.Warn("Unable to backfill period-end",
						zap.Error(err),
					)
				}
				return
			}
		}
		if attempt < t.Attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.Delay):
			}
		}
	}
	logger.Warn("Period-end still missing after backfill attempts")
}

// HandleJobs consumes backfill jobs from a channel until the context is done
func (t *BackfillTask) HandleJobs(ctx context.Context, jobs <-chan *BackfillJob) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-jobs:
				if job == nil {
					continue
				}
				t.Backfill(ctx, *job)
			}
		}
	}()
}

// GoScheduler runs backfills as detached goroutines inside the API process,
// used when no message broker is configured. The job deliberately detaches
// from the request context: an in-flight backfill outliving the webhook
// response is the point
type GoScheduler struct {
	Task *BackfillTask
}

// NewGoScheduler will create the in-process scheduler
func NewGoScheduler(task *BackfillTask) (*GoScheduler, error) {
	if task == nil {
		return nil, fmt.Errorf("nil BackfillTask is invalid")
	}
	return &GoScheduler{
		Task: task,
	}, nil
}

// ScheduleBackfill spawns the job and returns immediately
func (s *GoScheduler) ScheduleBackfill(_ context.Context, job BackfillJob) error {
	go s.Task.Backfill(context.Background(), job)
	return nil
}
