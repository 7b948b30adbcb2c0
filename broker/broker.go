package broker

import (
	"context"

	"github.com/sumire-dev/memberd/subscription"
)

// Producer defines the publishing side of the backfill queue. It satisfies
// subscription.Scheduler so the reconciliation engine can hand jobs off
// without blocking the webhook response
type Producer interface {
	Close()
	ScheduleBackfill(ctx context.Context, job subscription.BackfillJob) error
}

// Consumer defines the worker side of the backfill queue
type Consumer interface {
	Close()
	ReceiveBackfill(ctx context.Context) (<-chan *subscription.BackfillJob, error)
}
