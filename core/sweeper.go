package core

import (
	"context"
	"fmt"
	"time"
)

// SweepJobID names the queue job that prunes expired credentials and
// stale nonces.
const SweepJobID = "bond.credentials.sweep"

// Sweeper is the sweep surface the job runner needs.
type Sweeper interface {
	SweepExpired(ctx context.Context) (SweepStats, error)
}

// NewSweepJobMessage builds the queue message for one sweep run. The
// idempotency key folds in the hour so rescheduled duplicates within a
// window collapse.
func NewSweepJobMessage(now time.Time) *JobExecutionMessage {
	return &JobExecutionMessage{
		JobID:          SweepJobID,
		IdempotencyKey: fmt.Sprintf("%s:%s", SweepJobID, now.UTC().Format("2006010215")),
		DedupPolicy:    "ignore",
	}
}

// EnqueueSweep schedules a sweep run on the queue.
func EnqueueSweep(ctx context.Context, enqueuer JobEnqueuer, now time.Time) error {
	if enqueuer == nil {
		return fmt.Errorf("core: job enqueuer is required")
	}
	return enqueuer.Enqueue(ctx, NewSweepJobMessage(now))
}

// HandleSweepDelivery runs one sweep for a queue delivery, acking on
// success and requeueing on failure.
func HandleSweepDelivery(ctx context.Context, sweeper Sweeper, delivery JobDelivery) error {
	if sweeper == nil || delivery == nil {
		return fmt.Errorf("core: sweeper and delivery are required")
	}
	message := delivery.Message()
	if message == nil || message.JobID != SweepJobID {
		return delivery.Nack(ctx, JobNackOptions{
			Requeue:    false,
			DeadLetter: true,
			Reason:     "unexpected job id",
		})
	}

	if _, err := sweeper.SweepExpired(ctx); err != nil {
		if nackErr := delivery.Nack(ctx, JobNackOptions{
			Requeue: true,
			Delay:   time.Minute,
			Reason:  err.Error(),
		}); nackErr != nil {
			return nackErr
		}
		return err
	}
	return delivery.Ack(ctx)
}
