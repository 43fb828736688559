package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ChatCredits/app/repository"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/ledger"
)

// Refunder reverses a usage charge at most once.
type Refunder interface {
	Refund(ctx context.Context, chargePublicID string) (int64, error)
}

// ScheduleRefund enqueues the refund of a usage charge whose inline refund
// failed.
func (q *Queue) ScheduleRefund(ctx context.Context, chargePublicID string) error {
	job, err := q.EnqueueJob(ctx, JobTypeUsageRefund, UsageRefundJobPayload{ChargeID: chargePublicID})
	if err != nil {
		q.metrics.RefundJob("enqueue_failed")
		return err
	}
	q.metrics.RefundJob("enqueued")
	log.Warnf("[JobQueue] Refund of charge %s deferred to job %s", chargePublicID, job.ID)
	return nil
}

// processUsageRefundJob applies a deferred refund. Charges that are gone or
// not refundable are dropped instead of retried.
func (q *Queue) processUsageRefundJob(ctx context.Context, job *Job) error {
	payload, err := decodePayload[UsageRefundJobPayload](job)
	if err != nil {
		return err
	}
	if payload.ChargeID == "" {
		return fmt.Errorf("usage refund job %s without charge id", job.ID)
	}
	if q.refunds == nil {
		return fmt.Errorf("no refunder configured")
	}

	balance, err := q.refunds.Refund(ctx, payload.ChargeID)
	switch {
	case err == nil:
		q.metrics.RefundJob("refunded")
		log.Infof("[JobQueue] Refunded charge %s, balance now %d", payload.ChargeID, balance)
		return nil
	case errors.Is(err, ledger.ErrNotRefundable), repository.IsNotFound(err):
		q.metrics.RefundJob("dropped")
		log.Errorf("[JobQueue] Dropping refund of charge %s: %v", payload.ChargeID, err)
		return nil
	default:
		q.metrics.RefundJob("failed")
		return fmt.Errorf("refund charge %s: %w", payload.ChargeID, err)
	}
}
