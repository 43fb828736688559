package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ChatCredits/internal/pkg/billing"
)

// DefaultReconcileAge is used when a reconcile job carries no age.
const DefaultReconcileAge = time.Hour

// PurchaseReconciler settles credit purchases whose webhook never arrived.
type PurchaseReconciler interface {
	ReconcileStalePurchases(ctx context.Context, olderThan time.Duration) (billing.ReconcileResult, error)
}

// EnqueueReconcilePurchases schedules one reconciliation run. Running it as
// a job lets exactly one instance pick it up.
func (q *Queue) EnqueueReconcilePurchases(ctx context.Context, olderThan time.Duration) (*Job, error) {
	return q.EnqueueJob(ctx, JobTypeReconcilePurchases, ReconcilePurchasesJobPayload{
		OlderThanSeconds: int64(olderThan / time.Second),
	})
}

func (q *Queue) processReconcilePurchasesJob(ctx context.Context, job *Job) error {
	payload, err := decodePayload[ReconcilePurchasesJobPayload](job)
	if err != nil {
		return err
	}
	if q.reconciler == nil {
		return fmt.Errorf("no purchase reconciler configured")
	}

	olderThan := time.Duration(payload.OlderThanSeconds) * time.Second
	if olderThan <= 0 {
		olderThan = DefaultReconcileAge
	}

	result, err := q.reconciler.ReconcileStalePurchases(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("reconcile purchases: %w", err)
	}
	if result.Failed > 0 {
		log.Warnf("[JobQueue] Reconcile left %d of %d purchases for the next run", result.Failed, result.Checked)
	}
	return nil
}
