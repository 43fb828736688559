// Package usage gates paid persona operations: it checks the plan, charges
// the persona's cost, runs the operation and refunds the charge when the
// operation does not succeed.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/entitlements"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/ledger"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/metrics"
)

const (
	DefaultTimeout        = 60 * time.Second
	DefaultRefundAttempts = 3
)

var (
	ErrPlanRestricted      = errors.New("usage: persona requires a higher plan")
	ErrInsufficientCredits = errors.New("usage: insufficient credits")
	ErrOperationFailed     = errors.New("usage: operation failed")
	ErrOperationTimeout    = errors.New("usage: operation timed out")
	// ErrRefundFailed means the charge could not be reversed inline. The
	// refund was handed to the scheduler when one is configured.
	ErrRefundFailed    = errors.New("usage: refund failed")
	ErrAccountDisabled = errors.New("usage: account disabled")
)

// Entitlements provides the persona table snapshot.
type Entitlements interface {
	Snapshot() *entitlements.Snapshot
}

// RefundScheduler retries a refund out of band.
type RefundScheduler interface {
	ScheduleRefund(ctx context.Context, chargePublicID string) error
}

// Result is returned by Perform. Balance is the balance after the charge,
// or after the refund when the operation failed.
type Result[T any] struct {
	Value    T
	Cost     int64
	Balance  int64
	ChargeID string
}

type Option func(*Gate)

func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithRefundScheduler(s RefundScheduler) Option {
	return func(g *Gate) { g.refunds = s }
}

func WithRefundAttempts(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.refundAttempts = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// Gate holds the collaborators of Perform.
type Gate struct {
	ledger         *ledger.Ledger
	entitlements   Entitlements
	refunds        RefundScheduler
	metrics        *metrics.Metrics
	timeout        time.Duration
	refundAttempts int
}

func NewGate(l *ledger.Ledger, e Entitlements, opts ...Option) *Gate {
	g := &Gate{
		ledger:         l,
		entitlements:   e,
		timeout:        DefaultTimeout,
		refundAttempts: DefaultRefundAttempts,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Perform charges accountID for one use of persona and runs op. Cost and
// access are read from a single table snapshot. If op fails or exceeds the
// gate timeout the charge is refunded before Perform returns.
func Perform[T any](ctx context.Context, g *Gate, accountID uint, persona string, op func(ctx context.Context) (T, error)) (Result[T], error) {
	var res Result[T]

	snap := g.entitlements.Snapshot()
	rule, ok := snap.Lookup(persona)
	if !ok {
		g.metrics.UsageOperation(persona, "unknown_persona")
		return res, fmt.Errorf("%w: %s", entitlements.ErrUnknownPersona, persona)
	}
	res.Cost = rule.Cost

	account, err := g.ledger.Store().Accounts().GetByID(ctx, accountID)
	if err != nil {
		return res, err
	}
	if account.Disabled {
		return res, ErrAccountDisabled
	}
	res.Balance = account.Credits
	if !snap.IsUnlocked(entitlements.NormalizePlan(account.Plan), rule.Name) {
		g.metrics.UsageOperation(rule.Name, "plan_restricted")
		return res, fmt.Errorf("%w: %s needs %s", ErrPlanRestricted, rule.Name, rule.MinPlan)
	}

	charge, err := g.ledger.Charge(ctx, accountID, rule.Cost, ledger.Meta{
		Kind:        models.TransactionKindUsage,
		Persona:     rule.Name,
		Description: "persona usage",
	})
	if err != nil {
		return res, err
	}
	res.Balance = charge.Balance
	if charge.Outcome == ledger.InsufficientCredits {
		g.metrics.UsageOperation(rule.Name, "insufficient_credits")
		return res, fmt.Errorf("%w: balance %d, cost %d", ErrInsufficientCredits, charge.Balance, rule.Cost)
	}
	res.ChargeID = charge.Transaction.PublicID

	value, timedOut, opErr := runBounded(ctx, g.timeout, op)
	if opErr == nil {
		res.Value = value
		g.metrics.UsageOperation(rule.Name, "success")
		return res, nil
	}

	failure := ErrOperationFailed
	if timedOut || errors.Is(opErr, context.DeadlineExceeded) {
		failure = ErrOperationTimeout
	}

	// the caller may be gone; the refund must still land
	balance, refundErr := g.refund(context.WithoutCancel(ctx), res.ChargeID)
	if refundErr != nil {
		log.Errorf("[Usage] Refund of charge %s (account %d, persona %s) failed: %v", res.ChargeID, accountID, rule.Name, refundErr)
		if g.refunds != nil {
			if err := g.refunds.ScheduleRefund(context.WithoutCancel(ctx), res.ChargeID); err != nil {
				log.Errorf("[Usage] Scheduling refund of charge %s failed: %v", res.ChargeID, err)
			}
		}
		g.metrics.UsageOperation(rule.Name, "refund_failed")
		return res, fmt.Errorf("%w (%w: %v): %w", ErrRefundFailed, failure, opErr, refundErr)
	}

	res.Balance = balance
	if failure == ErrOperationTimeout {
		g.metrics.UsageOperation(rule.Name, "timeout")
	} else {
		g.metrics.UsageOperation(rule.Name, "failed")
	}
	log.Warnf("[Usage] Refunded charge %s for persona %s: %v", res.ChargeID, rule.Name, opErr)
	return res, fmt.Errorf("%w: %w", failure, opErr)
}

type opResult[T any] struct {
	value T
	err   error
}

// runBounded runs op and stops waiting once timeout passes, even when op
// ignores its context. A late result is dropped.
func runBounded[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan opResult[T], 1)
	go func() {
		value, err := op(opCtx)
		done <- opResult[T]{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, errors.Is(opCtx.Err(), context.DeadlineExceeded), r.err
	case <-opCtx.Done():
		var zero T
		timedOut := errors.Is(opCtx.Err(), context.DeadlineExceeded)
		return zero, timedOut, opCtx.Err()
	}
}

func (g *Gate) refund(ctx context.Context, chargeID string) (int64, error) {
	var err error
	for attempt := 1; attempt <= g.refundAttempts; attempt++ {
		var balance int64
		balance, err = g.ledger.Refund(ctx, chargeID)
		if err == nil {
			return balance, nil
		}
		if errors.Is(err, ledger.ErrNotRefundable) {
			return 0, err
		}
		time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
	}
	return 0, err
}
