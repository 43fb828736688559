// Package ledger owns every write to an account's credit balance.
//
// Balance changes are compare-and-swap writes on the account version,
// committed together with their ledger transaction row. A lost race restarts
// the whole unit of work, so callers composing work through Atomically must
// keep their callback free of side effects outside the passed Tx.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/ManuelReschke/ChatCredits/app/repository"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/metrics"
)

// DefaultMaxRetries bounds how often a conflicting unit is restarted.
const DefaultMaxRetries = 5

var (
	// ErrLedgerContention is returned when a unit kept losing against
	// concurrent writers. It is transient.
	ErrLedgerContention = errors.New("ledger: contention, retry later")
	// ErrInvalidAmount is returned for non-positive charges or grants and
	// negative balances.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrDuplicateRef is returned when an external event reference was
	// already recorded.
	ErrDuplicateRef = errors.New("ledger: external reference already recorded")
	// ErrNotPending is returned when settling a transaction that already
	// reached a terminal status.
	ErrNotPending = errors.New("ledger: transaction is not pending")
	// ErrNotRefundable is returned when refunding anything but a completed
	// usage charge.
	ErrNotRefundable = errors.New("ledger: transaction is not a refundable charge")
)

// RefundRef is the external reference of the refund for a usage charge.
func RefundRef(chargePublicID string) string {
	return "refund:" + chargePublicID
}

// Outcome discriminates the result of a charge.
type Outcome int

const (
	Charged Outcome = iota + 1
	InsufficientCredits
)

func (o Outcome) String() string {
	switch o {
	case Charged:
		return "charged"
	case InsufficientCredits:
		return "insufficient_credits"
	default:
		return "unknown"
	}
}

// ChargeResult is returned by Charge. Transaction is nil unless Charged.
type ChargeResult struct {
	Outcome     Outcome
	Balance     int64
	Transaction *models.LedgerTransaction
}

// Meta describes the transaction row written with a balance change.
type Meta struct {
	Kind        models.TransactionKind
	Ref         string
	Persona     string
	Description string
}

// Ledger is the credit ledger.
type Ledger struct {
	store      repository.Store
	maxRetries int
	metrics    *metrics.Metrics
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxRetries = n
		}
	}
}

// WithMetrics records conflicts on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New creates a Ledger over store.
func New(store repository.Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store for read paths.
func (l *Ledger) Store() repository.Store {
	return l.store
}

// Atomically runs fn in one storage transaction. When any CAS inside fn
// loses, the transaction is rolled back and fn runs again from scratch, up
// to the configured retry bound.
func (l *Ledger) Atomically(ctx context.Context, fn func(tx *Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := l.store.Transaction(ctx, func(s repository.Store) error {
			return fn(&Tx{store: s})
		})
		if !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}

		l.metrics.LedgerConflict()
		if attempt >= l.maxRetries {
			log.Warnf("[Ledger] Giving up after %d conflicting attempts", attempt)
			return fmt.Errorf("%w (after %d attempts)", ErrLedgerContention, attempt)
		}

		backoff := time.Duration(attempt)*5*time.Millisecond + time.Duration(rand.IntN(5))*time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// Charge debits amount if the balance covers it.
func (l *Ledger) Charge(ctx context.Context, accountID uint, amount int64, meta Meta) (ChargeResult, error) {
	var res ChargeResult
	err := l.Atomically(ctx, func(tx *Tx) error {
		var err error
		res, err = tx.Charge(ctx, accountID, amount, meta)
		return err
	})
	return res, err
}

// Grant credits amount and returns the new balance.
func (l *Ledger) Grant(ctx context.Context, accountID uint, amount int64, meta Meta) (int64, error) {
	var balance int64
	err := l.Atomically(ctx, func(tx *Tx) error {
		var err error
		balance, err = tx.Grant(ctx, accountID, amount, meta)
		return err
	})
	return balance, err
}

// SetBalance resets the balance to amount. Used for plan grants and
// downgrades, which replace rather than add.
func (l *Ledger) SetBalance(ctx context.Context, accountID uint, amount int64, meta Meta) (int64, error) {
	var balance int64
	err := l.Atomically(ctx, func(tx *Tx) error {
		var err error
		balance, err = tx.SetBalance(ctx, accountID, amount, meta)
		return err
	})
	return balance, err
}

// Refund reverses a completed usage charge. The refund is keyed on the
// charge, so repeated calls credit the account once and later calls return
// the current balance.
func (l *Ledger) Refund(ctx context.Context, chargePublicID string) (int64, error) {
	var (
		balance   int64
		accountID uint
	)
	err := l.Atomically(ctx, func(tx *Tx) error {
		charge, err := tx.Store().Transactions().GetByPublicID(ctx, chargePublicID)
		if err != nil {
			return err
		}
		if charge.Kind != models.TransactionKindUsage || charge.Status != models.TransactionStatusCompleted || charge.CreditDelta >= 0 {
			return fmt.Errorf("%w: %s", ErrNotRefundable, chargePublicID)
		}
		accountID = charge.AccountID
		balance, err = tx.Grant(ctx, charge.AccountID, -charge.CreditDelta, Meta{
			Kind:        models.TransactionKindUsage,
			Ref:         RefundRef(charge.PublicID),
			Persona:     charge.Persona,
			Description: "refund for failed operation",
		})
		return err
	})
	if errors.Is(err, ErrDuplicateRef) {
		return l.Balance(ctx, accountID)
	}
	return balance, err
}

// Balance reads the current balance.
func (l *Ledger) Balance(ctx context.Context, accountID uint) (int64, error) {
	account, err := l.store.Accounts().GetByID(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Credits, nil
}

// History lists the most recent transactions of an account.
func (l *Ledger) History(ctx context.Context, accountID uint, limit int) ([]models.LedgerTransaction, error) {
	return l.store.Transactions().ListByAccount(ctx, accountID, limit)
}
