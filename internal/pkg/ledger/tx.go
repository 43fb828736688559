package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/ManuelReschke/ChatCredits/app/repository"
)

// Tx is one attempt of an atomic ledger unit.
type Tx struct {
	store repository.Store
}

// Store exposes the transactional store so callers can change their own
// rows in the same unit. Account balances must not be written through it.
func (tx *Tx) Store() repository.Store {
	return tx.store
}

// Account loads an account inside the unit.
func (tx *Tx) Account(ctx context.Context, accountID uint) (*models.Account, error) {
	return tx.store.Accounts().GetByID(ctx, accountID)
}

// Lock bumps the account version so that concurrent units deciding on the
// same account's history conflict and retry.
func (tx *Tx) Lock(ctx context.Context, accountID uint) (*models.Account, error) {
	account, err := tx.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := tx.store.Accounts().Touch(ctx, account.ID, account.Version); err != nil {
		return nil, err
	}
	account.Version++
	return account, nil
}

// Charge debits amount when the balance covers it. An uncovered charge is
// the InsufficientCredits outcome and writes nothing.
func (tx *Tx) Charge(ctx context.Context, accountID uint, amount int64, meta Meta) (ChargeResult, error) {
	if amount <= 0 {
		return ChargeResult{}, fmt.Errorf("%w: charge %d", ErrInvalidAmount, amount)
	}
	account, err := tx.Account(ctx, accountID)
	if err != nil {
		return ChargeResult{}, err
	}
	if account.Credits < amount {
		return ChargeResult{Outcome: InsufficientCredits, Balance: account.Credits}, nil
	}
	txn, err := tx.apply(ctx, account, account.Credits-amount, meta)
	if err != nil {
		return ChargeResult{}, err
	}
	return ChargeResult{Outcome: Charged, Balance: account.Credits, Transaction: txn}, nil
}

// Grant credits amount and returns the new balance.
func (tx *Tx) Grant(ctx context.Context, accountID uint, amount int64, meta Meta) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: grant %d", ErrInvalidAmount, amount)
	}
	account, err := tx.Account(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if _, err := tx.apply(ctx, account, account.Credits+amount, meta); err != nil {
		return 0, err
	}
	return account.Credits, nil
}

// SetBalance replaces the balance with amount.
func (tx *Tx) SetBalance(ctx context.Context, accountID uint, amount int64, meta Meta) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: balance %d", ErrInvalidAmount, amount)
	}
	account, err := tx.Account(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if _, err := tx.apply(ctx, account, amount, meta); err != nil {
		return 0, err
	}
	return account.Credits, nil
}

// Settle completes a PENDING transaction and applies its credit delta.
func (tx *Tx) Settle(ctx context.Context, txn *models.LedgerTransaction) (int64, error) {
	if txn.Status != models.TransactionStatusPending {
		return 0, fmt.Errorf("%w: %s is %s", ErrNotPending, txn.PublicID, txn.Status)
	}
	account, err := tx.Account(ctx, txn.AccountID)
	if err != nil {
		return 0, err
	}
	next := account.Credits + txn.CreditDelta
	if next < 0 {
		return 0, fmt.Errorf("%w: settle %s below zero", ErrInvalidAmount, txn.PublicID)
	}
	if txn.CreditDelta != 0 {
		if err := tx.store.Accounts().CompareAndSwapCredits(ctx, account.ID, account.Version, next); err != nil {
			return 0, err
		}
	}
	if err := tx.transition(ctx, txn, models.TransactionStatusCompleted, &next, ""); err != nil {
		return 0, err
	}
	return next, nil
}

// Resolve moves a PENDING transaction to FAILED or CANCELLED without
// touching the balance.
func (tx *Tx) Resolve(ctx context.Context, txn *models.LedgerTransaction, status models.TransactionStatus, reason string) error {
	if status != models.TransactionStatusFailed && status != models.TransactionStatusCancelled {
		return fmt.Errorf("ledger: cannot resolve to %s", status)
	}
	return tx.transition(ctx, txn, status, nil, reason)
}

// Record appends a transaction that does not move the credit balance:
// cash accruals, cashout requests and pending purchases.
func (tx *Tx) Record(ctx context.Context, txn *models.LedgerTransaction) error {
	if txn.Status == models.TransactionStatusCompleted && txn.CreditDelta != 0 {
		return fmt.Errorf("ledger: completed credit movement must use Charge, Grant or SetBalance")
	}
	return tx.insert(ctx, txn)
}

func (tx *Tx) apply(ctx context.Context, account *models.Account, next int64, meta Meta) (*models.LedgerTransaction, error) {
	txn := &models.LedgerTransaction{
		AccountID:        account.ID,
		Kind:             meta.Kind,
		CreditDelta:      next - account.Credits,
		Status:           models.TransactionStatusCompleted,
		ExternalEventRef: models.StringRef(meta.Ref),
		BalanceAfter:     &next,
		Persona:          meta.Persona,
		Description:      meta.Description,
	}
	if err := tx.insert(ctx, txn); err != nil {
		return nil, err
	}
	if err := tx.store.Accounts().CompareAndSwapCredits(ctx, account.ID, account.Version, next); err != nil {
		return nil, err
	}
	account.Credits = next
	account.Version++
	return txn, nil
}

func (tx *Tx) insert(ctx context.Context, txn *models.LedgerTransaction) error {
	if txn.Kind == "" {
		return fmt.Errorf("ledger: transaction kind required")
	}
	if err := tx.store.Transactions().Create(ctx, txn); err != nil {
		if errors.Is(err, repository.ErrDuplicate) && txn.Ref() != "" {
			return fmt.Errorf("%w: %s", ErrDuplicateRef, txn.Ref())
		}
		return err
	}
	return nil
}

func (tx *Tx) transition(ctx context.Context, txn *models.LedgerTransaction, to models.TransactionStatus, balanceAfter *int64, reason string) error {
	if err := tx.store.Transactions().Transition(ctx, txn.ID, to, balanceAfter, reason); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return fmt.Errorf("%w: %s", ErrNotPending, txn.PublicID)
		}
		return err
	}
	txn.Status = to
	txn.BalanceAfter = balanceAfter
	txn.FailureReason = reason
	return nil
}
