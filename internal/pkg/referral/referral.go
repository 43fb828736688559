// Package referral tracks who referred whom, pays the one-time signup bonus
// and turns accrued referral cash into cashout requests.
package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/ManuelReschke/ChatCredits/app/repository"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/ledger"
)

var (
	ErrAlreadyReferred     = errors.New("referral: account was already referred")
	ErrSelfReferral        = errors.New("referral: accounts cannot refer themselves")
	ErrNoEarnings          = errors.New("referral: no earnings available")
	ErrBelowMinimumCashout = errors.New("referral: available earnings below minimum cashout")
	ErrInvalidPayout       = errors.New("referral: payout method and destination required")
	ErrNotCashout          = errors.New("referral: transaction is not a cashout")
)

// Config holds the bonus amounts and the cashout floor.
type Config struct {
	BonusCredits    int64
	BonusCashCents  int64
	MinCashoutCents int64
}

// Payout is where a cashout is sent. Money movement happens outside.
type Payout struct {
	Method      string
	Destination string
}

// AwardResult reports whether this call applied the bonus.
type AwardResult struct {
	Awarded         bool
	ReferredBalance int64
}

// Stats summarises a referrer's earnings in cents.
type Stats struct {
	Invited        int64 `json:"invited"`
	EarnedCents    int64 `json:"earned_cents"`
	ReservedCents  int64 `json:"reserved_cents"`
	AvailableCents int64 `json:"available_cents"`
}

type Service struct {
	ledger *ledger.Ledger
	cfg    Config
}

func NewService(l *ledger.Ledger, cfg Config) *Service {
	return &Service{ledger: l, cfg: cfg}
}

// RecordReferral links a referred account to its referrer. The unique
// referred id makes a second referral of the same account fail.
func (s *Service) RecordReferral(ctx context.Context, referrerID, referredID uint) (*models.Referral, error) {
	if referrerID == referredID {
		return nil, ErrSelfReferral
	}
	ref := &models.Referral{ReferrerID: referrerID, ReferredID: referredID}
	err := s.ledger.Atomically(ctx, func(tx *ledger.Tx) error {
		for _, id := range []uint{referrerID, referredID} {
			if _, err := tx.Account(ctx, id); err != nil {
				return err
			}
		}
		return tx.Store().Referrals().Create(ctx, ref)
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, ErrAlreadyReferred
	}
	if err != nil {
		return nil, err
	}
	log.Infof("[Referral] Account %d referred account %d", referrerID, referredID)
	return ref, nil
}

// AwardSignupBonus grants the referred account its credit bonus and accrues
// the referrer's cash bonus in one unit. Only the first call per referred
// account awards anything.
func (s *Service) AwardSignupBonus(ctx context.Context, referral *models.Referral) (AwardResult, error) {
	var result AwardResult
	err := s.ledger.Atomically(ctx, func(tx *ledger.Tx) error {
		result = AwardResult{}
		current, err := tx.Store().Referrals().GetByReferredID(ctx, referral.ReferredID)
		if err != nil {
			return err
		}
		if current.Processed {
			return nil
		}
		if err := tx.Store().Referrals().MarkProcessed(ctx, current.ID, s.cfg.BonusCredits, s.cfg.BonusCashCents); err != nil {
			if errors.Is(err, repository.ErrStateConflict) {
				return nil
			}
			return err
		}

		if s.cfg.BonusCredits > 0 {
			balance, err := tx.Grant(ctx, current.ReferredID, s.cfg.BonusCredits, ledger.Meta{
				Kind:        models.TransactionKindReferral,
				Ref:         fmt.Sprintf("referral:%d:credits", current.ID),
				Description: "referral signup bonus",
			})
			if err != nil {
				return err
			}
			result.ReferredBalance = balance
		}
		if s.cfg.BonusCashCents > 0 {
			if err := tx.Record(ctx, &models.LedgerTransaction{
				AccountID:        current.ReferrerID,
				Kind:             models.TransactionKindReferral,
				CashDeltaCents:   s.cfg.BonusCashCents,
				Status:           models.TransactionStatusCompleted,
				ExternalEventRef: models.StringRef(fmt.Sprintf("referral:%d:cash", current.ID)),
				Description:      "referral earnings",
			}); err != nil {
				return err
			}
		}
		result.Awarded = true
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateRef) {
		return AwardResult{}, nil
	}
	if err != nil {
		return AwardResult{}, err
	}
	if result.Awarded {
		log.Infof("[Referral] Bonus applied for referral of account %d by %d", referral.ReferredID, referral.ReferrerID)
	}
	return result, nil
}

// RequestCashout reserves all available earnings of referrerID as a PENDING
// cashout. Concurrent requests of one referrer serialise on the account.
func (s *Service) RequestCashout(ctx context.Context, referrerID uint, payout Payout) (*models.LedgerTransaction, error) {
	method := strings.ToLower(strings.TrimSpace(payout.Method))
	destination := strings.TrimSpace(payout.Destination)
	if method == "" || destination == "" {
		return nil, ErrInvalidPayout
	}

	var txn *models.LedgerTransaction
	err := s.ledger.Atomically(ctx, func(tx *ledger.Tx) error {
		if _, err := tx.Lock(ctx, referrerID); err != nil {
			return err
		}
		available, err := availableCents(ctx, tx.Store(), referrerID)
		if err != nil {
			return err
		}
		if available <= 0 {
			return ErrNoEarnings
		}
		if available < s.cfg.MinCashoutCents {
			return fmt.Errorf("%w: %d < %d", ErrBelowMinimumCashout, available, s.cfg.MinCashoutCents)
		}
		txn = &models.LedgerTransaction{
			AccountID:         referrerID,
			Kind:              models.TransactionKindCashout,
			CashDeltaCents:    -available,
			Status:            models.TransactionStatusPending,
			PayoutMethod:      method,
			PayoutDestination: destination,
			Description:       "referral cashout",
		}
		return tx.Record(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Referral] Cashout %s of %d cents requested by account %d", txn.PublicID, -txn.CashDeltaCents, referrerID)
	return txn, nil
}

// CompleteCashout records that the payout was sent.
func (s *Service) CompleteCashout(ctx context.Context, publicID string) (*models.LedgerTransaction, error) {
	return s.resolveCashout(ctx, publicID, func(tx *ledger.Tx, txn *models.LedgerTransaction) error {
		_, err := tx.Settle(ctx, txn)
		return err
	})
}

// FailCashout releases the reserved amount back to the referrer.
func (s *Service) FailCashout(ctx context.Context, publicID, reason string) (*models.LedgerTransaction, error) {
	return s.resolveCashout(ctx, publicID, func(tx *ledger.Tx, txn *models.LedgerTransaction) error {
		return tx.Resolve(ctx, txn, models.TransactionStatusFailed, reason)
	})
}

// Stats summarises the earnings of a referrer.
func (s *Service) Stats(ctx context.Context, referrerID uint) (Stats, error) {
	store := s.ledger.Store()
	invited, err := store.Referrals().CountByReferrer(ctx, referrerID)
	if err != nil {
		return Stats{}, err
	}
	earned, err := store.Transactions().SumCash(ctx, referrerID, models.TransactionKindReferral, models.TransactionStatusCompleted)
	if err != nil {
		return Stats{}, err
	}
	reserved, err := store.Transactions().SumCash(ctx, referrerID, models.TransactionKindCashout,
		models.TransactionStatusPending, models.TransactionStatusCompleted)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Invited:        invited,
		EarnedCents:    earned,
		ReservedCents:  -reserved,
		AvailableCents: earned + reserved,
	}, nil
}

func (s *Service) resolveCashout(ctx context.Context, publicID string, fn func(tx *ledger.Tx, txn *models.LedgerTransaction) error) (*models.LedgerTransaction, error) {
	var txn *models.LedgerTransaction
	err := s.ledger.Atomically(ctx, func(tx *ledger.Tx) error {
		var err error
		txn, err = tx.Store().Transactions().GetByPublicID(ctx, publicID)
		if err != nil {
			return err
		}
		if txn.Kind != models.TransactionKindCashout {
			return ErrNotCashout
		}
		return fn(tx, txn)
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Referral] Cashout %s is %s", txn.PublicID, txn.Status)
	return txn, nil
}

// availableCents is completed referral earnings minus pending and completed
// cashouts. Cashout rows carry negative cash deltas.
func availableCents(ctx context.Context, store repository.Store, referrerID uint) (int64, error) {
	earned, err := store.Transactions().SumCash(ctx, referrerID, models.TransactionKindReferral, models.TransactionStatusCompleted)
	if err != nil {
		return 0, err
	}
	reserved, err := store.Transactions().SumCash(ctx, referrerID, models.TransactionKindCashout,
		models.TransactionStatusPending, models.TransactionStatusCompleted)
	if err != nil {
		return 0, err
	}
	return earned + reserved, nil
}
