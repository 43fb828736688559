package referral

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/ManuelReschke/ChatCredits/app/repository"
	"github.com/ManuelReschke/ChatCredits/app/repository/repotest"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/ledger"
)

var testConfig = Config{BonusCredits: 300, BonusCashCents: 500, MinCashoutCents: 1000}

func newService(t *testing.T) (*Service, repository.Store) {
	t.Helper()
	store := repotest.NewStore(t)
	return NewService(ledger.New(store), testConfig), store
}

func TestRecordReferral(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	referrer := repotest.CreateAccount(t, store, 100, models.PlanFree)
	referred := repotest.CreateAccount(t, store, 100, models.PlanFree)
	other := repotest.CreateAccount(t, store, 100, models.PlanFree)

	ref, err := svc.RecordReferral(ctx, referrer.ID, referred.ID)
	require.NoError(t, err)
	assert.False(t, ref.Processed)

	_, err = svc.RecordReferral(ctx, other.ID, referred.ID)
	assert.ErrorIs(t, err, ErrAlreadyReferred)

	_, err = svc.RecordReferral(ctx, other.ID, other.ID)
	assert.ErrorIs(t, err, ErrSelfReferral)

	_, err = svc.RecordReferral(ctx, other.ID, 9999)
	assert.True(t, repository.IsNotFound(err))
}

func TestAwardSignupBonusAppliesExactlyOnce(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	referrer := repotest.CreateAccount(t, store, 0, models.PlanFree)
	referred := repotest.CreateAccount(t, store, 100, models.PlanFree)

	ref, err := svc.RecordReferral(ctx, referrer.ID, referred.ID)
	require.NoError(t, err)

	res, err := svc.AwardSignupBonus(ctx, ref)
	require.NoError(t, err)
	assert.True(t, res.Awarded)
	assert.Equal(t, int64(400), res.ReferredBalance)

	// client retries the signup
	res, err = svc.AwardSignupBonus(ctx, ref)
	require.NoError(t, err)
	assert.False(t, res.Awarded)

	assert.Equal(t, int64(400), repotest.Balance(t, store, referred.ID))
	stats, err := svc.Stats(ctx, referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, Stats{Invited: 1, EarnedCents: 500, AvailableCents: 500}, stats)

	current, err := store.Referrals().GetByReferredID(ctx, referred.ID)
	require.NoError(t, err)
	assert.True(t, current.Processed)
	assert.Equal(t, int64(300), current.CreditsAwarded)
	assert.Equal(t, int64(500), current.CashAwardedCents)
}

func TestAwardSignupBonusConcurrentRetries(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	referrer := repotest.CreateAccount(t, store, 0, models.PlanFree)
	referred := repotest.CreateAccount(t, store, 100, models.PlanFree)
	ref, err := svc.RecordReferral(ctx, referrer.ID, referred.ID)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		awarded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.AwardSignupBonus(ctx, ref)
			assert.NoError(t, err)
			if res.Awarded {
				mu.Lock()
				awarded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, awarded)
	assert.Equal(t, int64(400), repotest.Balance(t, store, referred.ID))
}

func TestRequestCashoutThresholds(t *testing.T) {
	tests := []struct {
		name    string
		earned  int64
		wantErr error
	}{
		{name: "nothing earned", earned: 0, wantErr: ErrNoEarnings},
		{name: "one cent short", earned: 999, wantErr: ErrBelowMinimumCashout},
		{name: "exactly minimum", earned: 1000},
		{name: "above minimum", earned: 2500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newService(t)
			ctx := context.Background()
			referrer := repotest.CreateAccount(t, store, 0, models.PlanFree)
			if tt.earned > 0 {
				accrue(t, svc, referrer.ID, tt.earned)
			}

			txn, err := svc.RequestCashout(ctx, referrer.ID, Payout{Method: "PayPal", Destination: "me@example.test"})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.TransactionStatusPending, txn.Status)
			assert.Equal(t, -tt.earned, txn.CashDeltaCents)
			assert.Equal(t, "paypal", txn.PayoutMethod)

			_, err = svc.RequestCashout(ctx, referrer.ID, Payout{Method: "paypal", Destination: "me@example.test"})
			assert.ErrorIs(t, err, ErrNoEarnings)
		})
	}
}

func TestRequestCashoutRequiresPayout(t *testing.T) {
	svc, store := newService(t)
	referrer := repotest.CreateAccount(t, store, 0, models.PlanFree)
	accrue(t, svc, referrer.ID, 1500)

	_, err := svc.RequestCashout(context.Background(), referrer.ID, Payout{Method: "paypal"})
	assert.ErrorIs(t, err, ErrInvalidPayout)
}

func TestCashoutLifecycle(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	referrer := repotest.CreateAccount(t, store, 0, models.PlanFree)
	accrue(t, svc, referrer.ID, 1200)
	payout := Payout{Method: "bank_transfer", Destination: "DE00 0000"}

	first, err := svc.RequestCashout(ctx, referrer.ID, payout)
	require.NoError(t, err)

	failed, err := svc.FailCashout(ctx, first.PublicID, "bank rejected")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFailed, failed.Status)

	stats, err := svc.Stats(ctx, referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), stats.AvailableCents)

	second, err := svc.RequestCashout(ctx, referrer.ID, payout)
	require.NoError(t, err)
	done, err := svc.CompleteCashout(ctx, second.PublicID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, done.Status)

	_, err = svc.CompleteCashout(ctx, second.PublicID)
	assert.ErrorIs(t, err, ledger.ErrNotPending)

	stats, err = svc.Stats(ctx, referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, Stats{EarnedCents: 1200, ReservedCents: 1200, AvailableCents: 0}, stats)
}

func TestCompleteCashoutRejectsOtherKinds(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	account := repotest.CreateAccount(t, store, 0, models.PlanFree)

	var txn *models.LedgerTransaction
	require.NoError(t, svc.ledger.Atomically(ctx, func(tx *ledger.Tx) error {
		txn = &models.LedgerTransaction{
			AccountID:   account.ID,
			Kind:        models.TransactionKindCredits,
			CreditDelta: 100,
			Status:      models.TransactionStatusPending,
		}
		return tx.Record(ctx, txn)
	}))

	_, err := svc.CompleteCashout(ctx, txn.PublicID)
	assert.ErrorIs(t, err, ErrNotCashout)
}

func TestConcurrentCashoutsReserveOnce(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	referrer := repotest.CreateAccount(t, store, 0, models.PlanFree)
	accrue(t, svc, referrer.ID, 1500)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RequestCashout(ctx, referrer.ID, Payout{Method: "paypal", Destination: "me@example.test"})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrNoEarnings)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	stats, err := svc.Stats(ctx, referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.AvailableCents)
}

// accrue records completed referral earnings for accountID.
func accrue(t *testing.T, svc *Service, accountID uint, cents int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, svc.ledger.Atomically(ctx, func(tx *ledger.Tx) error {
		return tx.Record(ctx, &models.LedgerTransaction{
			AccountID:      accountID,
			Kind:           models.TransactionKindReferral,
			CashDeltaCents: cents,
			Status:         models.TransactionStatusCompleted,
		})
	}))
}
