package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/ManuelReschke/ChatCredits/app/repository"
	"github.com/ManuelReschke/ChatCredits/app/repository/repotest"
)

func TestCompareAndSwapCredits(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)
	account := repotest.CreateAccount(t, store, 10, models.PlanFree)

	require.NoError(t, store.Accounts().CompareAndSwapCredits(ctx, account.ID, account.Version, 7))
	err := store.Accounts().CompareAndSwapCredits(ctx, account.ID, account.Version, 3)
	assert.ErrorIs(t, err, repository.ErrVersionConflict)

	reloaded, err := store.Accounts().GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), reloaded.Credits)
	assert.Equal(t, account.Version+1, reloaded.Version)

	require.NoError(t, store.Accounts().Touch(ctx, account.ID, reloaded.Version))
	assert.ErrorIs(t, store.Accounts().Touch(ctx, account.ID, reloaded.Version), repository.ErrVersionConflict)
}

func TestTransactionExternalRefIsUnique(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)
	account := repotest.CreateAccount(t, store, 0, models.PlanFree)

	first := &models.LedgerTransaction{
		AccountID:        account.ID,
		Kind:             models.TransactionKindCredits,
		CreditDelta:      50,
		Status:           models.TransactionStatusCompleted,
		ExternalEventRef: models.StringRef("pi_123"),
	}
	require.NoError(t, store.Transactions().Create(ctx, first))
	assert.NotEmpty(t, first.PublicID)

	second := &models.LedgerTransaction{
		AccountID:        account.ID,
		Kind:             models.TransactionKindCredits,
		CreditDelta:      50,
		Status:           models.TransactionStatusCompleted,
		ExternalEventRef: models.StringRef("pi_123"),
	}
	assert.ErrorIs(t, store.Transactions().Create(ctx, second), repository.ErrDuplicate)

	// rows without a ref never collide
	for i := 0; i < 2; i++ {
		require.NoError(t, store.Transactions().Create(ctx, &models.LedgerTransaction{
			AccountID: account.ID,
			Kind:      models.TransactionKindUsage,
			Status:    models.TransactionStatusCompleted,
		}))
	}
}

func TestTransitionOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)
	account := repotest.CreateAccount(t, store, 0, models.PlanFree)

	txn := &models.LedgerTransaction{
		AccountID:        account.ID,
		Kind:             models.TransactionKindCredits,
		CreditDelta:      200,
		Status:           models.TransactionStatusPending,
		ExternalEventRef: models.StringRef("pi_pending"),
	}
	require.NoError(t, store.Transactions().Create(ctx, txn))

	balance := int64(200)
	require.NoError(t, store.Transactions().Transition(ctx, txn.ID, models.TransactionStatusCompleted, &balance, ""))
	err := store.Transactions().Transition(ctx, txn.ID, models.TransactionStatusFailed, nil, "late failure")
	assert.ErrorIs(t, err, repository.ErrStateConflict)

	stored, err := store.Transactions().GetByRef(ctx, "pi_pending")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, stored.Status)
	require.NotNil(t, stored.BalanceAfter)
	assert.Equal(t, int64(200), *stored.BalanceAfter)
}

func TestSumCashAndPendingListing(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)
	account := repotest.CreateAccount(t, store, 0, models.PlanFree)

	rows := []models.LedgerTransaction{
		{AccountID: account.ID, Kind: models.TransactionKindReferral, CashDeltaCents: 500, Status: models.TransactionStatusCompleted},
		{AccountID: account.ID, Kind: models.TransactionKindReferral, CashDeltaCents: 500, Status: models.TransactionStatusCompleted},
		{AccountID: account.ID, Kind: models.TransactionKindCashout, CashDeltaCents: -300, Status: models.TransactionStatusPending},
		{AccountID: account.ID, Kind: models.TransactionKindCashout, CashDeltaCents: -200, Status: models.TransactionStatusFailed},
	}
	for i := range rows {
		require.NoError(t, store.Transactions().Create(ctx, &rows[i]))
	}

	earned, err := store.Transactions().SumCash(ctx, account.ID, models.TransactionKindReferral, models.TransactionStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), earned)

	reserved, err := store.Transactions().SumCash(ctx, account.ID, models.TransactionKindCashout,
		models.TransactionStatusPending, models.TransactionStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, int64(-300), reserved)

	pending, err := store.Transactions().ListPendingBefore(ctx, models.TransactionKindCashout, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestReferralUniquenessAndProcessing(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)
	referrer := repotest.CreateAccount(t, store, 0, models.PlanFree)
	referred := repotest.CreateAccount(t, store, 0, models.PlanFree)

	ref := &models.Referral{ReferrerID: referrer.ID, ReferredID: referred.ID}
	require.NoError(t, store.Referrals().Create(ctx, ref))
	assert.ErrorIs(t, store.Referrals().Create(ctx, &models.Referral{ReferrerID: referrer.ID, ReferredID: referred.ID}), repository.ErrDuplicate)

	require.NoError(t, store.Referrals().MarkProcessed(ctx, ref.ID, 300, 500))
	assert.ErrorIs(t, store.Referrals().MarkProcessed(ctx, ref.ID, 300, 500), repository.ErrStateConflict)

	count, err := store.Referrals().CountByReferrer(ctx, referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)
	account := repotest.CreateAccount(t, store, 10, models.PlanFree)

	err := store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.Accounts().CompareAndSwapCredits(ctx, account.ID, account.Version, 99); err != nil {
			return err
		}
		return repository.ErrStateConflict
	})
	assert.ErrorIs(t, err, repository.ErrStateConflict)
	assert.Equal(t, int64(10), repotest.Balance(t, store, account.ID))
}

func TestWebhookEventRecordCountsDeliveries(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)

	event := func() *models.BillingWebhookEvent {
		return &models.BillingWebhookEvent{
			Provider:        models.BillingProviderStripe,
			ProviderEventID: "evt_1",
			EventType:       "invoice.payment_succeeded",
			PayloadJSON:     "{}",
		}
	}
	created, stored, err := store.WebhookEvents().Record(ctx, event())
	require.NoError(t, err)
	assert.True(t, created)

	created, again, err := store.WebhookEvents().Record(ctx, event())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.ID, again.ID)
	assert.Equal(t, 2, again.Deliveries)

	require.NoError(t, store.WebhookEvents().MarkProcessed(ctx, stored.ID, "applied", ""))
}

func TestPersonaUpsert(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)

	require.NoError(t, store.Personas().CreateIfMissing(ctx, &models.PersonaCost{Name: "coder", Cost: 3, MinPlan: models.PlanPlus}))
	require.NoError(t, store.Personas().CreateIfMissing(ctx, &models.PersonaCost{Name: "coder", Cost: 9, MinPlan: models.PlanFree}))
	require.NoError(t, store.Personas().Upsert(ctx, &models.PersonaCost{Name: "writer", Cost: 2, MinPlan: models.PlanFree}))
	require.NoError(t, store.Personas().Upsert(ctx, &models.PersonaCost{Name: "writer", Cost: 4, MinPlan: models.PlanPlus}))

	personas, err := store.Personas().List(ctx)
	require.NoError(t, err)
	require.Len(t, personas, 2)
	assert.Equal(t, "coder", personas[0].Name)
	assert.Equal(t, int64(3), personas[0].Cost)
	assert.Equal(t, int64(4), personas[1].Cost)
	assert.Equal(t, models.PlanPlus, personas[1].MinPlan)
}
