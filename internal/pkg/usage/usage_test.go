package usage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/ManuelReschke/ChatCredits/app/repository"
	"github.com/ManuelReschke/ChatCredits/app/repository/repotest"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/entitlements"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/ledger"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/metrics"
)

// switchableStore fails every transaction while down is set.
type switchableStore struct {
	repository.Store
	down *atomic.Bool
}

func (s switchableStore) Transaction(ctx context.Context, fn func(tx repository.Store) error) error {
	if s.down.Load() {
		return errors.New("database unavailable")
	}
	return s.Store.Transaction(ctx, fn)
}

type recordingScheduler struct {
	mu      sync.Mutex
	charges []string
}

func (s *recordingScheduler) ScheduleRefund(_ context.Context, chargeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges = append(s.charges, chargeID)
	return nil
}

type fixture struct {
	store     repository.Store
	down      *atomic.Bool
	gate      *Gate
	scheduler *recordingScheduler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	base := repotest.NewStore(t)
	down := &atomic.Bool{}
	store := switchableStore{Store: base, down: down}

	resolver := entitlements.NewResolver(base.Personas(), entitlements.DefaultGrants, nil)
	require.NoError(t, resolver.Seed(context.Background(), entitlements.DefaultPersonas))
	_, err := resolver.Reload(context.Background())
	require.NoError(t, err)

	scheduler := &recordingScheduler{}
	opts = append([]Option{
		WithRefundScheduler(scheduler),
		WithRefundAttempts(2),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
	}, opts...)
	return &fixture{
		store:     base,
		down:      down,
		gate:      NewGate(ledger.New(store), resolver, opts...),
		scheduler: scheduler,
	}
}

func reply(text string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return text, nil }
}

func history(t *testing.T, store repository.Store, accountID uint) []models.LedgerTransaction {
	t.Helper()
	txns, err := store.Transactions().ListByAccount(context.Background(), accountID, 50)
	require.NoError(t, err)
	return txns
}

func TestPerformChargesOnSuccess(t *testing.T) {
	f := newFixture(t)
	account := repotest.CreateAccount(t, f.store, 5, models.PlanPlus)

	res, err := Perform(context.Background(), f.gate, account.ID, "coder", reply("done"))
	require.NoError(t, err)
	assert.Equal(t, "done", res.Value)
	assert.Equal(t, int64(3), res.Cost)
	assert.Equal(t, int64(2), res.Balance)
	assert.NotEmpty(t, res.ChargeID)

	assert.Equal(t, int64(2), repotest.Balance(t, f.store, account.ID))
	txns := history(t, f.store, account.ID)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TransactionKindUsage, txns[0].Kind)
	assert.Equal(t, models.TransactionStatusCompleted, txns[0].Status)
	assert.Equal(t, int64(-3), txns[0].CreditDelta)
	assert.Equal(t, "coder", txns[0].Persona)
}

func TestPerformRefundsOnTimeout(t *testing.T) {
	f := newFixture(t, WithTimeout(20*time.Millisecond))
	account := repotest.CreateAccount(t, f.store, 5, models.PlanPlus)

	res, err := Perform(context.Background(), f.gate, account.ID, "coder", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.ErrorIs(t, err, ErrOperationTimeout)
	assert.Equal(t, int64(5), res.Balance)
	assert.Equal(t, int64(5), repotest.Balance(t, f.store, account.ID))

	txns := history(t, f.store, account.ID)
	require.Len(t, txns, 2)
	var net int64
	for _, txn := range txns {
		net += txn.CreditDelta
	}
	assert.Zero(t, net)
	assert.Empty(t, f.scheduler.charges)
}

func TestPerformDoesNotWaitForHungOperation(t *testing.T) {
	f := newFixture(t, WithTimeout(20*time.Millisecond))
	account := repotest.CreateAccount(t, f.store, 5, models.PlanPlus)
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Perform(context.Background(), f.gate, account.ID, "coder", func(context.Context) (string, error) {
		<-release
		return "late", nil
	})
	require.ErrorIs(t, err, ErrOperationTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(5), repotest.Balance(t, f.store, account.ID))
}

func TestPerformRefundsOnFailure(t *testing.T) {
	f := newFixture(t)
	account := repotest.CreateAccount(t, f.store, 10, models.PlanFree)
	boom := errors.New("model overloaded")

	res, err := Perform(context.Background(), f.gate, account.ID, "writer", func(context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, ErrOperationFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(10), res.Balance)

	refund, err := f.store.Transactions().GetByRef(context.Background(), ledger.RefundRef(res.ChargeID))
	require.NoError(t, err)
	assert.Equal(t, int64(2), refund.CreditDelta)
}

func TestPerformRefundSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	account := repotest.CreateAccount(t, f.store, 4, models.PlanFree)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := Perform(ctx, f.gate, account.ID, "assistant", func(context.Context) (string, error) {
		cancel()
		return "", context.Canceled
	})
	require.ErrorIs(t, err, ErrOperationFailed)
	assert.Equal(t, int64(4), repotest.Balance(t, f.store, account.ID))
}

func TestPerformSchedulesRefundWhenLedgerIsDown(t *testing.T) {
	f := newFixture(t)
	account := repotest.CreateAccount(t, f.store, 5, models.PlanPlus)

	res, err := Perform(context.Background(), f.gate, account.ID, "coder", func(context.Context) (string, error) {
		f.down.Store(true)
		return "", errors.New("upstream 500")
	})
	require.ErrorIs(t, err, ErrRefundFailed)
	assert.ErrorIs(t, err, ErrOperationFailed)
	assert.Equal(t, []string{res.ChargeID}, f.scheduler.charges)

	// the scheduled job applies the refund once the ledger is back
	f.down.Store(false)
	balance, err := f.gate.ledger.Refund(context.Background(), res.ChargeID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
}

func TestPerformRejections(t *testing.T) {
	tests := []struct {
		name    string
		plan    string
		credits int64
		persona string
		wantErr error
	}{
		{name: "plan too low", plan: models.PlanFree, credits: 100, persona: "coder", wantErr: ErrPlanRestricted},
		{name: "business persona on plus", plan: models.PlanPlus, credits: 100, persona: "strategist", wantErr: ErrPlanRestricted},
		{name: "insufficient credits", plan: models.PlanPlus, credits: 2, persona: "coder", wantErr: ErrInsufficientCredits},
		{name: "unknown persona", plan: models.PlanBusiness, credits: 100, persona: "oracle", wantErr: entitlements.ErrUnknownPersona},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			account := repotest.CreateAccount(t, f.store, tt.credits, tt.plan)
			called := false

			_, err := Perform(context.Background(), f.gate, account.ID, tt.persona, func(context.Context) (string, error) {
				called = true
				return "", nil
			})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, called)
			assert.Equal(t, tt.credits, repotest.Balance(t, f.store, account.ID))
			assert.Empty(t, history(t, f.store, account.ID))
		})
	}
}

func TestPerformConcurrentUsesNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	account := repotest.CreateAccount(t, f.store, 10, models.PlanPlus)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := Perform(context.Background(), f.gate, account.ID, "coder", reply("ok")); err == nil {
				succeeded.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrInsufficientCredits)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), succeeded.Load())
	assert.Equal(t, int64(1), repotest.Balance(t, f.store, account.ID))
}
