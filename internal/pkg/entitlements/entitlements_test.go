package entitlements

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/ManuelReschke/ChatCredits/app/repository/repotest"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/cache/cachetest"
)

func TestParsePlan(t *testing.T) {
	tests := []struct {
		in   string
		want Plan
		ok   bool
	}{
		{"free", PlanFree, true},
		{" PLUS ", PlanPlus, true},
		{"Business", PlanBusiness, true},
		{"premium", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParsePlan(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("ParsePlan(%q) = %q,%v want %q,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
	assert.Equal(t, PlanFree, NormalizePlan("premium"))
}

func TestPlanIncludes(t *testing.T) {
	assert.True(t, PlanBusiness.Includes(PlanPlus))
	assert.True(t, PlanPlus.Includes(PlanPlus))
	assert.False(t, PlanFree.Includes(PlanPlus))
	assert.True(t, PlanFree.Includes(PlanFree))
	assert.True(t, PlanPlus.IsPaid())
	assert.False(t, PlanFree.IsPaid())
}

func TestMonthlyGrant(t *testing.T) {
	r := NewResolver(nil, DefaultGrants, nil)
	assert.Equal(t, int64(100), r.MonthlyGrant(PlanFree))
	assert.Equal(t, int64(1000), r.MonthlyGrant(PlanPlus))
	assert.Equal(t, int64(5000), r.MonthlyGrant(PlanBusiness))

	assert.Equal(t, int64(1000), DefaultGrants.MonthlyGrant(PlanPlus))
	assert.Equal(t, int64(100), DefaultGrants.MonthlyGrant("premium"))
}

func newSeededResolver(t *testing.T) *Resolver {
	t.Helper()
	store := repotest.NewStore(t)
	r := NewResolver(store.Personas(), DefaultGrants, nil)
	require.NoError(t, r.Seed(context.Background(), DefaultPersonas))
	_, err := r.Reload(context.Background())
	require.NoError(t, err)
	return r
}

func TestResolverAnswers(t *testing.T) {
	r := newSeededResolver(t)

	cost, err := r.CostOf("coder")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cost)

	_, err = r.CostOf("poet")
	assert.ErrorIs(t, err, ErrUnknownPersona)

	tests := []struct {
		plan    Plan
		persona string
		want    bool
	}{
		{PlanFree, "assistant", true},
		{PlanFree, "coder", false},
		{PlanPlus, "coder", true},
		{PlanBusiness, "coder", true},
		{PlanPlus, "strategist", false},
		{PlanBusiness, "strategist", true},
		{PlanBusiness, "poet", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.IsUnlocked(tt.plan, tt.persona), "%s/%s", tt.plan, tt.persona)
	}
}

func TestSeedDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)
	r := NewResolver(store.Personas(), DefaultGrants, nil)

	require.NoError(t, store.Personas().Upsert(ctx, &models.PersonaCost{Name: "coder", Cost: 7, MinPlan: models.PlanFree}))
	require.NoError(t, r.Seed(ctx, DefaultPersonas))
	_, err := r.Reload(ctx)
	require.NoError(t, err)

	cost, err := r.CostOf("coder")
	require.NoError(t, err)
	assert.Equal(t, int64(7), cost)
	assert.Len(t, r.Snapshot().Personas(), len(DefaultPersonas))
}

func TestUpsertPersonaSwapsSnapshot(t *testing.T) {
	ctx := context.Background()
	r := newSeededResolver(t)
	before := r.Snapshot()

	snap, err := r.UpsertPersona(ctx, PersonaRule{Name: "Coder", Cost: 4, MinPlan: PlanBusiness})
	require.NoError(t, err)
	assert.Greater(t, snap.Version, before.Version)

	// the old snapshot is unchanged
	cost, err := before.CostOf("coder")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cost)

	cost, err = r.CostOf("coder")
	require.NoError(t, err)
	assert.Equal(t, int64(4), cost)
	assert.False(t, r.IsUnlocked(PlanPlus, "coder"))
}

func TestUpsertPersonaValidates(t *testing.T) {
	r := newSeededResolver(t)
	tests := []PersonaRule{
		{Name: "", Cost: 1, MinPlan: PlanFree},
		{Name: "cheap", Cost: 0, MinPlan: PlanFree},
		{Name: "vip", Cost: 1, MinPlan: "gold"},
	}
	for _, rule := range tests {
		_, err := r.UpsertPersona(context.Background(), rule)
		assert.ErrorIs(t, err, ErrInvalidPersona)
	}
}

func TestConcurrentReadsDuringReload(t *testing.T) {
	ctx := context.Background()
	r := newSeededResolver(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := r.UpsertPersona(ctx, PersonaRule{Name: "writer", Cost: int64(2 + i), MinPlan: PlanFree})
				assert.NoError(t, err)
				return
			}
			snap := r.Snapshot()
			cost, err := snap.CostOf("writer")
			assert.NoError(t, err)
			assert.GreaterOrEqual(t, cost, int64(2))
		}(i)
	}
	wg.Wait()
}

func TestWatchReloadsOnAnnouncement(t *testing.T) {
	client := cachetest.NewClient(t, 13)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := repotest.NewStore(t)
	writer := NewResolver(store.Personas(), DefaultGrants, client)
	reader := NewResolver(store.Personas(), DefaultGrants, nil)
	require.NoError(t, writer.Seed(ctx, DefaultPersonas))
	_, err := reader.Reload(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		reader.Watch(ctx, client)
		close(done)
	}()

	// wait for the subscription before publishing
	require.Eventually(t, func() bool {
		n, err := client.PubSubNumSub(ctx, ReloadChannel).Result()
		return err == nil && n[ReloadChannel] > 0
	}, 2*time.Second, 20*time.Millisecond)

	_, err = writer.UpsertPersona(ctx, PersonaRule{Name: "coder", Cost: 8, MinPlan: PlanPlus})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cost, err := reader.CostOf("coder")
		return err == nil && cost == 8
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
