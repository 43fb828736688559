package entitlements

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/ManuelReschke/ChatCredits/app/repository"
)

// ReloadChannel is the Redis channel announcing persona table changes.
const ReloadChannel = "chatcredits:personas:reload"

var (
	ErrUnknownPersona = errors.New("entitlements: unknown persona")
	ErrInvalidPersona = errors.New("entitlements: invalid persona rule")
)

// DefaultPersonas are seeded on first start.
var DefaultPersonas = []PersonaRule{
	{Name: "assistant", Cost: 1, MinPlan: PlanFree},
	{Name: "writer", Cost: 2, MinPlan: PlanFree},
	{Name: "coder", Cost: 3, MinPlan: PlanPlus},
	{Name: "analyst", Cost: 5, MinPlan: PlanPlus},
	{Name: "strategist", Cost: 10, MinPlan: PlanBusiness},
}

// Publisher announces table changes to other instances.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Resolver answers entitlement questions from the current snapshot of the
// persona cost table.
type Resolver struct {
	personas  repository.PersonaRepository
	grants    Grants
	publisher Publisher

	current atomic.Pointer[Snapshot]
	reloads singleflight.Group
	loadMu  sync.Mutex
}

// NewResolver creates a Resolver with an empty snapshot. Call Reload before
// serving traffic. publisher may be nil on single-instance deployments.
func NewResolver(personas repository.PersonaRepository, grants Grants, publisher Publisher) *Resolver {
	r := &Resolver{personas: personas, grants: grants, publisher: publisher}
	r.current.Store(newSnapshot(0, nil))
	return r
}

// Snapshot returns the current table version.
func (r *Resolver) Snapshot() *Snapshot {
	return r.current.Load()
}

// CostOf returns the per-use cost of persona.
func (r *Resolver) CostOf(persona string) (int64, error) {
	return r.Snapshot().CostOf(persona)
}

// IsUnlocked reports whether plan may use persona.
func (r *Resolver) IsUnlocked(plan Plan, persona string) bool {
	return r.Snapshot().IsUnlocked(plan, persona)
}

// MonthlyGrant returns the credit grant of plan.
func (r *Resolver) MonthlyGrant(plan Plan) int64 {
	return r.grants.For(plan)
}

// Reload reads the table and swaps in a new snapshot. Concurrent calls share
// one database read.
func (r *Resolver) Reload(ctx context.Context) (*Snapshot, error) {
	v, err, _ := r.reloads.Do("personas", func() (interface{}, error) {
		return r.load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// load serialises table reads so a slower read never replaces a newer
// snapshot.
func (r *Resolver) load(ctx context.Context) (*Snapshot, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	rows, err := r.personas.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load persona table: %w", err)
	}
	next := newSnapshot(r.Snapshot().Version+1, rows)
	r.current.Store(next)
	log.Infof("[Entitlements] Loaded persona table v%d (%d personas)", next.Version, len(rows))
	return next, nil
}

// UpsertPersona writes one rule, reloads the local snapshot and notifies
// other instances.
func (r *Resolver) UpsertPersona(ctx context.Context, rule PersonaRule) (*Snapshot, error) {
	row, err := rule.toModel()
	if err != nil {
		return nil, err
	}
	if err := r.personas.Upsert(ctx, row); err != nil {
		return nil, fmt.Errorf("save persona %s: %w", row.Name, err)
	}
	// a shared in-flight reload may have read the table before this write
	snap, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, ReloadChannel, row.Name).Err(); err != nil {
			log.Warnf("[Entitlements] Failed to announce persona change %s: %v", row.Name, err)
		}
	}
	return snap, nil
}

// Seed inserts the given rules where no row exists yet.
func (r *Resolver) Seed(ctx context.Context, rules []PersonaRule) error {
	for _, rule := range rules {
		row, err := rule.toModel()
		if err != nil {
			return err
		}
		if err := r.personas.CreateIfMissing(ctx, row); err != nil {
			return fmt.Errorf("seed persona %s: %w", row.Name, err)
		}
	}
	return nil
}

// Watch reloads on every announcement until ctx is done.
func (r *Resolver) Watch(ctx context.Context, client redis.UniversalClient) {
	pubsub := client.Subscribe(ctx, ReloadChannel)
	defer pubsub.Close()

	log.Infof("[Entitlements] Watching %s", ReloadChannel)
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := r.Reload(ctx); err != nil {
				log.Errorf("[Entitlements] Reload after %q failed: %v", msg.Payload, err)
			}
		}
	}
}

func (rule PersonaRule) toModel() (*models.PersonaCost, error) {
	name := normalizeName(rule.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidPersona)
	}
	if rule.Cost < 1 {
		return nil, fmt.Errorf("%w: cost of %s must be at least 1", ErrInvalidPersona, name)
	}
	plan, ok := ParsePlan(string(rule.MinPlan))
	if !ok {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidPersona, rule.MinPlan)
	}
	return &models.PersonaCost{Name: name, Cost: rule.Cost, MinPlan: string(plan)}, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
