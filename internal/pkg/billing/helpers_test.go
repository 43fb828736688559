package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/ManuelReschke/ChatCredits/app/repository"
	"github.com/ManuelReschke/ChatCredits/app/repository/repotest"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/entitlements"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/ledger"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/metrics"
)

const testWebhookSecret = "whsec_test_chatcredits"

type fixture struct {
	db        *gorm.DB
	store     repository.Store
	ledger    *ledger.Ledger
	processor *Processor
	provider  *fakeProvider
	service   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := repotest.NewDB(t)
	store := repository.NewStore(db)
	l := ledger.New(store)
	processor := NewProcessor(NewStripeVerifier(testWebhookSecret), l, entitlements.DefaultGrants, metrics.New(prometheus.NewRegistry()))
	provider := newFakeProvider()
	service := NewService(l, provider, processor, Prices{
		entitlements.PlanPlus:     "price_plus",
		entitlements.PlanBusiness: "price_business",
	}, "usd")
	return &fixture{db: db, store: store, ledger: l, processor: processor, provider: provider, service: service}
}

func (f *fixture) account(t *testing.T, credits int64, plan string) *models.Account {
	t.Helper()
	return repotest.CreateAccount(t, f.store, credits, plan)
}

func (f *fixture) reload(t *testing.T, id uint) *models.Account {
	t.Helper()
	account, err := f.store.Accounts().GetByID(context.Background(), id)
	require.NoError(t, err)
	return account
}

// deliver signs event with the endpoint secret and applies it.
func (f *fixture) deliver(t *testing.T, event map[string]any) Outcome {
	t.Helper()
	payload, header := sign(t, event, testWebhookSecret)
	return f.processor.Apply(context.Background(), payload, header)
}

func sign(t *testing.T, event map[string]any, secret string) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return payload, signed.Header
}

func idString(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func invoiceEvent(eventID, eventType, invoiceID, subscriptionID string, accountID uint, plan string) map[string]any {
	return map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":       invoiceID,
				"customer": "cus_1",
				"parent": map[string]any{
					"subscription_details": map[string]any{
						"subscription": subscriptionID,
						"metadata": map[string]any{
							"accountId": idString(accountID),
							"plan":      plan,
						},
					},
				},
			},
		},
	}
}

func subscriptionEvent(eventID, eventType, subscriptionID string, accountID uint, status string, cancelAtPeriodEnd bool) map[string]any {
	return map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":                   subscriptionID,
				"customer":             "cus_1",
				"status":               status,
				"cancel_at_period_end": cancelAtPeriodEnd,
				"metadata": map[string]any{
					"accountId": idString(accountID),
					"plan":      "plus",
				},
			},
		},
	}
}

func paymentIntentEvent(eventID, intentID string, accountID uint, credits int64) map[string]any {
	metadata := map[string]any{}
	if accountID != 0 {
		metadata["accountId"] = idString(accountID)
	}
	if credits != 0 {
		metadata["credits"] = strconv.FormatInt(credits, 10)
	}
	return map[string]any{
		"id":   eventID,
		"type": EventPaymentIntentSucceeded,
		"data": map[string]any{
			"object": map[string]any{
				"id":       intentID,
				"amount":   999,
				"metadata": metadata,
			},
		},
	}
}

type fakeProvider struct {
	mu            sync.Mutex
	seq           int
	customers     int
	subscriptions map[string]map[string]string
	canceled      []string
	intents       map[string]*ProviderPaymentIntent
	err           error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		subscriptions: map[string]map[string]string{},
		intents:       map[string]*ProviderPaymentIntent{},
	}
}

func (p *fakeProvider) next(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s_%d", prefix, p.seq)
}

func (p *fakeProvider) CreateCustomer(_ context.Context, _ *models.Account) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.customers++
	return p.next("cus"), nil
}

func (p *fakeProvider) CreateSubscription(_ context.Context, _, _ string, metadata map[string]string) (*ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	id := p.next("sub")
	p.subscriptions[id] = metadata
	return &ProviderSubscription{ID: id, Status: "incomplete", ClientSecret: id + "_secret"}, nil
}

func (p *fakeProvider) CancelSubscription(_ context.Context, id string) (*ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.canceled = append(p.canceled, id)
	return &ProviderSubscription{ID: id, Status: "active"}, nil
}

func (p *fakeProvider) CreatePaymentIntent(_ context.Context, in PaymentIntentInput) (*ProviderPaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	id := p.next("pi")
	pi := &ProviderPaymentIntent{ID: id, Status: "requires_payment_method", ClientSecret: id + "_secret", Metadata: in.Metadata, AmountCents: in.AmountCents}
	p.intents[id] = pi
	return pi, nil
}

func (p *fakeProvider) GetPaymentIntent(_ context.Context, id string) (*ProviderPaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pi, ok := p.intents[id]
	if !ok {
		return nil, fmt.Errorf("no such payment intent %s", id)
	}
	copied := *pi
	return &copied, nil
}

func (p *fakeProvider) setIntentStatus(id, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intents[id].Status = status
}
