package billing

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/ManuelReschke/ChatCredits/app/models"
)

// ProviderSubscription is the provider's answer about a subscription.
type ProviderSubscription struct {
	ID           string
	Status       string
	ClientSecret string
}

// ProviderPaymentIntent is the provider's answer about a payment intent.
type ProviderPaymentIntent struct {
	ID           string
	Status       string
	ClientSecret string
	Metadata     map[string]string
	AmountCents  int64
}

// PaymentIntentInput describes a one-off charge.
type PaymentIntentInput struct {
	CustomerID  string
	AmountCents int64
	Currency    string
	Metadata    map[string]string
}

// Provider is the outbound half of the payment provider integration.
type Provider interface {
	CreateCustomer(ctx context.Context, account *models.Account) (string, error)
	CreateSubscription(ctx context.Context, customerID, priceID string, metadata map[string]string) (*ProviderSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
	CreatePaymentIntent(ctx context.Context, in PaymentIntentInput) (*ProviderPaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*ProviderPaymentIntent, error)
}

// StripeProvider calls the Stripe API. The function fields default to the
// stripe-go resource packages.
type StripeProvider struct {
	newCustomer        func(params *stripe.CustomerParams) (*stripe.Customer, error)
	newSubscription    func(params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	updateSubscription func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	newPaymentIntent   func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	getPaymentIntent   func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// NewStripeProvider configures the global stripe-go key and returns a
// provider.
func NewStripeProvider(apiKey string) *StripeProvider {
	stripe.Key = strings.TrimSpace(apiKey)
	return &StripeProvider{
		newCustomer:        customer.New,
		newSubscription:    subscription.New,
		updateSubscription: subscription.Update,
		newPaymentIntent:   paymentintent.New,
		getPaymentIntent:   paymentintent.Get,
	}
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, account *models.Account) (string, error) {
	params := &stripe.CustomerParams{Email: stripe.String(account.Email)}
	params.Context = ctx
	params.AddMetadata(metaAccountID, strconv.FormatUint(uint64(account.ID), 10))
	c, err := p.newCustomer(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create customer: %w", err)
	}
	return c.ID, nil
}

func (p *StripeProvider) CreateSubscription(ctx context.Context, customerID, priceID string, metadata map[string]string) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	params.Context = ctx
	params.AddExpand("latest_invoice.confirmation_secret")
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	sub, err := p.newSubscription(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create subscription: %w", err)
	}
	out := &ProviderSubscription{ID: sub.ID, Status: string(sub.Status)}
	if sub.LatestInvoice != nil && sub.LatestInvoice.ConfirmationSecret != nil {
		out.ClientSecret = sub.LatestInvoice.ConfirmationSecret.ClientSecret
	}
	return out, nil
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	sub, err := p.updateSubscription(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: cancel subscription: %w", err)
	}
	return &ProviderSubscription{ID: sub.ID, Status: string(sub.Status)}, nil
}

func (p *StripeProvider) CreatePaymentIntent(ctx context.Context, in PaymentIntentInput) (*ProviderPaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(in.AmountCents),
		Currency: stripe.String(in.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if in.CustomerID != "" {
		params.Customer = stripe.String(in.CustomerID)
	}
	params.Context = ctx
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	pi, err := p.newPaymentIntent(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	return toProviderPaymentIntent(pi), nil
}

func (p *StripeProvider) GetPaymentIntent(ctx context.Context, id string) (*ProviderPaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.getPaymentIntent(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get payment intent %s: %w", id, err)
	}
	return toProviderPaymentIntent(pi), nil
}

func toProviderPaymentIntent(pi *stripe.PaymentIntent) *ProviderPaymentIntent {
	return &ProviderPaymentIntent{
		ID:           pi.ID,
		Status:       string(pi.Status),
		ClientSecret: pi.ClientSecret,
		Metadata:     pi.Metadata,
		AmountCents:  pi.Amount,
	}
}
