package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/entitlements"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/ledger"
)

var (
	ErrPlanNotPurchasable = errors.New("billing: plan cannot be purchased")
	ErrAlreadySubscribed  = errors.New("billing: account already has a subscription")
	ErrNoSubscription     = errors.New("billing: account has no subscription")
	ErrInvalidPurchase    = errors.New("billing: credits and price must be positive")
)

// Prices maps paid plans to provider price ids.
type Prices map[entitlements.Plan]string

// Service runs the outbound billing operations: starting and canceling
// subscriptions, starting credit purchases and reconciling purchases whose
// webhook never arrived.
type Service struct {
	ledger    *ledger.Ledger
	provider  Provider
	processor *Processor
	prices    Prices
	currency  string
}

// NewService creates a billing service.
func NewService(l *ledger.Ledger, provider Provider, processor *Processor, prices Prices, currency string) *Service {
	if currency == "" {
		currency = "usd"
	}
	return &Service{ledger: l, provider: provider, processor: processor, prices: prices, currency: currency}
}

// CreateSubscription starts a provider subscription for a paid plan and
// returns the client secret the frontend confirms the first payment with.
// The plan becomes effective once the invoice paid event arrives.
func (s *Service) CreateSubscription(ctx context.Context, accountID uint, planName string) (*Checkout, error) {
	plan, ok := entitlements.ParsePlan(planName)
	if !ok || !plan.IsPaid() {
		return nil, fmt.Errorf("%w: %q", ErrPlanNotPurchasable, planName)
	}
	priceID := s.prices[plan]
	if priceID == "" {
		return nil, fmt.Errorf("%w: no price configured for %s", ErrPlanNotPurchasable, plan)
	}

	account, err := s.ledger.Store().Accounts().GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.HasSubscription() && account.SubscriptionStatus != models.SubscriptionStatusCanceled {
		return nil, ErrAlreadySubscribed
	}

	customerID, err := s.ensureCustomer(ctx, account)
	if err != nil {
		return nil, err
	}
	sub, err := s.provider.CreateSubscription(ctx, customerID, priceID, map[string]string{
		metaAccountID: strconv.FormatUint(uint64(account.ID), 10),
		metaPlan:      string(plan),
	})
	if err != nil {
		return nil, err
	}

	status := mapSubscriptionStatus(sub.Status, false)
	if status == "" {
		status = models.SubscriptionStatusIncomplete
	}
	if !account.HasSubscription() {
		if err := s.ledger.Store().Accounts().UpdateSubscriptionStatus(ctx, account.ID, status); err != nil {
			return nil, err
		}
	}
	log.Infof("[Billing] Started %s subscription %s for account %d", plan, sub.ID, account.ID)
	return &Checkout{SubscriptionID: sub.ID, ClientSecret: sub.ClientSecret, Status: status}, nil
}

// CancelSubscription asks the provider to cancel at period end and mirrors
// the provider's answer locally. The deletion event later resets the plan.
func (s *Service) CancelSubscription(ctx context.Context, accountID uint) error {
	account, err := s.ledger.Store().Accounts().GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.HasSubscription() {
		return ErrNoSubscription
	}
	sub, err := s.provider.CancelSubscription(ctx, account.SubscriptionID())
	if err != nil {
		return err
	}
	status := mapSubscriptionStatus(sub.Status, true)
	if status == "" {
		status = models.SubscriptionStatusCancelAtPeriodEnd
	}
	if err := s.ledger.Store().Accounts().UpdateSubscriptionStatus(ctx, account.ID, status); err != nil {
		return err
	}
	log.Infof("[Billing] Subscription %s of account %d is %s", sub.ID, account.ID, status)
	return nil
}

// BuyCredits creates a provider payment intent and the PENDING CREDITS
// transaction it settles. The intent carries the account and credit amount
// so the purchase is still applied if the local row cannot be written.
func (s *Service) BuyCredits(ctx context.Context, accountID uint, credits, priceCents int64) (*Purchase, error) {
	if credits <= 0 || priceCents <= 0 {
		return nil, ErrInvalidPurchase
	}
	account, err := s.ledger.Store().Accounts().GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	customerID, err := s.ensureCustomer(ctx, account)
	if err != nil {
		return nil, err
	}

	pi, err := s.provider.CreatePaymentIntent(ctx, PaymentIntentInput{
		CustomerID:  customerID,
		AmountCents: priceCents,
		Currency:    s.currency,
		Metadata: map[string]string{
			metaAccountID: strconv.FormatUint(uint64(account.ID), 10),
			metaCredits:   strconv.FormatInt(credits, 10),
		},
	})
	if err != nil {
		return nil, err
	}

	txn := &models.LedgerTransaction{
		AccountID:        account.ID,
		Kind:             models.TransactionKindCredits,
		CreditDelta:      credits,
		Status:           models.TransactionStatusPending,
		ExternalEventRef: models.StringRef(pi.ID),
		Description:      fmt.Sprintf("purchase of %d credits", credits),
	}
	if err := s.ledger.Atomically(ctx, func(tx *ledger.Tx) error {
		return tx.Record(ctx, txn)
	}); err != nil {
		log.Errorf("[Billing] Payment intent %s created but pending purchase not recorded: %v", pi.ID, err)
		return nil, err
	}

	return &Purchase{
		TransactionID:   txn.PublicID,
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
		Credits:         credits,
		AmountCents:     priceCents,
	}, nil
}

// ReconcileStalePurchases checks PENDING purchases older than olderThan
// against the provider. Succeeded intents go through the webhook path,
// canceled ones close the purchase.
func (s *Service) ReconcileStalePurchases(ctx context.Context, olderThan time.Duration) (ReconcileResult, error) {
	var result ReconcileResult
	pending, err := s.ledger.Store().Transactions().ListPendingBefore(ctx, models.TransactionKindCredits, time.Now().Add(-olderThan), 100)
	if err != nil {
		return result, err
	}

	for i := range pending {
		txn := &pending[i]
		result.Checked++
		pi, err := s.provider.GetPaymentIntent(ctx, txn.Ref())
		if err != nil {
			log.Warnf("[Billing] Reconcile %s: %v", txn.PublicID, err)
			result.Failed++
			continue
		}

		switch pi.Status {
		case "succeeded":
			outcome := s.processor.Process(ctx, CreditPurchaseSucceeded{
				eventHeader:     eventHeader{ID: "reconcile:" + pi.ID, Type: EventPaymentIntentSucceeded},
				PaymentIntentID: pi.ID,
				AccountID:       txn.AccountID,
				Credits:         txn.CreditDelta,
				AmountCents:     pi.AmountCents,
			})
			if outcome.Kind == Rejected {
				result.Failed++
				continue
			}
			result.Applied++
		case "canceled":
			err := s.ledger.Atomically(ctx, func(tx *ledger.Tx) error {
				return tx.Resolve(ctx, txn, models.TransactionStatusCancelled, "payment intent canceled")
			})
			if err != nil && !errors.Is(err, ledger.ErrNotPending) {
				log.Warnf("[Billing] Reconcile %s: %v", txn.PublicID, err)
				result.Failed++
				continue
			}
			result.Cancelled++
		}
	}

	if result.Checked > 0 {
		log.Infof("[Billing] Reconciled %d stale purchases: %d applied, %d cancelled, %d failed",
			result.Checked, result.Applied, result.Cancelled, result.Failed)
	}
	return result, nil
}

func (s *Service) ensureCustomer(ctx context.Context, account *models.Account) (string, error) {
	if account.StripeCustomerID != "" {
		return account.StripeCustomerID, nil
	}
	customerID, err := s.provider.CreateCustomer(ctx, account)
	if err != nil {
		return "", err
	}
	if err := s.ledger.Store().Accounts().SetStripeCustomerID(ctx, account.ID, customerID); err != nil {
		return "", err
	}
	account.StripeCustomerID = customerID
	return customerID, nil
}
